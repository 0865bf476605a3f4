package engine

import (
	"sort"
	"time"
)

// Roster represents a deployment target such as one cloud account in one region.
type Roster struct {
	// Name is the globally unique roster name.
	Name string `json:"name" yaml:"name" validate:"required"`

	// Type is the roster type (e.g., "aws", "cloudflare").
	Type string `json:"type" yaml:"type" validate:"required"`

	// Traits are free-form capability labels (e.g., "aws", "us-east-1").
	Traits []string `json:"traits,omitempty" yaml:"traits,omitempty"`

	// Connection holds connection parameters passed through to handlers.
	Connection map[string]interface{} `json:"connection,omitempty" yaml:"connection,omitempty"`

	// Auth is an opaque authentication reference passed through to handlers.
	Auth map[string]interface{} `json:"auth,omitempty" yaml:"auth,omitempty"`

	// Stack is the name of the stack that declared this roster, if any.
	Stack string `json:"stack,omitempty" yaml:"-"`

	// CreatedAt is when the roster was first stored.
	CreatedAt time.Time `json:"created_at" yaml:"-"`

	// UpdatedAt is when the roster was last modified.
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// HasTrait reports whether the roster carries the given trait.
func (r *Roster) HasTrait(trait string) bool {
	for _, t := range r.Traits {
		if t == trait {
			return true
		}
	}
	return false
}

// MissingTraits returns the traits from required that the roster lacks, sorted.
func (r *Roster) MissingTraits(required []string) []string {
	var missing []string
	for _, t := range required {
		if !r.HasTrait(t) {
			missing = append(missing, t)
		}
	}
	sort.Strings(missing)
	return missing
}

// RosterSelector expresses which rosters a duty targets.
type RosterSelector struct {
	// Traits must all be present on the roster.
	Traits []string `json:"traits,omitempty" yaml:"traits,omitempty"`

	// AnyTraits requires at least one of the listed traits when non-empty.
	AnyTraits []string `json:"any_traits,omitempty" yaml:"any_traits,omitempty"`

	// RosterType restricts matches to rosters of this type when set.
	RosterType string `json:"roster_type,omitempty" yaml:"roster_type,omitempty"`
}

// Duty is a desired-state declaration targeted at matching rosters.
type Duty struct {
	// Name is the globally unique duty name.
	Name string `json:"name" yaml:"name" validate:"required"`

	// Type is the duty type (e.g., "s3_bucket").
	Type string `json:"type" yaml:"type" validate:"required"`

	// Backend selects the handler implementation together with Type.
	Backend string `json:"backend" yaml:"backend" validate:"required"`

	// Selector chooses the rosters this duty applies to.
	Selector RosterSelector `json:"selector" yaml:"selector"`

	// Spec is the handler-specific specification payload.
	Spec map[string]interface{} `json:"spec,omitempty" yaml:"spec,omitempty"`

	// DependsOn lists duty names that must be deployed first.
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`

	// Status is the aggregated phase across all targeted rosters.
	Status Phase `json:"status" yaml:"-"`

	// Outputs holds the recorded outputs of each roster the duty is present
	// on, keyed by roster name. Handlers receive the outputs of the
	// (duty, roster) pair they are invoked for.
	Outputs map[string]interface{} `json:"outputs,omitempty" yaml:"-"`

	// Metadata is free-form metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty" yaml:"metadata,omitempty"`

	// Stack is the name of the stack that declared this duty, if any.
	Stack string `json:"stack,omitempty" yaml:"-"`

	// CreatedAt is when the duty was first stored.
	CreatedAt time.Time `json:"created_at" yaml:"-"`

	// UpdatedAt is when the duty was last modified.
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// DutyTarget is the convergence state of one (duty, roster) pair.
type DutyTarget struct {
	Duty            string                 `json:"duty"`
	Roster          string                 `json:"roster"`
	Phase           Phase                  `json:"phase"`
	Message         string                 `json:"message,omitempty"`
	Outputs         map[string]interface{} `json:"outputs,omitempty"`
	LastExecutionID string                 `json:"last_execution_id,omitempty"`
	UpdatedAt       time.Time              `json:"updated_at"`
}

// DutyExecution is one historical attempt to converge a (duty, roster) pair.
type DutyExecution struct {
	// ID is the unique identifier for this execution.
	ID string `json:"id"`

	// Duty is the name of the executed duty.
	Duty string `json:"duty"`

	// Roster is the target roster name. Empty once the roster has been removed.
	Roster string `json:"roster,omitempty"`

	// Operation is apply or destroy.
	Operation Operation `json:"operation"`

	// Status is running until the execution completes exactly once.
	Status ExecutionStatus `json:"status"`

	// Phase is the phase reported by the handler on success.
	Phase Phase `json:"phase,omitempty"`

	// Attempts is the number of handler invocations made.
	Attempts int `json:"attempts"`

	// Reason is the typed failure reason (an ErrCode value).
	Reason string `json:"reason,omitempty"`

	// Error is the error detail on failure.
	Error string `json:"error,omitempty"`

	// Result is the result payload on success.
	Result map[string]interface{} `json:"result,omitempty"`

	// ReconciliationID links the execution to the pass that issued it.
	ReconciliationID string `json:"reconciliation_id,omitempty"`

	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Stack is a pull-based, version-controlled configuration source.
type Stack struct {
	// Name is the unique stack name.
	Name string `json:"name" yaml:"name" validate:"required"`

	// SourceType selects the fetcher: git, s3 or local.
	SourceType string `json:"source_type" yaml:"source_type" validate:"required,oneof=git s3 local"`

	// Source holds source-specific settings (url, branch, token, bucket, key, path).
	Source map[string]string `json:"source,omitempty" yaml:"source,omitempty"`

	// ConfigPath is the configuration root inside the source.
	ConfigPath string `json:"config_path" yaml:"config_path"`

	// Interval is the reconciliation interval.
	Interval time.Duration `json:"interval" yaml:"interval"`

	LastSyncAt      *time.Time  `json:"last_sync_at,omitempty" yaml:"-"`
	LastSyncVersion string      `json:"last_sync_version,omitempty" yaml:"-"`
	Status          StackStatus `json:"status" yaml:"-"`
	Error           string      `json:"error,omitempty" yaml:"-"`

	Metadata  map[string]interface{} `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	CreatedAt time.Time              `json:"created_at" yaml:"-"`
	UpdatedAt time.Time              `json:"updated_at" yaml:"-"`
}

// Queue is a push-based event source.
type Queue struct {
	// Name is the unique queue name.
	Name string `json:"name" yaml:"name" validate:"required"`

	// QueueType selects the transport: redis or memory.
	QueueType string `json:"queue_type" yaml:"queue_type" validate:"required,oneof=redis memory"`

	// Config holds transport settings (stream, group, consumer).
	Config map[string]string `json:"config,omitempty" yaml:"config,omitempty"`

	// MessageHandler names the handler that interprets incoming messages.
	MessageHandler string `json:"message_handler" yaml:"message_handler" validate:"required"`

	// HandlerConfig is passed to the message handler.
	HandlerConfig map[string]interface{} `json:"handler_config,omitempty" yaml:"handler_config,omitempty"`

	Status    QueueStatus `json:"status" yaml:"-"`
	Error     string      `json:"error,omitempty" yaml:"-"`
	CreatedAt time.Time   `json:"created_at" yaml:"-"`
	UpdatedAt time.Time   `json:"updated_at" yaml:"-"`
}

// DutyOutcome is the result of one (duty, roster) unit within a reconciliation pass.
type DutyOutcome struct {
	Duty        string        `json:"duty"`
	Roster      string        `json:"roster"`
	Status      OutcomeStatus `json:"status"`
	Phase       Phase         `json:"phase,omitempty"`
	Reason      string        `json:"reason,omitempty"`
	Error       string        `json:"error,omitempty"`
	ExecutionID string        `json:"execution_id,omitempty"`
	Attempts    int           `json:"attempts,omitempty"`
}

// Reconciliation is the append-only record of one convergence cycle.
type Reconciliation struct {
	ID         string               `json:"id"`
	SourceType SourceType           `json:"source_type"`
	SourceName string               `json:"source_name"`
	Revision   string               `json:"revision,omitempty"`
	Trigger    Trigger              `json:"trigger"`
	Operation  Operation            `json:"operation"`
	Status     ReconciliationStatus `json:"status"`

	// Scope lists the duties the pass was restricted to. Empty means all.
	Scope []string `json:"scope,omitempty"`

	// Duties lists the duties that were executed, in dispatch order.
	Duties []string `json:"duties"`

	// Outcomes holds one entry per (duty, roster) unit considered.
	Outcomes []DutyOutcome `json:"outcomes,omitempty"`

	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Snapshot is the resolved roster and duty data produced by the configuration evaluator.
// The engine treats it as immutable for the cycle that loaded it.
type Snapshot struct {
	Rosters []Roster `json:"rosters" yaml:"rosters" validate:"dive"`
	Duties  []Duty   `json:"duties" yaml:"duties" validate:"dive"`
}

// Message is one message received from a queue source.
type Message struct {
	ID         string            `json:"id"`
	Payload    []byte            `json:"payload"`
	Attributes map[string]string `json:"attributes,omitempty"`
	ReceivedAt time.Time         `json:"received_at"`
}

// ConvergenceRequest is a targeted convergence request derived from a queue message.
type ConvergenceRequest struct {
	// Duties restricts the pass to these duty names. Empty means a full resync.
	Duties []string `json:"duties,omitempty"`

	// Rosters restricts the pass to these roster names. Empty means all matching rosters.
	Rosters []string `json:"rosters,omitempty"`

	// Revision is an optional source revision carried by the message.
	Revision string `json:"revision,omitempty"`

	// Reason is a free-form description recorded in logs.
	Reason string `json:"reason,omitempty"`
}

// HandlerResult is the structured success payload of a handler apply.
type HandlerResult struct {
	// Phase is the declared phase: deployed, pending_validation or pending.
	Phase Phase `json:"phase"`

	// Message is a human-readable progress message.
	Message string `json:"message,omitempty"`

	// Outputs are recorded and handed back to the handler on the next apply.
	Outputs map[string]interface{} `json:"outputs,omitempty"`
}
