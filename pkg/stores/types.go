package stores

import (
	"context"
	"time"

	"github.com/g8r/g8r/pkg/engine"
)

// ExecutionFilter narrows ListExecutions. Zero values match everything.
type ExecutionFilter struct {
	Duty             string
	Roster           string
	ReconciliationID string
	Limit            int
}

// ReconciliationFilter narrows ListReconciliations. Zero values match everything.
type ReconciliationFilter struct {
	SourceType engine.SourceType
	SourceName string
	Limit      int
}

// StackSync is a compare-and-set update of a stack's sync state.
type StackSync struct {
	Status engine.StackStatus
	Error  string

	// ExpectedVersion must equal the stored last_sync_version for the update to apply.
	ExpectedVersion string

	// Version, when set, becomes the new last_sync_version and SyncedAt the new last_sync_at.
	Version  string
	SyncedAt time.Time
}

// ImportResult summarizes a snapshot import.
type ImportResult struct {
	Rosters int
	Duties  int

	// OrphanRosters and OrphanDuties are owned by the stack but absent from the snapshot.
	// They are kept; removing them requires an explicit destroy.
	OrphanRosters []string
	OrphanDuties  []string
}

// Store defines the interface for the persistence layer.
type Store interface {
	// Lifecycle
	Close() error
	Migrate(ctx context.Context) error
	HealthCheck(ctx context.Context) error

	// Roster operations
	UpsertRoster(ctx context.Context, roster *engine.Roster) error
	GetRoster(ctx context.Context, name string) (*engine.Roster, error)
	ListRosters(ctx context.Context) ([]*engine.Roster, error)
	DeleteRoster(ctx context.Context, name string) error

	// Duty operations
	UpsertDuty(ctx context.Context, duty *engine.Duty) error
	GetDuty(ctx context.Context, name string) (*engine.Duty, error)
	ListDuties(ctx context.Context) ([]*engine.Duty, error)
	DeleteDuty(ctx context.Context, name string) error
	SetDutyStatus(ctx context.Context, name string, phase engine.Phase) error

	// Pair state
	GetTarget(ctx context.Context, duty, roster string) (*engine.DutyTarget, error)
	ListTargets(ctx context.Context, duty string) ([]*engine.DutyTarget, error)

	// Execution operations
	BeginExecution(ctx context.Context, exec *engine.DutyExecution) error
	CompleteExecution(ctx context.Context, exec *engine.DutyExecution, target *engine.DutyTarget) error
	GetExecution(ctx context.Context, id string) (*engine.DutyExecution, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*engine.DutyExecution, error)
	LatestExecution(ctx context.Context, duty, roster string) (*engine.DutyExecution, error)
	RecoverStaleExecutions(ctx context.Context, olderThan time.Duration) (int, error)

	// Stack operations
	UpsertStack(ctx context.Context, stack *engine.Stack) error
	GetStack(ctx context.Context, name string) (*engine.Stack, error)
	ListStacks(ctx context.Context) ([]*engine.Stack, error)
	DeleteStack(ctx context.Context, name string) error
	UpdateStackSync(ctx context.Context, name string, sync StackSync) error

	// Queue operations
	UpsertQueue(ctx context.Context, queue *engine.Queue) error
	GetQueue(ctx context.Context, name string) (*engine.Queue, error)
	ListQueues(ctx context.Context) ([]*engine.Queue, error)
	SetQueueStatus(ctx context.Context, name string, status engine.QueueStatus, errMsg string) error
	DeleteQueue(ctx context.Context, name string) error

	// Reconciliation operations
	CreateReconciliation(ctx context.Context, rec *engine.Reconciliation) error
	CompleteReconciliation(ctx context.Context, rec *engine.Reconciliation) error
	GetReconciliation(ctx context.Context, id string) (*engine.Reconciliation, error)
	ListReconciliations(ctx context.Context, filter ReconciliationFilter) ([]*engine.Reconciliation, error)

	// Snapshot ingestion
	ImportSnapshot(ctx context.Context, stack string, snapshot *engine.Snapshot) (*ImportResult, error)
}

var (
	_ Store                    = (*SQLiteStore)(nil)
	_ Store                    = (*PostgresStore)(nil)
	_ engine.StateStore        = (*SQLiteStore)(nil)
	_ engine.ReconciliationLog = (*SQLiteStore)(nil)
	_ engine.StatusReader      = (*SQLiteStore)(nil)
)
