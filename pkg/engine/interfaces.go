package engine

import (
	"context"
)

// Handler is a pluggable backend implementing one or more duty types.
// Handlers are stateless with respect to engine internals: they receive only
// the roster and the duty, and classify their own failures with EngineError.
type Handler interface {
	// Name returns the handler name used in logs.
	Name() string

	// SupportedDutyTypes lists the duty types this handler can serve.
	SupportedDutyTypes() []string

	// RequiredRosterTraits lists traits a roster must carry before the handler is invoked.
	RequiredRosterTraits() []string

	// Validate checks the duty spec without side effects.
	Validate(ctx context.Context, roster *Roster, duty *Duty) error

	// Apply converges the target. duty.Status and duty.Outputs carry the pair's
	// previous phase and outputs so the handler can short-circuit work already done.
	Apply(ctx context.Context, roster *Roster, duty *Duty) (*HandlerResult, error)

	// Destroy removes the target. Returning a NotFound error counts as success.
	Destroy(ctx context.Context, roster *Roster, duty *Duty) error
}

// StateStore is the durable state the execution engine and dispatcher depend on.
type StateStore interface {
	// ListRosters returns all rosters ordered by name.
	ListRosters(ctx context.Context) ([]*Roster, error)

	// ListDuties returns all duties ordered by name.
	ListDuties(ctx context.Context) ([]*Duty, error)

	// GetTarget returns the convergence state of a (duty, roster) pair.
	// It returns a NotFound error if the pair has never been executed.
	GetTarget(ctx context.Context, duty, roster string) (*DutyTarget, error)

	// BeginExecution inserts a running execution. It fails with a LockContention
	// error if another execution is running for the same pair.
	BeginExecution(ctx context.Context, exec *DutyExecution) error

	// CompleteExecution marks the execution terminal and stores the pair's new
	// phase and outputs plus the duty's aggregated status in one transaction.
	CompleteExecution(ctx context.Context, exec *DutyExecution, target *DutyTarget) error
}

// ReconciliationLog persists reconciliation records.
type ReconciliationLog interface {
	CreateReconciliation(ctx context.Context, rec *Reconciliation) error
	CompleteReconciliation(ctx context.Context, rec *Reconciliation) error
}

// QueueSource is a push-based transport delivering messages for one queue.
type QueueSource interface {
	// Connect establishes the transport connection and subscription.
	Connect(ctx context.Context) error

	// Receive blocks until a message arrives or ctx is done.
	Receive(ctx context.Context) (*Message, error)

	// Ack acknowledges a processed message so it is not redelivered.
	Ack(ctx context.Context, msg *Message) error

	// Close releases the connection.
	Close() error
}

// MessageHandler interprets a queue message into a convergence request.
type MessageHandler interface {
	Name() string
	Handle(ctx context.Context, queue *Queue, msg *Message) (*ConvergenceRequest, error)
}
