package engine

import (
	"encoding/json"
	"fmt"
)

// Phase is a duty's convergence phase for one roster, or aggregated across rosters.
type Phase string

const (
	// PhasePending is the initial phase, and the phase a handler reports while
	// waiting on external propagation.
	PhasePending Phase = "pending"

	// PhasePendingValidation indicates the resource exists but awaits external validation.
	PhasePendingValidation Phase = "pending_validation"

	// PhaseDeployed is terminal success.
	PhaseDeployed Phase = "deployed"

	// PhaseFailed is terminal failure; a later cycle restarts from pending.
	PhaseFailed Phase = "failed"

	// PhaseDestroying indicates an explicit destroy is in progress.
	PhaseDestroying Phase = "destroying"

	// PhaseAbsent indicates the resource has been removed.
	PhaseAbsent Phase = "absent"
)

// phaseTransitions lists the phases reachable from each phase.
// Failed and absent only lead back to pending; the executor restarts them explicitly.
var phaseTransitions = map[Phase][]Phase{
	PhasePending:           {PhasePending, PhasePendingValidation, PhaseDeployed, PhaseFailed, PhaseDestroying},
	PhasePendingValidation: {PhasePending, PhasePendingValidation, PhaseDeployed, PhaseFailed, PhaseDestroying},
	PhaseDeployed:          {PhaseDeployed, PhasePending, PhasePendingValidation, PhaseFailed, PhaseDestroying},
	PhaseFailed:            {PhasePending, PhaseDestroying},
	PhaseDestroying:        {PhaseDestroying, PhaseAbsent, PhaseFailed},
	PhaseAbsent:            {PhasePending, PhaseDestroying, PhaseAbsent},
}

// IsTerminal returns true for phases that end a convergence attempt.
func (p Phase) IsTerminal() bool {
	return p == PhaseDeployed || p == PhaseFailed || p == PhaseAbsent
}

// IsConverged returns true when the pair needs no further work.
func (p Phase) IsConverged() bool {
	return p == PhaseDeployed || p == PhaseAbsent
}

// IsHandlerPhase returns true for phases a handler may declare from apply.
func (p Phase) IsHandlerPhase() bool {
	return p == PhaseDeployed || p == PhasePending || p == PhasePendingValidation
}

// Validate checks if the phase is valid.
func (p Phase) Validate() error {
	if _, ok := phaseTransitions[p]; ok {
		return nil
	}
	return fmt.Errorf("invalid phase: %s", p)
}

// CanTransition reports whether the state machine allows moving from p to next.
func (p Phase) CanTransition(next Phase) bool {
	for _, allowed := range phaseTransitions[p] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Restart returns the phase an apply starts from. Failed, absent and
// interrupted destroying pairs restart from pending.
func (p Phase) Restart() Phase {
	switch p {
	case "", PhaseFailed, PhaseAbsent, PhaseDestroying:
		return PhasePending
	default:
		return p
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (p Phase) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(p))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (p *Phase) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	if str == "" {
		*p = ""
		return nil
	}
	*p = Phase(str)
	return p.Validate()
}

// AggregatePhase folds per-roster phases into the duty's overall status.
// Any failure wins, then any in-progress phase, then deployed; all absent is absent.
func AggregatePhase(phases []Phase) Phase {
	if len(phases) == 0 {
		return PhasePending
	}

	counts := make(map[Phase]int, len(phases))
	for _, p := range phases {
		counts[p]++
	}

	switch {
	case counts[PhaseFailed] > 0:
		return PhaseFailed
	case counts[PhaseDestroying] > 0:
		return PhaseDestroying
	case counts[PhasePending] > 0:
		return PhasePending
	case counts[PhasePendingValidation] > 0:
		return PhasePendingValidation
	case counts[PhaseAbsent] == len(phases):
		return PhaseAbsent
	case counts[PhaseDeployed] > 0:
		return PhaseDeployed
	default:
		return PhasePending
	}
}

// Operation is the direction an execution drives a (duty, roster) pair.
type Operation string

const (
	// OperationApply drives the pair toward its declared state.
	OperationApply Operation = "apply"

	// OperationDestroy drives the pair toward absent.
	OperationDestroy Operation = "destroy"
)

// Validate checks if the operation is valid.
func (o Operation) Validate() error {
	switch o {
	case OperationApply, OperationDestroy:
		return nil
	default:
		return fmt.Errorf("invalid operation: %s", o)
	}
}

// ExecutionStatus is the status of a duty execution record.
type ExecutionStatus string

const (
	// ExecutionStatusRunning marks an execution in flight; it holds the pair lock.
	ExecutionStatusRunning ExecutionStatus = "running"

	// ExecutionStatusSucceeded marks a completed successful execution.
	ExecutionStatusSucceeded ExecutionStatus = "succeeded"

	// ExecutionStatusFailed marks a completed failed execution.
	ExecutionStatusFailed ExecutionStatus = "failed"
)

// IsTerminal returns true if the execution has completed.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionStatusSucceeded || s == ExecutionStatusFailed
}

// OutcomeStatus is the per-unit result within one reconciliation pass.
type OutcomeStatus string

const (
	OutcomeSucceeded        OutcomeStatus = "succeeded"
	OutcomePending          OutcomeStatus = "pending"
	OutcomeFailed           OutcomeStatus = "failed"
	OutcomeDependencyFailed OutcomeStatus = "dependency_failed"
	OutcomeBlocked          OutcomeStatus = "blocked"
	OutcomeSkipped          OutcomeStatus = "skipped"
)

// IsFailure returns true for outcomes that fail the pass.
func (s OutcomeStatus) IsFailure() bool {
	return s == OutcomeFailed || s == OutcomeDependencyFailed
}

// ReconciliationStatus is the overall status of a reconciliation.
type ReconciliationStatus string

const (
	ReconciliationRunning   ReconciliationStatus = "running"
	ReconciliationSucceeded ReconciliationStatus = "succeeded"
	ReconciliationFailed    ReconciliationStatus = "failed"

	// ReconciliationPending means nothing failed but some units have not converged yet.
	ReconciliationPending ReconciliationStatus = "pending"

	// ReconciliationNoop records a forced sync that found nothing to do.
	ReconciliationNoop ReconciliationStatus = "noop"
)

// SummarizeOutcomes derives the reconciliation status from per-unit outcomes.
func SummarizeOutcomes(outcomes []DutyOutcome) ReconciliationStatus {
	status := ReconciliationSucceeded
	for _, o := range outcomes {
		if o.Status.IsFailure() {
			return ReconciliationFailed
		}
		if o.Status != OutcomeSucceeded {
			status = ReconciliationPending
		}
	}
	return status
}

// SourceType identifies the kind of ingestion source behind a reconciliation.
type SourceType string

const (
	SourceTypeStack  SourceType = "stack"
	SourceTypeQueue  SourceType = "queue"
	SourceTypeManual SourceType = "manual"
)

// Trigger records why a reconciliation ran.
type Trigger string

const (
	TriggerScheduled Trigger = "scheduled"
	TriggerManual    Trigger = "manual"
	TriggerEvent     Trigger = "event"
)

// StackStatus is the sync status of a stack.
type StackStatus string

const (
	StackStatusPending StackStatus = "pending"
	StackStatusSyncing StackStatus = "syncing"
	StackStatusSynced  StackStatus = "synced"
	StackStatusError   StackStatus = "error"
)

// QueueStatus is the consumer status of a queue.
type QueueStatus string

const (
	QueueStatusActive QueueStatus = "active"
	QueueStatusPaused QueueStatus = "paused"
	QueueStatusError  QueueStatus = "error"
)
