package engine

import (
	"context"
	"fmt"
	"time"
)

// StatusReader is the read side of the store used to build status reports.
type StatusReader interface {
	ListDuties(ctx context.Context) ([]*Duty, error)
	ListTargets(ctx context.Context, duty string) ([]*DutyTarget, error)
	LatestExecution(ctx context.Context, duty, roster string) (*DutyExecution, error)
}

// TargetStatus is the status of one (duty, roster) pair.
type TargetStatus struct {
	Roster        string                 `json:"roster"`
	Phase         Phase                  `json:"phase"`
	Message       string                 `json:"message,omitempty"`
	Outputs       map[string]interface{} `json:"outputs,omitempty"`
	LastExecution *DutyExecution         `json:"last_execution,omitempty"`
}

// DutyStatus is the user-visible status of a duty: its current phase and the
// most recent execution's error detail.
type DutyStatus struct {
	Duty       string         `json:"duty"`
	Type       string         `json:"type"`
	Backend    string         `json:"backend"`
	Stack      string         `json:"stack,omitempty"`
	Phase      Phase          `json:"phase"`
	Targets    []TargetStatus `json:"targets,omitempty"`
	LastReason string         `json:"last_reason,omitempty"`
	LastError  string         `json:"last_error,omitempty"`
	LastRunAt  *time.Time     `json:"last_run_at,omitempty"`
}

// BuildStatusReport assembles the status of every duty, ordered by name.
func BuildStatusReport(ctx context.Context, r StatusReader) ([]DutyStatus, error) {
	duties, err := r.ListDuties(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list duties: %w", err)
	}

	report := make([]DutyStatus, 0, len(duties))
	for _, duty := range duties {
		status := DutyStatus{
			Duty:    duty.Name,
			Type:    duty.Type,
			Backend: duty.Backend,
			Stack:   duty.Stack,
			Phase:   duty.Status,
		}

		targets, err := r.ListTargets(ctx, duty.Name)
		if err != nil {
			return nil, fmt.Errorf("failed to list targets of %s: %w", duty.Name, err)
		}

		for _, t := range targets {
			ts := TargetStatus{
				Roster:  t.Roster,
				Phase:   t.Phase,
				Message: t.Message,
				Outputs: t.Outputs,
			}
			exec, err := r.LatestExecution(ctx, duty.Name, t.Roster)
			if err != nil && !IsNotFound(err) {
				return nil, fmt.Errorf("failed to load latest execution of %s: %w", duty.Name, err)
			}
			ts.LastExecution = exec
			status.Targets = append(status.Targets, ts)
		}

		latest, err := r.LatestExecution(ctx, duty.Name, "")
		if err != nil && !IsNotFound(err) {
			return nil, fmt.Errorf("failed to load latest execution of %s: %w", duty.Name, err)
		}
		if latest != nil {
			status.LastReason = latest.Reason
			status.LastError = latest.Error
			started := latest.StartedAt
			status.LastRunAt = &started
		}

		report = append(report, status)
	}

	return report, nil
}
