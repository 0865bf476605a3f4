package reconciler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/g8r/g8r/pkg/engine"
	"github.com/g8r/g8r/pkg/stores"
	"github.com/g8r/g8r/pkg/telemetry"
)

// Pass describes one convergence pass requested by an ingestion source.
type Pass struct {
	SourceType engine.SourceType
	SourceName string
	Revision   string
	Trigger    engine.Trigger

	// Operation is apply (the default) or destroy.
	Operation engine.Operation

	// Stack restricts the pass to the duties declared by this stack.
	Stack string

	// Duties restricts the pass to these duty names. Empty means all duties
	// (of Stack, when set).
	Duties []string

	// Rosters restricts the pass to these roster names. Empty means all.
	Rosters []string
}

// Converger runs convergence passes and records each one as a reconciliation.
type Converger struct {
	store      stores.Store
	dispatcher *engine.Dispatcher
	metrics    *telemetry.Metrics
	tracer     *telemetry.Tracer
	logger     zerolog.Logger
}

// NewConverger creates a converger over the store and dispatcher.
func NewConverger(store stores.Store, dispatcher *engine.Dispatcher, metrics *telemetry.Metrics, tracer *telemetry.Tracer, logger zerolog.Logger) *Converger {
	return &Converger{
		store:      store,
		dispatcher: dispatcher,
		metrics:    metrics,
		tracer:     tracer,
		logger:     logger.With().Str("component", "converger").Logger(),
	}
}

// Converge runs one pass and returns its completed reconciliation. Duty
// failures and plan errors are recorded on the reconciliation, not returned.
// An error means the reconciliation could not be recorded.
func (c *Converger) Converge(ctx context.Context, p Pass) (*engine.Reconciliation, error) {
	op := p.Operation
	if op == "" {
		op = engine.OperationApply
	}

	rec := &engine.Reconciliation{
		SourceType: p.SourceType,
		SourceName: p.SourceName,
		Revision:   p.Revision,
		Trigger:    p.Trigger,
		Operation:  op,
		Status:     engine.ReconciliationRunning,
	}
	if err := c.store.CreateReconciliation(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to create reconciliation: %w", err)
	}

	c.metrics.RecordReconciliationStarted()
	timer := telemetry.NewTimer()

	ctx, span := c.tracer.StartReconciliationSpan(ctx, rec.ID, string(rec.SourceType), rec.SourceName)
	defer span.End()

	logger := c.logger.With().
		Str("reconciliation_id", rec.ID).
		Str("source_type", string(rec.SourceType)).
		Str("source", rec.SourceName).
		Str("operation", string(op)).
		Logger()

	passErr := c.run(ctx, p, rec)
	if passErr != nil {
		rec.Status = engine.ReconciliationFailed
		rec.Error = passErr.Error()
		telemetry.RecordError(span, passErr)
		c.metrics.RecordError(string(engine.ClassOf(passErr)), engine.ReasonOf(passErr))
	} else if rec.Status == engine.ReconciliationFailed {
		rec.Error = summarizeFailures(rec.Outcomes)
		telemetry.RecordError(span, fmt.Errorf("%s", rec.Error))
	} else {
		telemetry.RecordSuccess(span)
	}

	// The record is completed even when the caller's context ends mid-pass.
	if err := c.store.CompleteReconciliation(context.WithoutCancel(ctx), rec); err != nil {
		c.metrics.RecordReconciliation(string(rec.SourceType), string(rec.Trigger), "unrecorded", timer.Duration())
		return nil, fmt.Errorf("failed to complete reconciliation %s: %w", rec.ID, err)
	}

	c.metrics.RecordReconciliation(string(rec.SourceType), string(rec.Trigger), string(rec.Status), timer.Duration())
	c.updateDutyGauges(context.WithoutCancel(ctx))

	event := logger.Info()
	if rec.Status == engine.ReconciliationFailed {
		event = logger.Warn().Str("error", rec.Error)
	}
	event.
		Str("status", string(rec.Status)).
		Strs("duties", rec.Duties).
		Int("outcomes", len(rec.Outcomes)).
		Dur("duration", timer.Duration()).
		Msg("Reconciliation completed")

	return rec, nil
}

// run loads the current state, resolves the scope and dispatches the pass.
func (c *Converger) run(ctx context.Context, p Pass, rec *engine.Reconciliation) error {
	duties, err := c.store.ListDuties(ctx)
	if err != nil {
		return fmt.Errorf("failed to list duties: %w", err)
	}
	rosters, err := c.store.ListRosters(ctx)
	if err != nil {
		return fmt.Errorf("failed to list rosters: %w", err)
	}

	scope, err := resolveScope(duties, p)
	if err != nil {
		return err
	}
	rec.Scope = scope

	// A stack without duties has nothing to converge.
	if p.Stack != "" && len(scope) == 0 {
		rec.Status = engine.ReconciliationSucceeded
		return nil
	}

	result, err := c.dispatcher.Run(ctx, engine.PassRequest{
		ReconciliationID: rec.ID,
		Operation:        rec.Operation,
		Duties:           duties,
		Rosters:          rosters,
		Scope:            scope,
		RosterScope:      p.Rosters,
	})
	if result != nil {
		rec.Duties = result.Duties
		rec.Outcomes = result.Outcomes
		rec.Status = result.Status
	}
	return err
}

// RecordNoop records a reconciliation that found nothing to do.
func (c *Converger) RecordNoop(ctx context.Context, p Pass) (*engine.Reconciliation, error) {
	op := p.Operation
	if op == "" {
		op = engine.OperationApply
	}
	now := time.Now()
	rec := &engine.Reconciliation{
		SourceType: p.SourceType,
		SourceName: p.SourceName,
		Revision:   p.Revision,
		Trigger:    p.Trigger,
		Operation:  op,
		Status:     engine.ReconciliationNoop,
		StartedAt:  now,
	}
	if err := c.store.CreateReconciliation(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to create reconciliation: %w", err)
	}
	if err := c.store.CompleteReconciliation(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to complete reconciliation %s: %w", rec.ID, err)
	}
	c.logger.Info().Str("reconciliation_id", rec.ID).Str("source", rec.SourceName).Msg("Nothing to converge")
	return rec, nil
}

// RecordRejected records a reconciliation for a request that failed before
// any duty could be selected, such as an unreadable queue message.
func (c *Converger) RecordRejected(ctx context.Context, p Pass, cause error) (*engine.Reconciliation, error) {
	rec := &engine.Reconciliation{
		SourceType: p.SourceType,
		SourceName: p.SourceName,
		Revision:   p.Revision,
		Trigger:    p.Trigger,
		Operation:  engine.OperationApply,
		Status:     engine.ReconciliationFailed,
		Error:      cause.Error(),
	}
	if err := c.store.CreateReconciliation(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to create reconciliation: %w", err)
	}
	if err := c.store.CompleteReconciliation(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to complete reconciliation %s: %w", rec.ID, err)
	}
	c.metrics.RecordError(string(engine.ClassOf(cause)), engine.ReasonOf(cause))
	return rec, nil
}

func (c *Converger) updateDutyGauges(ctx context.Context) {
	duties, err := c.store.ListDuties(ctx)
	if err != nil {
		c.logger.Debug().Err(err).Msg("Failed to refresh duty gauges")
		return
	}
	counts := map[engine.Phase]int{
		engine.PhasePending:           0,
		engine.PhasePendingValidation: 0,
		engine.PhaseDeployed:          0,
		engine.PhaseFailed:            0,
		engine.PhaseDestroying:        0,
		engine.PhaseAbsent:            0,
	}
	for _, d := range duties {
		counts[d.Status]++
	}
	for phase, n := range counts {
		c.metrics.SetDutyCount(string(phase), float64(n))
	}
}

// resolveScope returns the duty names the pass executes. Nil means every duty.
func resolveScope(duties []*engine.Duty, p Pass) ([]string, error) {
	known := make(map[string]*engine.Duty, len(duties))
	for _, d := range duties {
		known[d.Name] = d
	}

	var missing []string
	for _, name := range p.Duties {
		d, ok := known[name]
		if !ok || (p.Stack != "" && d.Stack != p.Stack) {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, engine.NewNotFoundError("duty", strings.Join(missing, ", "))
	}

	if p.Stack == "" {
		if len(p.Duties) == 0 {
			return nil, nil
		}
		return sortedCopy(p.Duties), nil
	}

	if len(p.Duties) > 0 {
		return sortedCopy(p.Duties), nil
	}
	scope := []string{}
	for _, d := range duties {
		if d.Stack == p.Stack {
			scope = append(scope, d.Name)
		}
	}
	sort.Strings(scope)
	return scope, nil
}

func sortedCopy(names []string) []string {
	out := append([]string(nil), names...)
	sort.Strings(out)
	return out
}

// summarizeFailures describes the failed units of a pass.
func summarizeFailures(outcomes []engine.DutyOutcome) string {
	var failed []string
	for _, o := range outcomes {
		if o.Status.IsFailure() {
			failed = append(failed, fmt.Sprintf("%s@%s: %s", o.Duty, o.Roster, o.Reason))
		}
	}
	return fmt.Sprintf("%d unit(s) failed: %s", len(failed), strings.Join(failed, "; "))
}
