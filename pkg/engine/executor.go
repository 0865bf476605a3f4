package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/g8r/g8r/pkg/telemetry"
)

// ExecutionRequest identifies one (duty, roster) execution.
type ExecutionRequest struct {
	Operation        Operation
	Roster           *Roster
	Duty             *Duty
	ReconciliationID string
}

// ExecutionResult is the outcome of one Execute call.
type ExecutionResult struct {
	// Execution is the persisted record. Nil when the execution was skipped
	// or could not be started.
	Execution *DutyExecution

	// Outcome classifies the result for the reconciliation record.
	Outcome OutcomeStatus

	// Phase is the pair's phase after the execution.
	Phase Phase

	// Err is the typed failure, if any.
	Err error
}

// ToOutcome converts the result into a reconciliation outcome entry.
func (r *ExecutionResult) ToOutcome(duty, roster string) DutyOutcome {
	o := DutyOutcome{
		Duty:   duty,
		Roster: roster,
		Status: r.Outcome,
		Phase:  r.Phase,
	}
	if r.Execution != nil {
		o.ExecutionID = r.Execution.ID
		o.Attempts = r.Execution.Attempts
	}
	if r.Err != nil {
		o.Reason = ReasonOf(r.Err)
		o.Error = r.Err.Error()
	}
	return o
}

// ExecutorOptions configures an Executor.
type ExecutorOptions struct {
	Retry   RetryPolicy
	Metrics *telemetry.Metrics
	Tracer  *telemetry.Tracer
}

// Executor converges a single (duty, roster) pair through its handler.
// The durable store provides the per-pair execution lock.
type Executor struct {
	store    StateStore
	registry *Registry
	retry    RetryPolicy
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
	logger   zerolog.Logger
	now      func() time.Time
}

// NewExecutor creates a new duty executor.
func NewExecutor(store StateStore, registry *Registry, logger zerolog.Logger, opts ExecutorOptions) *Executor {
	retry := opts.Retry
	if retry.MaxAttempts == 0 {
		retry = DefaultRetryPolicy()
	}
	return &Executor{
		store:    store,
		registry: registry,
		retry:    retry,
		metrics:  opts.Metrics,
		tracer:   opts.Tracer,
		logger:   logger.With().Str("component", "executor").Logger(),
		now:      time.Now,
	}
}

// Apply drives the pair toward the duty's declared state.
func (e *Executor) Apply(ctx context.Context, roster *Roster, duty *Duty) *ExecutionResult {
	return e.Execute(ctx, ExecutionRequest{Operation: OperationApply, Roster: roster, Duty: duty})
}

// Destroy drives the pair toward absent. Destroying an absent resource succeeds.
func (e *Executor) Destroy(ctx context.Context, roster *Roster, duty *Duty) *ExecutionResult {
	return e.Execute(ctx, ExecutionRequest{Operation: OperationDestroy, Roster: roster, Duty: duty})
}

// Execute runs one execution: lock, resolve, validate, invoke with retry,
// interpret and commit. It never panics on handler failure; every failure
// after the lock is acquired is persisted on the execution record.
func (e *Executor) Execute(ctx context.Context, req ExecutionRequest) (res *ExecutionResult) {
	duty, roster := req.Duty, req.Roster
	op := req.Operation
	if op == "" {
		op = OperationApply
	}
	started := e.now()

	ctx, span := e.tracer.StartExecutionSpan(ctx, duty.Name, roster.Name, string(op))
	defer func() {
		if res.Err != nil && res.Outcome != OutcomeSkipped {
			telemetry.RecordError(span, res.Err)
		} else {
			telemetry.RecordSuccess(span)
		}
		span.End()
	}()

	logger := e.logger.With().
		Str("duty", duty.Name).
		Str("roster", roster.Name).
		Str("operation", string(op)).
		Logger()

	if err := ctx.Err(); err != nil {
		return &ExecutionResult{
			Outcome: OutcomeSkipped,
			Err:     NewTransientError("execution not started", err).WithCode(ErrCodeCancelled),
		}
	}

	exec := &DutyExecution{
		ID:               uuid.New().String(),
		Duty:             duty.Name,
		Roster:           roster.Name,
		Operation:        op,
		Status:           ExecutionStatusRunning,
		ReconciliationID: req.ReconciliationID,
		StartedAt:        started,
	}

	if err := e.store.BeginExecution(ctx, exec); err != nil {
		if IsLockContention(err) {
			logger.Info().Msg("Execution already in flight, skipping")
			e.metrics.RecordLockContention()
			return &ExecutionResult{Outcome: OutcomeSkipped, Err: err}
		}
		logger.Error().Err(err).Msg("Failed to begin execution")
		return &ExecutionResult{
			Outcome: OutcomeFailed,
			Phase:   PhaseFailed,
			Err:     NewTransientError("failed to begin execution", err).WithCode(ErrCodeInternal),
		}
	}

	logger = logger.With().Str("execution_id", exec.ID).Logger()
	logger.Debug().Msg("Execution started")

	prior, err := e.store.GetTarget(ctx, duty.Name, roster.Name)
	if err != nil && !IsNotFound(err) {
		return e.finish(ctx, logger, exec, nil, nil, 0,
			NewTransientError("failed to load prior execution state", err).WithCode(ErrCodeInternal))
	}
	if IsNotFound(err) {
		prior = nil
	}

	handler, err := e.registry.Resolve(duty, roster)
	if err != nil {
		return e.finish(ctx, logger, exec, prior, nil, 0, err)
	}

	view := dutyView(duty, prior)

	var (
		result   *HandlerResult
		attempts int
		runErr   error
	)
	switch op {
	case OperationDestroy:
		attempts, runErr = e.destroy(ctx, logger, handler, roster, view)
	default:
		result, attempts, runErr = e.apply(ctx, logger, handler, roster, view)
	}

	return e.finish(ctx, logger, exec, prior, result, attempts, runErr)
}

// apply validates the duty and invokes the handler's apply under the retry policy.
func (e *Executor) apply(
	ctx context.Context,
	logger zerolog.Logger,
	handler Handler,
	roster *Roster,
	duty *Duty,
) (*HandlerResult, int, error) {
	if err := handler.Validate(context.WithoutCancel(ctx), roster, duty); err != nil {
		if HasCode(err, ErrCodeValidation) {
			return nil, 0, err
		}
		return nil, 0, NewValidationError(
			fmt.Sprintf("handler %s rejected duty spec", handler.Name()), err,
		).WithResource(duty.Name)
	}

	var result *HandlerResult
	attempts, err := e.retry.Do(ctx, logger, func(attemptCtx context.Context, attempt int) error {
		timer := telemetry.NewTimer()
		res, err := handler.Apply(attemptCtx, roster, duty)
		e.metrics.RecordHandlerCall(handler.Name(), string(OperationApply), timer.Duration(), err)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		return nil, attempts, err
	}

	if result == nil {
		result = &HandlerResult{Phase: PhaseDeployed}
	}
	if result.Phase == "" {
		result.Phase = PhaseDeployed
	}
	if !result.Phase.IsHandlerPhase() {
		return nil, attempts, NewPermanentError(
			fmt.Sprintf("handler %s returned invalid phase %q", handler.Name(), result.Phase), nil,
		).WithResource(duty.Name)
	}

	from := duty.Status.Restart()
	if !from.CanTransition(result.Phase) {
		return nil, attempts, NewPermanentError(
			fmt.Sprintf("invalid phase transition %s -> %s", from, result.Phase), nil,
		).WithCode(ErrCodeInternal).WithResource(duty.Name)
	}

	return result, attempts, nil
}

// destroy invokes the handler's destroy under the retry policy.
func (e *Executor) destroy(
	ctx context.Context,
	logger zerolog.Logger,
	handler Handler,
	roster *Roster,
	duty *Duty,
) (int, error) {
	return e.retry.Do(ctx, logger, func(attemptCtx context.Context, attempt int) error {
		timer := telemetry.NewTimer()
		err := handler.Destroy(attemptCtx, roster, duty)
		e.metrics.RecordHandlerCall(handler.Name(), string(OperationDestroy), timer.Duration(), err)
		if IsNotFound(err) {
			logger.Debug().Msg("Resource already absent")
			return nil
		}
		return err
	})
}

// finish completes the execution record and the pair state in one store transaction.
func (e *Executor) finish(
	ctx context.Context,
	logger zerolog.Logger,
	exec *DutyExecution,
	prior *DutyTarget,
	result *HandlerResult,
	attempts int,
	runErr error,
) *ExecutionResult {
	now := e.now()
	exec.CompletedAt = &now
	exec.Attempts = attempts

	target := &DutyTarget{
		Duty:            exec.Duty,
		Roster:          exec.Roster,
		LastExecutionID: exec.ID,
		UpdatedAt:       now,
	}
	if prior != nil {
		target.Outputs = prior.Outputs
	}

	res := &ExecutionResult{Execution: exec}

	switch {
	case runErr != nil:
		exec.Status = ExecutionStatusFailed
		exec.Phase = PhaseFailed
		exec.Reason = ReasonOf(runErr)
		exec.Error = runErr.Error()
		target.Phase = PhaseFailed
		target.Message = runErr.Error()
		res.Outcome = OutcomeFailed
		res.Err = runErr

	case exec.Operation == OperationDestroy:
		exec.Status = ExecutionStatusSucceeded
		exec.Phase = PhaseAbsent
		target.Phase = PhaseAbsent
		target.Outputs = nil
		res.Outcome = OutcomeSucceeded

	default:
		exec.Status = ExecutionStatusSucceeded
		exec.Phase = result.Phase
		exec.Result = map[string]interface{}{
			"phase":   string(result.Phase),
			"message": result.Message,
		}
		if result.Outputs != nil {
			exec.Result["outputs"] = result.Outputs
			target.Outputs = result.Outputs
		}
		target.Phase = result.Phase
		target.Message = result.Message
		res.Outcome = OutcomeSucceeded
		if result.Phase != PhaseDeployed {
			res.Outcome = OutcomePending
		}
	}
	res.Phase = target.Phase

	// The record must be written even when the cycle was cancelled mid-call.
	if err := e.store.CompleteExecution(context.WithoutCancel(ctx), exec, target); err != nil {
		logger.Error().Err(err).Msg("Failed to record execution")
		res.Outcome = OutcomeFailed
		res.Phase = PhaseFailed
		res.Err = NewTransientError("failed to record execution", err).WithCode(ErrCodeInternal)
		return res
	}

	duration := now.Sub(exec.StartedAt)
	e.metrics.RecordExecution(string(exec.Operation), string(exec.Status), exec.Reason, duration)

	if runErr != nil {
		e.metrics.RecordError(string(ClassOf(runErr)), exec.Reason)
		logger.Warn().
			Err(runErr).
			Str("reason", exec.Reason).
			Int("attempts", attempts).
			Msg("Execution failed")
		return res
	}

	logger.Info().
		Str("phase", string(target.Phase)).
		Int("attempts", attempts).
		Dur("duration", duration).
		Msg("Execution completed")
	return res
}

// dutyView returns a copy of duty carrying the pair's prior phase and outputs.
func dutyView(duty *Duty, prior *DutyTarget) *Duty {
	view := *duty
	view.Status = ""
	view.Outputs = nil
	if prior != nil {
		view.Status = prior.Phase
		view.Outputs = prior.Outputs
	}
	return &view
}
