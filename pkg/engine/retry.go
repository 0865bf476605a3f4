package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
)

// RetryPolicy bounds retries of handler calls that fail with retryable errors.
// Exceeding either MaxAttempts or MaxElapsed ends the attempt as RetryExhausted.
type RetryPolicy struct {
	// MaxAttempts is the maximum number of handler invocations, including the first.
	MaxAttempts int `yaml:"max_attempts" validate:"min=1"`

	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration `yaml:"base_delay"`

	// MaxDelay caps the exponential delay between retries.
	MaxDelay time.Duration `yaml:"max_delay"`

	// MaxElapsed bounds the total time spent across attempts and delays. Zero disables it.
	MaxElapsed time.Duration `yaml:"max_elapsed"`

	// AttemptTimeout bounds a single handler invocation. Zero disables it.
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`

	// Jitter randomizes each delay by up to half its value.
	Jitter bool `yaml:"jitter"`
}

// DefaultRetryPolicy returns the retry policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    5,
		BaseDelay:      time.Second,
		MaxDelay:       time.Minute,
		MaxElapsed:     10 * time.Minute,
		AttemptTimeout: 5 * time.Minute,
		Jitter:         true,
	}
}

// newBackOff builds the exponential delay sequence for one retry loop.
func (p RetryPolicy) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.MaxInterval = p.MaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	if p.Jitter {
		b.RandomizationFactor = 0.5
	}
	if b.InitialInterval <= 0 {
		b.InitialInterval = time.Second
	}
	if b.MaxInterval <= 0 {
		b.MaxInterval = time.Minute
	}
	b.Reset()
	return b
}

// Do invokes fn until it succeeds, fails with a non-retryable error, or the
// policy is exhausted. It returns the number of attempts made.
//
// Each attempt runs on a context detached from ctx's cancellation so that an
// in-flight external call is never torn down; ctx is only consulted at attempt
// boundaries. AttemptTimeout still applies to every attempt.
func (p RetryPolicy) Do(
	ctx context.Context,
	logger zerolog.Logger,
	fn func(ctx context.Context, attempt int) error,
) (int, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	b := p.newBackOff()
	start := time.Now()

	for attempt := 1; ; attempt++ {
		err := p.invoke(ctx, attempt, fn)
		if err == nil {
			return attempt, nil
		}

		if !IsRetryable(err) {
			return attempt, err
		}

		if attempt >= maxAttempts {
			return attempt, NewRetryExhaustedError(attempt, err)
		}

		delay := b.NextBackOff()
		if p.MaxElapsed > 0 && time.Since(start)+delay > p.MaxElapsed {
			return attempt, NewRetryExhaustedError(attempt, err).
				WithDetail("max_elapsed", p.MaxElapsed.String())
		}

		logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("max_attempts", maxAttempts).
			Dur("delay", delay).
			Str("reason", ReasonOf(err)).
			Msg("Retrying after transient failure")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, NewTransientError("cancelled before retry", err).
				WithCode(ErrCodeCancelled).
				WithDetail("attempts", attempt)
		case <-timer.C:
		}
	}
}

// invoke runs one attempt with the per-attempt timeout applied.
func (p RetryPolicy) invoke(ctx context.Context, attempt int, fn func(ctx context.Context, attempt int) error) error {
	attemptCtx := context.WithoutCancel(ctx)
	if p.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(attemptCtx, p.AttemptTimeout)
		defer cancel()
	}

	err := fn(attemptCtx, attempt)
	if err == nil {
		return nil
	}

	var engineErr *EngineError
	if !errors.As(err, &engineErr) && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return NewTransientError(fmt.Sprintf("attempt timed out after %s", p.AttemptTimeout), err).
			WithCode(ErrCodeTimeout)
	}
	return err
}
