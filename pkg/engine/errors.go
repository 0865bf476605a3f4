package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: network timeouts, eventual-consistency lag in the target system.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates rate limiting or quota exhaustion.
	// Retried with exponential backoff like transient errors.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates a state conflict, such as another execution
	// already holding the (duty, roster) lock.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code identifies the failure reason (see the ErrCode constants).
	Code string `json:"code,omitempty"`

	// Resource is the duty or roster that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	var sb strings.Builder
	sb.WriteString("[")
	sb.WriteString(string(e.Class))
	if e.Code != "" {
		sb.WriteString("/")
		sb.WriteString(e.Code)
	}
	sb.WriteString("] ")
	sb.WriteString(e.Message)

	switch {
	case e.Resource != "" && e.Operation != "":
		fmt.Fprintf(&sb, " (resource=%s, operation=%s)", e.Resource, e.Operation)
	case e.Resource != "":
		fmt.Fprintf(&sb, " (resource=%s)", e.Resource)
	}

	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassTransient,
		Message: message,
		Code:    ErrCodeTransient,
		Err:     err,
	}
}

// NewThrottledError creates a new throttled error.
func NewThrottledError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassThrottled,
		Message: message,
		Code:    ErrCodeRateLimited,
		Err:     err,
	}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassConflict,
		Message: message,
		Code:    ErrCodeConflict,
		Err:     err,
	}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Message: message,
		Code:    ErrCodePermanent,
		Err:     err,
	}
}

// NewConfigurationError reports malformed or unresolvable duty/roster data.
func NewConfigurationError(message string, err error) *EngineError {
	return NewPermanentError(message, err).WithCode(ErrCodeConfiguration)
}

// NewCapabilityMismatchError reports a roster that lacks traits a handler requires.
func NewCapabilityMismatchError(roster string, missing []string) *EngineError {
	return NewPermanentError(
		fmt.Sprintf("roster %s is missing required traits: %s", roster, strings.Join(missing, ", ")),
		nil,
	).WithCode(ErrCodeCapabilityMismatch).WithResource(roster).WithDetail("missing_traits", missing)
}

// NewValidationError reports a duty spec rejected by its handler.
func NewValidationError(message string, err error) *EngineError {
	return NewPermanentError(message, err).WithCode(ErrCodeValidation)
}

// NewRetryExhaustedError wraps the last transient failure once the retry policy gives up.
func NewRetryExhaustedError(attempts int, err error) *EngineError {
	return NewPermanentError(fmt.Sprintf("retries exhausted after %d attempts", attempts), err).
		WithCode(ErrCodeRetryExhausted).
		WithDetail("attempts", attempts)
}

// NewDependencyFailedError reports a prerequisite duty that did not reach terminal success.
func NewDependencyFailedError(duty, dependency string) *EngineError {
	return NewPermanentError(fmt.Sprintf("dependency %s did not succeed", dependency), nil).
		WithCode(ErrCodeDependencyFailed).
		WithResource(duty).
		WithDetail("dependency", dependency)
}

// NewPlanError reports a cyclic or unresolved dependency graph.
func NewPlanError(message string) *EngineError {
	return NewPermanentError(message, nil).WithCode(ErrCodePlan)
}

// NewLockContentionError reports another execution already in flight for a (duty, roster) pair.
func NewLockContentionError(duty, roster string, err error) *EngineError {
	return NewConflictError(fmt.Sprintf("execution already running for %s on %s", duty, roster), err).
		WithCode(ErrCodeLockContention).
		WithResource(duty)
}

// NewNotFoundError reports a missing entity.
func NewNotFoundError(kind, name string) *EngineError {
	return NewPermanentError(fmt.Sprintf("%s not found: %s", kind, name), nil).
		WithCode(ErrCodeNotFound).
		WithResource(name)
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resourceID string) *EngineError {
	e.Resource = resourceID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassThrottled
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
// Errors that are not EngineErrors are treated as permanent.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return true
}

// IsRetryable returns true if the handler classified the error as retryable.
// Only transient and throttled errors are retried; lock conflicts are skips.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsThrottled(err)
}

// IsLockContention returns true if the error reports an execution already in flight.
func IsLockContention(err error) bool {
	return HasCode(err, ErrCodeLockContention)
}

// IsNotFound returns true if the error reports a missing entity.
func IsNotFound(err error) bool {
	return HasCode(err, ErrCodeNotFound)
}

// HasCode reports whether any EngineError in the chain carries code.
func HasCode(err error, code string) bool {
	for err != nil {
		var e *EngineError
		if !errors.As(err, &e) {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.Err
	}
	return false
}

// ReasonOf returns the typed failure reason recorded for err.
func ReasonOf(err error) string {
	if err == nil {
		return ""
	}
	var e *EngineError
	if !errors.As(err, &e) {
		return ErrCodePermanent
	}
	if e.Code != "" {
		return e.Code
	}
	switch e.Class {
	case ErrorClassTransient, ErrorClassThrottled:
		return ErrCodeTransient
	case ErrorClassConflict:
		return ErrCodeConflict
	default:
		return ErrCodePermanent
	}
}

// ClassOf returns the class of err. Errors that are not EngineErrors are permanent.
func ClassOf(err error) ErrorClass {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	return ErrorClassPermanent
}

// Error codes. They double as the persisted failure reason of executions and outcomes.
const (
	ErrCodeConfiguration        = "CONFIGURATION_ERROR"
	ErrCodeCapabilityMismatch   = "CAPABILITY_MISMATCH"
	ErrCodeValidation           = "VALIDATION_ERROR"
	ErrCodeTransient            = "TRANSIENT_ERROR"
	ErrCodeRetryExhausted       = "RETRY_EXHAUSTED"
	ErrCodePermanent            = "PERMANENT_ERROR"
	ErrCodeDependencyFailed     = "DEPENDENCY_FAILED"
	ErrCodeDependencyPending    = "DEPENDENCY_PENDING"
	ErrCodePlan                 = "PLAN_ERROR"
	ErrCodeLockContention       = "LOCK_CONTENTION"
	ErrCodeNotFound             = "NOT_FOUND"
	ErrCodeAlreadyExists        = "ALREADY_EXISTS"
	ErrCodeTimeout              = "TIMEOUT"
	ErrCodeRateLimited          = "RATE_LIMITED"
	ErrCodeConflict             = "CONFLICT"
	ErrCodeCancelled            = "CANCELLED"
	ErrCodeConfirmationRequired = "CONFIRMATION_REQUIRED"
	ErrCodeInternal             = "INTERNAL_ERROR"
)
