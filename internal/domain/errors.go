package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrValidation               = errors.New("validation failed")
	ErrThrottled                = errors.New("admission throttled")
	ErrTransient                = errors.New("transient control plane error")
	ErrUntrustedImage           = errors.New("untrusted image")
	ErrReconciliationIncomplete = errors.New("reconciliation incomplete")
	ErrNotFound                 = errors.New("not found")
	ErrExecutionNotActive       = errors.New("execution is not active")
	ErrWorkloadFailed           = errors.New("workload failed")
	ErrInterrupted              = errors.New("orchestrator interrupted")
	ErrCredentialRevocation     = errors.New("credential revocation failed")
)

// Error codes stored on ExecutionError.
const (
	CodeValidation               = "validation_error"
	CodeThrottled                = "throttled"
	CodeTransientExhausted       = "transient_control_plane_error"
	CodeUntrustedImage           = "untrusted_image"
	CodeReconciliationIncomplete = "reconciliation_incomplete"
	CodeWorkloadFailed           = "workload_failed"
	CodeDeadlineExceeded         = "deadline_exceeded"
	CodeCredentialRevocation     = "credential_revocation_failed"
	CodeInterrupted              = "interrupted"
	CodeInternal                 = "internal_error"
)

// Validationf wraps ErrValidation with a formatted message.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// ThrottledError is returned when the Admission Controller denies a request.
type ThrottledError struct {
	RetryAfter time.Duration
	Scope      ScopeKey
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("admission throttled on %s, retry after %s", e.Scope, e.RetryAfter)
}

func (e *ThrottledError) Unwrap() error { return ErrThrottled }

// TransientError marks a control-plane failure that may succeed on retry.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Is(target error) bool { return target == ErrTransient }

func (e *TransientError) Unwrap() error { return e.Err }

// ReconciliationIncompleteError reports resources left behind after the retry budget.
type ReconciliationIncompleteError struct {
	Remaining int
}

func (e *ReconciliationIncompleteError) Error() string {
	return fmt.Sprintf("reconciliation incomplete: %d resources remain", e.Remaining)
}

func (e *ReconciliationIncompleteError) Unwrap() error { return ErrReconciliationIncomplete }

// IsRetryable reports whether err belongs to the transient class.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient)
}

// ErrorCode classifies err into the code stored on an ExecutionError.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUntrustedImage):
		return CodeUntrustedImage
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrThrottled):
		return CodeThrottled
	case errors.Is(err, ErrReconciliationIncomplete):
		return CodeReconciliationIncomplete
	case errors.Is(err, ErrWorkloadFailed):
		return CodeWorkloadFailed
	case errors.Is(err, ErrInterrupted):
		return CodeInterrupted
	case errors.Is(err, ErrCredentialRevocation):
		return CodeCredentialRevocation
	case errors.Is(err, ErrTransient):
		return CodeTransientExhausted
	case errors.Is(err, context.DeadlineExceeded):
		return CodeDeadlineExceeded
	default:
		return CodeInternal
	}
}

// NewExecutionError builds the record summary for err.
func NewExecutionError(err error) *ExecutionError {
	if err == nil {
		return nil
	}
	out := &ExecutionError{Code: ErrorCode(err), Message: err.Error()}
	var incomplete *ReconciliationIncompleteError
	if errors.As(err, &incomplete) {
		out.RemainingResources = incomplete.Remaining
	}
	return out
}
