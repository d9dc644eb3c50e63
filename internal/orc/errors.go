package orc

import (
	"errors"
	"fmt"
)

// Kind classifies an orchestration error. The kind decides retry behavior:
// only KindRetryableTool and KindBackpressure are safe to retry, and
// backpressure retries apply to the enqueue, never to the work itself.
type Kind string

const (
	// KindValidation marks bad input. Never retried.
	KindValidation Kind = "validation"

	// KindInsufficientCredits marks a failed credit reservation. Never
	// retried; surfaced to the caller immediately.
	KindInsufficientCredits Kind = "insufficient_credits"

	// KindRetryableTool marks a transient tool-collaborator failure
	// (network timeout, rate limit). Retried up to the step's max attempts.
	KindRetryableTool Kind = "retryable_tool"

	// KindNonRetryableTool marks a permanent tool failure (bad tool input,
	// permission denied). Fails the step immediately.
	KindNonRetryableTool Kind = "non_retryable_tool"

	// KindBackpressure marks a saturated queue. The caller must retry the
	// enqueue with its own backoff.
	KindBackpressure Kind = "backpressure"

	// KindLeaseExpired is internal: a work item's lease lapsed and the item
	// was redelivered. Not user-visible.
	KindLeaseExpired Kind = "lease_expired"

	// KindBudgetExceeded marks a run that ran past its wall-clock or
	// compute budget. Terminal; takes the cancellation path.
	KindBudgetExceeded Kind = "budget_exceeded"
)

// Error is a taxonomy-tagged orchestration error.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the error kind permits automatic retry of the
// failed work.
func (e *Error) Retryable() bool {
	return e.Kind == KindRetryableTool
}

// Errorf builds a taxonomy error from a format string.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError tags an underlying error with a kind.
func WrapError(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// KindOf extracts the taxonomy kind from err, unwrapping as needed.
// Untagged errors report an empty kind.
func KindOf(err error) Kind {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Kind
	}
	return ""
}

// IsRetryable reports whether err carries a retryable kind.
func IsRetryable(err error) bool {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Retryable()
	}
	return false
}

// ErrorInfo is the persisted snapshot of a taxonomy error, stored on an
// entity as its last_error.
type ErrorInfo struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

// InfoFromError builds an ErrorInfo from any error. Untagged errors are
// recorded with an empty kind and their Error() text.
func InfoFromError(err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	var oe *Error
	if errors.As(err, &oe) {
		return &ErrorInfo{Kind: oe.Kind, Message: oe.Error()}
	}
	return &ErrorInfo{Message: err.Error()}
}
