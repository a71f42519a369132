package exchange

import (
	"errors"
	"fmt"
	"time"
)

// FaultKind categorizes exchange failures. The executor's retry policy keys
// off the kind, never the message.
type FaultKind string

const (
	FaultUnknownPair         FaultKind = "UNKNOWN_PAIR"
	FaultInsufficientBalance FaultKind = "INSUFFICIENT_BALANCE"
	FaultInvalidPrecision    FaultKind = "INVALID_PRECISION"
	FaultMinOrderSize        FaultKind = "MIN_ORDER_SIZE"
	FaultRateLimited         FaultKind = "RATE_LIMITED"
	FaultTransient           FaultKind = "TRANSIENT"
	FaultAuthFailed          FaultKind = "AUTH_FAILED"
	FaultCanceled            FaultKind = "CANCELED"
	FaultExpired             FaultKind = "EXPIRED"
	FaultOther               FaultKind = "OTHER"
)

// Error is a categorized exchange failure.
type Error struct {
	Kind       FaultKind
	Op         string
	Message    string
	RetryAfter time.Duration // only set for RATE_LIMITED
	Err        error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %s: %v", e.Kind, e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Kind, e.Op, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the executor may retry the operation.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case FaultRateLimited, FaultTransient:
		return true
	default:
		return false
	}
}

// NewError creates a categorized exchange error.
func NewError(kind FaultKind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// WrapError wraps an underlying error with a fault kind.
func WrapError(kind FaultKind, op string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Message: "request failed", Err: err}
}

// WithRetryAfter attaches the exchange's suggested delay.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

// KindOf returns the fault kind of err, or FaultOther when err is not an
// exchange error.
func KindOf(err error) FaultKind {
	var xerr *Error
	if errors.As(err, &xerr) {
		return xerr.Kind
	}
	return FaultOther
}

// IsKind reports whether err carries the given fault kind.
func IsKind(err error, kind FaultKind) bool {
	return KindOf(err) == kind
}

// IsRetryable reports whether err may be retried with backoff.
func IsRetryable(err error) bool {
	var xerr *Error
	if errors.As(err, &xerr) {
		return xerr.Retryable()
	}
	return false
}

// RetryAfterOf returns the suggested delay carried by a rate-limit error, or
// zero when none was supplied.
func RetryAfterOf(err error) time.Duration {
	var xerr *Error
	if errors.As(err, &xerr) {
		return xerr.RetryAfter
	}
	return 0
}
