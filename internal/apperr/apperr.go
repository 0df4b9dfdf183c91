// Package apperr classifies errors by kind so callers can route them:
// the API layer maps kinds to HTTP status codes, the registry layer
// decides retryability, and batch handlers decide whether a failure
// should poison cached state.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is the error taxonomy. Compare with KindOf, not type assertions.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindUpstreamAuth
	KindNotFound
	KindTransient
	KindRateLimit
	KindConflict
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindUpstreamAuth:
		return "upstream_auth"
	case KindNotFound:
		return "not_found"
	case KindTransient:
		return "transient"
	case KindRateLimit:
		return "rate_limit"
	case KindConflict:
		return "conflict"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error carries a kind alongside the wrapped cause.
type Error struct {
	Kind Kind
	Err  error

	// RetryAfterSec is set for rate-limit errors when the upstream
	// supplied a Retry-After header.
	RetryAfterSec int
}

func (e *Error) Error() string { return e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// New creates a kinded error with a formatted message.
func New(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Wrap attaches a kind to an existing error. Returns nil for nil.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// Validation creates a validation error (bad user input, 4xx, never retried).
func Validation(format string, args ...any) error {
	return New(KindValidation, format, args...)
}

// Conflict creates a conflict error (job already running, duplicates).
func Conflict(format string, args ...any) error {
	return New(KindConflict, format, args...)
}

// NotFound creates a not-found error.
func NotFound(format string, args ...any) error {
	return New(KindNotFound, format, args...)
}

// RateLimited creates a rate-limit error carrying the upstream Retry-After.
func RateLimited(retryAfterSec int, format string, args ...any) error {
	return &Error{Kind: KindRateLimit, Err: fmt.Errorf(format, args...), RetryAfterSec: retryAfterSec}
}

// KindOf extracts the kind from an error chain, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsTransient reports whether the error should be retried with backoff.
func IsTransient(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindRateLimit:
		return true
	default:
		return false
	}
}

// RetryAfter returns the upstream-provided Retry-After seconds, or 0.
func RetryAfter(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfterSec
	}
	return 0
}
