// Package apperror defines the error kinds surfaced to API callers.
//
// Business outcomes (sold out, duplicate registration, expired event) are
// returned as *Error values with a Kind so handlers can map them to a status
// code without string matching. Callers use errors.As or KindOf:
//
//	if apperror.KindOf(err) == apperror.KindCapacityExceeded { ... }
package apperror

import (
	"errors"
	"fmt"
)

// Kind is a machine-checkable error category.
type Kind string

const (
	KindNotFound              Kind = "NOT_FOUND"
	KindExpired               Kind = "EXPIRED"
	KindDuplicateRegistration Kind = "DUPLICATE_REGISTRATION"
	KindCapacityExceeded      Kind = "CAPACITY_EXCEEDED"
	KindForbidden             Kind = "FORBIDDEN"
	KindNotApproved           Kind = "NOT_APPROVED"
	KindValidation            Kind = "VALIDATION_ERROR"
	KindStorageUnavailable    Kind = "STORAGE_UNAVAILABLE"
	KindUnauthorized          Kind = "UNAUTHORIZED"
	KindRateLimited           Kind = "RATE_LIMITED"
	KindInternal              Kind = "INTERNAL"
)

// Error carries a Kind, a message safe to show to the caller, and an optional
// underlying cause that is never serialized.
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

// Is matches another *Error by Kind, so errors.Is(err, apperror.New(KindNotFound, ""))
// works regardless of message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// New returns an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap returns an *Error of the given kind that keeps err as its cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func NotFound(message string) *Error         { return New(KindNotFound, message) }
func Expired(message string) *Error          { return New(KindExpired, message) }
func Forbidden(message string) *Error        { return New(KindForbidden, message) }
func NotApproved(message string) *Error      { return New(KindNotApproved, message) }
func Validation(message string) *Error       { return New(KindValidation, message) }
func Unauthorized(message string) *Error     { return New(KindUnauthorized, message) }
func CapacityExceeded(message string) *Error { return New(KindCapacityExceeded, message) }
func DuplicateRegistration(message string) *Error {
	return New(KindDuplicateRegistration, message)
}

// Unavailable wraps a transient storage failure.
func Unavailable(err error) *Error {
	return Wrap(KindStorageUnavailable, "service temporarily unavailable, please retry", err)
}

// Internal wraps an unexpected failure. The cause is kept for logging only.
func Internal(err error) *Error {
	return Wrap(KindInternal, "internal server error", err)
}

// KindOf returns the Kind of err, or KindInternal when err is not an *Error.
// A nil error has no kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Retryable reports whether the caller may resubmit the same request.
// Only transient storage failures qualify.
func Retryable(err error) bool {
	return KindOf(err) == KindStorageUnavailable
}
