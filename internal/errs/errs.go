// Package errs provides kind-tagged errors shared across the engine.
// Callers branch on the Kind, never on error text, so infrastructure
// detail does not leak into operator-facing messages.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry and reporting decisions.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindConflict
	KindInvalidInput
	KindTransient
	KindFatal
	KindUnauthorised
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindInvalidInput:
		return "invalid_input"
	case KindTransient:
		return "transient"
	case KindFatal:
		return "fatal"
	case KindUnauthorised:
		return "unauthorised"
	default:
		return "unknown"
	}
}

// Error is a kind-tagged error that wraps an optional cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a kind-tagged error with a formatted message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap tags an existing error with a kind and context message.
// Returns nil when err is nil.
func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of err, unwrapping as needed.
// Untagged errors report KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsRetryable reports whether the operation that produced err may be retried.
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransient
}

// Message returns the operator-facing message for err. Only the kind is
// exposed; inner error text stays in the logs.
func Message(err error) string {
	switch KindOf(err) {
	case KindNotFound:
		return "resource not found"
	case KindConflict:
		return "resource already exists"
	case KindInvalidInput:
		return "invalid input"
	case KindTransient:
		return "temporary failure, retry later"
	case KindUnauthorised:
		return "not authorised"
	case KindFatal:
		return "internal error"
	default:
		return "unexpected error"
	}
}
