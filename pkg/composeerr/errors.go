// Package composeerr defines the task manager's error taxonomy: a small set
// of sentinel kinds that every component wraps its failures in, so the HTTP
// layer can map a returned error to a status code without any component
// below it knowing what a status code is.
package composeerr

import (
	"errors"
	"fmt"
)

// Kind is one of the error taxonomy's six categories.
type Kind int

const (
	// KindInvalidArgument covers bad inputs to a facade call: too few
	// videos, duplicates, an empty list.
	KindInvalidArgument Kind = iota
	// KindNotFound covers an unknown task id or one not owned by the caller.
	KindNotFound
	// KindIllegalState covers cancel of a terminal task, start of a
	// non-pending task, or double-register.
	KindIllegalState
	// KindTransientPersistence covers a repository call that failed while
	// the in-memory state remains authoritative.
	KindTransientPersistence
	// KindWorkerFailure covers any unrecoverable error raised inside a
	// worker's execution.
	KindWorkerFailure
	// KindWorkerCrash covers an unexpected panic recovered by a worker's
	// finalizer.
	KindWorkerCrash
)

func (k Kind) String() string {
	switch k {
	case KindInvalidArgument:
		return "invalid_argument"
	case KindNotFound:
		return "not_found"
	case KindIllegalState:
		return "illegal_state"
	case KindTransientPersistence:
		return "transient_persistence"
	case KindWorkerFailure:
		return "worker_failure"
	case KindWorkerCrash:
		return "worker_crash"
	default:
		return "unknown"
	}
}

// Error is a sentinel-wrapped error carrying one of the taxonomy's kinds.
type Error struct {
	Kind    Kind
	Message string
	wrapped error
}

func (e *Error) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.wrapped
}

// New builds an Error of the given kind with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error of the given kind wrapping cause, in the idiom used
// throughout the repository adapter (fmt.Errorf("...: %w", err)).
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, wrapped: cause}
}

// Is reports whether err carries the given Kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind == kind
	}
	return false
}

// InvalidArgument is a convenience constructor for KindInvalidArgument.
func InvalidArgument(format string, args ...interface{}) *Error {
	return New(KindInvalidArgument, fmt.Sprintf(format, args...))
}

// NotFound is a convenience constructor for KindNotFound.
func NotFound(format string, args ...interface{}) *Error {
	return New(KindNotFound, fmt.Sprintf(format, args...))
}

// IllegalState is a convenience constructor for KindIllegalState.
func IllegalState(format string, args ...interface{}) *Error {
	return New(KindIllegalState, fmt.Sprintf(format, args...))
}
