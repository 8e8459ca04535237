// Package apperror defines the error-kind taxonomy shared by every
// component of the engine, so terminal errors on workflow instances, task
// nodes, schedules, and queue jobs can be stored, compared, and surfaced
// consistently.
package apperror

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry and propagation decisions. Kinds are
// not Go types: callers compare with Is, not type assertions.
type Kind string

const (
	// KindValidation covers invalid definitions, bad cron expressions, and
	// missing required fields. Never retried.
	KindValidation Kind = "validation"
	// KindNotFound covers missing executors, definitions, and schedules.
	// Non-retryable, recorded on the failing entity.
	KindNotFound Kind = "not_found"
	// KindTransient covers DB deadlocks, lease conflicts, and network
	// errors. Retried locally a bounded number of times.
	KindTransient Kind = "transient"
	// KindExecutorFailure covers an executor returning success=false.
	// Retried up to the node's max_attempts with backoff.
	KindExecutorFailure Kind = "executor_failure"
	// KindExecutorTimeout covers an executor exceeding its node timeout.
	// Retried as transient; exhausting the retry budget becomes terminal.
	KindExecutorTimeout Kind = "executor_timeout"
	// KindLeaseLost covers CAS failures against a lease owned by another
	// engine. The current actor must abort without writing.
	KindLeaseLost Kind = "lease_lost"
	// KindFatal covers programming/invariant errors. Terminal for the
	// entity; no component health state is kept or changed.
	KindFatal Kind = "fatal"
)

var (
	// ErrNotFound is the sentinel every NotFound-kind error wraps.
	ErrNotFound = errors.New("not found")
	// ErrInvalidInput is the sentinel every Validation-kind error wraps.
	ErrInvalidInput = errors.New("invalid input")
	// ErrConflict indicates a state conflict such as a losing CAS.
	ErrConflict = errors.New("conflict")
	// ErrLeaseLost indicates the caller no longer holds the lease it tried
	// to write under.
	ErrLeaseLost = errors.New("lease lost")
	// ErrTransient indicates a retryable infrastructure error.
	ErrTransient = errors.New("transient error")
	// ErrFatal indicates a non-retryable, terminal programming error.
	ErrFatal = errors.New("fatal error")
)

// Error is the structured, storable error shape referenced throughout
// spec.md §7: kind + message + optional details, attached to the entity
// that failed (workflow instance, task node, schedule execution, queue
// job).
type Error struct {
	Kind    Kind
	Message string
	Details map[string]string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return sentinelFor(e.Kind)
}

// Is matches the sentinel of e's Kind, so errors.Is finds it even when e
// wraps an underlying error.
func (e *Error) Is(target error) bool {
	s := sentinelFor(e.Kind)
	return s != nil && target == s
}

func sentinelFor(k Kind) error {
	switch k {
	case KindValidation:
		return ErrInvalidInput
	case KindNotFound:
		return ErrNotFound
	case KindTransient, KindExecutorTimeout:
		return ErrTransient
	case KindLeaseLost:
		return ErrLeaseLost
	case KindFatal:
		return ErrFatal
	default:
		return nil
	}
}

// New builds a structured error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap attaches a kind to an underlying error, preserving the chain.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// WithDetails attaches diagnostic key/value details to the error.
func (e *Error) WithDetails(details map[string]string) *Error {
	e.Details = details
	return e
}

// NotFound builds a NotFound-kind error for a resource kind and id.
func NotFound(resource, id string) *Error {
	return New(KindNotFound, fmt.Sprintf("%s %q not found", resource, id))
}

// Validation builds a Validation-kind error for a field.
func Validation(field, message string) *Error {
	return New(KindValidation, fmt.Sprintf("%s: %s", field, message))
}

// Transient wraps an infrastructure error as retryable.
func Transient(message string, err error) *Error {
	return Wrap(KindTransient, message, err)
}

// Fatal wraps a programming/invariant error as terminal.
func Fatal(message string, err error) *Error {
	return Wrap(KindFatal, message, err)
}

// IsNotFound reports whether err (or anything it wraps) is a NotFound error.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsValidation reports whether err (or anything it wraps) is a Validation error.
func IsValidation(err error) bool { return errors.Is(err, ErrInvalidInput) }

// IsLeaseLost reports whether err (or anything it wraps) is a lease-loss error.
func IsLeaseLost(err error) bool { return errors.Is(err, ErrLeaseLost) }

// IsTransient reports whether err (or anything it wraps) is retryable.
func IsTransient(err error) bool { return errors.Is(err, ErrTransient) }

// Retryable reports whether an error's kind should be retried by the caller.
// Only the structured Kind is consulted (an error without one is retryable
// iff it wraps ErrTransient); no retry budget is checked here.
func Retryable(err error) bool {
	var ae *Error
	if errors.As(err, &ae) {
		switch ae.Kind {
		case KindTransient, KindExecutorFailure, KindExecutorTimeout:
			return true
		default:
			return false
		}
	}
	return IsTransient(err)
}

// KindOf extracts the Kind of err, defaulting to KindFatal when err does not
// carry a structured Kind (an unexpected/programming error).
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindFatal
}
