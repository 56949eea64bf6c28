// Package jobserr defines the error taxonomy shared by the job core
// packages: which failures are expected control flow, which are logged,
// and which must never happen in correct code.
package jobserr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for logging and reporting purposes.
type Kind int

const (
	// KindUserInput marks invalid input from a caller: bad promise id,
	// unknown route, invalid configuration. Reported back to the caller,
	// never logged as an error.
	KindUserInput Kind = iota
	// KindOversizePromise marks a payload that exceeded the serialization
	// limit. Non-fatal: the promise stays memory-only.
	KindOversizePromise
	// KindPersistenceFailure marks a KV write/read error. Logged; the
	// promise is treated as memory-only (writes) or absent (reads).
	KindPersistenceFailure
	// KindSchedulingInvariant marks a broken scheduling invariant: a stale
	// epoch, a double enumeration, a double return of a rented
	// cancellation source. Must never happen in correct code.
	KindSchedulingInvariant
	// KindJobCancellation marks expected cancellation control flow.
	KindJobCancellation
	// KindJobExecution marks a failure surfaced by a worker while running
	// a job. pkg/dispatch logs it; it is not stored on the child promise
	// and not propagated to the macro producer.
	KindJobExecution
)

func (k Kind) String() string {
	switch k {
	case KindUserInput:
		return "user_input"
	case KindOversizePromise:
		return "oversize_promise"
	case KindPersistenceFailure:
		return "persistence_failure"
	case KindSchedulingInvariant:
		return "scheduling_invariant"
	case KindJobCancellation:
		return "job_cancellation"
	case KindJobExecution:
		return "job_execution"
	default:
		return "unknown"
	}
}

// Error wraps an underlying error with a Kind for routing and logging.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Err: errors.New(msg)}
}

// Wrap classifies an existing error without changing its text.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// ErrOversizePromise is returned by the promise store when a payload
// exceeds the serialization limit.
var ErrOversizePromise = New(KindOversizePromise, "promise payload exceeds serialization limit")

// ErrNotFound is returned when a promise id has no known promise, live or
// on disk.
var ErrNotFound = New(KindUserInput, "promise not found")

// CancelToken identifies which cancellation source triggered a
// JobCancellation error, so callers can distinguish their own local
// cancellation from a foreign one by identity comparison.
type CancelToken interface {
	// ID is a process-unique identity for the token. Two tokens with the
	// same ID are considered the same cancellation source.
	ID() uint64
}

// CancelError is the JobCancellation-kind error carrying the identity of
// the token that triggered it.
type CancelError struct {
	Token CancelToken
}

func (e *CancelError) Error() string { return "job cancelled" }

// NewCancelError builds a JobCancellation error tagged with token.
func NewCancelError(token CancelToken) error {
	return &CancelError{Token: token}
}

// AsCancelError extracts the CancelError from err, if any.
func AsCancelError(err error) (*CancelError, bool) {
	var ce *CancelError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// IsCancelFromToken reports whether err is a CancelError triggered by the
// exact token given (identity comparison, not just "some cancellation").
func IsCancelFromToken(err error, token CancelToken) bool {
	ce, ok := AsCancelError(err)
	if !ok || token == nil {
		return false
	}
	return ce.Token != nil && ce.Token.ID() == token.ID()
}
