package errors

import (
	"errors"
	"fmt"
)

// Standard error kinds that callers check with errors.Is.
var (
	// ErrNotFound is returned when a requested resource doesn't exist
	ErrNotFound = errors.New("resource not found")

	// ErrAlreadyExists is returned when trying to create a resource that already exists
	ErrAlreadyExists = errors.New("resource already exists")

	// ErrInvalidInput is returned when the input data is invalid
	ErrInvalidInput = errors.New("invalid input data")

	// ErrInvalidTransition is returned when a status change is not allowed by a state machine
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrQuotaExceeded is returned when a tenant plan limit would be exceeded
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrResourceExhausted is returned when no free port or egress identity remains.
	// It is surfaced synchronously and never retried automatically.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrTransientUpstream is returned when a runtime is still starting or an upstream
	// call timed out. Callers absorb it into a pending state and retry lazily.
	ErrTransientUpstream = errors.New("upstream temporarily unavailable")

	// ErrInsufficientCredits is returned when a debit would take a balance below zero.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrUpstreamRejected is returned for hard provider or runtime errors.
	ErrUpstreamRejected = errors.New("upstream rejected request")

	// ErrOrphanOrLeak marks resources found by the reaper without a live owner.
	ErrOrphanOrLeak = errors.New("orphaned or leaking resource")

	// ErrDatabase is returned when a database operation fails
	ErrDatabase = errors.New("database operation failed")
)

// Error carries the failed operation and the entity it concerned next to one of the
// sentinel kinds above.
type Error struct {
	Op     string // Operation that failed (e.g., "runtime.GetOrCreate")
	Entity string // ID of the affected entity, if any
	Kind   error  // One of the sentinel errors
	Err    error  // Underlying error
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := e.Op
	if e.Entity != "" {
		msg += " " + e.Entity
	}
	msg += ": " + e.Kind.Error()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// New creates a new Error
func New(op, entity string, kind, err error) *Error {
	return &Error{Op: op, Entity: entity, Kind: kind, Err: err}
}

// Exhausted builds a ResourceExhausted error.
func Exhausted(op, entity, format string, args ...interface{}) *Error {
	return New(op, entity, ErrResourceExhausted, fmt.Errorf(format, args...))
}

// Transient builds a TransientUpstreamUnavailable error.
func Transient(op, entity string, err error) *Error {
	return New(op, entity, ErrTransientUpstream, err)
}

// Rejected builds an UpstreamRejected error.
func Rejected(op, entity string, err error) *Error {
	return New(op, entity, ErrUpstreamRejected, err)
}

// Invalid builds an InvalidInput error.
func Invalid(op, entity, format string, args ...interface{}) *Error {
	return New(op, entity, ErrInvalidInput, fmt.Errorf(format, args...))
}

// IsNotFound returns true if the error or its cause is a not found error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAlreadyExists returns true if the error or its cause is an already exists error
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}

// IsInvalidInput returns true if the error or its cause is an invalid input error
func IsInvalidInput(err error) bool {
	return errors.Is(err, ErrInvalidInput)
}

// IsTransient returns true if the error is an upstream condition that clears on its own.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientUpstream)
}

// IsExhausted returns true if no port or identity could be allocated.
func IsExhausted(err error) bool {
	return errors.Is(err, ErrResourceExhausted)
}

// IsInsufficientCredits returns true if a debit failed for lack of balance.
func IsInsufficientCredits(err error) bool {
	return errors.Is(err, ErrInsufficientCredits)
}

// IsRejected returns true if the upstream refused the request.
func IsRejected(err error) bool {
	return errors.Is(err, ErrUpstreamRejected)
}

// IsValidation returns true for errors a caller must fix before retrying:
// invalid input, duplicates and quota violations.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidInput) || errors.Is(err, ErrAlreadyExists) || errors.Is(err, ErrQuotaExceeded)
}
