// Package apperr defines the engine's error taxonomy (§7 of the spec):
// Validation, Conflict, NotFound, Transient, Permanent, AuthZ. Sentinel
// errors plus typed wrappers let callers use errors.Is/errors.As while
// BatchOrchestrator and EventBus classify failures without parsing
// strings.
package apperr

import (
	"errors"
	"fmt"
)

// Sentinel kinds. Wrap one of these with fmt.Errorf("...: %w", ErrX) or
// use the constructors below for a richer message.
var (
	ErrValidation = errors.New("validation error")
	ErrConflict   = errors.New("conflict")
	ErrNotFound   = errors.New("not found")
	ErrTransient  = errors.New("transient error")
	ErrPermanent  = errors.New("permanent error")
	ErrAuthZ      = errors.New("authorization denied")
)

// NotFoundError reports a missing entity.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s not found", e.Entity)
	}
	return fmt.Sprintf("%s with id %q not found", e.Entity, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// NewNotFound constructs a NotFoundError.
func NewNotFound(entity, id string) error {
	return &NotFoundError{Entity: entity, ID: id}
}

// ConflictError reports a unique-constraint or racing-write conflict.
type ConflictError struct {
	Entity string
	Reason string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s conflict: %s", e.Entity, e.Reason)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// NewConflict constructs a ConflictError.
func NewConflict(entity, reason string) error {
	return &ConflictError{Entity: entity, Reason: reason}
}

// ValidationError reports a malformed or out-of-range input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NewValidation constructs a ValidationError.
func NewValidation(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// PermanentError reports an invariant violation that cannot be retried
// (e.g. mutating a sealed case, an integrity hash mismatch).
type PermanentError struct {
	Reason string
}

func (e *PermanentError) Error() string { return fmt.Sprintf("permanent: %s", e.Reason) }
func (e *PermanentError) Unwrap() error { return ErrPermanent }

// NewPermanent constructs a PermanentError.
func NewPermanent(reason string) error {
	return &PermanentError{Reason: reason}
}

// TransientError wraps an underlying I/O or external-service error that
// is safe to retry.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("transient: %s", e.Op)
	}
	return fmt.Sprintf("transient: %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return ErrTransient }

// NewTransient constructs a TransientError.
func NewTransient(op string, err error) error {
	return &TransientError{Op: op, Err: err}
}

// IsNotFound reports whether err (or any error it wraps) is a NotFound kind.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsConflict reports whether err is a Conflict kind.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

// IsTransient reports whether err is a Transient kind — the only kind
// BatchOrchestrator retries (§4.8, §7).
func IsTransient(err error) bool { return errors.Is(err, ErrTransient) }

// IsPermanent reports whether err is a Permanent kind.
func IsPermanent(err error) bool { return errors.Is(err, ErrPermanent) }

// IsValidation reports whether err is a Validation kind.
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }
