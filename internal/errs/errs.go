// Package errs defines the error taxonomy shared by the user model and its repositories.
package errs

import (
	"errors"
	"fmt"
)

// Sentinel errors, matched with errors.Is.
var (
	ErrValidation          = errors.New("validation failed")
	ErrUniquenessViolation = errors.New("uniqueness violation")
	ErrNotFound            = errors.New("not found")
	ErrStorageUnavailable  = errors.New("storage unavailable")
)

// ValidationError reports malformed input rejected before reaching the store.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NewValidationError builds a ValidationError for the given field.
func NewValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// UniquenessViolationError reports a username or email collision with another row.
type UniquenessViolationError struct {
	Field      string // username or email
	Constraint string // store constraint name, may be empty
}

func (e *UniquenessViolationError) Error() string {
	if e.Field == "" {
		return "uniqueness violation"
	}
	return fmt.Sprintf("uniqueness violation: %s already exists", e.Field)
}

func (e *UniquenessViolationError) Unwrap() error { return ErrUniquenessViolation }

// NotFoundError reports an update or read targeting an absent id.
type NotFoundError struct {
	ID int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("user %d not found", e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// StorageError wraps any store failure that is not a constraint violation.
// It matches both ErrStorageUnavailable and the underlying cause.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage unavailable: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() []error { return []error{ErrStorageUnavailable, e.Err} }
