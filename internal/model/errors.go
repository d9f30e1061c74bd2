package model

import (
	"errors"
	"fmt"

	"github.com/triteia/triteia/internal/patch"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrValidation           = errors.New("validation error")
	ErrRetryable            = errors.New("retryable error")
	ErrTransactionExhausted = errors.New("transaction retries exhausted")
	ErrInternal             = errors.New("internal error")

	// ErrPatch is raised when a stored patch cannot be applied.
	ErrPatch = patch.ErrPatch
)

// ErrorClass tells the transaction executor whether a failure may be retried.
type ErrorClass int

const (
	Fatal ErrorClass = iota
	Retryable
)

func (c ErrorClass) String() string {
	if c == Retryable {
		return "retryable"
	}
	return "fatal"
}

// ValidationError represents a rejected input.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Message)
}

func (e ValidationError) Is(target error) bool { return target == ErrValidation }

// NewValidationError creates a new validation error
func NewValidationError(field, message string) ValidationError {
	return ValidationError{Field: field, Message: message}
}

// NotFoundError reports a missing document or collection.
type NotFoundError struct {
	Ref Ref
}

func (e NotFoundError) Error() string {
	if e.Ref.System == "" && e.Ref.ID == "" {
		return fmt.Sprintf("collection %s not found", e.Ref.Collection)
	}
	return fmt.Sprintf("document %s not found", e.Ref.URI())
}

func (e NotFoundError) Is(target error) bool { return target == ErrNotFound }

// NewNotFoundError constructs NotFoundError
func NewNotFoundError(ref Ref) NotFoundError { return NotFoundError{Ref: ref} }

// RetryableError marks a backend failure that a fresh transaction may not hit
// again (timestamp collision, lock or deadlock).
type RetryableError struct {
	Err error
}

func (e RetryableError) Error() string { return "retryable: " + e.Err.Error() }

func (e RetryableError) Unwrap() error { return e.Err }

func (e RetryableError) Is(target error) bool { return target == ErrRetryable }

// NewRetryableError wraps err as retryable.
func NewRetryableError(err error) error { return RetryableError{Err: err} }

// IsNotFound checks if err is (or wraps) a not-found error.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsValidation checks if err is (or wraps) a validation error.
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

// IsRetryable checks if err is (or wraps) a retryable error.
func IsRetryable(err error) bool { return errors.Is(err, ErrRetryable) }
