// Package shared contains common domain types, errors and events
// that are used across all domain packages. This package has zero external dependencies.
package shared

import (
	"errors"
	"fmt"
)

// Base error kinds. Every error the engine returns matches exactly one of
// them with errors.Is().
var (
	// ErrValidation marks malformed input rejected before any write.
	ErrValidation = errors.New("validation error")

	// ErrConcurrencyConflict marks a per-user update that lost a race with a
	// concurrent writer. Callers may retry the whole unit of work.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrNotFound marks a referenced badge, cohort or profile that does not exist.
	ErrNotFound = errors.New("entity not found")

	// ErrStoreUnavailable marks an unreachable backing store.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// Finer validation kinds. They all unwrap to ErrValidation.
var (
	ErrInvalidID       = fmt.Errorf("%w: invalid ID", ErrValidation)
	ErrInvalidInput    = fmt.Errorf("%w: invalid input", ErrValidation)
	ErrEmptyValue      = fmt.Errorf("%w: value cannot be empty", ErrValidation)
	ErrNegativeValue   = fmt.Errorf("%w: value cannot be negative", ErrValidation)
	ErrValueOutOfRange = fmt.Errorf("%w: value out of range", ErrValidation)
)

// DomainError represents a domain-specific error with context.
type DomainError struct {
	Domain  string // e.g. "ledger", "profile", "leaderboard"
	Op      string // operation that failed, e.g. "Grant", "Rank"
	Kind    error  // base error kind for errors.Is() checking
	Message string // human-readable message
	Err     error  // underlying error (optional)
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s.%s: %s: %v", e.Domain, e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s.%s: %s", e.Domain, e.Op, e.Message)
}

// Unwrap returns the underlying error for errors.Unwrap().
func (e *DomainError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return e.Kind
}

// Is implements errors.Is() matching against both the kind and the cause.
func (e *DomainError) Is(target error) bool {
	if e.Kind != nil && errors.Is(e.Kind, target) {
		return true
	}
	if e.Err != nil && errors.Is(e.Err, target) {
		return true
	}
	return false
}

// NewDomainError creates a new domain error.
func NewDomainError(domain, op string, kind error, message string) *DomainError {
	return &DomainError{
		Domain:  domain,
		Op:      op,
		Kind:    kind,
		Message: message,
	}
}

// WrapError wraps an existing error with domain context.
func WrapError(domain, op string, kind error, message string, err error) *DomainError {
	return &DomainError{
		Domain:  domain,
		Op:      op,
		Kind:    kind,
		Message: message,
		Err:     err,
	}
}

// Validationf builds a validation error with a formatted message.
func Validationf(domain, op, format string, args ...any) *DomainError {
	return NewDomainError(domain, op, ErrValidation, fmt.Sprintf(format, args...))
}

// IsNotFound checks if the error is a "not found" error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsValidation checks if the error is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsConcurrencyConflict checks if the error is a lost per-user update race.
func IsConcurrencyConflict(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}

// IsStoreUnavailable checks if the backing store could not be reached.
func IsStoreUnavailable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}

// IsTransient reports whether the caller may retry the whole operation later.
func IsTransient(err error) bool {
	return IsConcurrencyConflict(err) || IsStoreUnavailable(err)
}
