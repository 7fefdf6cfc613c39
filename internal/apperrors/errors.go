// Package apperrors holds the sentinel errors and structured validation
// error shared across the orchestration core, following the same taxonomy
// the reference service keeps in its services package.
package apperrors

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an entity is not found.
	ErrNotFound = errors.New("entity not found")

	// ErrAlreadyExists is returned when a unique constraint would be violated.
	ErrAlreadyExists = errors.New("entity already exists")

	// ErrLeaseLost is returned by RefreshLease when the caller no longer
	// owns the task's worker lease.
	ErrLeaseLost = errors.New("lease lost")

	// ErrAtCapacity is returned when a bounded pool (fan-out, worker pool)
	// has no free slot.
	ErrAtCapacity = errors.New("at capacity")

	// ErrNoTasksAvailable is returned by ClaimTask when no pending task
	// exists for a worker to claim.
	ErrNoTasksAvailable = errors.New("no tasks available")

	// ErrStoreCorruption signals a schema-level violation that is not a
	// transient condition and must surface to the caller unmodified.
	ErrStoreCorruption = errors.New("store corruption")
)

// ValidationError wraps a field-specific validation failure, surfaced to
// callers as spec's INVALID_SPEC condition.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid spec: field %q: %s", e.Field, e.Message)
}

// NewValidationError constructs a ValidationError.
func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// IsValidationError reports whether err is (or wraps) a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
