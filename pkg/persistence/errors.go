// Package persistence provides standardized error types for persistence operations.
package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrExecutionNotFound indicates an execution was not found by the given identifier.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrExecutionAlreadyExists indicates an execution with the same identifier already exists.
	ErrExecutionAlreadyExists = errors.New("execution already exists")

	// ErrExecutionClaimed indicates another owner holds a live lease on the execution.
	ErrExecutionClaimed = errors.New("execution is owned by another process")

	// ErrInvalidExecutionID indicates an identifier that cannot be stored safely.
	ErrInvalidExecutionID = errors.New("invalid execution id")
)

// ExecutionError wraps execution storage errors with additional context.
type ExecutionError struct {
	Op          string // Operation being performed (e.g., "GetByID", "Save")
	ExecutionID string // Execution ID if applicable
	Err         error  // Underlying error
}

func (e *ExecutionError) Error() string {
	if e.ExecutionID == "" {
		return fmt.Sprintf("%s operation failed: %v", e.Op, e.Err)
	}

	return fmt.Sprintf("%s operation failed for execution %s: %v", e.Op, e.ExecutionID, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// Is implements error comparison for execution errors.
func (e *ExecutionError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewExecutionError creates a new execution error with context.
func NewExecutionError(op, executionID string, err error) *ExecutionError {
	return &ExecutionError{
		Op:          op,
		ExecutionID: executionID,
		Err:         err,
	}
}

// IsExecutionNotFound checks if an error indicates an execution was not found.
func IsExecutionNotFound(err error) bool {
	return errors.Is(err, ErrExecutionNotFound)
}

// IsInvalidExecutionID checks if an error indicates an unusable execution id.
func IsInvalidExecutionID(err error) bool {
	return errors.Is(err, ErrInvalidExecutionID)
}

// IsExecutionClaimed checks if an error indicates the execution is owned elsewhere.
func IsExecutionClaimed(err error) bool {
	return errors.Is(err, ErrExecutionClaimed)
}

// IsExecutionAlreadyExists checks if an error indicates a duplicate execution id.
func IsExecutionAlreadyExists(err error) bool {
	return errors.Is(err, ErrExecutionAlreadyExists)
}
