package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrExecutionCancelled is returned once a run observes it was cancelled.
	ErrExecutionCancelled = errors.New("execution cancelled")

	// ErrExecutionFinished indicates an operation on an execution that already reached a terminal status.
	ErrExecutionFinished = errors.New("execution already finished")

	// ErrExecutionActive indicates the execution is already running in this process.
	ErrExecutionActive = errors.New("execution is already running in this process")

	ErrMissingField      = errors.New("field not present")
	ErrEmptyCondition    = errors.New("condition has no comparison")
	ErrNoChoiceMatched   = errors.New("no choice rule matched and no default is set")
	ErrItemsNotList      = errors.New("items path does not reference a list")
	ErrUnknownState      = errors.New("unknown state")
	ErrNoAlertPublisher  = errors.New("no alert publisher configured")
	ErrMachineMismatch   = errors.New("execution belongs to a different state machine")
	ErrInvalidTaskResult = errors.New("task result is not JSON compatible")
)

// InvocationError reports a task that could not be run or returned an error.
type InvocationError struct {
	Task string
	Err  error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("task %s failed: %v", e.Task, e.Err)
}

func (e *InvocationError) Unwrap() error {
	return e.Err
}

// ConditionEvaluationError reports a choice or poll condition that could not be decided.
type ConditionEvaluationError struct {
	State    string
	Variable string
	Err      error
}

func (e *ConditionEvaluationError) Error() string {
	if e.State == "" {
		return fmt.Sprintf("condition on %s: %v", e.Variable, e.Err)
	}

	return fmt.Sprintf("state %s: condition on %s: %v", e.State, e.Variable, e.Err)
}

func (e *ConditionEvaluationError) Unwrap() error {
	return e.Err
}

// MapElementError reports the first element that failed inside a Map state.
type MapElementError struct {
	State string
	Index int
	Err   error
}

func (e *MapElementError) Error() string {
	return fmt.Sprintf("state %s: element %d failed: %v", e.State, e.Index, e.Err)
}

func (e *MapElementError) Unwrap() error {
	return e.Err
}

// PollTimeoutError reports a Poll state whose condition still held after MaxAttempts checks.
type PollTimeoutError struct {
	State    string
	Attempts int
}

func (e *PollTimeoutError) Error() string {
	return fmt.Sprintf("state %s: still polling after %d attempts", e.State, e.Attempts)
}

// StateError reports a state that cannot be executed as declared.
type StateError struct {
	State string
	Err   error
}

func (e *StateError) Error() string {
	return fmt.Sprintf("state %s: %v", e.State, e.Err)
}

func (e *StateError) Unwrap() error {
	return e.Err
}

func IsInvocationError(err error) bool {
	var target *InvocationError

	return errors.As(err, &target)
}

func IsConditionEvaluationError(err error) bool {
	var target *ConditionEvaluationError

	return errors.As(err, &target)
}

func IsMapElementError(err error) bool {
	var target *MapElementError

	return errors.As(err, &target)
}

func IsPollTimeoutError(err error) bool {
	var target *PollTimeoutError

	return errors.As(err, &target)
}

func IsCancelled(err error) bool {
	return errors.Is(err, ErrExecutionCancelled)
}

// ErrorKind names the most specific typed error in err's chain. It is
// persisted with failed executions.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case IsCancelled(err):
		return "Cancelled"
	case IsMapElementError(err):
		return "MapElementError"
	case IsPollTimeoutError(err):
		return "PollTimeoutError"
	case IsConditionEvaluationError(err):
		return "ConditionEvaluationError"
	case IsInvocationError(err):
		return "InvocationError"
	}

	var stateErr *StateError
	if errors.As(err, &stateErr) {
		return "StateError"
	}

	return "InternalError"
}
