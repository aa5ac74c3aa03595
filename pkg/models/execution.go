package models

import "time"

// ExecutionStatus represents the lifecycle state of an execution.
type ExecutionStatus string

const (
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusSucceeded ExecutionStatus = "succeeded"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether no further transitions may happen.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionStatusSucceeded || s == ExecutionStatusFailed || s == ExecutionStatusCancelled
}

// OutcomeKind distinguishes the two successful terminal states of a run.
type OutcomeKind string

const (
	OutcomePassed  OutcomeKind = "passed"
	OutcomeAlerted OutcomeKind = "alerted"
)

// Outcome is the result of a run that reached a terminal state.
type Outcome struct {
	Kind    OutcomeKind `json:"kind"`
	State   string      `json:"state"`
	Output  any         `json:"output,omitempty"`
	AlertID string      `json:"alert_id,omitempty"`
}

// Execution is one durable run of a state machine.
type Execution struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	StateMachine string          `json:"state_machine"`
	Status       ExecutionStatus `json:"status"`
	Input        map[string]any  `json:"input"`
	Cursor       *Cursor         `json:"cursor"`
	Outcome      *Outcome        `json:"outcome,omitempty"`
	Error        string          `json:"error,omitempty"`
	ErrorKind    string          `json:"error_kind,omitempty"`
	History      []HistoryEvent  `json:"history,omitempty"`
	Owner        string          `json:"owner,omitempty"`
	LeaseUntil   *time.Time      `json:"lease_until,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

// ClaimableBy reports whether owner may run the execution at now: it is
// unowned, already owned by owner, or its owner's lease has lapsed. An owned
// execution without a lease is never taken over by another owner.
func (e *Execution) ClaimableBy(owner string, now time.Time) bool {
	if e.Owner == "" || e.Owner == owner {
		return true
	}

	return e.LeaseUntil != nil && !e.LeaseUntil.After(now)
}

// Cursor is the resumable position of one (sub-)machine: the state it is in,
// the working data, and the in-flight progress of composite states.
type Cursor struct {
	State    string                    `json:"state,omitempty"`
	Data     any                       `json:"data"`
	Progress map[string]*StateProgress `json:"progress,omitempty"`
	Done     bool                      `json:"done,omitempty"`
	EndState string                    `json:"end_state,omitempty"`
	Output   any                       `json:"output,omitempty"`
}

// StateProgress is persisted while a state is in flight so a resumed run
// neither restarts a wait from zero nor repeats completed sub-work.
type StateProgress struct {
	WakeAt   *time.Time `json:"wake_at,omitempty"`
	Attempts int        `json:"attempts,omitempty"`
	Items    []*Cursor  `json:"items,omitempty"`
	Branches []*Cursor  `json:"branches,omitempty"`
}

// HistoryEventType names an entry of the execution history.
type HistoryEventType string

const (
	HistoryExecutionStarted   HistoryEventType = "ExecutionStarted"
	HistoryExecutionResumed   HistoryEventType = "ExecutionResumed"
	HistoryStateEntered       HistoryEventType = "StateEntered"
	HistoryStateExited        HistoryEventType = "StateExited"
	HistoryTaskInvoked        HistoryEventType = "TaskInvoked"
	HistoryTaskFailed         HistoryEventType = "TaskFailed"
	HistoryWaitStarted        HistoryEventType = "WaitStarted"
	HistoryPollAttempt        HistoryEventType = "PollAttempt"
	HistoryChoiceTaken        HistoryEventType = "ChoiceTaken"
	HistoryMapItemCompleted   HistoryEventType = "MapItemCompleted"
	HistoryBranchCompleted    HistoryEventType = "BranchCompleted"
	HistoryAlertPublished     HistoryEventType = "AlertPublished"
	HistoryExecutionSucceeded HistoryEventType = "ExecutionSucceeded"
	HistoryExecutionFailed    HistoryEventType = "ExecutionFailed"
	HistoryExecutionCancelled HistoryEventType = "ExecutionCancelled"
)

// HistoryEvent is an append-only audit record of a run.
type HistoryEvent struct {
	Type      HistoryEventType `json:"type"`
	State     string           `json:"state,omitempty"`
	Path      string           `json:"path,omitempty"`
	Detail    string           `json:"detail,omitempty"`
	Index     *int             `json:"index,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}
