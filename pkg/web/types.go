package web

import (
	"time"

	"github.com/dukex/evalflow/pkg/models"
)

// CreateExecutionRequest is the body of POST /executions.
type CreateExecutionRequest struct {
	ID    string         `json:"id,omitempty"   validate:"omitempty,max=128"`
	Name  string         `json:"name,omitempty" validate:"omitempty,max=80"`
	Input map[string]any `json:"input"          validate:"required"`
}

// ExecutionResponse is the public view of an execution. The cursor and the
// history stay internal; history has its own endpoint.
type ExecutionResponse struct {
	ID           string                 `json:"id"`
	Name         string                 `json:"name"`
	StateMachine string                 `json:"state_machine"`
	Status       models.ExecutionStatus `json:"status"`
	CurrentState string                 `json:"current_state,omitempty"`
	Input        map[string]any         `json:"input"`
	Outcome      *models.Outcome        `json:"outcome,omitempty"`
	Error        string                 `json:"error,omitempty"`
	ErrorKind    string                 `json:"error_kind,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
	CompletedAt  *time.Time             `json:"completed_at,omitempty"`
}

// HistoryResponse is the body of GET /executions/:id/history.
type HistoryResponse struct {
	ExecutionID string                 `json:"execution_id"`
	Status      models.ExecutionStatus `json:"status"`
	History     []models.HistoryEvent  `json:"history"`
}

func TransformExecutionResponse(execution *models.Execution) ExecutionResponse {
	response := ExecutionResponse{
		ID:           execution.ID,
		Name:         execution.Name,
		StateMachine: execution.StateMachine,
		Status:       execution.Status,
		Input:        execution.Input,
		Outcome:      execution.Outcome,
		Error:        execution.Error,
		ErrorKind:    execution.ErrorKind,
		CreatedAt:    execution.CreatedAt,
		UpdatedAt:    execution.UpdatedAt,
		CompletedAt:  execution.CompletedAt,
	}

	// Only running executions have a meaningful position.
	if execution.Status == models.ExecutionStatusRunning && execution.Cursor != nil {
		response.CurrentState = execution.Cursor.State
	}

	return response
}
