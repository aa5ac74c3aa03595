package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/evalflow/pkg/models"
	"github.com/dukex/evalflow/pkg/persistence"
)

const selectExecutionColumns = `
	SELECT id, name, state_machine, status, input, cursor, outcome,
		   error_message, error_kind, history, owner, lease_until,
		   created_at, updated_at, completed_at
	FROM executions
`

// ExecutionRepository handles execution-related database operations.
type ExecutionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewExecutionRepository creates a new execution repository.
func NewExecutionRepository(db *sql.DB, logger *slog.Logger) *ExecutionRepository {
	return &ExecutionRepository{db: db, logger: logger}
}

// Save upserts the execution with its cursor.
func (r *ExecutionRepository) Save(ctx context.Context, execution *models.Execution) error {
	inputJSON, err := json.Marshal(execution.Input)
	if err != nil {
		return persistence.NewExecutionError("Save", execution.ID, fmt.Errorf("failed to marshal input: %w", err))
	}

	cursorJSON, err := json.Marshal(execution.Cursor)
	if err != nil {
		return persistence.NewExecutionError("Save", execution.ID, fmt.Errorf("failed to marshal cursor: %w", err))
	}

	outcomeJSON, err := json.Marshal(execution.Outcome)
	if err != nil {
		return persistence.NewExecutionError("Save", execution.ID, fmt.Errorf("failed to marshal outcome: %w", err))
	}

	history := execution.History
	if history == nil {
		history = []models.HistoryEvent{}
	}

	historyJSON, err := json.Marshal(history)
	if err != nil {
		return persistence.NewExecutionError("Save", execution.ID, fmt.Errorf("failed to marshal history: %w", err))
	}

	query := `
		INSERT INTO executions (
			id, name, state_machine, status, input, cursor, outcome,
			error_message, error_kind, history, owner, lease_until,
			created_at, updated_at, completed_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			status = EXCLUDED.status,
			cursor = EXCLUDED.cursor,
			outcome = EXCLUDED.outcome,
			error_message = EXCLUDED.error_message,
			error_kind = EXCLUDED.error_kind,
			history = EXCLUDED.history,
			owner = EXCLUDED.owner,
			lease_until = EXCLUDED.lease_until,
			updated_at = EXCLUDED.updated_at,
			completed_at = EXCLUDED.completed_at
	`

	_, err = r.db.ExecContext(ctx, query,
		execution.ID,
		execution.Name,
		execution.StateMachine,
		execution.Status,
		inputJSON,
		cursorJSON,
		outcomeJSON,
		execution.Error,
		execution.ErrorKind,
		historyJSON,
		execution.Owner,
		execution.LeaseUntil,
		execution.CreatedAt,
		execution.UpdatedAt,
		execution.CompletedAt,
	)
	if err != nil {
		return persistence.NewExecutionError("Save", execution.ID, err)
	}

	return nil
}

// Claim sets the owner and lease in one conditional update, so two
// processes racing for the same execution cannot both win.
func (r *ExecutionRepository) Claim(ctx context.Context, id, owner string, now time.Time, until *time.Time) (*models.Execution, error) {
	query := `
		UPDATE executions SET owner = $2, lease_until = $4
		WHERE id = $1 AND status = 'running'
			AND (owner = '' OR owner = $2 OR (lease_until IS NOT NULL AND lease_until <= $3))
	`

	result, err := r.db.ExecContext(ctx, query, id, owner, now, until)
	if err != nil {
		return nil, persistence.NewExecutionError("Claim", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return nil, persistence.NewExecutionError("Claim", id, err)
	}

	execution, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if affected == 0 && execution.Status == models.ExecutionStatusRunning {
		return nil, persistence.NewExecutionError("Claim", id, persistence.ErrExecutionClaimed)
	}

	return execution, nil
}

// GetByID retrieves an execution by its ID from the database.
func (r *ExecutionRepository) GetByID(ctx context.Context, id string) (*models.Execution, error) {
	row := r.db.QueryRowContext(ctx, selectExecutionColumns+" WHERE id = $1", id)

	execution, err := r.scanExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewExecutionError("GetByID", id, persistence.ErrExecutionNotFound)
		}

		return nil, persistence.NewExecutionError("GetByID", id, err)
	}

	return execution, nil
}

// ListByStatus retrieves executions in a status ordered by creation time.
func (r *ExecutionRepository) ListByStatus(ctx context.Context, status models.ExecutionStatus) ([]*models.Execution, error) {
	rows, err := r.db.QueryContext(ctx, selectExecutionColumns+" WHERE status = $1 ORDER BY created_at", status)
	if err != nil {
		return nil, persistence.NewExecutionError("ListByStatus", "", err)
	}

	return r.collect(rows)
}

// List retrieves every execution ordered by creation time.
func (r *ExecutionRepository) List(ctx context.Context) ([]*models.Execution, error) {
	rows, err := r.db.QueryContext(ctx, selectExecutionColumns+" ORDER BY created_at")
	if err != nil {
		return nil, persistence.NewExecutionError("List", "", err)
	}

	return r.collect(rows)
}

func (r *ExecutionRepository) collect(rows *sql.Rows) ([]*models.Execution, error) {
	defer func() {
		if err := rows.Close(); err != nil {
			r.logger.Error("Failed to close rows", "error", err)
		}
	}()

	executions := []*models.Execution{}

	for rows.Next() {
		execution, err := r.scanExecution(rows)
		if err != nil {
			return nil, persistence.NewExecutionError("List", "", err)
		}

		executions = append(executions, execution)
	}

	if err := rows.Err(); err != nil {
		return nil, persistence.NewExecutionError("List", "", err)
	}

	return executions, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func (r *ExecutionRepository) scanExecution(row scanner) (*models.Execution, error) {
	var (
		execution                                       models.Execution
		inputJSON, cursorJSON, outcomeJSON, historyJSON []byte
		completedAt, leaseUntil                         sql.NullTime
	)

	err := row.Scan(
		&execution.ID,
		&execution.Name,
		&execution.StateMachine,
		&execution.Status,
		&inputJSON,
		&cursorJSON,
		&outcomeJSON,
		&execution.Error,
		&execution.ErrorKind,
		&historyJSON,
		&execution.Owner,
		&leaseUntil,
		&execution.CreatedAt,
		&execution.UpdatedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	for _, field := range []struct {
		raw    []byte
		target any
		name   string
	}{
		{inputJSON, &execution.Input, "input"},
		{cursorJSON, &execution.Cursor, "cursor"},
		{outcomeJSON, &execution.Outcome, "outcome"},
		{historyJSON, &execution.History, "history"},
	} {
		if len(field.raw) == 0 {
			continue
		}

		if err := json.Unmarshal(field.raw, field.target); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s: %w", field.name, err)
		}
	}

	if leaseUntil.Valid {
		lease := leaseUntil.Time
		execution.LeaseUntil = &lease
	}

	if completedAt.Valid {
		completed := completedAt.Time
		execution.CompletedAt = &completed
	}

	return &execution, nil
}
