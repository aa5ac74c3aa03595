package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dukex/evalflow/pkg/models"
	"github.com/dukex/evalflow/pkg/persistence"
)

const executionsDir = "executions"

// ExecutionRepository stores one JSON document per execution under
// <root>/executions.
type ExecutionRepository struct {
	root string
	mu   sync.Mutex
}

// NewExecutionRepository creates a new execution repository.
func NewExecutionRepository(root string) *ExecutionRepository {
	return &ExecutionRepository{root: root}
}

// validateExecutionID validates that the execution ID is safe for file operations.
func validateExecutionID(executionID string) error {
	if executionID == "" {
		return fmt.Errorf("%w: empty", persistence.ErrInvalidExecutionID)
	}

	if strings.Contains(executionID, "..") || strings.ContainsAny(executionID, `/\`) {
		return fmt.Errorf("%w: %q contains invalid characters", persistence.ErrInvalidExecutionID, executionID)
	}

	return nil
}

func (r *ExecutionRepository) dir() string {
	return filepath.Join(r.root, executionsDir)
}

// Save writes the execution atomically: a temporary file is renamed over the
// previous document so a crash never leaves a torn cursor behind.
func (r *ExecutionRepository) Save(_ context.Context, execution *models.Execution) error {
	if err := validateExecutionID(execution.ID); err != nil {
		return persistence.NewExecutionError("Save", execution.ID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	return r.writeLocked("Save", execution)
}

func (r *ExecutionRepository) writeLocked(op string, execution *models.Execution) error {
	data, err := json.Marshal(execution)
	if err != nil {
		return persistence.NewExecutionError(op, execution.ID, fmt.Errorf("failed to marshal: %w", err))
	}

	err = os.MkdirAll(r.dir(), 0750)
	if err != nil {
		return fmt.Errorf("failed to create executions directory: %w", err)
	}

	filePath := filepath.Join(r.dir(), execution.ID+".json")
	tmpPath := filePath + ".tmp"

	err = os.WriteFile(tmpPath, data, 0600)
	if err != nil {
		return persistence.NewExecutionError(op, execution.ID, err)
	}

	err = os.Rename(tmpPath, filePath)
	if err != nil {
		return persistence.NewExecutionError(op, execution.ID, err)
	}

	return nil
}

// GetByID retrieves an execution by its ID from the file system.
func (r *ExecutionRepository) GetByID(_ context.Context, id string) (*models.Execution, error) {
	if err := validateExecutionID(id); err != nil {
		return nil, persistence.NewExecutionError("GetByID", id, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	return r.readLocked("GetByID", id)
}

func (r *ExecutionRepository) readLocked(op, id string) (*models.Execution, error) {
	data, err := os.ReadFile(filepath.Join(r.dir(), id+".json")) // #nosec G304 -- id is validated
	if err != nil {
		if os.IsNotExist(err) {
			return nil, persistence.NewExecutionError(op, id, persistence.ErrExecutionNotFound)
		}

		return nil, persistence.NewExecutionError(op, id, err)
	}

	var execution models.Execution

	err = json.Unmarshal(data, &execution)
	if err != nil {
		return nil, persistence.NewExecutionError(op, id, fmt.Errorf("failed to unmarshal: %w", err))
	}

	return &execution, nil
}

// Claim hands the execution to owner under the repository lock. Claims are
// only atomic within one process sharing this repository.
func (r *ExecutionRepository) Claim(_ context.Context, id, owner string, now time.Time, until *time.Time) (*models.Execution, error) {
	if err := validateExecutionID(id); err != nil {
		return nil, persistence.NewExecutionError("Claim", id, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	execution, err := r.readLocked("Claim", id)
	if err != nil {
		return nil, err
	}

	if execution.Status != models.ExecutionStatusRunning {
		return execution, nil
	}

	if !execution.ClaimableBy(owner, now) {
		return nil, persistence.NewExecutionError("Claim", id, persistence.ErrExecutionClaimed)
	}

	execution.Owner = owner
	execution.LeaseUntil = until

	if err := r.writeLocked("Claim", execution); err != nil {
		return nil, err
	}

	return execution, nil
}

// List returns every stored execution ordered by creation time.
func (r *ExecutionRepository) List(ctx context.Context) ([]*models.Execution, error) {
	return r.filter(ctx, func(*models.Execution) bool { return true })
}

// ListByStatus returns executions in the given status ordered by creation time.
func (r *ExecutionRepository) ListByStatus(ctx context.Context, status models.ExecutionStatus) ([]*models.Execution, error) {
	return r.filter(ctx, func(execution *models.Execution) bool { return execution.Status == status })
}

func (r *ExecutionRepository) filter(ctx context.Context, keep func(*models.Execution) bool) ([]*models.Execution, error) {
	entries, err := os.ReadDir(r.dir())
	if err != nil {
		if os.IsNotExist(err) {
			return []*models.Execution{}, nil
		}

		return nil, persistence.NewExecutionError("List", "", err)
	}

	executions := []*models.Execution{}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		execution, err := r.GetByID(ctx, strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil {
			// Skip unreadable files
			continue
		}

		if keep(execution) {
			executions = append(executions, execution)
		}
	}

	sort.SliceStable(executions, func(i, j int) bool {
		return executions[i].CreatedAt.Before(executions[j].CreatedAt)
	})

	return executions, nil
}
