// Package persistence provides the storage abstraction for executions.
package persistence

import (
	"context"
	"time"

	"github.com/dukex/evalflow/pkg/models"
)

type Persistence interface {
	ExecutionRepository() ExecutionRepository
	HealthCheck(ctx context.Context) error

	Close(ctx context.Context) error
}

// ExecutionRepository stores executions with their full cursor. Save is an
// upsert; every call replaces the stored document.
//
// Claim atomically hands a running execution to owner with a lease that
// lasts until the given time (nil for no expiry). It fails with
// ErrExecutionClaimed when another owner's lease is still live at now.
type ExecutionRepository interface {
	Save(ctx context.Context, execution *models.Execution) error
	Claim(ctx context.Context, id, owner string, now time.Time, until *time.Time) (*models.Execution, error)
	GetByID(ctx context.Context, id string) (*models.Execution, error)
	ListByStatus(ctx context.Context, status models.ExecutionStatus) ([]*models.Execution, error)
	List(ctx context.Context) ([]*models.Execution, error)
}
