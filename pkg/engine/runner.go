package engine

import (
	"context"
	"log/slog"
	"sync"

	"github.com/dukex/evalflow/pkg/models"
)

// Runner starts executions of one machine in the background. Runs use the
// runner's base context, so cancelling it interrupts them and leaves them
// running in storage for a later resume.
type Runner struct {
	base    context.Context
	engine  *Engine
	machine *models.StateMachine
	logger  *slog.Logger
	wg      sync.WaitGroup
}

func NewRunner(base context.Context, engine *Engine, machine *models.StateMachine, logger *slog.Logger) *Runner {
	return &Runner{
		base:    base,
		engine:  engine,
		machine: machine,
		logger:  logger.With("module", "runner"),
	}
}

// Submit persists a new execution and runs it asynchronously. The returned
// execution is the freshly created one.
func (r *Runner) Submit(ctx context.Context, in StartInput) (*models.Execution, error) {
	execution, err := r.engine.Create(ctx, r.machine, in)
	if err != nil {
		return nil, err
	}

	created := snapshot(execution)

	r.wg.Add(1)

	go func() {
		defer r.wg.Done()

		if _, err := r.engine.Run(r.base, r.machine, execution); err != nil {
			r.logger.WarnContext(r.base, "Execution did not succeed", "execution_id", execution.ID, "error", err)
		}
	}()

	return created, nil
}

func (r *Runner) Engine() *Engine {
	return r.engine
}

func (r *Runner) Machine() *models.StateMachine {
	return r.machine
}

// Wait blocks until every submitted run has returned.
func (r *Runner) Wait() {
	r.wg.Wait()
}
