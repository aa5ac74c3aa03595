package main

import (
	"context"
	"log/slog"

	"github.com/dukex/evalflow/pkg/engine"
	"github.com/dukex/evalflow/pkg/eventbus"
	"github.com/dukex/evalflow/pkg/events"
	"github.com/dukex/evalflow/pkg/persistence"
	"github.com/dukex/evalflow/pkg/pipeline"
	"github.com/dukex/evalflow/pkg/triggers/schedule"
)

type Worker struct {
	id       string
	runner   *engine.Runner
	eventBus eventbus.EventBus
	schedule *schedule.Trigger
	logger   *slog.Logger
}

func NewWorker(id string, runner *engine.Runner, eventBus eventbus.EventBus, trigger *schedule.Trigger, logger *slog.Logger) *Worker {
	return &Worker{
		id:       id,
		runner:   runner,
		eventBus: eventBus,
		schedule: trigger,
		logger:   logger.With("module", "evalflow-worker", "worker_id", id),
	}
}

// Start subscribes to run requests, resumes interrupted runs and starts the
// schedules. It returns once ctx is done and in-flight runs have stopped.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.InfoContext(ctx, "Starting worker")

	if err := w.eventBus.Handle(events.ExecutionRequestedEvent, w.handleExecutionRequested); err != nil {
		return err
	}

	if err := w.eventBus.Subscribe(ctx); err != nil {
		w.logger.ErrorContext(ctx, "Failed to subscribe to event bus", "error", err)

		return err
	}

	go w.resumePending(ctx)

	if w.schedule != nil {
		if err := w.schedule.Start(ctx); err != nil {
			return err
		}

		defer func() {
			if err := w.schedule.Stop(context.WithoutCancel(ctx)); err != nil {
				w.logger.ErrorContext(ctx, "Failed to stop schedules", "error", err)
			}
		}()
	}

	w.logger.InfoContext(ctx, "Worker started successfully")

	<-ctx.Done()

	w.logger.InfoContext(ctx, "Shutting down worker...")
	w.runner.Wait()

	return nil
}

func (w *Worker) resumePending(ctx context.Context) {
	resumed, err := w.runner.Engine().ResumePending(ctx, w.runner.Machine())
	if err != nil {
		w.logger.ErrorContext(ctx, "Failed to resume pending executions", "error", err)

		return
	}

	w.logger.InfoContext(ctx, "Pending executions finished", "count", resumed)
}

// handleExecutionRequested submits a run. Malformed requests are dropped
// rather than redelivered, and a redelivered request whose execution already
// exists is acknowledged without starting a second run.
func (w *Worker) handleExecutionRequested(ctx context.Context, event any) error {
	requested, ok := event.(*events.ExecutionRequested)
	if !ok {
		w.logger.ErrorContext(ctx, "Invalid event type for ExecutionRequested")

		return nil
	}

	logger := w.logger.With("event_id", requested.ID, "source", requested.Source, "name", requested.Name)

	if err := pipeline.ValidateInput(requested.Input); err != nil {
		logger.WarnContext(ctx, "Dropping invalid execution request", "error", err)

		return nil
	}

	execution, err := w.runner.Submit(ctx, engine.StartInput{ID: requested.ExecutionID, Name: requested.Name, Input: requested.Input})
	switch {
	case persistence.IsExecutionAlreadyExists(err):
		logger.InfoContext(ctx, "Execution already requested, skipping redelivery", "execution_id", requested.ExecutionID)

		return nil
	case persistence.IsInvalidExecutionID(err):
		logger.WarnContext(ctx, "Dropping execution request with unusable id", "execution_id", requested.ExecutionID, "error", err)

		return nil
	case err != nil:
		logger.ErrorContext(ctx, "Failed to submit execution", "error", err)

		return err
	}

	logger.InfoContext(ctx, "Execution submitted", "execution_id", execution.ID)

	return nil
}
