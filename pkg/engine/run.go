package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dukex/evalflow/pkg/events"
	"github.com/dukex/evalflow/pkg/models"
	"github.com/dukex/evalflow/pkg/otelhelper"
	"github.com/dukex/evalflow/pkg/persistence"
	"github.com/dukex/evalflow/pkg/template"
	"go.opentelemetry.io/otel/attribute"
)

// run is one in-process execution. Every mutation of exec happens inside
// commit, under mu, and is saved before commit returns.
type run struct {
	engine  *Engine
	machine *models.StateMachine
	stop    context.CancelFunc

	mu        sync.Mutex
	exec      *models.Execution
	cancelled bool
}

// mapItem is the Map element a cursor was started for.
type mapItem struct {
	index int
	value any
}

func (r *run) commit(ctx context.Context, mutate func()) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkCancelledLocked(ctx); err != nil {
		return err
	}

	mutate()

	now := r.engine.clock.Now().UTC()
	r.exec.UpdatedAt = now

	if until := r.engine.leaseUntil(now); until != nil && !r.exec.Status.Terminal() {
		r.exec.LeaseUntil = until
	}

	if err := r.engine.repo.Save(ctx, r.exec); err != nil {
		return fmt.Errorf("failed to checkpoint execution: %w", err)
	}

	return nil
}

// heartbeat renews the lease while the run sits in a long state. The
// returned func stops it and waits for the last renewal.
func (r *run) heartbeat(ctx context.Context) func() {
	ttl := r.engine.leaseTTL
	if ttl <= 0 {
		return func() {}
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	ticker := r.engine.clock.NewTicker(ttl / 3)

	go func() {
		defer close(done)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				if err := r.commit(ctx, func() {}); err != nil && ctx.Err() == nil {
					r.engine.logger.WarnContext(ctx, "Failed to renew lease", "execution_id", r.exec.ID, "error", err)
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// release gives up ownership of an interrupted run so another process can
// resume it without waiting for the lease to lapse.
func (r *run) release(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkCancelledLocked(ctx); err != nil {
		return
	}

	r.exec.Owner = ""
	r.exec.LeaseUntil = nil

	if err := r.engine.repo.Save(ctx, r.exec); err != nil {
		r.engine.logger.WarnContext(ctx, "Failed to release execution", "execution_id", r.exec.ID, "error", err)
	}
}

// guard stops the run when its context ended or it was cancelled.
func (r *run) guard(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	return r.checkCancelledLocked(ctx)
}

func (r *run) checkCancelledLocked(ctx context.Context) error {
	if r.cancelled {
		return ErrExecutionCancelled
	}

	stored, err := r.engine.repo.GetByID(ctx, r.exec.ID)
	if err != nil {
		if persistence.IsExecutionNotFound(err) {
			return nil
		}

		return fmt.Errorf("failed to read execution status: %w", err)
	}

	if stored.Status == models.ExecutionStatusCancelled {
		r.cancelled = true

		return ErrExecutionCancelled
	}

	return nil
}

// record appends a history event; callers hold mu.
func (r *run) record(event models.HistoryEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = r.engine.clock.Now().UTC()
	}

	r.exec.History = append(r.exec.History, event)

	if limit := r.engine.historyLimit; limit > 0 && len(r.exec.History) > limit {
		r.exec.History = append([]models.HistoryEvent(nil), r.exec.History[len(r.exec.History)-limit:]...)
	}
}

// note records a history event that is persisted with the next commit.
func (r *run) note(event models.HistoryEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.record(event)
}

func (r *run) cancel(ctx context.Context) (*models.Execution, error) {
	r.mu.Lock()

	if r.cancelled || r.exec.Status.Terminal() {
		snapshot := snapshot(r.exec)
		r.mu.Unlock()

		return snapshot, fmt.Errorf("%w: %s is %s", ErrExecutionFinished, r.exec.ID, snapshot.Status)
	}

	now := r.engine.clock.Now().UTC()
	r.cancelled = true
	r.exec.Status = models.ExecutionStatusCancelled
	r.exec.CompletedAt = &now
	r.exec.UpdatedAt = now
	r.record(models.HistoryEvent{Type: models.HistoryExecutionCancelled, State: r.exec.Cursor.State})

	err := r.engine.repo.Save(ctx, r.exec)
	copied := snapshot(r.exec)
	r.mu.Unlock()

	r.stop()

	if err != nil {
		return copied, fmt.Errorf("failed to persist cancellation: %w", err)
	}

	return copied, nil
}

func (r *run) finish(ctx context.Context, runErr error) (*models.Execution, error) {
	parentErr := ctx.Err()
	ctx = context.WithoutCancel(ctx)
	logger := r.engine.logger.With("execution_id", r.exec.ID)

	r.mu.Lock()
	cancelled := r.cancelled
	r.mu.Unlock()

	if cancelled || IsCancelled(runErr) {
		return r.cancelledResult(ctx)
	}

	if runErr != nil && parentErr != nil {
		logger.WarnContext(ctx, "Execution interrupted, left running for resume", "error", runErr)
		r.release(ctx)

		return r.exec, runErr
	}

	now := r.engine.clock.Now().UTC()
	duration := now.Sub(r.exec.CreatedAt)

	if runErr == nil {
		outcome := r.outcome()

		err := r.commit(ctx, func() {
			r.exec.Status = models.ExecutionStatusSucceeded
			r.exec.Outcome = outcome
			r.exec.CompletedAt = &now
			r.record(models.HistoryEvent{Type: models.HistoryExecutionSucceeded, State: outcome.State, Detail: string(outcome.Kind)})
		})
		if err != nil {
			if IsCancelled(err) {
				return r.cancelledResult(ctx)
			}

			return r.exec, err
		}

		logger.InfoContext(ctx, "Execution succeeded", "outcome", outcome.Kind, "state", outcome.State)
		r.engine.publish(ctx, r.exec.ID, events.ExecutionCompleted{
			BaseEvent: events.NewBaseEvent(events.ExecutionCompletedEvent, r.exec.ID),
			Outcome:   outcome.Kind,
			State:     outcome.State,
			Output:    outcome.Output,
			Duration:  duration,
		})

		return r.exec, nil
	}

	kind := ErrorKind(runErr)

	err := r.commit(ctx, func() {
		r.exec.Status = models.ExecutionStatusFailed
		r.exec.Error = runErr.Error()
		r.exec.ErrorKind = kind
		r.exec.CompletedAt = &now
		r.record(models.HistoryEvent{Type: models.HistoryExecutionFailed, State: r.exec.Cursor.State, Detail: runErr.Error()})
	})
	if err != nil {
		if IsCancelled(err) {
			return r.cancelledResult(ctx)
		}

		logger.ErrorContext(ctx, "Failed to persist execution failure", "error", err)
	}

	logger.ErrorContext(ctx, "Execution failed", "error_kind", kind, "error", runErr)
	r.engine.publish(ctx, r.exec.ID, events.ExecutionFailed{
		BaseEvent: events.NewBaseEvent(events.ExecutionFailedEvent, r.exec.ID),
		Error:     runErr.Error(),
		ErrorKind: kind,
		Duration:  duration,
	})

	return r.exec, runErr
}

func (r *run) cancelledResult(ctx context.Context) (*models.Execution, error) {
	stored, err := r.engine.repo.GetByID(ctx, r.exec.ID)
	if err != nil {
		return r.exec, ErrExecutionCancelled
	}

	r.engine.logger.InfoContext(ctx, "Execution cancelled", "execution_id", r.exec.ID, "state", currentState(stored))

	return stored, ErrExecutionCancelled
}

// outcome derives the terminal outcome from the root cursor: ending on a
// Publish state is the alerting outcome.
func (r *run) outcome() *models.Outcome {
	cursor := r.exec.Cursor

	if state, ok := r.machine.States[cursor.EndState]; ok && state.Type == models.StateTypePublish {
		return &models.Outcome{Kind: models.OutcomeAlerted, State: cursor.EndState, AlertID: r.lastAlertID()}
	}

	return &models.Outcome{Kind: models.OutcomePassed, State: cursor.EndState, Output: cursor.Output}
}

func (r *run) lastAlertID() string {
	for i := len(r.exec.History) - 1; i >= 0; i-- {
		if r.exec.History[i].Type == models.HistoryAlertPublished {
			return r.exec.History[i].Detail
		}
	}

	return ""
}

// runMachine advances cursor through machine until it ends.
func (r *run) runMachine(ctx context.Context, machine *models.StateMachine, cursor *models.Cursor, item *mapItem, path string) error {
	for !cursor.Done {
		if err := r.guard(ctx); err != nil {
			return err
		}

		name := cursor.State

		state, ok := machine.States[name]
		if !ok {
			return &StateError{State: name, Err: ErrUnknownState}
		}

		if err := r.step(ctx, cursor, name, state, item, path); err != nil {
			return err
		}
	}

	return nil
}

func (r *run) step(ctx context.Context, cursor *models.Cursor, name string, state *models.State, item *mapItem, path string) error {
	ctx, span := otelhelper.StartSpan(ctx, r.engine.tracer, "state "+name,
		attribute.String(otelhelper.ExecutionIDKey, r.exec.ID),
		attribute.String(otelhelper.StateNameKey, name),
		attribute.String(otelhelper.StateTypeKey, string(state.Type)),
	)
	defer span.End()

	r.note(models.HistoryEvent{Type: models.HistoryStateEntered, State: name, Path: path})

	var err error

	switch state.Type {
	case models.StateTypeTask:
		err = r.runTask(ctx, cursor, name, state, item, path)
	case models.StateTypeWait:
		err = r.runWait(ctx, cursor, name, state, path)
	case models.StateTypeChoice:
		err = r.runChoice(ctx, cursor, name, state, item, path)
	case models.StateTypePass:
		err = r.runPass(ctx, cursor, name, state, path)
	case models.StateTypePublish:
		err = r.runPublish(ctx, cursor, name, state, item, path)
	case models.StateTypePoll:
		err = r.runPoll(ctx, cursor, name, state, item, path)
	case models.StateTypeMap:
		err = r.runMap(ctx, cursor, name, state, item, path)
	case models.StateTypeParallel:
		err = r.runParallel(ctx, cursor, name, state, item, path)
	default:
		err = &StateError{State: name, Err: fmt.Errorf("unsupported state type %q", state.Type)}
	}

	if err != nil {
		otelhelper.SetError(span, err)
	}

	return err
}

// advance moves cursor past the state, storing data as the new working data.
func (r *run) advance(ctx context.Context, cursor *models.Cursor, name string, state *models.State, data any, next string, path string, extra ...models.HistoryEvent) error {
	return r.commit(ctx, func() {
		cursor.Data = data
		delete(cursor.Progress, name)

		for _, event := range extra {
			r.record(event)
		}

		r.record(models.HistoryEvent{Type: models.HistoryStateExited, State: name, Path: path})

		if state.End && state.Type != models.StateTypeChoice {
			cursor.Done = true
			cursor.EndState = name
			cursor.Output = data
			cursor.State = ""

			return
		}

		cursor.State = next
	})
}

// enter returns the progress of a composite or durable state, creating and
// persisting it on first entry. init runs only on creation.
func (r *run) enter(ctx context.Context, cursor *models.Cursor, name string, init func(progress *models.StateProgress), entries ...models.HistoryEvent) (*models.StateProgress, error) {
	if progress, ok := cursor.Progress[name]; ok {
		return progress, nil
	}

	progress := &models.StateProgress{}
	if init != nil {
		init(progress)
	}

	err := r.commit(ctx, func() {
		if cursor.Progress == nil {
			cursor.Progress = make(map[string]*models.StateProgress)
		}

		cursor.Progress[name] = progress

		for _, event := range entries {
			r.record(event)
		}
	})
	if err != nil {
		return nil, err
	}

	return progress, nil
}

// scope exposes the working data and the context object to templates.
func (r *run) scope(cursor *models.Cursor, name string, item *mapItem) template.Scope {
	contextObject := map[string]any{
		"Execution": map[string]any{
			"Id":        r.exec.ID,
			"Name":      r.exec.Name,
			"Input":     r.exec.Input,
			"StartTime": r.exec.CreatedAt.Format(time.RFC3339),
		},
		"State": map[string]any{
			"Name": name,
		},
	}

	if item != nil {
		contextObject["Map"] = map[string]any{
			"Item": map[string]any{
				"Index": item.index,
				"Value": item.value,
			},
		}
	}

	return template.Scope{Data: cursor.Data, Context: contextObject}
}

// sleepUntil blocks until the clock reaches wakeAt or ctx ends.
func (r *run) sleepUntil(ctx context.Context, wakeAt time.Time) error {
	remaining := wakeAt.Sub(r.engine.clock.Now())
	if remaining <= 0 {
		return nil
	}

	select {
	case <-r.engine.clock.After(remaining):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func snapshot(execution *models.Execution) *models.Execution {
	encoded, err := json.Marshal(execution)
	if err != nil {
		copied := *execution

		return &copied
	}

	var copied models.Execution
	if err := json.Unmarshal(encoded, &copied); err != nil {
		fallback := *execution

		return &fallback
	}

	return &copied
}
