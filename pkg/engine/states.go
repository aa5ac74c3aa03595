package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/dukex/evalflow/pkg/models"
	"github.com/dukex/evalflow/pkg/otelhelper"
	"github.com/dukex/evalflow/pkg/template"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

func (r *run) runTask(ctx context.Context, cursor *models.Cursor, name string, state *models.State, item *mapItem, path string) error {
	payload, err := r.payload(cursor, name, state, item)
	if err != nil {
		return err
	}

	result, err := r.invoke(ctx, name, state.Resource, payload, path)
	if err != nil {
		return err
	}

	data, err := template.ApplyResultPath(template.Clone(cursor.Data), state.ResultPath, result)
	if err != nil {
		return &StateError{State: name, Err: err}
	}

	return r.advance(ctx, cursor, name, state, data, state.Next, path,
		models.HistoryEvent{Type: models.HistoryTaskInvoked, State: name, Path: path, Detail: state.Resource},
	)
}

// payload resolves the state parameters; without parameters the task
// receives the working data itself.
func (r *run) payload(cursor *models.Cursor, name string, state *models.State, item *mapItem) (map[string]any, error) {
	if state.Parameters == nil {
		if object, ok := template.Clone(cursor.Data).(map[string]any); ok {
			return object, nil
		}

		return map[string]any{}, nil
	}

	payload, err := template.Resolve(state.Parameters, r.scope(cursor, name, item))
	if err != nil {
		return nil, &StateError{State: name, Err: err}
	}

	return payload, nil
}

func (r *run) invoke(ctx context.Context, name, task string, payload map[string]any, path string) (any, error) {
	ctx, span := otelhelper.StartSpan(ctx, r.engine.tracer, "task "+task,
		attribute.String(otelhelper.ExecutionIDKey, r.exec.ID),
		attribute.String(otelhelper.TaskNameKey, task),
	)
	defer span.End()

	r.engine.logger.DebugContext(ctx, "Invoking task", "execution_id", r.exec.ID, "state", name, "task", task)

	result, err := r.engine.invoker.Invoke(ctx, task, payload)
	if err != nil {
		var invocationErr *InvocationError
		if !errors.As(err, &invocationErr) {
			err = &InvocationError{Task: task, Err: err}
		}

		otelhelper.SetError(span, err)
		r.note(models.HistoryEvent{Type: models.HistoryTaskFailed, State: name, Path: path, Detail: err.Error()})

		return nil, err
	}

	normalized, err := normalize(result)
	if err != nil {
		err = &InvocationError{Task: task, Err: fmt.Errorf("%w: %w", ErrInvalidTaskResult, err)}
		otelhelper.SetError(span, err)

		return nil, err
	}

	return normalized, nil
}

func (r *run) runWait(ctx context.Context, cursor *models.Cursor, name string, state *models.State, path string) error {
	wakeAt := r.engine.clock.Now().UTC().Add(state.WaitDuration())

	progress, err := r.enter(ctx, cursor, name, func(progress *models.StateProgress) {
		progress.WakeAt = &wakeAt
	}, models.HistoryEvent{Type: models.HistoryWaitStarted, State: name, Path: path, Detail: state.WaitDuration().String()})
	if err != nil {
		return err
	}

	if progress.WakeAt != nil {
		if err := r.sleepUntil(ctx, *progress.WakeAt); err != nil {
			return err
		}
	}

	return r.advance(ctx, cursor, name, state, cursor.Data, state.Next, path)
}

func (r *run) runChoice(ctx context.Context, cursor *models.Cursor, name string, state *models.State, item *mapItem, path string) error {
	scope := r.scope(cursor, name, item)
	next := ""

	for _, rule := range state.Choices {
		matched, err := Evaluate(rule.Condition, scope)
		if err != nil {
			return withState(err, name)
		}

		if matched {
			next = rule.Next

			break
		}
	}

	if next == "" {
		next = state.Default
	}

	if next == "" {
		return &StateError{State: name, Err: ErrNoChoiceMatched}
	}

	return r.advance(ctx, cursor, name, state, cursor.Data, next, path,
		models.HistoryEvent{Type: models.HistoryChoiceTaken, State: name, Path: path, Detail: next},
	)
}

func (r *run) runPass(ctx context.Context, cursor *models.Cursor, name string, state *models.State, path string) error {
	data := cursor.Data

	if state.Result != nil {
		result, err := normalize(state.Result)
		if err != nil {
			return &StateError{State: name, Err: err}
		}

		data, err = template.ApplyResultPath(template.Clone(cursor.Data), state.ResultPath, result)
		if err != nil {
			return &StateError{State: name, Err: err}
		}
	}

	return r.advance(ctx, cursor, name, state, data, state.Next, path)
}

func (r *run) runPublish(ctx context.Context, cursor *models.Cursor, name string, state *models.State, item *mapItem, path string) error {
	if r.engine.alerts == nil {
		return &StateError{State: name, Err: ErrNoAlertPublisher}
	}

	resolved, err := template.Resolve(state.Message, r.scope(cursor, name, item))
	if err != nil {
		return &StateError{State: name, Err: err}
	}

	message, err := models.DecodeAlertMessage(resolved)
	if err != nil {
		return &StateError{State: name, Err: err}
	}

	alert := models.Alert{
		ID:          uuid.New().String(),
		Channel:     state.Channel,
		ExecutionID: r.exec.ID,
		Default:     message.Default,
		Subject:     message.Email.Subject,
		Body:        message.Email.Body,
		CreatedAt:   r.engine.clock.Now().UTC(),
	}

	ctx, span := otelhelper.StartSpan(ctx, r.engine.tracer, "publish "+state.Channel,
		attribute.String(otelhelper.ExecutionIDKey, r.exec.ID),
		attribute.String(otelhelper.AlertChannelKey, state.Channel),
	)
	defer span.End()

	if err := r.engine.alerts.Publish(ctx, alert); err != nil {
		err = &InvocationError{Task: "publish:" + state.Channel, Err: err}
		otelhelper.SetError(span, err)

		return err
	}

	r.engine.logger.InfoContext(ctx, "Alert published", "execution_id", r.exec.ID, "channel", state.Channel, "alert_id", alert.ID)

	return r.advance(ctx, cursor, name, state, cursor.Data, state.Next, path,
		models.HistoryEvent{Type: models.HistoryAlertPublished, State: name, Path: path, Detail: alert.ID},
	)
}

// runPoll checks status immediately, then every interval while Continue holds.
// Attempts and the next wake-up survive restarts.
func (r *run) runPoll(ctx context.Context, cursor *models.Cursor, name string, state *models.State, item *mapItem, path string) error {
	progress, err := r.enter(ctx, cursor, name, nil)
	if err != nil {
		return err
	}

	maxAttempts := state.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultPollMaxAttempts
	}

	for {
		if progress.WakeAt != nil {
			if err := r.sleepUntil(ctx, *progress.WakeAt); err != nil {
				return err
			}
		}

		if err := r.guard(ctx); err != nil {
			return err
		}

		payload, err := r.payload(cursor, name, state, item)
		if err != nil {
			return err
		}

		result, err := r.invoke(ctx, name, state.Resource, payload, path)
		if err != nil {
			return err
		}

		data, err := template.ApplyResultPath(template.Clone(cursor.Data), state.ResultPath, result)
		if err != nil {
			return &StateError{State: name, Err: err}
		}

		keepPolling, err := Evaluate(*state.Continue, template.Scope{Data: data})
		if err != nil {
			return withState(err, name)
		}

		attempts := progress.Attempts + 1
		attempt := models.HistoryEvent{Type: models.HistoryPollAttempt, State: name, Path: path, Detail: fmt.Sprintf("attempt %d", attempts)}

		if !keepPolling {
			return r.advance(ctx, cursor, name, state, data, state.Next, path, attempt)
		}

		if attempts >= maxAttempts {
			r.note(attempt)

			return &PollTimeoutError{State: name, Attempts: attempts}
		}

		wakeAt := r.engine.clock.Now().UTC().Add(state.PollInterval())

		err = r.commit(ctx, func() {
			cursor.Data = data
			progress.Attempts = attempts
			progress.WakeAt = &wakeAt
			r.record(attempt)
			r.record(models.HistoryEvent{Type: models.HistoryWaitStarted, State: name, Path: path, Detail: state.PollInterval().String()})
		})
		if err != nil {
			return err
		}
	}
}

func withState(err error, name string) error {
	var conditionErr *ConditionEvaluationError
	if errors.As(err, &conditionErr) && conditionErr.State == "" {
		conditionErr.State = name
	}

	return err
}
