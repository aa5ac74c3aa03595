// Package engine runs durable state machines: every transition is
// checkpointed so a run survives restarts and can be cancelled.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/evalflow/pkg/eventbus"
	"github.com/dukex/evalflow/pkg/events"
	"github.com/dukex/evalflow/pkg/models"
	"github.com/dukex/evalflow/pkg/otelhelper"
	"github.com/dukex/evalflow/pkg/persistence"
	"github.com/dukex/evalflow/pkg/protocol"
	"github.com/dukex/evalflow/pkg/template"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultPollMaxAttempts bounds Poll states that do not set MaxAttempts.
	DefaultPollMaxAttempts = 120

	// DefaultHistoryLimit is the number of history events kept per execution.
	DefaultHistoryLimit = 1000
)

// StartInput describes a new run.
type StartInput struct {
	ID    string
	Name  string
	Input map[string]any
}

type Option func(*Engine)

func WithClock(clock clockwork.Clock) Option {
	return func(e *Engine) { e.clock = clock }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(e *Engine) { e.tracer = tracer }
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger.With("module", "engine") }
}

// WithEventPublisher emits execution lifecycle events on publisher.
func WithEventPublisher(publisher eventbus.EventPublisher) Option {
	return func(e *Engine) { e.events = publisher }
}

func WithHistoryLimit(limit int) Option {
	return func(e *Engine) { e.historyLimit = limit }
}

// WithOwner names this engine as the owner of the executions it runs.
// Engines sharing a repository must use distinct owners.
func WithOwner(owner string) Option {
	return func(e *Engine) { e.owner = owner }
}

// WithLease makes ownership expire ttl after the last checkpoint. Running
// executions renew the lease every ttl/3, so only executions of a stopped
// owner become claimable. Without a lease ownership never expires.
func WithLease(ttl time.Duration) Option {
	return func(e *Engine) { e.leaseTTL = ttl }
}

// Engine executes state machines against a repository of executions.
type Engine struct {
	repo         persistence.ExecutionRepository
	invoker      protocol.TaskInvoker
	alerts       protocol.AlertPublisher
	clock        clockwork.Clock
	tracer       trace.Tracer
	logger       *slog.Logger
	events       eventbus.EventPublisher
	historyLimit int
	owner        string
	leaseTTL     time.Duration

	mu     sync.Mutex
	active map[string]*run
}

func New(repo persistence.ExecutionRepository, invoker protocol.TaskInvoker, alerts protocol.AlertPublisher, opts ...Option) *Engine {
	e := &Engine{
		repo:         repo,
		invoker:      invoker,
		alerts:       alerts,
		clock:        clockwork.NewRealClock(),
		tracer:       otelhelper.NoopTracer(),
		logger:       slog.Default().With("module", "engine"),
		historyLimit: DefaultHistoryLimit,
		owner:        uuid.New().String(),
		active:       make(map[string]*run),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Create validates the machine and input and persists a new running
// execution positioned at the start state. It does not run it.
func (e *Engine) Create(ctx context.Context, machine *models.StateMachine, in StartInput) (*models.Execution, error) {
	if err := machine.Validate(); err != nil {
		return nil, fmt.Errorf("invalid state machine: %w", err)
	}

	input, err := normalizeInput(in.Input)
	if err != nil {
		return nil, err
	}

	id := in.ID
	if id == "" {
		id = uuid.New().String()
	}

	name := in.Name
	if name == "" {
		name = id
	}

	now := e.clock.Now().UTC()
	execution := &models.Execution{
		ID:           id,
		Name:         name,
		StateMachine: machine.Name,
		Status:       models.ExecutionStatusRunning,
		Input:        input,
		Cursor: &models.Cursor{
			State: machine.StartAt,
			Data:  template.Clone(map[string]any(input)),
		},
		Owner:      e.owner,
		LeaseUntil: e.leaseUntil(now),
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if _, err := e.repo.GetByID(ctx, id); err == nil {
		return nil, persistence.NewExecutionError("Create", id, persistence.ErrExecutionAlreadyExists)
	} else if !persistence.IsExecutionNotFound(err) {
		return nil, err
	}

	if err := e.repo.Save(ctx, execution); err != nil {
		return nil, fmt.Errorf("failed to persist execution: %w", err)
	}

	e.logger.InfoContext(ctx, "Execution created", "execution_id", id, "name", name)

	return execution, nil
}

// Start creates an execution and runs it to a terminal state. The returned
// execution reflects the final persisted status; err is the run failure, if any.
func (e *Engine) Start(ctx context.Context, machine *models.StateMachine, in StartInput) (*models.Execution, error) {
	execution, err := e.Create(ctx, machine, in)
	if err != nil {
		return nil, err
	}

	return e.Run(ctx, machine, execution)
}

// Run executes an execution returned by Create.
func (e *Engine) Run(ctx context.Context, machine *models.StateMachine, execution *models.Execution) (*models.Execution, error) {
	return e.execute(ctx, machine, execution, false)
}

// Resume continues a persisted running execution from its cursor.
func (e *Engine) Resume(ctx context.Context, machine *models.StateMachine, id string) (*models.Execution, error) {
	execution, err := e.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if execution.Status.Terminal() {
		return execution, fmt.Errorf("%w: %s is %s", ErrExecutionFinished, id, execution.Status)
	}

	if execution.StateMachine != machine.Name {
		return execution, fmt.Errorf("%w: %q != %q", ErrMachineMismatch, execution.StateMachine, machine.Name)
	}

	if err := machine.Validate(); err != nil {
		return nil, fmt.Errorf("invalid state machine: %w", err)
	}

	if e.isActive(id) {
		return execution, fmt.Errorf("%w: %s", ErrExecutionActive, id)
	}

	now := e.clock.Now().UTC()

	execution, err = e.repo.Claim(ctx, id, e.owner, now, e.leaseUntil(now))
	if err != nil {
		return nil, err
	}

	if execution.Status.Terminal() {
		return execution, fmt.Errorf("%w: %s is %s", ErrExecutionFinished, id, execution.Status)
	}

	if execution.Cursor == nil {
		execution.Cursor = &models.Cursor{State: machine.StartAt, Data: template.Clone(map[string]any(execution.Input))}
	}

	return e.execute(ctx, machine, execution, true)
}

// ResumePending resumes every running execution this engine may claim: not
// active in this process and not held under a live lease by another owner.
// It waits for them to finish. Run failures are logged, not returned.
func (e *Engine) ResumePending(ctx context.Context, machine *models.StateMachine) (int, error) {
	pending, err := e.repo.ListByStatus(ctx, models.ExecutionStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("failed to list running executions: %w", err)
	}

	var group errgroup.Group

	resumed := 0
	now := e.clock.Now().UTC()

	for _, execution := range pending {
		if e.isActive(execution.ID) || execution.StateMachine != machine.Name {
			continue
		}

		if !execution.ClaimableBy(e.owner, now) {
			e.logger.DebugContext(ctx, "Skipping execution owned elsewhere", "execution_id", execution.ID, "owner", execution.Owner)

			continue
		}

		resumed++
		id := execution.ID

		group.Go(func() error {
			if _, err := e.Resume(ctx, machine, id); err != nil {
				if persistence.IsExecutionClaimed(err) {
					e.logger.InfoContext(ctx, "Execution claimed by another owner", "execution_id", id)

					return nil
				}

				e.logger.WarnContext(ctx, "Resumed execution did not succeed", "execution_id", id, "error", err)
			}

			return nil
		})
	}

	_ = group.Wait()

	return resumed, nil
}

// Cancel marks an execution cancelled. A run active in this process stops
// before its next state; runs elsewhere observe the stored status.
func (e *Engine) Cancel(ctx context.Context, id string) (*models.Execution, error) {
	if active := e.lookup(id); active != nil {
		execution, err := active.cancel(ctx)
		if err == nil {
			e.publishCancelled(ctx, execution)
		}

		return execution, err
	}

	execution, err := e.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if execution.Status.Terminal() {
		return execution, fmt.Errorf("%w: %s is %s", ErrExecutionFinished, id, execution.Status)
	}

	now := e.clock.Now().UTC()
	execution.Status = models.ExecutionStatusCancelled
	execution.CompletedAt = &now
	execution.UpdatedAt = now
	execution.History = append(execution.History, models.HistoryEvent{
		Type:      models.HistoryExecutionCancelled,
		State:     currentState(execution),
		Timestamp: now,
	})

	if err := e.repo.Save(ctx, execution); err != nil {
		return nil, fmt.Errorf("failed to persist cancellation: %w", err)
	}

	e.publishCancelled(ctx, execution)

	return execution, nil
}

func (e *Engine) Get(ctx context.Context, id string) (*models.Execution, error) {
	return e.repo.GetByID(ctx, id)
}

func (e *Engine) List(ctx context.Context, status models.ExecutionStatus) ([]*models.Execution, error) {
	if status == "" {
		return e.repo.List(ctx)
	}

	return e.repo.ListByStatus(ctx, status)
}

func (e *Engine) execute(ctx context.Context, machine *models.StateMachine, execution *models.Execution, resumed bool) (*models.Execution, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	r := &run{engine: e, machine: machine, exec: execution, stop: cancel}

	if !e.register(r) {
		return execution, fmt.Errorf("%w: %s", ErrExecutionActive, execution.ID)
	}
	defer e.unregister(execution.ID)

	runCtx, span := otelhelper.StartSpan(runCtx, e.tracer, "execution",
		attribute.String(otelhelper.ExecutionIDKey, execution.ID),
		attribute.String(otelhelper.ExecutionNameKey, execution.Name),
	)
	defer span.End()

	logger := e.logger.With("execution_id", execution.ID)

	startType := models.HistoryExecutionStarted
	if resumed {
		startType = models.HistoryExecutionResumed
	}

	err := r.commit(runCtx, func() {
		r.record(models.HistoryEvent{Type: startType, State: execution.Cursor.State})
	})
	if err == nil {
		if !resumed {
			e.publish(runCtx, execution.ID, events.ExecutionStarted{
				BaseEvent:    events.NewBaseEvent(events.ExecutionStartedEvent, execution.ID),
				Name:         execution.Name,
				StateMachine: execution.StateMachine,
				Input:        execution.Input,
			})
		}

		logger.InfoContext(runCtx, "Execution running", "resumed", resumed, "state", execution.Cursor.State)

		stopHeartbeat := r.heartbeat(runCtx)
		err = r.runMachine(runCtx, machine, execution.Cursor, nil, "")
		stopHeartbeat()
	}

	if err != nil {
		otelhelper.SetError(span, err)
	}

	return r.finish(ctx, err)
}

// Owner is the name this engine claims executions under.
func (e *Engine) Owner() string {
	return e.owner
}

func (e *Engine) leaseUntil(now time.Time) *time.Time {
	if e.leaseTTL <= 0 {
		return nil
	}

	until := now.Add(e.leaseTTL)

	return &until
}

func (e *Engine) register(r *run) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.active[r.exec.ID]; exists {
		return false
	}

	e.active[r.exec.ID] = r

	return true
}

func (e *Engine) unregister(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.active, id)
}

func (e *Engine) lookup(id string) *run {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.active[id]
}

func (e *Engine) isActive(id string) bool {
	return e.lookup(id) != nil
}

func (e *Engine) publish(ctx context.Context, key string, event eventbus.Event) {
	if e.events == nil {
		return
	}

	if err := e.events.Publish(ctx, key, event); err != nil {
		e.logger.ErrorContext(ctx, "Failed to publish lifecycle event", "execution_id", key, "event_type", event.GetType(), "error", err)
	}
}

func (e *Engine) publishCancelled(ctx context.Context, execution *models.Execution) {
	e.publish(ctx, execution.ID, events.ExecutionCancelled{
		BaseEvent: events.NewBaseEvent(events.ExecutionCancelledEvent, execution.ID),
		State:     currentState(execution),
	})
}

func currentState(execution *models.Execution) string {
	if execution.Cursor == nil {
		return ""
	}

	return execution.Cursor.State
}

func normalizeInput(input map[string]any) (map[string]any, error) {
	if input == nil {
		return map[string]any{}, nil
	}

	normalized, err := normalize(input)
	if err != nil {
		return nil, fmt.Errorf("input is not JSON compatible: %w", err)
	}

	object, ok := normalized.(map[string]any)
	if !ok {
		return nil, errors.New("input must be an object")
	}

	return object, nil
}

// normalize converts a value to its decoded JSON form so fresh and resumed
// runs see identical types.
func normalize(value any) (any, error) {
	if value == nil {
		return nil, nil
	}

	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}

	var decoded any

	if err := json.Unmarshal(encoded, &decoded); err != nil {
		return nil, err
	}

	return decoded, nil
}
