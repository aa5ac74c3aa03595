// Package local runs tasks implemented in-process.
package local

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/dukex/evalflow/pkg/engine"
)

var ErrTaskNotFound = errors.New("task not registered")

// Handler implements one named task.
type Handler func(ctx context.Context, payload map[string]any) (any, error)

type Invoker struct {
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewInvoker(logger *slog.Logger) *Invoker {
	return &Invoker{
		logger:   logger.With("module", "local_tasks"),
		handlers: make(map[string]Handler),
	}
}

func (i *Invoker) Register(name string, handler Handler) {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.handlers[name] = handler
}

func (i *Invoker) Has(name string) bool {
	i.mu.RLock()
	defer i.mu.RUnlock()

	_, ok := i.handlers[name]

	return ok
}

// Names returns the registered task names, sorted.
func (i *Invoker) Names() []string {
	i.mu.RLock()
	defer i.mu.RUnlock()

	names := make([]string, 0, len(i.handlers))
	for name := range i.handlers {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

func (i *Invoker) Invoke(ctx context.Context, task string, payload map[string]any) (any, error) {
	i.mu.RLock()
	handler, ok := i.handlers[task]
	i.mu.RUnlock()

	if !ok {
		return nil, &engine.InvocationError{Task: task, Err: ErrTaskNotFound}
	}

	i.logger.DebugContext(ctx, "Running local task", "task", task)

	result, err := handler(ctx, payload)
	if err != nil {
		return nil, &engine.InvocationError{Task: task, Err: err}
	}

	return result, nil
}
