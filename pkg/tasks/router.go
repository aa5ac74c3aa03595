// Package tasks routes task invocations to in-process handlers or a remote
// task service.
package tasks

import (
	"context"

	"github.com/dukex/evalflow/pkg/engine"
	"github.com/dukex/evalflow/pkg/protocol"
	"github.com/dukex/evalflow/pkg/tasks/local"
)

// Router sends tasks registered on local to it and everything else to fallback.
type Router struct {
	local    *local.Invoker
	fallback protocol.TaskInvoker
}

// NewRouter builds a router; fallback may be nil when every task is local.
func NewRouter(handlers *local.Invoker, fallback protocol.TaskInvoker) *Router {
	return &Router{local: handlers, fallback: fallback}
}

func (r *Router) Invoke(ctx context.Context, task string, payload map[string]any) (any, error) {
	if r.local != nil && r.local.Has(task) {
		return r.local.Invoke(ctx, task, payload)
	}

	if r.fallback == nil {
		return nil, &engine.InvocationError{Task: task, Err: local.ErrTaskNotFound}
	}

	return r.fallback.Invoke(ctx, task, payload)
}
