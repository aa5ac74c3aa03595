// Package protocol defines the narrow interfaces the engine drives external
// collaborators through.
package protocol

import (
	"context"

	"github.com/dukex/evalflow/pkg/models"
)

// TaskInvoker runs a named task with a resolved payload and returns its result.
type TaskInvoker interface {
	Invoke(ctx context.Context, task string, payload map[string]any) (any, error)
}

// InvokerFunc adapts a function to TaskInvoker.
type InvokerFunc func(ctx context.Context, task string, payload map[string]any) (any, error)

func (f InvokerFunc) Invoke(ctx context.Context, task string, payload map[string]any) (any, error) {
	return f(ctx, task, payload)
}

// AlertPublisher delivers an alert to its channel.
type AlertPublisher interface {
	Publish(ctx context.Context, alert models.Alert) error
}

// AlertPublisherFunc adapts a function to AlertPublisher.
type AlertPublisherFunc func(ctx context.Context, alert models.Alert) error

func (f AlertPublisherFunc) Publish(ctx context.Context, alert models.Alert) error {
	return f(ctx, alert)
}
