// Package retry retries failed task invocations with exponential backoff.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dukex/evalflow/pkg/protocol"
	"github.com/dukex/evalflow/pkg/tasks/local"
	"github.com/dukex/evalflow/pkg/tasks/remote"
)

const (
	DefaultMaxRetries      = 3
	DefaultInitialInterval = time.Second
	DefaultMaxInterval     = 30 * time.Second
)

type Option func(*Invoker)

func WithMaxRetries(retries uint64) Option {
	return func(i *Invoker) { i.maxRetries = retries }
}

func WithIntervals(initial, maxInterval time.Duration) Option {
	return func(i *Invoker) {
		i.initial = initial
		i.maxInterval = maxInterval
	}
}

type Invoker struct {
	next        protocol.TaskInvoker
	logger      *slog.Logger
	maxRetries  uint64
	initial     time.Duration
	maxInterval time.Duration
}

func NewInvoker(next protocol.TaskInvoker, logger *slog.Logger, opts ...Option) *Invoker {
	invoker := &Invoker{
		next:        next,
		logger:      logger.With("module", "task_retry"),
		maxRetries:  DefaultMaxRetries,
		initial:     DefaultInitialInterval,
		maxInterval: DefaultMaxInterval,
	}

	for _, opt := range opts {
		opt(invoker)
	}

	return invoker
}

func (i *Invoker) Invoke(ctx context.Context, task string, payload map[string]any) (any, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = i.initial
	policy.MaxInterval = i.maxInterval
	policy.MaxElapsedTime = 0

	var result any

	operation := func() error {
		out, err := i.next.Invoke(ctx, task, payload)
		if err != nil {
			if !Retryable(err) {
				return backoff.Permanent(err)
			}

			return err
		}

		result = out

		return nil
	}

	notify := func(err error, wait time.Duration) {
		i.logger.WarnContext(ctx, "Task failed, retrying", "task", task, "wait", wait, "error", err)
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(backoff.WithMaxRetries(policy, i.maxRetries), ctx), notify)
	if err != nil {
		return nil, err
	}

	return result, nil
}

// Retryable reports whether a failed invocation may succeed when repeated.
func Retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	if errors.Is(err, local.ErrTaskNotFound) {
		return false
	}

	var status *remote.StatusError
	if errors.As(err, &status) {
		return status.Temporary()
	}

	return true
}
