package cmd

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/dukex/evalflow/pkg/crawler"
	"github.com/dukex/evalflow/pkg/pipeline"
	"github.com/dukex/evalflow/pkg/protocol"
	"github.com/dukex/evalflow/pkg/tasks"
	"github.com/dukex/evalflow/pkg/tasks/local"
	"github.com/dukex/evalflow/pkg/tasks/remote"
	"github.com/dukex/evalflow/pkg/tasks/retry"
	"github.com/dukex/evalflow/pkg/thresholds"
)

// InvokerConfig describes where each workflow task runs.
type InvokerConfig struct {
	// TaskEndpoint serves every task without a local handler. Empty means
	// local tasks only.
	TaskEndpoint string
	MaxRetries   uint64

	// Thresholds backs the local threshold check when set.
	Thresholds thresholds.Store

	// SimulatedCrawlerPolls enables the local crawler reporting RUNNING for
	// that many polls. Negative disables it.
	SimulatedCrawlerPolls int
}

// NewInvoker routes the workflow tasks to the local handlers and falls back
// to the remote task endpoint with retries.
func NewInvoker(cfg InvokerConfig, pipelineCfg pipeline.Config, logger *slog.Logger) (protocol.TaskInvoker, error) {
	handlers := local.NewInvoker(logger)

	if cfg.Thresholds != nil {
		handlers.Register(pipelineCfg.ThresholdCheckTask, thresholds.Handler(cfg.Thresholds))
	}

	if cfg.SimulatedCrawlerPolls >= 0 {
		crawler.Register(handlers, crawler.NewSimulated(cfg.SimulatedCrawlerPolls, logger), pipelineCfg.StartCrawlerTask, pipelineCfg.GetCrawlerTask)
	}

	var fallback protocol.TaskInvoker

	if cfg.TaskEndpoint != "" {
		remoteInvoker, err := remote.NewInvoker(cfg.TaskEndpoint, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create remote invoker: %w", err)
		}

		fallback = retry.NewInvoker(remoteInvoker, logger, retry.WithMaxRetries(cfg.MaxRetries))
	}

	logger.Info("Task invoker configured", "local_tasks", strings.Join(handlers.Names(), ","), "endpoint", cfg.TaskEndpoint)

	return tasks.NewRouter(handlers, fallback), nil
}

// NewThresholdStore opens redis:// and rediss:// URLs as a Redis store and
// anything else as a YAML threshold file. Empty returns no store.
func NewThresholdStore(source string) (thresholds.Store, func() error, error) {
	noop := func() error { return nil }

	switch {
	case source == "":
		return nil, noop, nil
	case strings.HasPrefix(source, "redis://"), strings.HasPrefix(source, "rediss://"):
		store, err := thresholds.NewRedisStoreFromURL(source)
		if err != nil {
			return nil, noop, err
		}

		return store, store.Close, nil
	default:
		store, err := thresholds.NewFileStore(strings.TrimPrefix(source, "file://"))
		if err != nil {
			return nil, noop, err
		}

		return store, noop, nil
	}
}
