package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/dukex/evalflow/pkg/cmd"
	"github.com/dukex/evalflow/pkg/engine"
	"github.com/dukex/evalflow/pkg/eventbus"
	"github.com/dukex/evalflow/pkg/models"
	"github.com/dukex/evalflow/pkg/otelhelper"
	"github.com/dukex/evalflow/pkg/persistence"
	"github.com/dukex/evalflow/pkg/pipeline"
	cli "github.com/urfave/cli/v3"
)

// runtime holds everything a subcommand runs executions with.
type runtime struct {
	persistence persistence.Persistence
	bus         eventbus.EventBus
	engine      *engine.Engine
	machine     *models.StateMachine
	closers     []func() error
	logger      *slog.Logger
}

func (r *runtime) Close(ctx context.Context) {
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			r.logger.ErrorContext(ctx, "Failed to close resource", "error", err)
		}
	}
}

// newRuntime wires storage, tasks, alerts and the engine. withBus also opens
// the event bus; without it alerts go to an in-memory channel. The engine
// claims executions as owner, or under a generated name when owner is empty.
func newRuntime(ctx context.Context, command *cli.Command, logger *slog.Logger, withBus bool, owner string) (_ *runtime, err error) {
	rt := &runtime{logger: logger}

	defer func() {
		if err != nil {
			rt.Close(ctx)
		}
	}()

	p, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
	if err != nil {
		return nil, err
	}

	rt.persistence = p
	rt.closers = append(rt.closers, func() error { return p.Close(ctx) })

	provider := "gochannel"
	if withBus {
		provider = command.String("event-bus")
	}

	messaging, err := cmd.NewMessaging(provider, logger)
	if err != nil {
		return nil, err
	}

	rt.bus = cmd.NewEventBus(messaging, logger)
	rt.closers = append(rt.closers, rt.bus.Close)

	store, closeStore, err := cmd.NewThresholdStore(command.String("thresholds-url"))
	if err != nil {
		return nil, fmt.Errorf("failed to open threshold store: %w", err)
	}

	rt.closers = append(rt.closers, closeStore)

	cfg := pipelineConfig(command)

	invoker, err := cmd.NewInvoker(cmd.InvokerConfig{
		TaskEndpoint:          command.String("task-endpoint"),
		MaxRetries:            uint64(max(0, command.Int("task-retries"))),
		Thresholds:            store,
		SimulatedCrawlerPolls: command.Int("simulated-crawler-polls"),
	}, cfg, logger)
	if err != nil {
		return nil, err
	}

	rt.machine, err = pipeline.Definition(cfg)
	if err != nil {
		return nil, err
	}

	options := []engine.Option{
		engine.WithLogger(logger),
		engine.WithEventPublisher(rt.bus),
		engine.WithLease(command.Duration("lease-ttl")),
	}

	if owner != "" {
		options = append(options, engine.WithOwner(owner))
	}

	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "" {
		tracer, shutdown, err := otelhelper.NewTracer(ctx, "evalflow")
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tracer: %w", err)
		}

		options = append(options, engine.WithTracer(tracer))
		rt.closers = append(rt.closers, func() error { return shutdown(context.WithoutCancel(ctx)) })
	}

	rt.engine = engine.New(p.ExecutionRepository(), invoker, cmd.NewAlertPublisher(messaging, logger), options...)

	return rt, nil
}

var errRunFailed = errors.New("execution did not succeed")
