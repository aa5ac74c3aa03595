// Package crawler exposes a metadata crawler as the start and status tasks
// polled by the evaluation workflow.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dukex/evalflow/pkg/tasks/local"
)

const (
	StateReady    = "READY"
	StateRunning  = "RUNNING"
	StateStopping = "STOPPING"
)

// Task names the handlers are registered under by default.
const (
	StartTask = "crawler:start"
	GetTask   = "crawler:get"
)

var (
	ErrMissingName    = errors.New("crawler name is required")
	ErrAlreadyRunning = errors.New("crawler is already running")
	ErrUnknownCrawler = errors.New("unknown crawler")
)

type Crawler interface {
	Start(ctx context.Context, name string) error
	State(ctx context.Context, name string) (string, error)
}

// Handlers adapts c to the task payloads {"Name": ...}. The status task
// returns {"Crawler": {"Name", "State"}}.
func Handlers(c Crawler) map[string]local.Handler {
	return map[string]local.Handler{
		StartTask: func(ctx context.Context, payload map[string]any) (any, error) {
			name, err := crawlerName(payload)
			if err != nil {
				return nil, err
			}

			if err := c.Start(ctx, name); err != nil {
				return nil, err
			}

			return map[string]any{}, nil
		},
		GetTask: func(ctx context.Context, payload map[string]any) (any, error) {
			name, err := crawlerName(payload)
			if err != nil {
				return nil, err
			}

			state, err := c.State(ctx, name)
			if err != nil {
				return nil, err
			}

			return map[string]any{"Crawler": map[string]any{"Name": name, "State": state}}, nil
		},
	}
}

// Register adds the crawler handlers to invoker under the given task names.
func Register(invoker *local.Invoker, c Crawler, startTask, getTask string) {
	handlers := Handlers(c)
	invoker.Register(startTask, handlers[StartTask])
	invoker.Register(getTask, handlers[GetTask])
}

func crawlerName(payload map[string]any) (string, error) {
	name, _ := payload["Name"].(string)
	if name == "" {
		return "", ErrMissingName
	}

	return name, nil
}

// Simulated reports RUNNING for a fixed number of status checks after each
// start, then READY.
type Simulated struct {
	runningPolls int
	logger       *slog.Logger

	mu       sync.Mutex
	crawlers map[string]*simulatedRun
}

type simulatedRun struct {
	started bool
	polls   int
	runs    int
}

func NewSimulated(runningPolls int, logger *slog.Logger) *Simulated {
	return &Simulated{
		runningPolls: runningPolls,
		logger:       logger.With("module", "simulated_crawler"),
		crawlers:     make(map[string]*simulatedRun),
	}
}

func (s *Simulated) Start(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.crawlers[name]
	if !ok {
		run = &simulatedRun{}
		s.crawlers[name] = run
	}

	if run.started && run.polls < s.runningPolls {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, name)
	}

	run.started = true
	run.polls = 0
	run.runs++

	s.logger.InfoContext(ctx, "Crawler started", "crawler", name, "run", run.runs)

	return nil
}

func (s *Simulated) State(_ context.Context, name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.crawlers[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownCrawler, name)
	}

	if !run.started || run.polls >= s.runningPolls {
		return StateReady, nil
	}

	run.polls++

	return StateRunning, nil
}

// Runs returns how many times name was started.
func (s *Simulated) Runs(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if run, ok := s.crawlers[name]; ok {
		return run.runs
	}

	return 0
}
