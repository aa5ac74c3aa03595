// Package schedule requests evaluation runs on cron schedules.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dukex/evalflow/pkg/eventbus"
	"github.com/dukex/evalflow/pkg/events"
	"github.com/dukex/evalflow/pkg/template"
	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

var ErrNoSchedules = errors.New("no schedules configured")

// Schedule requests a run with Input every time Cron fires.
type Schedule struct {
	Name    string         `yaml:"name"    json:"name"    validate:"required"`
	Cron    string         `yaml:"cron"    json:"cron"    validate:"required"`
	Input   map[string]any `yaml:"input"   json:"input"   validate:"required"`
	Enabled *bool          `yaml:"enabled" json:"enabled"`
}

func (s Schedule) enabled() bool {
	return s.Enabled == nil || *s.Enabled
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (s Schedule) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", s.Name, err)
	}

	if _, err := cron.ParseStandard(s.Cron); err != nil {
		return fmt.Errorf("invalid cron expression for schedule %q: %w", s.Name, err)
	}

	return nil
}

type file struct {
	Schedules []Schedule `yaml:"schedules"`
}

// LoadSchedules reads a YAML document of the form `schedules: [{name, cron, input}]`.
func LoadSchedules(path string) ([]Schedule, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- operator supplied path
	if err != nil {
		return nil, fmt.Errorf("failed to read schedules file: %w", err)
	}

	return ParseSchedules(data)
}

func ParseSchedules(data []byte) ([]Schedule, error) {
	var doc file

	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse schedules: %w", err)
	}

	for _, s := range doc.Schedules {
		if err := s.Validate(); err != nil {
			return nil, err
		}
	}

	return doc.Schedules, nil
}

type Trigger struct {
	Schedules []Schedule

	publisher eventbus.EventPublisher
	cron      *cron.Cron
	now       func() time.Time
	logger    *slog.Logger
}

func NewTrigger(schedules []Schedule, publisher eventbus.EventPublisher, logger *slog.Logger) (*Trigger, error) {
	if len(schedules) == 0 {
		return nil, ErrNoSchedules
	}

	for _, s := range schedules {
		if err := s.Validate(); err != nil {
			return nil, err
		}
	}

	return &Trigger{
		Schedules: schedules,
		publisher: publisher,
		now:       time.Now,
		logger:    logger.With("module", "schedule_trigger"),
	}, nil
}

func (t *Trigger) Start(_ context.Context) error {
	t.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DefaultLogger),
		cron.Recover(cron.DefaultLogger),
	))

	for _, s := range t.Schedules {
		if !s.enabled() {
			t.logger.Info("Schedule is disabled", "schedule", s.Name)

			continue
		}

		id, err := t.cron.AddFunc(s.Cron, func() { t.fire(context.Background(), s) })
		if err != nil {
			return fmt.Errorf("failed to add cron job for schedule %s: %w", s.Name, err)
		}

		t.logger.Info("Added cron job for schedule", "schedule", s.Name, "cron", s.Cron, "id", id)
	}

	t.cron.Start()

	return nil
}

// fire publishes the run request of one schedule tick. The execution id is
// derived from the schedule and tick time, so a redelivered request maps to
// the run it already started.
func (t *Trigger) fire(ctx context.Context, s Schedule) {
	at := t.now().UTC()
	name := s.Name + "-" + at.Format("20060102T150405Z")

	input, _ := template.Clone(s.Input).(map[string]any)

	event := events.ExecutionRequested{
		BaseEvent: events.NewBaseEvent(events.ExecutionRequestedEvent, name),
		Name:      name,
		Source:    "schedule:" + s.Name,
		Input:     input,
	}

	t.logger.InfoContext(ctx, "Schedule fired", "schedule", s.Name, "name", event.Name)

	if err := t.publisher.Publish(ctx, s.Name, event); err != nil {
		t.logger.ErrorContext(ctx, "Failed to request execution", "schedule", s.Name, "error", err)
	}
}

func (t *Trigger) Stop(ctx context.Context) error {
	if t.cron == nil {
		return nil
	}

	t.logger.Info("Stopping schedule trigger")

	select {
	case <-t.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
