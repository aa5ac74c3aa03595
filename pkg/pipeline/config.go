// Package pipeline builds the RAG evaluation workflow as a state machine.
package pipeline

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	DefaultName             = "Eval-Workflow-V2"
	DefaultMapConcurrency   = 1
	DefaultFirehoseWait     = 120 * time.Second
	DefaultCrawlerInterval  = 30 * time.Second
	DefaultCrawlerAttempts  = 120
	DefaultAlertChannel     = "threshold-alerts"
	DefaultCrawlerName      = "eval-results-crawler"
	DefaultEvaluationTask   = "rag-eval"
	DefaultPerformanceTask  = "performance-check"
	DefaultThresholdTask    = "threshold-check"
	DefaultStartCrawlerTask = "crawler:start"
	DefaultGetCrawlerTask   = "crawler:get"
)

// Config names the tasks the workflow invokes and its timing knobs.
type Config struct {
	Name string `json:"name" validate:"required"`

	EvaluationTask       string `json:"evaluation_task" validate:"required"`
	PerformanceCheckTask string `json:"performance_check_task" validate:"required"`
	ThresholdCheckTask   string `json:"threshold_check_task" validate:"required"`
	StartCrawlerTask     string `json:"start_crawler_task" validate:"required"`
	GetCrawlerTask       string `json:"get_crawler_task" validate:"required"`

	CrawlerName  string `json:"crawler_name" validate:"required"`
	AlertChannel string `json:"alert_channel" validate:"required"`

	// MapConcurrency bounds the benchmark fan-out. Evaluations are sequential
	// at 1 to stay under the evaluation service's rate limits.
	MapConcurrency int `json:"map_concurrency" validate:"gte=1"`

	FirehoseWait           time.Duration `json:"firehose_wait" validate:"gte=0"`
	CrawlerPollInterval    time.Duration `json:"crawler_poll_interval" validate:"gt=0"`
	CrawlerPollMaxAttempts int           `json:"crawler_poll_max_attempts" validate:"gte=1"`
}

func DefaultConfig() Config {
	return Config{
		Name:                   DefaultName,
		EvaluationTask:         DefaultEvaluationTask,
		PerformanceCheckTask:   DefaultPerformanceTask,
		ThresholdCheckTask:     DefaultThresholdTask,
		StartCrawlerTask:       DefaultStartCrawlerTask,
		GetCrawlerTask:         DefaultGetCrawlerTask,
		CrawlerName:            DefaultCrawlerName,
		AlertChannel:           DefaultAlertChannel,
		MapConcurrency:         DefaultMapConcurrency,
		FirehoseWait:           DefaultFirehoseWait,
		CrawlerPollInterval:    DefaultCrawlerInterval,
		CrawlerPollMaxAttempts: DefaultCrawlerAttempts,
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid pipeline config: %w", err)
	}

	return nil
}
