package pipeline

import (
	"time"

	"github.com/dukex/evalflow/pkg/models"
)

// State names of the workflow.
const (
	BenchmarkOrValidation              = "BenchmarkOrValidation"
	EvaluateKnowledgeBases             = "EvaluateKnowledgeBases"
	EvaluateKnowledgeBase              = "EvaluateKnowledgeBase"
	EvaluateTemperatures               = "EvaluateTemperatures"
	EvaluateLLMTemperature             = "EvaluateLLMTemperature"
	EvaluateCurrentConfiguration       = "EvaluateCurrentConfiguration"
	ProcessEvaluationMetrics           = "ProcessEvaluationMetrics"
	WaitForFirehose                    = "WaitForFirehose"
	StartCrawler                       = "StartCrawler"
	WaitForCrawler                     = "WaitForCrawler"
	CrawlerComplete                    = "CrawlerComplete"
	CheckCurrentPerformance            = "CheckCurrentPerformance"
	ComparePerformance                 = "ComparePerformance"
	CurrentPerformanceWithinThresholds = "CurrentPerformanceWithinThresholds"
	Yes                                = "Yes"
	PublishAlert                       = "PublishAlert"
)

// Result locations in the working data.
const (
	EvaluationsPath       = "$.lambdaResult.evaluations"
	EvaluationPath        = "$.lambdaResult.evaluation"
	EvalResultsPath       = "$.lambdaResult.eval_results"
	CrawlerResultsPath    = "$.processEvaluationMetrics"
	ThresholdCheckPath    = "$.thresholdCheckResult"
	withinThresholdsField = "$.thresholdCheckResult.all_metrics_within_thresholds"
	crawlerStateField     = "$.Crawler.State"
	crawlerRunning        = "RUNNING"
)

const (
	PassMessage    = "All metrics within thresholds"
	AlertDefault   = "Metrics violated thresholds"
	AlertSubject   = "Threshold Violation Alert"
	alertBodyValue = "States.Format('Metrics violated thresholds. Details: {}', $.thresholdCheckResult.result_messages)"
)

// Definition returns the evaluation workflow for cfg.
func Definition(cfg Config) (*models.StateMachine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	machine := &models.StateMachine{
		Name:    cfg.Name,
		Comment: "Evaluates a RAG application and alerts when metrics fall below thresholds",
		StartAt: BenchmarkOrValidation,
		States: map[string]*models.State{
			BenchmarkOrValidation: {
				Type: models.StateTypeChoice,
				Choices: []models.ChoiceRule{
					{
						Condition: models.And(
							models.StringEquals("$.runMode", string(models.RunModeBenchmark)),
							models.StringEquals("$.experiment_param", models.ExperimentParamKnowledgeBase),
						),
						Next: EvaluateKnowledgeBases,
					},
					{
						Condition: models.And(
							models.StringEquals("$.runMode", string(models.RunModeBenchmark)),
							models.StringEquals("$.experiment_param", models.ExperimentParamTemperature),
						),
						Next: EvaluateTemperatures,
					},
					{
						Condition: models.StringEquals("$.runMode", string(models.RunModeValidation)),
						Next:      EvaluateCurrentConfiguration,
					},
				},
				Default: EvaluateCurrentConfiguration,
			},
			EvaluateKnowledgeBases: sweep(cfg, "$.kb_id", EvaluateKnowledgeBase, models.ExperimentParamKnowledgeBase),
			EvaluateTemperatures:   sweep(cfg, "$.temperature", EvaluateLLMTemperature, models.ExperimentParamTemperature),
			ProcessEvaluationMetrics: {
				Type:       models.StateTypeParallel,
				Branches:   []*models.StateMachine{crawl(cfg)},
				ResultPath: CrawlerResultsPath,
				Next:       CheckCurrentPerformance,
			},
			EvaluateCurrentConfiguration: {
				Type:       models.StateTypeTask,
				Resource:   cfg.EvaluationTask,
				Parameters: evaluationPayload(""),
				ResultPath: EvaluationPath,
				Next:       CheckCurrentPerformance,
			},
			CheckCurrentPerformance: {
				Type:       models.StateTypeTask,
				Resource:   cfg.PerformanceCheckTask,
				Parameters: contextPayload(),
				ResultPath: EvalResultsPath,
				Next:       ComparePerformance,
			},
			ComparePerformance: {
				Type:       models.StateTypeTask,
				Resource:   cfg.ThresholdCheckTask,
				Parameters: comparisonPayload(),
				ResultPath: ThresholdCheckPath,
				Next:       CurrentPerformanceWithinThresholds,
			},
			CurrentPerformanceWithinThresholds: {
				Type: models.StateTypeChoice,
				Choices: []models.ChoiceRule{
					{
						// Absence routes to the alert instead of failing the run.
						Condition: models.And(
							models.IsPresent(withinThresholdsField),
							models.StringEquals(withinThresholdsField, "Yes"),
						),
						Next: Yes,
					},
				},
				Default: PublishAlert,
			},
			Yes: {
				Type:       models.StateTypePass,
				Result:     map[string]any{"result": PassMessage},
				ResultPath: models.ResultPathReplace,
				End:        true,
			},
			PublishAlert: {
				Type:    models.StateTypePublish,
				Channel: cfg.AlertChannel,
				Message: map[string]any{
					"default": AlertDefault,
					"email": map[string]any{
						"subject": AlertSubject,
						"body.$":  alertBodyValue,
					},
				},
				End: true,
			},
		},
	}

	return machine, nil
}

// sweep evaluates once per element of itemsPath, substituting the element for
// field and taking every other field from the run input.
func sweep(cfg Config, itemsPath, iteratorState, field string) *models.State {
	return &models.State{
		Type:           models.StateTypeMap,
		ItemsPath:      itemsPath,
		MaxConcurrency: cfg.MapConcurrency,
		ResultPath:     EvaluationsPath,
		Next:           ProcessEvaluationMetrics,
		Iterator: &models.StateMachine{
			StartAt: iteratorState,
			States: map[string]*models.State{
				iteratorState: {
					Type:       models.StateTypeTask,
					Resource:   cfg.EvaluationTask,
					Parameters: evaluationPayload(field),
					ResultPath: models.ResultPathReplace,
					End:        true,
				},
			},
		},
	}
}

func crawl(cfg Config) *models.StateMachine {
	crawler := map[string]any{"Name": cfg.CrawlerName}
	running := models.StringEquals(crawlerStateField, crawlerRunning)

	return &models.StateMachine{
		StartAt: WaitForFirehose,
		States: map[string]*models.State{
			WaitForFirehose: {
				Type:    models.StateTypeWait,
				Seconds: int(cfg.FirehoseWait / time.Second),
				Next:    StartCrawler,
			},
			StartCrawler: {
				Type:       models.StateTypeTask,
				Resource:   cfg.StartCrawlerTask,
				Parameters: crawler,
				ResultPath: models.ResultPathDiscard,
				Next:       WaitForCrawler,
			},
			WaitForCrawler: {
				Type:            models.StateTypePoll,
				Resource:        cfg.GetCrawlerTask,
				Parameters:      crawler,
				ResultPath:      models.ResultPathReplace,
				IntervalSeconds: int(cfg.CrawlerPollInterval / time.Second),
				MaxAttempts:     cfg.CrawlerPollMaxAttempts,
				Continue:        &running,
				Next:            CrawlerComplete,
			},
			CrawlerComplete: {Type: models.StateTypePass, End: true},
		},
	}
}

// evaluationPayload reads the evaluation fields from the run input. When
// mapped is set, that field is the current Map element instead.
func evaluationPayload(mapped string) map[string]any {
	payload := map[string]any{"execution_name.$": "$$.Execution.Name"}

	for _, field := range models.EvaluationFields {
		if field == mapped {
			payload[field+".$"] = "$"

			continue
		}

		payload[field+".$"] = "$$.Execution.Input." + field
	}

	return payload
}

// contextPayload reads the evaluation fields back from the working data.
func contextPayload() map[string]any {
	payload := map[string]any{"execution_name.$": "$$.Execution.Name"}

	for _, field := range models.EvaluationFields {
		payload[field+".$"] = "$." + field
	}

	return payload
}

func comparisonPayload() map[string]any {
	payload := contextPayload()
	payload["eval_results.$"] = EvalResultsPath

	return payload
}
