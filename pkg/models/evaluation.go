package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// RunMode selects between sweeping a parameter and validating one configuration.
type RunMode string

const (
	RunModeBenchmark  RunMode = "benchmark"
	RunModeValidation RunMode = "validation"
)

// Benchmark sweep dimensions, carried in experiment_param.
const (
	ExperimentParamKnowledgeBase = "kb_id"
	ExperimentParamTemperature   = "temperature"
)

// EvaluationFields lists the input fields every evaluation-shaped task payload carries.
var EvaluationFields = []string{
	"experiment_description",
	"runMode",
	"experiment_param",
	"application_name",
	"kb_id",
	"gen_model_id",
	"judge_model_id",
	"embed_model_id",
	"max_token",
	"temperature",
	"top_p",
	"num_retriever_results",
	"custom_tag",
}

// GroundTruthUnknown labels evaluation results without a gt_id.
const GroundTruthUnknown = "Unknown"

// ThresholdSet maps a metric name to the minimum acceptable score.
type ThresholdSet map[string]float64

// EvaluationResult holds metric scores for one ground-truth item. It is
// produced by the evaluation task and never mutated afterwards.
type EvaluationResult struct {
	GroundTruthID string
	Scores        map[string]any
}

// ParseEvaluationResults converts a decoded eval_results list into results.
// Non-object entries are rejected.
func ParseEvaluationResults(raw any) ([]EvaluationResult, error) {
	if raw == nil {
		return nil, nil
	}

	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("eval_results must be a list, got %T", raw)
	}

	results := make([]EvaluationResult, 0, len(list))

	for i, entry := range list {
		fields, ok := entry.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("eval_results[%d] must be an object, got %T", i, entry)
		}

		result := EvaluationResult{GroundTruthID: GroundTruthUnknown, Scores: map[string]any{}}

		for key, value := range fields {
			if key == "gt_id" {
				result.GroundTruthID = fmt.Sprint(value)

				continue
			}

			result.Scores[key] = value
		}

		results = append(results, result)
	}

	return results, nil
}

// ThresholdCheckResult is the output of the threshold comparison task.
type ThresholdCheckResult struct {
	AllMetricsWithinThresholds string `json:"all_metrics_within_thresholds"`
	ResultMessages             string `json:"result_messages"`
}

// AlertEmail is the email rendering of an alert.
type AlertEmail struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// AlertMessage is the message template shape published by a Publish state.
type AlertMessage struct {
	Default string     `json:"default"`
	Email   AlertEmail `json:"email"`
}

// Alert is one notification emitted on the threshold-violation branch.
type Alert struct {
	ID          string    `json:"id"`
	Channel     string    `json:"channel"`
	ExecutionID string    `json:"execution_id"`
	Default     string    `json:"default"`
	Subject     string    `json:"subject,omitempty"`
	Body        string    `json:"body,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// DecodeAlertMessage reads a resolved message template into an AlertMessage.
// A plain string message becomes the default text.
func DecodeAlertMessage(resolved any) (AlertMessage, error) {
	var message AlertMessage

	if text, ok := resolved.(string); ok {
		message.Default = text

		return message, nil
	}

	payload, err := json.Marshal(resolved)
	if err != nil {
		return message, fmt.Errorf("failed to encode alert message: %w", err)
	}

	if err := json.Unmarshal(payload, &message); err != nil {
		return message, fmt.Errorf("failed to decode alert message: %w", err)
	}

	return message, nil
}
