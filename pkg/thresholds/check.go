package thresholds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/dukex/evalflow/pkg/models"
)

const (
	Within    = "Yes"
	NotWithin = "No"

	MessageSeparator = "; "
)

var ErrMissingApplication = errors.New("application_name is required")

// Check compares every result against every threshold. Metrics are visited in
// name order so messages are stable.
func Check(results []models.EvaluationResult, set models.ThresholdSet) (bool, []string) {
	metrics := make([]string, 0, len(set))
	for metric := range set {
		metrics = append(metrics, metric)
	}

	sort.Strings(metrics)

	passed := true

	var messages []string

	for _, result := range results {
		for _, metric := range metrics {
			floor := set[metric]

			raw, ok := result.Scores[metric]
			if !ok {
				messages = append(messages, fmt.Sprintf("Warning: Metric '%s' not found in evaluation result (gt_id: %s)", metric, result.GroundTruthID))
				passed = false

				continue
			}

			score, ok := toFloat(raw)
			if !ok {
				messages = append(messages, fmt.Sprintf("Warning: Metric '%s' is not numeric: %v (gt_id: %s)", metric, raw, result.GroundTruthID))
				passed = false

				continue
			}

			if score < floor {
				messages = append(messages, fmt.Sprintf("Metric '%s' failed: %s < %s (gt_id: %s)", metric, number(score), number(floor), result.GroundTruthID))
				passed = false
			}
		}
	}

	return passed, messages
}

// Handler is the threshold-check task. It expects application_name and
// eval_results in the payload.
func Handler(store Store) func(ctx context.Context, payload map[string]any) (any, error) {
	return func(ctx context.Context, payload map[string]any) (any, error) {
		application, _ := payload["application_name"].(string)
		if application == "" {
			return nil, ErrMissingApplication
		}

		results, err := models.ParseEvaluationResults(payload["eval_results"])
		if err != nil {
			return nil, err
		}

		set, err := store.Get(ctx, application)
		if err != nil {
			return nil, err
		}

		passed, messages := Check(results, set)

		verdict := NotWithin
		if passed {
			verdict = Within
		}

		return models.ThresholdCheckResult{
			AllMetricsWithinThresholds: verdict,
			ResultMessages:             strings.Join(messages, MessageSeparator),
		}, nil
	}
}

// toFloat accepts JSON numbers only; a score sent as a string is not numeric.
func toFloat(value any) (float64, bool) {
	switch typed := value.(type) {
	case float64:
		return typed, true
	case int:
		return float64(typed), true
	case int64:
		return float64(typed), true
	case json.Number:
		f, err := typed.Float64()

		return f, err == nil
	default:
		return 0, false
	}
}

func number(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}
