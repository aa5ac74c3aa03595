package thresholds

import (
	"context"
	"testing"

	"github.com/dukex/evalflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sampleThresholds = models.ThresholdSet{
	"faithfulness":      0.8,
	"answer_relevancy":  0.7,
	"context_recall":    0.6,
	"context_precision": 0.5,
}

func TestCheck(t *testing.T) {
	tests := []struct {
		name     string
		results  []models.EvaluationResult
		passed   bool
		messages []string
	}{
		{
			name: "all within",
			results: []models.EvaluationResult{{GroundTruthID: "q1", Scores: map[string]any{
				"faithfulness": 0.9, "answer_relevancy": 0.7, "context_recall": 0.61, "context_precision": 0.5,
			}}},
			passed: true,
		},
		{
			name: "one metric below floor",
			results: []models.EvaluationResult{{GroundTruthID: "q1", Scores: map[string]any{
				"faithfulness": 0.5, "answer_relevancy": 0.9, "context_recall": 0.9, "context_precision": 0.9,
			}}},
			messages: []string{"Metric 'faithfulness' failed: 0.5 < 0.8 (gt_id: q1)"},
		},
		{
			name: "missing metric",
			results: []models.EvaluationResult{{GroundTruthID: models.GroundTruthUnknown, Scores: map[string]any{
				"faithfulness": 0.9, "answer_relevancy": 0.9, "context_recall": 0.9,
			}}},
			messages: []string{"Warning: Metric 'context_precision' not found in evaluation result (gt_id: Unknown)"},
		},
		{
			name:    "no results",
			results: nil,
			passed:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			passed, messages := Check(tt.results, sampleThresholds)
			assert.Equal(t, tt.passed, passed)
			assert.Equal(t, tt.messages, messages)
		})
	}
}

func TestCheck_MessagesFollowResultsThenMetricNames(t *testing.T) {
	results := []models.EvaluationResult{
		{GroundTruthID: "a", Scores: map[string]any{"x": 0.1, "y": 0.1}},
		{GroundTruthID: "b", Scores: map[string]any{"x": "0.2", "y": true}},
	}

	passed, messages := Check(results, models.ThresholdSet{"y": 0.5, "x": 0.5})
	assert.False(t, passed)
	assert.Equal(t, []string{
		"Metric 'x' failed: 0.1 < 0.5 (gt_id: a)",
		"Metric 'y' failed: 0.1 < 0.5 (gt_id: a)",
		"Warning: Metric 'x' is not numeric: 0.2 (gt_id: b)",
		"Warning: Metric 'y' is not numeric: true (gt_id: b)",
	}, messages)
}

func TestCheck_StringScoreIsNotNumeric(t *testing.T) {
	results := []models.EvaluationResult{{GroundTruthID: "q1", Scores: map[string]any{"faithfulness": "0.95"}}}

	passed, messages := Check(results, models.ThresholdSet{"faithfulness": 0.8})
	assert.False(t, passed)
	assert.Equal(t, []string{"Warning: Metric 'faithfulness' is not numeric: 0.95 (gt_id: q1)"}, messages)
}

func testStore(t *testing.T) Store {
	t.Helper()

	store, err := ParseFileStore([]byte(`
applications:
  rag-app:
    faithfulness: 0.8
    answer_relevancy: 0.7
`))
	require.NoError(t, err)

	return store
}

func TestHandler(t *testing.T) {
	handler := Handler(testStore(t))

	out, err := handler(context.Background(), map[string]any{
		"application_name": "rag-app",
		"eval_results": []any{
			map[string]any{"gt_id": "q1", "faithfulness": 0.5, "answer_relevancy": 0.9},
			map[string]any{"faithfulness": 0.9},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, models.ThresholdCheckResult{
		AllMetricsWithinThresholds: NotWithin,
		ResultMessages: "Metric 'faithfulness' failed: 0.5 < 0.8 (gt_id: q1); " +
			"Warning: Metric 'answer_relevancy' not found in evaluation result (gt_id: Unknown)",
	}, out)

	out, err = handler(context.Background(), map[string]any{
		"application_name": "rag-app",
		"eval_results":     []any{map[string]any{"gt_id": "q1", "faithfulness": 0.8, "answer_relevancy": 0.7}},
	})
	require.NoError(t, err)
	assert.Equal(t, models.ThresholdCheckResult{AllMetricsWithinThresholds: Within}, out)
}

func TestHandler_Errors(t *testing.T) {
	handler := Handler(testStore(t))

	_, err := handler(context.Background(), map[string]any{})
	require.ErrorIs(t, err, ErrMissingApplication)

	_, err = handler(context.Background(), map[string]any{"application_name": "other"})
	require.ErrorIs(t, err, ErrThresholdsNotFound)

	_, err = handler(context.Background(), map[string]any{"application_name": "rag-app", "eval_results": "bad"})
	require.Error(t, err)
}

func TestKey(t *testing.T) {
	assert.Equal(t, "/AppGenAIEvalThresholdMetrics/rag-app/threshold", Key("rag-app"))
}
