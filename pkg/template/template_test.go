package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testScope() Scope {
	return Scope{
		Data: map[string]any{
			"application_name": "rag-app",
			"lambdaResult": map[string]any{
				"eval_results": []any{map[string]any{"faithfulness": 0.9}},
			},
			"thresholdCheckResult": map[string]any{
				"result_messages": "Metric 'faithfulness' failed: 0.5 < 0.8 (gt_id: q1)",
			},
		},
		Context: map[string]any{
			"Execution": map[string]any{
				"Name":  "nightly",
				"Input": map[string]any{"kb_id": []any{"kb-1", "kb-2"}, "top_p": 0.9},
			},
			"Map": map[string]any{
				"Item": map[string]any{"Index": 1, "Value": "kb-2"},
			},
		},
	}
}

func TestLookup(t *testing.T) {
	scope := testScope()

	value, found, err := Lookup("$.application_name", scope)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "rag-app", value)

	value, found, err = Lookup("$$.Execution.Name", scope)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "nightly", value)

	value, found, err = Lookup("$$.Map.Item.Value", scope)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "kb-2", value)

	_, found, err = Lookup("$.missing.field", scope)
	require.NoError(t, err)
	assert.False(t, found)

	_, _, err = Lookup("application_name", scope)
	require.ErrorIs(t, err, ErrInvalidPath)
}

func TestResolve(t *testing.T) {
	scope := testScope()

	payload, err := Resolve(map[string]any{
		"execution_name.$": "$$.Execution.Name",
		"kb_id.$":          "$$.Map.Item.Value",
		"top_p.$":          "$$.Execution.Input.top_p",
		"custom_tag.$":     "$$.Execution.Input.custom_tag",
		"literal":          "fixed",
		"nested": map[string]any{
			"app.$": "$.application_name",
		},
	}, scope)
	require.NoError(t, err)

	assert.Equal(t, map[string]any{
		"execution_name": "nightly",
		"kb_id":          "kb-2",
		"top_p":          0.9,
		"literal":        "fixed",
		"nested":         map[string]any{"app": "rag-app"},
	}, payload)
	assert.NotContains(t, payload, "custom_tag")
}

func TestResolve_CopiesReferencedValues(t *testing.T) {
	scope := testScope()

	payload, err := Resolve(map[string]any{"eval_results.$": "$.lambdaResult.eval_results"}, scope)
	require.NoError(t, err)

	results, ok := payload["eval_results"].([]any)
	require.True(t, ok)
	results[0].(map[string]any)["faithfulness"] = 0.1

	original, _, err := Lookup("$.lambdaResult.eval_results[0].faithfulness", scope)
	require.NoError(t, err)
	assert.Equal(t, 0.9, original)
}

func TestResolve_RejectsNonStringReference(t *testing.T) {
	_, err := Resolve(map[string]any{"a.$": 12}, testScope())
	require.ErrorIs(t, err, ErrInvalidPath)
}

func TestResolve_Format(t *testing.T) {
	payload, err := Resolve(map[string]any{
		"body.$": "States.Format('Metrics violated thresholds. Details: {}', $.thresholdCheckResult.result_messages)",
		"kbs.$":  "States.Format('kbs={} app={}', $$.Execution.Input.kb_id, $.application_name)",
		"gone.$": "States.Format('missing [{}]', $.nothing)",
	}, testScope())
	require.NoError(t, err)

	assert.Equal(t, "Metrics violated thresholds. Details: Metric 'faithfulness' failed: 0.5 < 0.8 (gt_id: q1)", payload["body"])
	assert.Equal(t, `kbs=["kb-1","kb-2"] app=rag-app`, payload["kbs"])
	assert.Equal(t, "missing []", payload["gone"])
}

func TestResolve_FormatErrors(t *testing.T) {
	for _, expr := range []string{
		"States.Format('unterminated, $.a)",
		"States.Format('{} {}', $.application_name)",
		"States.Format(noquotes)",
	} {
		_, err := Resolve(map[string]any{"x.$": expr}, testScope())
		require.ErrorIs(t, err, ErrInvalidIntrinsic, expr)
	}
}

func TestApplyResultPath(t *testing.T) {
	data := map[string]any{"keep": "me"}

	out, err := ApplyResultPath(data, "$.lambdaResult.eval_results", []any{1.0})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"keep":         "me",
		"lambdaResult": map[string]any{"eval_results": []any{1.0}},
	}, out)

	out, err = ApplyResultPath(out, "$.lambdaResult.evaluation", "x")
	require.NoError(t, err)
	assert.Equal(t, "x", out.(map[string]any)["lambdaResult"].(map[string]any)["evaluation"])
	assert.Equal(t, []any{1.0}, out.(map[string]any)["lambdaResult"].(map[string]any)["eval_results"])

	out, err = ApplyResultPath(data, "$", "replaced")
	require.NoError(t, err)
	assert.Equal(t, "replaced", out)

	out, err = ApplyResultPath(data, "null", "dropped")
	require.NoError(t, err)
	assert.Equal(t, data, out)

	out, err = ApplyResultPath(nil, "$.a", 1)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": 1}, out)
}

func TestApplyResultPath_Errors(t *testing.T) {
	_, err := ApplyResultPath(map[string]any{"a": "scalar"}, "$.a.b", 1)
	require.ErrorIs(t, err, ErrInvalidResultPath)

	_, err = ApplyResultPath("scalar", "$.a", 1)
	require.ErrorIs(t, err, ErrInvalidResultPath)

	_, err = ApplyResultPath(map[string]any{}, "$.list[*]", 1)
	require.ErrorIs(t, err, ErrInvalidResultPath)
}

func TestClone(t *testing.T) {
	original := map[string]any{"list": []any{map[string]any{"x": 1}}}
	copied := Clone(original).(map[string]any)

	copied["list"].([]any)[0].(map[string]any)["x"] = 2

	assert.Equal(t, 1, original["list"].([]any)[0].(map[string]any)["x"])
	assert.Equal(t, "scalar", Clone("scalar"))
}
