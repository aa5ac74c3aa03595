package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validMachine() *StateMachine {
	return &StateMachine{
		StartAt: "Route",
		States: map[string]*State{
			"Route": {
				Type: StateTypeChoice,
				Choices: []ChoiceRule{
					{Condition: StringEquals("$.mode", "fast"), Next: "Work"},
				},
				Default: "Done",
			},
			"Work": {Type: StateTypeTask, Resource: "work", Next: "Done"},
			"Done": {Type: StateTypePass, End: true},
		},
	}
}

func TestStateMachine_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(m *StateMachine)
		wantErr error
	}{
		{name: "valid", mutate: func(m *StateMachine) {}},
		{
			name:    "missing start",
			mutate:  func(m *StateMachine) { m.StartAt = "Nowhere" },
			wantErr: ErrStartStateMissing,
		},
		{
			name:    "unknown next",
			mutate:  func(m *StateMachine) { m.States["Work"].Next = "Ghost" },
			wantErr: ErrUnknownSuccessor,
		},
		{
			name:    "unknown choice target",
			mutate:  func(m *StateMachine) { m.States["Route"].Choices[0].Next = "Ghost" },
			wantErr: ErrUnknownSuccessor,
		},
		{
			name:    "dangling state",
			mutate:  func(m *StateMachine) { m.States["Work"].Next = "" },
			wantErr: ErrNoTransition,
		},
		{
			name:    "task without resource",
			mutate:  func(m *StateMachine) { m.States["Work"].Resource = "" },
			wantErr: ErrInvalidState,
		},
		{
			name:    "unknown type",
			mutate:  func(m *StateMachine) { m.States["Work"].Type = "Sleep" },
			wantErr: ErrInvalidState,
		},
		{
			name: "poll without condition",
			mutate: func(m *StateMachine) {
				m.States["Work"] = &State{Type: StateTypePoll, Resource: "status", Next: "Done"}
			},
			wantErr: ErrInvalidState,
		},
		{
			name: "invalid map iterator",
			mutate: func(m *StateMachine) {
				m.States["Work"] = &State{
					Type:      StateTypeMap,
					ItemsPath: "$.items",
					Iterator:  &StateMachine{StartAt: "Missing", States: map[string]*State{}},
					Next:      "Done",
				}
			},
			wantErr: ErrStartStateMissing,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			machine := validMachine()
			tt.mutate(machine)

			err := machine.Validate()
			if tt.wantErr == nil {
				require.NoError(t, err)

				return
			}

			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestParseEvaluationResults(t *testing.T) {
	results, err := ParseEvaluationResults([]any{
		map[string]any{"gt_id": "q1", "faithfulness": 0.9},
		map[string]any{"answer_relevancy": 0.4},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "q1", results[0].GroundTruthID)
	assert.Equal(t, map[string]any{"faithfulness": 0.9}, results[0].Scores)
	assert.Equal(t, GroundTruthUnknown, results[1].GroundTruthID)

	_, err = ParseEvaluationResults("not a list")
	require.Error(t, err)

	_, err = ParseEvaluationResults([]any{"scalar"})
	require.Error(t, err)

	results, err = ParseEvaluationResults(nil)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestDecodeAlertMessage(t *testing.T) {
	message, err := DecodeAlertMessage(map[string]any{
		"default": "Metrics violated thresholds",
		"email": map[string]any{
			"subject": "Threshold Violation Alert",
			"body":    "details",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "Metrics violated thresholds", message.Default)
	assert.Equal(t, "Threshold Violation Alert", message.Email.Subject)
	assert.Equal(t, "details", message.Email.Body)

	message, err = DecodeAlertMessage("plain")
	require.NoError(t, err)
	assert.Equal(t, "plain", message.Default)
}

func TestExecutionStatus_Terminal(t *testing.T) {
	assert.False(t, ExecutionStatusRunning.Terminal())
	assert.True(t, ExecutionStatusSucceeded.Terminal())
	assert.True(t, ExecutionStatusFailed.Terminal())
	assert.True(t, ExecutionStatusCancelled.Terminal())
}

func TestExecution_ClaimableBy(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Second)
	future := now.Add(time.Minute)

	tests := []struct {
		name      string
		execution Execution
		expected  bool
	}{
		{"unowned", Execution{}, true},
		{"same owner", Execution{Owner: "worker-a", LeaseUntil: &future}, true},
		{"live lease", Execution{Owner: "worker-b", LeaseUntil: &future}, false},
		{"lapsed lease", Execution{Owner: "worker-b", LeaseUntil: &past}, true},
		{"lease ends now", Execution{Owner: "worker-b", LeaseUntil: &now}, true},
		{"owned without lease", Execution{Owner: "worker-b"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.execution.ClaimableBy("worker-a", now))
		})
	}
}
