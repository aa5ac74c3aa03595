package web_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dukex/evalflow/pkg/engine"
	"github.com/dukex/evalflow/pkg/models"
	"github.com/dukex/evalflow/pkg/persistence/file"
	"github.com/dukex/evalflow/pkg/protocol"
	"github.com/dukex/evalflow/pkg/web"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMachine() *models.StateMachine {
	return &models.StateMachine{
		Name:    "web-test",
		StartAt: "Evaluate",
		States: map[string]*models.State{
			"Evaluate": {
				Type:       models.StateTypeTask,
				Resource:   "rag-eval",
				Parameters: map[string]any{"kb_id.$": "$.kb_id"},
				ResultPath: "$.evaluation",
				Next:       "Hold",
			},
			"Hold": {Type: models.StateTypeWait, Seconds: 60, Next: "Done"},
			"Done": {Type: models.StateTypePass, Result: map[string]any{"result": "ok"}, ResultPath: "$", End: true},
		},
	}
}

type testEnv struct {
	app    *fiber.App
	runner *engine.Runner
	clock  *clockwork.FakeClock
}

func setupTestApp(t *testing.T) *testEnv {
	t.Helper()

	persistence := file.NewPersistence(t.TempDir())
	clock := clockwork.NewFakeClock()
	invoker := protocol.InvokerFunc(func(_ context.Context, _ string, payload map[string]any) (any, error) {
		return map[string]any{"status": "completed", "kb_id": payload["kb_id"]}, nil
	})

	e := engine.New(persistence.ExecutionRepository(), invoker, nil, engine.WithClock(clock))
	runner := engine.NewRunner(context.Background(), e, testMachine(), slog.Default())

	handlers := web.NewAPIHandlers(runner, persistence, validator.New(validator.WithRequiredStructEnabled()), slog.Default())

	app := fiber.New()
	handlers.Register(app)

	return &testEnv{app: app, runner: runner, clock: clock}
}

func (env *testEnv) do(t *testing.T, method, path string, body any) (int, []byte) {
	t.Helper()

	var reader io.Reader

	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	default:
		encoded, err := json.Marshal(b)
		require.NoError(t, err)

		reader = bytes.NewBuffer(encoded)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")

	resp, err := env.app.Test(req)
	require.NoError(t, err)

	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp.StatusCode, data
}

// finish advances the fake clock past the Hold state and waits for the run.
func (env *testEnv) finish(t *testing.T) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, env.clock.BlockUntilContext(ctx, 1))
	env.clock.Advance(time.Minute)
	env.runner.Wait()
}

func decodeExecution(t *testing.T, body []byte) web.ExecutionResponse {
	t.Helper()

	var execution web.ExecutionResponse
	require.NoError(t, json.Unmarshal(body, &execution))

	return execution
}

func TestAPIHandlers_CreateExecution(t *testing.T) {
	env := setupTestApp(t)

	status, body := env.do(t, http.MethodPost, "/executions", web.CreateExecutionRequest{
		Name:  "nightly",
		Input: map[string]any{"runMode": "validation", "kb_id": "kb1"},
	})
	require.Equal(t, http.StatusAccepted, status, string(body))

	created := decodeExecution(t, body)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "nightly", created.Name)
	assert.Equal(t, models.ExecutionStatusRunning, created.Status)
	assert.Equal(t, "web-test", created.StateMachine)

	env.finish(t)

	status, body = env.do(t, http.MethodGet, "/executions/"+created.ID, nil)
	require.Equal(t, http.StatusOK, status)

	finished := decodeExecution(t, body)
	assert.Equal(t, models.ExecutionStatusSucceeded, finished.Status)
	require.NotNil(t, finished.Outcome)
	assert.Equal(t, models.OutcomePassed, finished.Outcome.Kind)
	assert.Equal(t, map[string]any{"result": "ok"}, finished.Outcome.Output)
	assert.Empty(t, finished.CurrentState)
}

func TestAPIHandlers_CreateExecution_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body any
	}{
		{"invalid JSON", "invalid-json"},
		{"missing input", web.CreateExecutionRequest{Name: "x"}},
		{"missing run mode", web.CreateExecutionRequest{Input: map[string]any{"kb_id": "kb1"}}},
		{"unknown run mode", web.CreateExecutionRequest{Input: map[string]any{"runMode": "shadow"}}},
		{"bad id", web.CreateExecutionRequest{ID: "../escape", Input: map[string]any{"runMode": "validation"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestApp(t)

			status, body := env.do(t, http.MethodPost, "/executions", tt.body)
			assert.Equal(t, http.StatusBadRequest, status, string(body))
			assert.Contains(t, string(body), "validation_error")
		})
	}
}

func TestAPIHandlers_CreateExecution_Duplicate(t *testing.T) {
	env := setupTestApp(t)
	req := web.CreateExecutionRequest{ID: "run-1", Input: map[string]any{"runMode": "validation"}}

	status, _ := env.do(t, http.MethodPost, "/executions", req)
	require.Equal(t, http.StatusAccepted, status)

	status, body := env.do(t, http.MethodPost, "/executions", req)
	assert.Equal(t, http.StatusConflict, status)
	assert.Contains(t, string(body), "conflict")

	env.finish(t)
}

func TestAPIHandlers_GetExecution_NotFound(t *testing.T) {
	env := setupTestApp(t)

	status, body := env.do(t, http.MethodGet, "/executions/missing", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Contains(t, string(body), "not_found")

	status, _ = env.do(t, http.MethodGet, "/executions/missing/history", nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = env.do(t, http.MethodPost, "/executions/missing/cancel", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestAPIHandlers_History(t *testing.T) {
	env := setupTestApp(t)

	status, body := env.do(t, http.MethodPost, "/executions", web.CreateExecutionRequest{Input: map[string]any{"runMode": "validation"}})
	require.Equal(t, http.StatusAccepted, status)

	id := decodeExecution(t, body).ID

	env.finish(t)

	status, body = env.do(t, http.MethodGet, "/executions/"+id+"/history", nil)
	require.Equal(t, http.StatusOK, status)

	var history web.HistoryResponse
	require.NoError(t, json.Unmarshal(body, &history))
	assert.Equal(t, id, history.ExecutionID)
	require.NotEmpty(t, history.History)
	assert.Equal(t, models.HistoryExecutionStarted, history.History[0].Type)
	assert.Equal(t, models.HistoryExecutionSucceeded, history.History[len(history.History)-1].Type)

	var types []models.HistoryEventType
	for _, event := range history.History {
		types = append(types, event.Type)
	}

	assert.Contains(t, types, models.HistoryTaskInvoked)
	assert.Contains(t, types, models.HistoryWaitStarted)
}

func TestAPIHandlers_CancelExecution(t *testing.T) {
	env := setupTestApp(t)

	status, body := env.do(t, http.MethodPost, "/executions", web.CreateExecutionRequest{Input: map[string]any{"runMode": "validation"}})
	require.Equal(t, http.StatusAccepted, status)

	id := decodeExecution(t, body).ID

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// The run is parked in the Hold wait.
	require.NoError(t, env.clock.BlockUntilContext(ctx, 1))

	status, body = env.do(t, http.MethodPost, "/executions/"+id+"/cancel", nil)
	require.Equal(t, http.StatusOK, status, string(body))
	assert.Equal(t, models.ExecutionStatusCancelled, decodeExecution(t, body).Status)

	env.runner.Wait()

	status, body = env.do(t, http.MethodPost, "/executions/"+id+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Contains(t, string(body), "already finished")

	status, body = env.do(t, http.MethodGet, "/executions/"+id, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, models.ExecutionStatusCancelled, decodeExecution(t, body).Status)
}

func TestAPIHandlers_ListExecutions(t *testing.T) {
	env := setupTestApp(t)

	status, _ := env.do(t, http.MethodPost, "/executions", web.CreateExecutionRequest{Input: map[string]any{"runMode": "validation"}})
	require.Equal(t, http.StatusAccepted, status)

	env.finish(t)

	status, body := env.do(t, http.MethodGet, "/executions?status=succeeded", nil)
	require.Equal(t, http.StatusOK, status)

	var list struct {
		Executions []web.ExecutionResponse `json:"executions"`
		TotalCount int                     `json:"total_count"`
	}
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Equal(t, 1, list.TotalCount)
	require.Len(t, list.Executions, 1)
	assert.Equal(t, models.ExecutionStatusSucceeded, list.Executions[0].Status)

	status, body = env.do(t, http.MethodGet, "/executions?status=running", nil)
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Equal(t, 0, list.TotalCount)

	status, _ = env.do(t, http.MethodGet, "/executions?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestAPIHandlers_HealthCheck(t *testing.T) {
	env := setupTestApp(t)

	status, body := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), "healthy")
}

func TestTransformExecutionResponse(t *testing.T) {
	now := time.Now().UTC()

	running := web.TransformExecutionResponse(&models.Execution{
		ID:     "a",
		Status: models.ExecutionStatusRunning,
		Cursor: &models.Cursor{State: "WaitForCrawler"},
	})
	assert.Equal(t, "WaitForCrawler", running.CurrentState)

	failed := web.TransformExecutionResponse(&models.Execution{
		ID:          "b",
		Status:      models.ExecutionStatusFailed,
		Cursor:      &models.Cursor{State: "ComparePerformance"},
		Error:       "task threshold-check failed",
		ErrorKind:   "InvocationError",
		CompletedAt: &now,
	})
	assert.Empty(t, failed.CurrentState)
	assert.Equal(t, "InvocationError", failed.ErrorKind)
	assert.Equal(t, &now, failed.CompletedAt)
}
