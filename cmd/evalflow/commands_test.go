package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/dukex/evalflow/pkg/models"
	"github.com/dukex/evalflow/pkg/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefinitionCommand(t *testing.T) {
	var out bytes.Buffer

	app := newApp()
	app.Writer = &out

	require.NoError(t, app.Run(context.Background(), []string{"evalflow", "definition", "--poll-max-attempts", "7"}))

	var machine models.StateMachine
	require.NoError(t, json.Unmarshal(out.Bytes(), &machine))
	assert.Equal(t, pipeline.DefaultName, machine.Name)
	assert.Equal(t, pipeline.BenchmarkOrValidation, machine.StartAt)

	crawl := machine.States[pipeline.ProcessEvaluationMetrics].Branches[0]
	assert.Equal(t, 7, crawl.States[pipeline.WaitForCrawler].MaxAttempts)
}

func taskServer(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /tasks/rag-eval", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status":"completed"}`))
	})
	mux.HandleFunc("POST /tasks/performance-check", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[{"gt_id":"q1","faithfulness":0.5}]`))
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return server
}

func TestRunCommand_Alerts(t *testing.T) {
	dir := t.TempDir()
	server := taskServer(t)

	inputPath := filepath.Join(dir, "input.json")
	require.NoError(t, os.WriteFile(inputPath, []byte(`{"runMode":"validation","kb_id":"kb1","application_name":"rag-app"}`), 0o600))

	thresholdsPath := filepath.Join(dir, "thresholds.yaml")
	require.NoError(t, os.WriteFile(thresholdsPath, []byte("applications:\n  rag-app:\n    faithfulness: 0.8\n"), 0o600))

	var out bytes.Buffer

	app := newApp()
	app.Writer = &out

	err := app.Run(context.Background(), []string{
		"evalflow", "run",
		"--database-url", "file://" + filepath.Join(dir, "data"),
		"--task-endpoint", server.URL,
		"--task-retries", "0",
		"--thresholds-url", thresholdsPath,
		"--name", "cli-run",
		inputPath,
	})
	require.NoError(t, err)

	var result summary
	require.NoError(t, json.Unmarshal(out.Bytes(), &result))
	assert.Equal(t, "cli-run", result.Name)
	assert.Equal(t, models.ExecutionStatusSucceeded, result.Status)
	require.NotNil(t, result.Outcome)
	assert.Equal(t, models.OutcomeAlerted, result.Outcome.Kind)
	assert.Equal(t, pipeline.PublishAlert, result.Outcome.State)
}

func TestRunCommand_InvalidInput(t *testing.T) {
	inputPath := filepath.Join(t.TempDir(), "input.json")
	require.NoError(t, os.WriteFile(inputPath, []byte(`{"runMode":"shadow"}`), 0o600))

	app := newApp()
	app.Writer = &bytes.Buffer{}

	err := app.Run(context.Background(), []string{"evalflow", "run", inputPath})
	require.ErrorIs(t, err, pipeline.ErrInvalidInput)
}
