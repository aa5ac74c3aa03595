package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dukex/evalflow/pkg/engine"
	"github.com/dukex/evalflow/pkg/models"
	"github.com/dukex/evalflow/pkg/persistence/file"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type call struct {
	task    string
	payload map[string]any
}

// fakeTasks plays every task of the workflow.
type fakeTasks struct {
	mu             sync.Mutex
	calls          []call
	crawlerStates  []string
	crawlerPolls   int
	thresholdCheck map[string]any
	evaluationErr  error
}

func (f *fakeTasks) Invoke(_ context.Context, task string, payload map[string]any) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, call{task: task, payload: payload})

	switch task {
	case DefaultEvaluationTask:
		if f.evaluationErr != nil {
			return nil, f.evaluationErr
		}

		return map[string]any{"status": "completed", "kb_id": payload["kb_id"]}, nil
	case DefaultPerformanceTask:
		return []any{map[string]any{"gt_id": "q1", "faithfulness": 0.91}}, nil
	case DefaultThresholdTask:
		return f.thresholdCheck, nil
	case DefaultStartCrawlerTask:
		return map[string]any{}, nil
	case DefaultGetCrawlerTask:
		state := "READY"
		if f.crawlerPolls < len(f.crawlerStates) {
			state = f.crawlerStates[f.crawlerPolls]
		}

		f.crawlerPolls++

		return map[string]any{"Crawler": map[string]any{"Name": payload["Name"], "State": state}}, nil
	default:
		return nil, fmt.Errorf("unexpected task %s", task)
	}
}

func (f *fakeTasks) callsTo(task string) []call {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []call

	for _, c := range f.calls {
		if c.task == task {
			out = append(out, c)
		}
	}

	return out
}

type alertSink struct {
	mu     sync.Mutex
	alerts []models.Alert
}

func (a *alertSink) Publish(_ context.Context, alert models.Alert) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.alerts = append(a.alerts, alert)

	return nil
}

type harness struct {
	clock   *clockwork.FakeClock
	engine  *engine.Engine
	machine *models.StateMachine
	tasks   *fakeTasks
	alerts  *alertSink
}

func within() map[string]any {
	return map[string]any{"all_metrics_within_thresholds": "Yes", "result_messages": ""}
}

func newHarness(t require.TestingT, dir string, cfg Config, tasks *fakeTasks) *harness {
	machine, err := Definition(cfg)
	require.NoError(t, err)

	clock := clockwork.NewFakeClock()
	alerts := &alertSink{}

	return &harness{
		clock:   clock,
		engine:  engine.New(file.NewExecutionRepository(dir), tasks, alerts, engine.WithClock(clock)),
		machine: machine,
		tasks:   tasks,
		alerts:  alerts,
	}
}

// run starts an execution and advances the fake clock whenever the run waits.
func (h *harness) run(input map[string]any) (*models.Execution, error) {
	type result struct {
		execution *models.Execution
		err       error
	}

	done := make(chan result, 1)

	go func() {
		execution, err := h.engine.Start(context.Background(), h.machine, engine.StartInput{Name: "eval-run", Input: input})
		done <- result{execution, err}
	}()

	deadline := time.After(10 * time.Second)

	for {
		select {
		case res := <-done:
			return res.execution, res.err
		case <-deadline:
			return nil, errors.New("run did not finish")
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
		if h.clock.BlockUntilContext(ctx, 1) == nil {
			h.clock.Advance(time.Hour)
		}

		cancel()
	}
}

func waits(execution *models.Execution, state string) int {
	count := 0

	for _, event := range execution.History {
		if event.Type == models.HistoryWaitStarted && event.State == state {
			count++
		}
	}

	return count
}

func fullInput() map[string]any {
	return map[string]any{
		"experiment_description": "nightly sweep",
		"runMode":                "benchmark",
		"experiment_param":       "kb_id",
		"application_name":       "rag-app",
		"kb_id":                  []any{"kb1", "kb2"},
		"gen_model_id":           "gen",
		"judge_model_id":         "judge",
		"embed_model_id":         "embed",
		"max_token":              512,
		"temperature":            []any{0.1, 0.7},
		"top_p":                  0.9,
		"num_retriever_results":  3,
		"custom_tag":             "ci",
	}
}

func TestDefinition_Valid(t *testing.T) {
	machine, err := Definition(DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, machine.Validate())

	assert.Equal(t, DefaultName, machine.Name)
	assert.Equal(t, BenchmarkOrValidation, machine.StartAt)

	for _, name := range []string{
		BenchmarkOrValidation, EvaluateKnowledgeBases, EvaluateTemperatures, EvaluateCurrentConfiguration,
		ProcessEvaluationMetrics, CheckCurrentPerformance, ComparePerformance,
		CurrentPerformanceWithinThresholds, Yes, PublishAlert,
	} {
		assert.Contains(t, machine.States, name)
	}

	assert.Equal(t, 1, machine.States[EvaluateKnowledgeBases].MaxConcurrency)
	assert.Equal(t, 1, machine.States[EvaluateTemperatures].MaxConcurrency)

	branch := machine.States[ProcessEvaluationMetrics].Branches[0]
	assert.Equal(t, 120, branch.States[WaitForFirehose].Seconds)
	assert.Equal(t, 30, branch.States[WaitForCrawler].IntervalSeconds)
	assert.Equal(t, DefaultCrawlerAttempts, branch.States[WaitForCrawler].MaxAttempts)
}

func TestDefinition_InvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MapConcurrency = 0

	_, err := Definition(cfg)
	require.Error(t, err)

	cfg = DefaultConfig()
	cfg.EvaluationTask = ""

	_, err = Definition(cfg)
	require.Error(t, err)

	cfg = DefaultConfig()
	cfg.CrawlerPollInterval = 0

	_, err = Definition(cfg)
	require.Error(t, err)
}

func TestScenarioA_KnowledgeBaseSweep(t *testing.T) {
	tasks := &fakeTasks{thresholdCheck: within()}
	h := newHarness(t, t.TempDir(), DefaultConfig(), tasks)

	input := fullInput()

	execution, err := h.run(input)
	require.NoError(t, err)

	evaluations := tasks.callsTo(DefaultEvaluationTask)
	require.Len(t, evaluations, 2)

	for i, kb := range []string{"kb1", "kb2"} {
		payload := evaluations[i].payload
		assert.Equal(t, kb, payload["kb_id"])
		assert.Equal(t, "eval-run", payload["execution_name"])
		assert.Equal(t, []any{0.1, 0.7}, payload["temperature"])
		assert.Equal(t, "rag-app", payload["application_name"])
		assert.Equal(t, 512.0, payload["max_token"])
	}

	var order []string
	for _, c := range tasks.calls {
		order = append(order, c.task)
	}

	assert.Equal(t, []string{
		DefaultEvaluationTask, DefaultEvaluationTask,
		DefaultStartCrawlerTask, DefaultGetCrawlerTask,
		DefaultPerformanceTask, DefaultThresholdTask,
	}, order)

	check := tasks.callsTo(DefaultPerformanceTask)[0].payload
	assert.Equal(t, []any{"kb1", "kb2"}, check["kb_id"])
	assert.Equal(t, "eval-run", check["execution_name"])

	comparison := tasks.callsTo(DefaultThresholdTask)[0].payload
	assert.Equal(t, []any{map[string]any{"gt_id": "q1", "faithfulness": 0.91}}, comparison["eval_results"])
	assert.Equal(t, "rag-app", comparison["application_name"])

	crawler := tasks.callsTo(DefaultGetCrawlerTask)[0].payload
	assert.Equal(t, DefaultCrawlerName, crawler["Name"])

	assert.Equal(t, models.ExecutionStatusSucceeded, execution.Status)
	assert.Equal(t, models.OutcomePassed, execution.Outcome.Kind)
	assert.Equal(t, Yes, execution.Outcome.State)
	assert.Equal(t, map[string]any{"result": PassMessage}, execution.Outcome.Output)
	assert.Empty(t, h.alerts.alerts)
	assert.Equal(t, 1, waits(execution, WaitForFirehose))
}

func TestTemperatureSweep(t *testing.T) {
	tasks := &fakeTasks{thresholdCheck: within()}
	h := newHarness(t, t.TempDir(), DefaultConfig(), tasks)

	input := fullInput()
	input["experiment_param"] = "temperature"

	_, err := h.run(input)
	require.NoError(t, err)

	evaluations := tasks.callsTo(DefaultEvaluationTask)
	require.Len(t, evaluations, 2)
	assert.Equal(t, 0.1, evaluations[0].payload["temperature"])
	assert.Equal(t, 0.7, evaluations[1].payload["temperature"])
	assert.Equal(t, []any{"kb1", "kb2"}, evaluations[0].payload["kb_id"])
}

func TestScenarioB_Validation(t *testing.T) {
	tasks := &fakeTasks{thresholdCheck: within()}
	h := newHarness(t, t.TempDir(), DefaultConfig(), tasks)

	execution, err := h.run(map[string]any{"runMode": "validation", "kb_id": "kb1", "temperature": []any{0.5}})
	require.NoError(t, err)

	evaluations := tasks.callsTo(DefaultEvaluationTask)
	require.Len(t, evaluations, 1)
	assert.Equal(t, "kb1", evaluations[0].payload["kb_id"])
	assert.Equal(t, []any{0.5}, evaluations[0].payload["temperature"])
	assert.NotContains(t, evaluations[0].payload, "custom_tag")

	assert.Len(t, tasks.callsTo(DefaultPerformanceTask), 1)
	assert.Len(t, tasks.callsTo(DefaultThresholdTask), 1)
	assert.Empty(t, tasks.callsTo(DefaultStartCrawlerTask))
	assert.Equal(t, models.OutcomePassed, execution.Outcome.Kind)
}

func TestDefaultRouteMatchesValidation(t *testing.T) {
	tasks := &fakeTasks{thresholdCheck: within()}
	h := newHarness(t, t.TempDir(), DefaultConfig(), tasks)

	_, err := h.run(map[string]any{"runMode": "benchmark", "experiment_param": "top_p", "kb_id": []any{"kb1", "kb2"}})
	require.NoError(t, err)

	evaluations := tasks.callsTo(DefaultEvaluationTask)
	require.Len(t, evaluations, 1)
	assert.Equal(t, []any{"kb1", "kb2"}, evaluations[0].payload["kb_id"])
}

func TestScenarioC_ThresholdViolationAlerts(t *testing.T) {
	tasks := &fakeTasks{thresholdCheck: map[string]any{
		"all_metrics_within_thresholds": "No",
		"result_messages":               "faithfulness below threshold",
	}}
	h := newHarness(t, t.TempDir(), DefaultConfig(), tasks)

	execution, err := h.run(map[string]any{"runMode": "validation", "kb_id": "kb1"})
	require.NoError(t, err)

	require.Len(t, h.alerts.alerts, 1)
	alert := h.alerts.alerts[0]
	assert.Equal(t, DefaultAlertChannel, alert.Channel)
	assert.Equal(t, AlertDefault, alert.Default)
	assert.Equal(t, AlertSubject, alert.Subject)
	assert.Equal(t, "Metrics violated thresholds. Details: faithfulness below threshold", alert.Body)

	assert.Equal(t, models.ExecutionStatusSucceeded, execution.Status)
	assert.Equal(t, models.OutcomeAlerted, execution.Outcome.Kind)
	assert.Equal(t, PublishAlert, execution.Outcome.State)
	assert.Equal(t, alert.ID, execution.Outcome.AlertID)
}

func TestScenarioD_CrawlerPolling(t *testing.T) {
	tasks := &fakeTasks{thresholdCheck: within(), crawlerStates: []string{"RUNNING", "RUNNING", "STOPPED"}}
	h := newHarness(t, t.TempDir(), DefaultConfig(), tasks)

	execution, err := h.run(fullInput())
	require.NoError(t, err)

	assert.Len(t, tasks.callsTo(DefaultGetCrawlerTask), 3)
	assert.Equal(t, 2, waits(execution, WaitForCrawler))

	crawled := execution.Outcome
	require.NotNil(t, crawled)
	assert.Equal(t, models.OutcomePassed, crawled.Kind)
}

func TestCrawlerPollTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CrawlerPollMaxAttempts = 3

	tasks := &fakeTasks{thresholdCheck: within(), crawlerStates: []string{"RUNNING", "RUNNING", "RUNNING", "RUNNING"}}
	h := newHarness(t, t.TempDir(), cfg, tasks)

	execution, err := h.run(fullInput())
	require.Error(t, err)
	assert.True(t, engine.IsPollTimeoutError(err))
	assert.Equal(t, models.ExecutionStatusFailed, execution.Status)
	assert.Equal(t, "PollTimeoutError", execution.ErrorKind)
	assert.Empty(t, tasks.callsTo(DefaultPerformanceTask))
	assert.Empty(t, h.alerts.alerts)
}

func TestEvaluationFailureDoesNotAlert(t *testing.T) {
	tasks := &fakeTasks{thresholdCheck: within(), evaluationErr: errors.New("bedrock throttled")}
	h := newHarness(t, t.TempDir(), DefaultConfig(), tasks)

	execution, err := h.run(fullInput())
	require.Error(t, err)
	assert.True(t, engine.IsMapElementError(err))
	assert.True(t, engine.IsInvocationError(err))
	assert.Equal(t, "MapElementError", execution.ErrorKind)
	assert.Len(t, tasks.callsTo(DefaultEvaluationTask), 1)
	assert.Empty(t, h.alerts.alerts)
}

func TestMissingRunModeIsFatal(t *testing.T) {
	tasks := &fakeTasks{thresholdCheck: within()}
	h := newHarness(t, t.TempDir(), DefaultConfig(), tasks)

	execution, err := h.run(map[string]any{"kb_id": "kb1"})
	require.Error(t, err)
	assert.True(t, engine.IsConditionEvaluationError(err))
	assert.Equal(t, "ConditionEvaluationError", execution.ErrorKind)
	assert.Empty(t, tasks.calls)
}
