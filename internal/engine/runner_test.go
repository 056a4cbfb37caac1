package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/internal/actions"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []schema.ExecutionEvent
}

func (r *eventRecorder) Publish(_ context.Context, evt schema.ExecutionEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *eventRecorder) types(executionID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		if e.Execution.ID == executionID {
			out = append(out, e.Type)
		}
	}
	return out
}

func (r *eventRecorder) progress(executionID string) []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []int
	for _, e := range r.events {
		if e.Execution.ID == executionID {
			out = append(out, e.Execution.Progress)
		}
	}
	return out
}

type refreshCounter struct{ calls int64 }

func (c *refreshCounter) RefreshWorkflow(context.Context, string) error {
	atomic.AddInt64(&c.calls, 1)
	return nil
}

type runnerFixture struct {
	runner  *Runner
	store   *store.MemoryStore
	events  *eventRecorder
	refresh *refreshCounter
}

func newRunnerFixture(t *testing.T, extra ...actions.Action) *runnerFixture {
	t.Helper()
	reg := actions.NewRegistry()
	require.NoError(t, actions.RegisterBuiltins(reg, actions.BuiltinConfig{}))
	for _, a := range extra {
		require.NoError(t, reg.Register(a))
	}
	in, err := NewInterpreter(InterpreterConfig{Actions: reg, Breakers: NewCircuitBreakerRegistry(DefaultCircuitBreakerConfig())})
	require.NoError(t, err)

	f := &runnerFixture{
		store:   store.NewMemoryStore(),
		events:  &eventRecorder{},
		refresh: &refreshCounter{},
	}
	f.runner = NewRunner(RunnerConfig{
		Store:       f.store,
		Interpreter: in,
		Publisher:   f.events,
		Refresher:   f.refresh,
		PoolSize:    4,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		f.runner.Shutdown(ctx)
	})
	return f
}

func (f *runnerFixture) workflow(t *testing.T, status schema.WorkflowStatus, steps ...schema.Step) *schema.Workflow {
	t.Helper()
	wf := &schema.Workflow{
		ID:        "wf-" + t.Name(),
		Name:      t.Name(),
		Status:    status,
		Version:   1,
		Steps:     steps,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	require.NoError(t, f.store.CreateWorkflow(context.Background(), wf))
	return wf
}

func noop(id string) schema.Step {
	return schema.Step{ID: id, Type: schema.StepTypeScript, Config: map[string]any{"expression": "true"}}
}

func TestRunner_W1_WebhookFailureStops(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := newRunnerFixture(t)
	wf := f.workflow(t, schema.WorkflowStatusActive,
		schema.Step{ID: "A1", Type: schema.StepTypeAction, ErrorHandling: schema.ErrorPolicyStop, Config: map[string]any{
			"action_type": "update_data", "updates": map[string]any{"notified": true},
		}},
		schema.Step{ID: "H1", Type: schema.StepTypeWebhook, ErrorHandling: schema.ErrorPolicyStop, Config: map[string]any{
			"url": srv.URL, "method": "POST",
		}},
	)

	exec, err := f.runner.Execute(context.Background(), wf.ID, map[string]any{}, "tester")
	require.NoError(t, err)

	assert.Equal(t, schema.ExecutionFailed, exec.Status)
	assert.Equal(t, []string{"A1"}, exec.StepsExecuted)
	assert.Equal(t, "H1", exec.CurrentStep)
	assert.Contains(t, exec.ErrorMessage, "500")
	assert.Less(t, exec.Progress, 100)
	require.NotNil(t, exec.CompletedAt)
	require.NotNil(t, exec.DurationMs)
	assert.Equal(t, "tester", exec.TriggeredBy)

	assert.Equal(t, []string{
		schema.EventExecutionCreated,
		schema.EventStepStarted, schema.EventStepCompleted,
		schema.EventStepStarted, schema.EventStepFailed,
		schema.EventExecutionFailed,
	}, f.events.types(exec.ID))
	assert.Equal(t, int64(1), atomic.LoadInt64(&f.refresh.calls))
}

func TestRunner_W2_ForLoop(t *testing.T) {
	f := newRunnerFixture(t)
	wf := f.workflow(t, schema.WorkflowStatusActive,
		schema.Step{ID: "L1", Type: schema.StepTypeLoop, Config: map[string]any{
			"loop_type": "for",
			"count":     5,
			"steps":     []any{map[string]any{"id": "inner", "type": "script", "config": map[string]any{"expression": "true"}}},
		}},
	)

	exec, err := f.runner.Execute(context.Background(), wf.ID, nil, "")
	require.NoError(t, err)

	assert.Equal(t, schema.ExecutionCompleted, exec.Status)
	assert.Equal(t, 100, exec.Progress)
	assert.Equal(t, 5, exec.LoopResults["L1"].Iterations)
	assert.Empty(t, exec.ErrorMessage)
}

func TestRunner_DraftWorkflowIsRejected(t *testing.T) {
	f := newRunnerFixture(t)
	wf := f.workflow(t, schema.WorkflowStatusDraft, noop("s1"))

	exec, err := f.runner.Execute(context.Background(), wf.ID, nil, "")
	assert.Nil(t, exec)
	assert.ErrorIs(t, err, schema.ErrWorkflowNotActive)

	execs, err := f.store.ListExecutions(context.Background(), store.ExecutionFilter{WorkflowID: wf.ID})
	require.NoError(t, err)
	assert.Empty(t, execs)
	assert.Empty(t, f.events.events)
}

func TestRunner_UnknownWorkflow(t *testing.T) {
	f := newRunnerFixture(t)
	_, err := f.runner.Execute(context.Background(), "missing", nil, "")
	assert.ErrorIs(t, err, schema.ErrWorkflowNotFound)
}

func TestRunner_ContinuePolicy(t *testing.T) {
	f := newRunnerFixture(t)
	wf := f.workflow(t, schema.WorkflowStatusActive,
		schema.Step{ID: "broken", Type: schema.StepTypeScript, ErrorHandling: schema.ErrorPolicyContinue,
			Config: map[string]any{"expression": "1 +"}},
		noop("after"),
	)

	exec, err := f.runner.Execute(context.Background(), wf.ID, nil, "")
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, exec.Status)
	assert.Equal(t, []string{"after"}, exec.StepsExecuted)
	assert.Equal(t, 100, exec.Progress)

	steps := exec.OutputData["steps"].(map[string]any)
	assert.Contains(t, steps["broken"], "error")
}

func TestRunner_ScriptTimeoutContinues(t *testing.T) {
	f := newRunnerFixture(t)
	wf := f.workflow(t, schema.WorkflowStatusActive,
		schema.Step{ID: "slow", Type: schema.StepTypeScript, ErrorHandling: schema.ErrorPolicyContinue, Timeout: "5ms",
			Config: map[string]any{"expression": slowExpression}},
		schema.Step{ID: "bump", Type: schema.StepTypeLoop, Config: map[string]any{
			"loop_type": "for",
			"count":     100,
			"steps": []any{map[string]any{"id": "inc", "type": "script", "config": map[string]any{
				"expression": "data.x + 1", "assign": "x",
			}}},
		}},
	)

	exec, err := f.runner.Execute(context.Background(), wf.ID, map[string]any{"x": 0}, "")
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, exec.Status)
	assert.Equal(t, []string{"bump"}, exec.StepsExecuted)
	assert.Equal(t, 100, exec.OutputData["data"].(map[string]any)["x"])

	steps := exec.OutputData["steps"].(map[string]any)
	assert.Contains(t, steps["slow"], "error")
}

// explodingAction panics instead of returning an error.
type explodingAction struct{}

func (explodingAction) Name() string                  { return "explode" }
func (explodingAction) Schema() actions.ActionSchema  { return actions.ActionSchema{} }
func (explodingAction) Validate(map[string]any) error { return nil }
func (explodingAction) Execute(context.Context, actions.ActionInput) (*actions.ActionOutput, error) {
	panic("boom")
}

func TestRunner_PanickingActionFailsExecution(t *testing.T) {
	f := newRunnerFixture(t, explodingAction{})
	wf := f.workflow(t, schema.WorkflowStatusActive,
		noop("before"),
		schema.Step{ID: "blast", Type: schema.StepTypeAction, Config: map[string]any{"action_type": "explode"}},
		noop("after"),
	)

	exec, err := f.runner.Execute(context.Background(), wf.ID, nil, "")
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionFailed, exec.Status)
	assert.Contains(t, exec.ErrorMessage, "boom")
	assert.Equal(t, []string{"before"}, exec.StepsExecuted)
	assert.NotNil(t, exec.CompletedAt)
	assert.Contains(t, f.events.types(exec.ID), schema.EventExecutionFailed)

	started, err := f.runner.Start(context.Background(), wf.ID, nil, "")
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	got, err := f.runner.Wait(ctx, started.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "boom")
}

func TestRunner_RetryPolicyRecovers(t *testing.T) {
	var hits int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if atomic.AddInt64(&hits, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := newRunnerFixture(t)
	wf := f.workflow(t, schema.WorkflowStatusActive,
		schema.Step{ID: "hook", Type: schema.StepTypeWebhook, ErrorHandling: schema.ErrorPolicyRetry,
			RetryCount: 3, RetryBackoff: BackoffConstant, RetryDelay: "1ms",
			Config: map[string]any{"url": srv.URL}},
	)

	exec, err := f.runner.Execute(context.Background(), wf.ID, nil, "")
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, exec.Status)
	assert.Equal(t, []string{"hook"}, exec.StepsExecuted)
	assert.Equal(t, int64(3), atomic.LoadInt64(&hits))

	retries := 0
	for _, typ := range f.events.types(exec.ID) {
		if typ == schema.EventStepRetrying {
			retries++
		}
	}
	assert.Equal(t, 2, retries)
}

func TestRunner_RetryExhaustedFallsBackToContinue(t *testing.T) {
	var hits int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt64(&hits, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	f := newRunnerFixture(t)
	wf := f.workflow(t, schema.WorkflowStatusActive,
		schema.Step{ID: "hook", Type: schema.StepTypeWebhook, ErrorHandling: schema.ErrorPolicyRetry,
			RetryCount: 2, RetryBackoff: BackoffNone, Config: map[string]any{"url": srv.URL}},
		noop("next"),
	)

	exec, err := f.runner.Execute(context.Background(), wf.ID, nil, "")
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, exec.Status)
	assert.Equal(t, []string{"next"}, exec.StepsExecuted)
	assert.Equal(t, int64(3), atomic.LoadInt64(&hits))
}

func TestRunner_ConditionResultsFeedLaterSteps(t *testing.T) {
	f := newRunnerFixture(t)
	wf := f.workflow(t, schema.WorkflowStatusActive,
		schema.Step{ID: "big", Type: schema.StepTypeCondition, Config: map[string]any{
			"condition_type": "field_comparison", "field": "amount", "operator": "gte", "value": 1000,
		}},
		schema.Step{ID: "label", Type: schema.StepTypeScript, Config: map[string]any{
			"expression": `conditions.big ? "large" : "small"`, "assign": "size",
		}},
	)

	exec, err := f.runner.Execute(context.Background(), wf.ID, map[string]any{"amount": 2500}, "")
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, exec.Status)
	assert.Equal(t, map[string]bool{"big": true}, exec.ConditionResults)

	data := exec.OutputData["data"].(map[string]any)
	assert.Equal(t, "large", data["size"])
	assert.Equal(t, 2500, data["amount"])
}

func TestRunner_ProgressIsMonotonic(t *testing.T) {
	f := newRunnerFixture(t)
	wf := f.workflow(t, schema.WorkflowStatusActive, noop("a"), noop("b"), noop("c"))

	exec, err := f.runner.Execute(context.Background(), wf.ID, nil, "")
	require.NoError(t, err)

	progress := f.events.progress(exec.ID)
	require.NotEmpty(t, progress)
	for i := 1; i < len(progress); i++ {
		assert.LessOrEqual(t, progress[i-1], progress[i])
	}
	assert.Equal(t, 100, progress[len(progress)-1])
	for _, p := range progress[:len(progress)-1] {
		assert.Less(t, p, 100)
	}
}

func TestRunner_StartAndCancel(t *testing.T) {
	f := newRunnerFixture(t)
	wf := f.workflow(t, schema.WorkflowStatusActive,
		schema.Step{ID: "wait", Type: schema.StepTypeDelay, Config: map[string]any{"duration": "10s"}},
		noop("never"),
	)
	ctx := context.Background()

	started, err := f.runner.Start(ctx, wf.ID, nil, "ops")
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionRunning, started.Status)

	require.Eventually(t, func() bool {
		e, err := f.store.GetExecution(ctx, started.ID)
		return err == nil && e.CurrentStep == "wait"
	}, 2*time.Second, 5*time.Millisecond)

	ok, err := f.runner.Cancel(ctx, started.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	final, err := f.runner.Wait(waitCtx, started.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCancelled, final.Status)
	assert.Empty(t, final.StepsExecuted)
	require.NotNil(t, final.CompletedAt)

	// terminal is final
	ok, err = f.runner.Cancel(ctx, started.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	again, err := f.store.GetExecution(ctx, started.ID)
	require.NoError(t, err)
	assert.Equal(t, *final.CompletedAt, *again.CompletedAt)

	cancelled := 0
	for _, typ := range f.events.types(started.ID) {
		if typ == schema.EventExecutionCancelled {
			cancelled++
		}
	}
	assert.Equal(t, 1, cancelled)
	assert.Equal(t, 0, f.runner.ActiveCount())
}

func TestRunner_CancelCompletedExecution(t *testing.T) {
	f := newRunnerFixture(t)
	wf := f.workflow(t, schema.WorkflowStatusActive, noop("a"))

	exec, err := f.runner.Execute(context.Background(), wf.ID, nil, "")
	require.NoError(t, err)

	ok, err := f.runner.Cancel(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	stored, err := f.store.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, stored.Status)
}

func TestRunner_CancelUnknown(t *testing.T) {
	f := newRunnerFixture(t)
	ok, err := f.runner.Cancel(context.Background(), "nope")
	assert.False(t, ok)
	assert.ErrorIs(t, err, schema.ErrExecutionNotFound)
}

func TestRunner_ShutdownCancelsLongRuns(t *testing.T) {
	f := newRunnerFixture(t)
	wf := f.workflow(t, schema.WorkflowStatusActive,
		schema.Step{ID: "wait", Type: schema.StepTypeDelay, Config: map[string]any{"duration": "30s"}},
	)
	ctx := context.Background()

	started, err := f.runner.Start(ctx, wf.ID, nil, "")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		e, err := f.store.GetExecution(ctx, started.ID)
		return err == nil && e.CurrentStep == "wait"
	}, 2*time.Second, 5*time.Millisecond)

	expired, cancel := context.WithCancel(ctx)
	cancel()
	f.runner.Shutdown(expired)

	final, err := f.store.GetExecution(ctx, started.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCancelled, final.Status)

	_, err = f.runner.Start(ctx, wf.ID, nil, "")
	assert.Error(t, err)
}

func TestRunner_ConcurrentExecutionsAreIsolated(t *testing.T) {
	f := newRunnerFixture(t)
	wf := f.workflow(t, schema.WorkflowStatusActive,
		schema.Step{ID: "double", Type: schema.StepTypeScript, Config: map[string]any{
			"expression": "data.n * 2", "assign": "n",
		}},
	)

	var wg sync.WaitGroup
	results := make([]*schema.Execution, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			exec, err := f.runner.Execute(context.Background(), wf.ID, map[string]any{"n": i}, "")
			assert.NoError(t, err)
			results[i] = exec
		}(i)
	}
	wg.Wait()

	for i, exec := range results {
		require.NotNil(t, exec)
		assert.Equal(t, i*2, exec.OutputData["data"].(map[string]any)["n"])
	}
	assert.Equal(t, int64(10), atomic.LoadInt64(&f.refresh.calls))
}
