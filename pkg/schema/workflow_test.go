package schema

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStep_PolicyDefaultsToStop(t *testing.T) {
	s := Step{ID: "a"}
	assert.Equal(t, ErrorPolicyStop, s.Policy())

	s.ErrorHandling = ErrorPolicyRetry
	assert.Equal(t, ErrorPolicyRetry, s.Policy())
}

func TestStep_DecodeConfig(t *testing.T) {
	s := Step{Config: map[string]any{"loop_type": "for", "count": 5}}

	var cfg struct {
		LoopType string `json:"loop_type"`
		Count    int    `json:"count"`
	}
	require.NoError(t, s.DecodeConfig(&cfg))
	assert.Equal(t, "for", cfg.LoopType)
	assert.Equal(t, 5, cfg.Count)
}

func TestWorkflowPatch_Apply(t *testing.T) {
	wf := &Workflow{Name: "old", Version: 1, Status: WorkflowStatusDraft, Steps: []Step{{ID: "a"}}}
	name := "new"
	active := WorkflowStatusActive

	patch := WorkflowPatch{Name: &name, Status: &active}
	patch.Apply(wf)
	assert.Equal(t, "new", wf.Name)
	assert.Equal(t, WorkflowStatusActive, wf.Status)
	assert.Equal(t, 1, wf.Version, "version only bumps when steps are replaced")

	patch = WorkflowPatch{Steps: []Step{{ID: "b"}, {ID: "c"}}}
	patch.Apply(wf)
	assert.Len(t, wf.Steps, 2)
	assert.Equal(t, 2, wf.Version)
}

func TestWorkflow_CloneIsDeep(t *testing.T) {
	now := time.Now()
	wf := &Workflow{
		ID:           "wf",
		Steps:        []Step{{ID: "a", Config: map[string]any{"nested": map[string]any{"k": "v"}}}},
		Variables:    map[string]any{"x": []any{1, 2}},
		LastExecuted: &now,
	}

	c := wf.Clone()
	c.Steps[0].Config["nested"].(map[string]any)["k"] = "changed"
	c.Variables["x"].([]any)[0] = 99

	assert.Equal(t, "v", wf.Steps[0].Config["nested"].(map[string]any)["k"])
	assert.Equal(t, 1, wf.Variables["x"].([]any)[0])
}

func TestExecution_FinishStampsDuration(t *testing.T) {
	start := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	e := &Execution{Status: ExecutionRunning, StartedAt: start}

	e.Finish(ExecutionCompleted, start.Add(1500*time.Millisecond))

	assert.Equal(t, ExecutionCompleted, e.Status)
	require.NotNil(t, e.DurationMs)
	assert.Equal(t, int64(1500), *e.DurationMs)
	assert.True(t, e.Status.Terminal())
}
