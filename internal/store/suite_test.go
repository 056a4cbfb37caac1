package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/pkg/schema"
)

// runStoreSuite exercises the Store contract against any backend.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("WorkflowCRUD", func(t *testing.T) { testWorkflowCRUD(t, newStore(t)) })
	t.Run("WorkflowListFilter", func(t *testing.T) { testWorkflowListFilter(t, newStore(t)) })
	t.Run("WorkflowUpdateMutateError", func(t *testing.T) { testWorkflowUpdateMutateError(t, newStore(t)) })
	t.Run("ConcurrentCounterUpdates", func(t *testing.T) { testConcurrentCounterUpdates(t, newStore(t)) })
	t.Run("TemplateCRUD", func(t *testing.T) { testTemplateCRUD(t, newStore(t)) })
	t.Run("ExecutionOrdering", func(t *testing.T) { testExecutionOrdering(t, newStore(t)) })
	t.Run("ExecutionUpdate", func(t *testing.T) { testExecutionUpdate(t, newStore(t)) })
	t.Run("DeleteExecutionsBefore", func(t *testing.T) { testDeleteExecutionsBefore(t, newStore(t)) })
}

func seedWorkflow(t *testing.T, s Store, name string, status schema.WorkflowStatus) *schema.Workflow {
	t.Helper()
	now := time.Now().UTC()
	wf := &schema.Workflow{
		ID:        uuid.New().String(),
		Name:      name,
		Version:   1,
		Status:    status,
		Steps:     []schema.Step{{ID: "s1", Type: schema.StepTypeDelay, Config: map[string]any{"duration": "1ms"}}},
		Variables: map[string]any{"region": "eu"},
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, s.CreateWorkflow(context.Background(), wf))
	return wf
}

func seedExecution(t *testing.T, s Store, workflowID string, status schema.ExecutionStatus, startedAt time.Time) *schema.Execution {
	t.Helper()
	exec := &schema.Execution{
		ID:            uuid.New().String(),
		WorkflowID:    workflowID,
		Status:        status,
		StartedAt:     startedAt,
		StepsExecuted: []string{},
	}
	if status.Terminal() {
		exec.Finish(status, startedAt.Add(time.Second))
	}
	require.NoError(t, s.CreateExecution(context.Background(), exec))
	return exec
}

func testWorkflowCRUD(t *testing.T, s Store) {
	ctx := context.Background()
	wf := seedWorkflow(t, s, "onboarding", schema.WorkflowStatusDraft)

	got, err := s.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, "onboarding", got.Name)
	assert.Equal(t, "eu", got.Variables["region"])
	require.Len(t, got.Steps, 1)
	assert.Equal(t, schema.StepTypeDelay, got.Steps[0].Type)

	err = s.CreateWorkflow(ctx, wf)
	assert.True(t, errors.Is(err, schema.NewError(schema.ErrCodeConflict, "")), "duplicate id: %v", err)

	updated, err := s.UpdateWorkflow(ctx, wf.ID, func(w *schema.Workflow) error {
		w.Status = schema.WorkflowStatusActive
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusActive, updated.Status)

	got, err = s.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusActive, got.Status)

	require.NoError(t, s.DeleteWorkflow(ctx, wf.ID))
	_, err = s.GetWorkflow(ctx, wf.ID)
	assert.ErrorIs(t, err, schema.ErrWorkflowNotFound)
	assert.ErrorIs(t, s.DeleteWorkflow(ctx, wf.ID), schema.ErrWorkflowNotFound)

	_, err = s.UpdateWorkflow(ctx, "missing", func(*schema.Workflow) error { return nil })
	assert.ErrorIs(t, err, schema.ErrWorkflowNotFound)
}

func testWorkflowListFilter(t *testing.T, s Store) {
	ctx := context.Background()
	seedWorkflow(t, s, "a", schema.WorkflowStatusActive)
	seedWorkflow(t, s, "b", schema.WorkflowStatusDraft)
	seedWorkflow(t, s, "c", schema.WorkflowStatusActive)

	all, err := s.ListWorkflows(ctx, WorkflowFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	active := schema.WorkflowStatusActive
	onlyActive, err := s.ListWorkflows(ctx, WorkflowFilter{Status: &active})
	require.NoError(t, err)
	assert.Len(t, onlyActive, 2)
	for _, wf := range onlyActive {
		assert.Equal(t, schema.WorkflowStatusActive, wf.Status)
	}
}

func testWorkflowUpdateMutateError(t *testing.T, s Store) {
	ctx := context.Background()
	wf := seedWorkflow(t, s, "keep", schema.WorkflowStatusDraft)
	boom := errors.New("boom")

	_, err := s.UpdateWorkflow(ctx, wf.ID, func(w *schema.Workflow) error {
		w.Name = "changed"
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := s.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, "keep", got.Name, "failed mutate must not be persisted")
}

func testConcurrentCounterUpdates(t *testing.T, s Store) {
	ctx := context.Background()
	wf := seedWorkflow(t, s, "counter", schema.WorkflowStatusActive)

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.UpdateWorkflow(ctx, wf.ID, func(w *schema.Workflow) error {
				w.ExecutionCount++
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := s.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, n, got.ExecutionCount)
}

func testTemplateCRUD(t *testing.T, s Store) {
	ctx := context.Background()
	now := time.Now().UTC()
	tpl := &schema.WorkflowTemplate{
		ID:        uuid.New().String(),
		Name:      "daily report",
		Category:  "reporting",
		Steps:     []schema.Step{{ID: "r", Type: schema.StepTypeAction, Config: map[string]any{"action_type": "generate_report"}}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, s.CreateTemplate(ctx, tpl))
	other := &schema.WorkflowTemplate{ID: uuid.New().String(), Name: "other", Category: "ops", Steps: tpl.Steps, CreatedAt: now.Add(time.Millisecond)}
	require.NoError(t, s.CreateTemplate(ctx, other))

	got, err := s.GetTemplate(ctx, tpl.ID)
	require.NoError(t, err)
	assert.Equal(t, "daily report", got.Name)

	_, err = s.UpdateTemplate(ctx, tpl.ID, func(tp *schema.WorkflowTemplate) error {
		tp.UsageCount++
		return nil
	})
	require.NoError(t, err)
	got, err = s.GetTemplate(ctx, tpl.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.UsageCount)

	reporting, err := s.ListTemplates(ctx, TemplateFilter{Category: "reporting"})
	require.NoError(t, err)
	require.Len(t, reporting, 1)
	assert.Equal(t, tpl.ID, reporting[0].ID)

	all, err := s.ListTemplates(ctx, TemplateFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, s.DeleteTemplate(ctx, tpl.ID))
	_, err = s.GetTemplate(ctx, tpl.ID)
	assert.ErrorIs(t, err, schema.ErrTemplateNotFound)
}

func testExecutionOrdering(t *testing.T, s Store) {
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)
	var ids []string
	for i := 0; i < 5; i++ {
		wfID := "wf-a"
		if i%2 == 1 {
			wfID = "wf-b"
		}
		e := seedExecution(t, s, wfID, schema.ExecutionCompleted, base.Add(time.Duration(i)*time.Minute))
		ids = append(ids, e.ID)
	}

	all, err := s.ListExecutions(ctx, ExecutionFilter{})
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, ids[4], all[0].ID, "most recent first")
	assert.Equal(t, ids[0], all[4].ID)

	limited, err := s.ListExecutions(ctx, ExecutionFilter{WorkflowID: "wf-a", Limit: 2})
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, ids[4], limited[0].ID)
	assert.Equal(t, ids[2], limited[1].ID)
}

func testExecutionUpdate(t *testing.T, s Store) {
	ctx := context.Background()
	e := seedExecution(t, s, "wf", schema.ExecutionRunning, time.Now().UTC())

	updated, err := s.UpdateExecution(ctx, e.ID, func(x *schema.Execution) error {
		x.StepsExecuted = append(x.StepsExecuted, "s1")
		x.Progress = 50
		x.ConditionResults = map[string]bool{"c1": true}
		x.LoopResults = map[string]schema.LoopResult{"l1": {LoopType: "for", Iterations: 5}}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 50, updated.Progress)

	got, err := s.GetExecution(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, got.StepsExecuted)
	assert.True(t, got.ConditionResults["c1"])
	assert.Equal(t, 5, got.LoopResults["l1"].Iterations)

	running, err := s.ListExecutions(ctx, ExecutionFilter{Status: schema.ExecutionRunning})
	require.NoError(t, err)
	assert.Len(t, running, 1)

	_, err = s.GetExecution(ctx, "missing")
	assert.ErrorIs(t, err, schema.ErrExecutionNotFound)
}

func testDeleteExecutionsBefore(t *testing.T, s Store) {
	ctx := context.Background()
	old := time.Now().UTC().Add(-40 * 24 * time.Hour)
	seedExecution(t, s, "wf", schema.ExecutionCompleted, old)
	seedExecution(t, s, "wf", schema.ExecutionFailed, old)
	stuck := seedExecution(t, s, "wf", schema.ExecutionRunning, old)
	fresh := seedExecution(t, s, "wf", schema.ExecutionCompleted, time.Now().UTC())

	n, err := s.DeleteExecutionsBefore(ctx, time.Now().UTC().Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	remaining, err := s.ListExecutions(ctx, ExecutionFilter{})
	require.NoError(t, err)
	var ids []string
	for _, e := range remaining {
		ids = append(ids, e.ID)
	}
	assert.ElementsMatch(t, []string{stuck.ID, fresh.ID}, ids, fmt.Sprintf("remaining: %v", ids))
}
