package engine

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/pkg/schema"
)

func runningExecution() *schema.Execution {
	return &schema.Execution{
		ID:        "exec-1",
		Status:    schema.ExecutionRunning,
		StartedAt: time.Now().Add(-2 * time.Second),
	}
}

func TestExecutionFSM_ValidTransitions(t *testing.T) {
	for _, to := range []schema.ExecutionStatus{schema.ExecutionCompleted, schema.ExecutionFailed, schema.ExecutionCancelled} {
		t.Run(string(to), func(t *testing.T) {
			fsm := NewExecutionFSM()
			exec := runningExecution()
			at := time.Now()

			require.NoError(t, fsm.Transition(exec, to, at))
			assert.Equal(t, to, exec.Status)
			require.NotNil(t, exec.CompletedAt)
			assert.Equal(t, at, *exec.CompletedAt)
			require.NotNil(t, exec.DurationMs)
			assert.GreaterOrEqual(t, *exec.DurationMs, int64(2000))
		})
	}
}

func TestExecutionFSM_TerminalIsFinal(t *testing.T) {
	fsm := NewExecutionFSM()
	exec := runningExecution()
	require.NoError(t, fsm.Transition(exec, schema.ExecutionCompleted, time.Now()))
	completedAt := *exec.CompletedAt

	for _, to := range []schema.ExecutionStatus{
		schema.ExecutionRunning, schema.ExecutionFailed, schema.ExecutionCancelled, schema.ExecutionCompleted,
	} {
		err := fsm.Transition(exec, to, time.Now().Add(time.Hour))
		require.Error(t, err)

		var flowErr *schema.FlowError
		require.True(t, errors.As(err, &flowErr))
		assert.Equal(t, schema.ErrCodeInvalidTransition, flowErr.Code)
		assert.ErrorIs(t, err, schema.ErrInvalidTransition)
	}
	assert.Equal(t, schema.ExecutionCompleted, exec.Status)
	assert.Equal(t, completedAt, *exec.CompletedAt)
}

func TestExecutionFSM_Hooks(t *testing.T) {
	fsm := NewExecutionFSM()

	var mu sync.Mutex
	var specific, all []string
	fsm.OnTransition(schema.ExecutionRunning, schema.ExecutionFailed, func(from, to schema.ExecutionStatus, _ *schema.Execution) {
		mu.Lock()
		defer mu.Unlock()
		specific = append(specific, string(from)+"->"+string(to))
	})
	fsm.OnAny(func(_, to schema.ExecutionStatus, exec *schema.Execution) {
		mu.Lock()
		defer mu.Unlock()
		all = append(all, exec.ID+":"+string(to))
	})

	exec := runningExecution()
	fsm.Fire(schema.ExecutionRunning, schema.ExecutionCompleted, exec)
	fsm.Fire(schema.ExecutionRunning, schema.ExecutionFailed, exec)

	assert.Equal(t, []string{"running->failed"}, specific)
	assert.Equal(t, []string{"exec-1:completed", "exec-1:failed"}, all)
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(schema.ExecutionRunning, schema.ExecutionCancelled))
	assert.False(t, CanTransition(schema.ExecutionCancelled, schema.ExecutionRunning))
	assert.False(t, CanTransition(schema.ExecutionRunning, schema.ExecutionRunning))
	assert.False(t, CanTransition("unknown", schema.ExecutionCompleted))
}
