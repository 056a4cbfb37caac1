package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextKeys(t *testing.T) {
	ctx := context.Background()

	assert.Equal(t, "", ExecutionID(ctx))
	assert.Equal(t, "", WorkflowID(ctx))
	assert.Equal(t, "", StepID(ctx))
	assert.Equal(t, "", Actor(ctx))

	ctx = WithExecution(ctx, "exec-1", "wf-123", "ops@example.com")
	ctx = WithStepID(ctx, "step-1")

	assert.Equal(t, "exec-1", ExecutionID(ctx))
	assert.Equal(t, "wf-123", WorkflowID(ctx))
	assert.Equal(t, "step-1", StepID(ctx))
	assert.Equal(t, "ops@example.com", Actor(ctx))
}

func TestLogWith(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ctx := WithExecution(context.Background(), "exec-abc", "wf-abc", "")
	LogWith(ctx, logger).Info("hello")

	out := buf.String()
	assert.Contains(t, out, "execution_id=exec-abc")
	assert.Contains(t, out, "workflow_id=wf-abc")
	assert.NotContains(t, out, "actor=")
	assert.NotContains(t, out, "step_id=")
}

func TestCorrelationHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil)))

	ctx := WithStepID(WithExecution(context.Background(), "e1", "w1", "bob"), "s1")
	logger.InfoContext(ctx, "step done", "attempt", 2)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "e1", rec["execution_id"])
	assert.Equal(t, "w1", rec["workflow_id"])
	assert.Equal(t, "s1", rec["step_id"])
	assert.Equal(t, "bob", rec["actor"])
	assert.Equal(t, float64(2), rec["attempt"])
}

func TestCorrelationHandler_WithAttrsKeepsInjection(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil))).With("component", "runner")

	logger.InfoContext(WithExecutionID(context.Background(), "e2"), "x")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "runner", rec["component"])
	assert.Equal(t, "e2", rec["execution_id"])
}

func TestNew(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&buf, Options{Level: "warn", Format: "text"})
	require.NoError(t, err)

	logger.Info("dropped")
	logger.Warn("kept")
	assert.NotContains(t, buf.String(), "dropped")
	assert.Contains(t, buf.String(), "kept")

	_, err = New(&buf, Options{Level: "loud"})
	assert.Error(t, err)
	_, err = New(&buf, Options{Format: "xml"})
	assert.Error(t, err)
}
