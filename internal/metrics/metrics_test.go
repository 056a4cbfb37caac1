package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/pkg/schema"
)

func finished(status schema.ExecutionStatus, ms int64) schema.ExecutionEvent {
	return schema.ExecutionEvent{
		Type:      schema.TerminalEventType(status),
		Execution: &schema.Execution{ID: "e", Status: status, DurationMs: &ms},
	}
}

func TestHandle(t *testing.T) {
	m := New()
	ctx := context.Background()

	for range 3 {
		m.Handle(ctx, schema.ExecutionEvent{Type: schema.EventExecutionCreated})
	}
	m.Handle(ctx, schema.ExecutionEvent{Type: schema.EventStepCompleted})
	m.Handle(ctx, schema.ExecutionEvent{Type: schema.EventStepFailed})
	m.Handle(ctx, schema.ExecutionEvent{Type: schema.EventStepRetrying})
	m.Handle(ctx, schema.ExecutionEvent{Type: schema.EventStepRetrying})
	m.Handle(ctx, finished(schema.ExecutionCompleted, 1500))
	m.Handle(ctx, finished(schema.ExecutionFailed, 20))

	assert.Equal(t, 3.0, testutil.ToFloat64(m.executionsStarted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.running))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.steps.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.steps.WithLabelValues("failed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.stepRetries))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.executionsFinished.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.executionsFinished.WithLabelValues("failed")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.executionsFinished))
}

func TestRegisterPoolAndScrape(t *testing.T) {
	m := New()
	require.NoError(t, m.RegisterPool(func() engine.PoolMetrics {
		return engine.PoolMetrics{Size: 8, Active: 3, Completed: 40}
	}))
	assert.Error(t, m.RegisterPool(func() engine.PoolMetrics { return engine.PoolMetrics{} }), "duplicate registration")

	m.Handle(context.Background(), schema.ExecutionEvent{Type: schema.EventExecutionCreated})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	text := string(body)
	assert.Contains(t, text, "stepflow_pool_size 8")
	assert.Contains(t, text, "stepflow_pool_active 3")
	assert.Contains(t, text, "stepflow_executions_started_total 1")
	assert.Contains(t, text, "go_goroutines")
}

type hubStats struct{}

func (hubStats) Subscribers() int { return 2 }
func (hubStats) Dropped() uint64  { return 7 }

func TestRegisterHub(t *testing.T) {
	m := New()
	require.NoError(t, m.RegisterHub(hubStats{}))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	text := rec.Body.String()
	assert.Contains(t, text, "stepflow_stream_subscribers 2")
	assert.Contains(t, text, "stepflow_stream_dropped_events_total 7")
}
