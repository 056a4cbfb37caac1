package mcp

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/pkg/schema"
)

type sent struct {
	sessionID string
	method    string
	params    map[string]any
}

type fakeClient struct {
	mu   sync.Mutex
	sent []sent
	err  error
}

func (f *fakeClient) SendNotificationToSpecificClient(sessionID, method string, params map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sent{sessionID, method, params})
	return nil
}

func finished(status schema.ExecutionStatus, actor string) schema.ExecutionEvent {
	exec := &schema.Execution{
		ID: "exec-1", WorkflowID: "wf-1", Status: schema.ExecutionRunning,
		StartedAt: time.Now(), TriggeredBy: actor, StepsExecuted: []string{"a"},
	}
	exec.Finish(status, exec.StartedAt.Add(time.Second))
	if status == schema.ExecutionFailed {
		exec.ErrorMessage = "boom"
	}
	return schema.ExecutionEvent{Type: schema.TerminalEventType(status), Execution: exec, Timestamp: time.Now()}
}

func TestExecutionNotifier_TerminalEvent(t *testing.T) {
	client := &fakeClient{}
	sessions := NewSessionRegistry()
	sessions.Register("ops-bot", "session-1")
	n := NewExecutionNotifier(client, sessions, nil)

	n.Handle(context.Background(), finished(schema.ExecutionFailed, "ops-bot"))

	require.Len(t, client.sent, 1)
	msg := client.sent[0]
	assert.Equal(t, "session-1", msg.sessionID)
	assert.Equal(t, NotificationMethod, msg.method)
	assert.Equal(t, "error", msg.params["level"])

	data := msg.params["data"].(map[string]any)
	assert.Equal(t, schema.EventExecutionFailed, data["event"])
	assert.Equal(t, "exec-1", data["execution_id"])
	assert.Equal(t, "boom", data["error"])
	assert.Equal(t, int64(1000), data["duration_ms"])
}

func TestExecutionNotifier_Ignored(t *testing.T) {
	client := &fakeClient{}
	sessions := NewSessionRegistry()
	sessions.Register("ops-bot", "session-1")
	n := NewExecutionNotifier(client, sessions, nil)
	ctx := context.Background()

	// unknown actor
	n.Handle(ctx, finished(schema.ExecutionCompleted, "agent-2"))
	// no actor
	n.Handle(ctx, finished(schema.ExecutionCompleted, ""))
	// step event
	running := &schema.Execution{ID: "exec-2", Status: schema.ExecutionRunning, TriggeredBy: "ops-bot"}
	n.Handle(ctx, schema.ExecutionEvent{Type: schema.EventStepCompleted, Execution: running})
	// nil execution
	n.Handle(ctx, schema.ExecutionEvent{Type: schema.EventExecutionCompleted})

	assert.Empty(t, client.sent)
}

func TestExecutionNotifier_ExpiredSession(t *testing.T) {
	client := &fakeClient{err: server.ErrSessionNotFound}
	sessions := NewSessionRegistry()
	sessions.Register("ops-bot", "session-1")
	n := NewExecutionNotifier(client, sessions, nil)

	require.NoError(t, n.Notify(context.Background(), "ops-bot", map[string]any{}))
	_, ok := sessions.SessionFor("ops-bot")
	assert.False(t, ok)
}

func TestExecutionNotifier_SendError(t *testing.T) {
	client := &fakeClient{err: errors.New("write failed")}
	sessions := NewSessionRegistry()
	sessions.Register("ops-bot", "session-1")
	n := NewExecutionNotifier(client, sessions, nil)

	assert.EqualError(t, n.Notify(context.Background(), "ops-bot", map[string]any{}), "write failed")
	assert.Equal(t, 1, sessions.Len())
}
