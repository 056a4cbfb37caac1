package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/stepflow/pkg/schema"
)

// NotificationMethod is the MCP method used for execution notifications.
const NotificationMethod = "notifications/message"

// ClientNotifier sends a notification to one MCP session.
type ClientNotifier interface {
	SendNotificationToSpecificClient(sessionID, method string, params map[string]any) error
}

// ExecutionNotifier pushes terminal execution events to the session of the
// actor that triggered the run.
type ExecutionNotifier struct {
	client   ClientNotifier
	sessions *SessionRegistry
	logger   *slog.Logger
}

// NewExecutionNotifier creates a notifier on top of an MCP server.
func NewExecutionNotifier(client ClientNotifier, sessions *SessionRegistry, logger *slog.Logger) *ExecutionNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecutionNotifier{client: client, sessions: sessions, logger: logger}
}

// Notifier returns an ExecutionNotifier bound to this server's sessions.
func (s *Server) Notifier() *ExecutionNotifier {
	return NewExecutionNotifier(s.mcpServer, s.sessions, s.logger)
}

// Handle is a streaming.Handler. Non-terminal events and runs without a
// connected actor are ignored.
func (n *ExecutionNotifier) Handle(ctx context.Context, evt schema.ExecutionEvent) {
	exec := evt.Execution
	if exec == nil || exec.TriggeredBy == "" || !exec.Status.Terminal() {
		return
	}
	if evt.Type != schema.TerminalEventType(exec.Status) {
		return
	}
	if err := n.Notify(ctx, exec.TriggeredBy, notificationPayload(evt)); err != nil {
		n.logger.WarnContext(ctx, "execution notification failed",
			slog.String("execution_id", exec.ID),
			slog.String("actor", exec.TriggeredBy),
			slog.String("error", err.Error()),
		)
	}
}

// Notify sends payload to the actor's session. It returns nil when the actor
// is not connected.
func (n *ExecutionNotifier) Notify(_ context.Context, actor string, payload map[string]any) error {
	sessionID, ok := n.sessions.SessionFor(actor)
	if !ok {
		return nil
	}
	err := n.client.SendNotificationToSpecificClient(sessionID, NotificationMethod, payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// expired between lookup and send
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}

func notificationPayload(evt schema.ExecutionEvent) map[string]any {
	exec := evt.Execution
	data := map[string]any{
		"event":          evt.Type,
		"execution_id":   exec.ID,
		"workflow_id":    exec.WorkflowID,
		"status":         exec.Status,
		"steps_executed": len(exec.StepsExecuted),
	}
	if exec.DurationMs != nil {
		data["duration_ms"] = *exec.DurationMs
	}
	if exec.ErrorMessage != "" {
		data["error"] = exec.ErrorMessage
	}
	level := "info"
	if exec.Status == schema.ExecutionFailed {
		level = "error"
	}
	return map[string]any{
		"level":  level,
		"logger": "stepflow",
		"data":   data,
	}
}
