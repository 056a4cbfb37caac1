package schema

import "time"

// Execution event types published after every state transition.
const (
	EventExecutionCreated   = "execution.created"
	EventStepStarted        = "execution.step_started"
	EventStepCompleted      = "execution.step_completed"
	EventStepFailed         = "execution.step_failed"
	EventStepRetrying       = "execution.step_retrying"
	EventExecutionCompleted = "execution.completed"
	EventExecutionFailed    = "execution.failed"
	EventExecutionCancelled = "execution.cancelled"
)

// ExecutionEvent carries a snapshot of an execution at the moment of a transition.
type ExecutionEvent struct {
	Type      string     `json:"type"`
	Execution *Execution `json:"execution"`
	StepID    string     `json:"step_id,omitempty"`
	Error     string     `json:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// TerminalEventType maps a terminal status to its event type.
func TerminalEventType(s ExecutionStatus) string {
	switch s {
	case ExecutionCompleted:
		return EventExecutionCompleted
	case ExecutionFailed:
		return EventExecutionFailed
	case ExecutionCancelled:
		return EventExecutionCancelled
	}
	return ""
}
