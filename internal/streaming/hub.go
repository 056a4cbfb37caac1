package streaming

import (
	"context"
	"slices"

	"github.com/rendis/stepflow/pkg/schema"
)

// EventFilter selects events for a subscriber. Empty fields match anything.
type EventFilter struct {
	WorkflowID  string   `json:"workflow_id,omitempty"`
	ExecutionID string   `json:"execution_id,omitempty"`
	EventTypes  []string `json:"event_types,omitempty"`
}

// Match reports whether evt passes f. Events without an execution record
// never match a workflow or execution filter.
func (f EventFilter) Match(evt schema.ExecutionEvent) bool {
	if len(f.EventTypes) > 0 && !slices.Contains(f.EventTypes, evt.Type) {
		return false
	}
	if f.WorkflowID == "" && f.ExecutionID == "" {
		return true
	}
	exec := evt.Execution
	if exec == nil {
		return false
	}
	return (f.WorkflowID == "" || f.WorkflowID == exec.WorkflowID) &&
		(f.ExecutionID == "" || f.ExecutionID == exec.ID)
}

// EventHub fans execution events out to channel subscribers such as SSE
// streams.
type EventHub interface {
	Publish(ctx context.Context, event schema.ExecutionEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan schema.ExecutionEvent, func(), error)
}
