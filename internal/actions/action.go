package actions

import (
	"context"
	"encoding/json"
)

// Action is the unit an action step dispatches to. Name is the action_type
// value that selects it; Validate checks params before Execute runs.
type Action interface {
	Name() string
	Schema() ActionSchema
	Execute(ctx context.Context, input ActionInput) (*ActionOutput, error)
	Validate(params map[string]any) error
}

// ActionSchema describes the input/output contract of an action.
type ActionSchema struct {
	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
	Description  string          `json:"description,omitempty"`
}

// ActionInput is the data provided to an action at execution time.
// Params are already interpolated against the execution scope.
type ActionInput struct {
	Params      map[string]any `json:"params"`
	ExecutionID string         `json:"execution_id,omitempty"`
	WorkflowID  string         `json:"workflow_id,omitempty"`
	StepID      string         `json:"step_id,omitempty"`
	Actor       string         `json:"actor,omitempty"`
}

// ActionOutput is the result of an action. Data becomes the step output;
// DataUpdates, when set, are merged into the execution's data.
type ActionOutput struct {
	Data        map[string]any `json:"data,omitempty"`
	DataUpdates map[string]any `json:"data_updates,omitempty"`
	DataRemoves []string       `json:"data_removes,omitempty"`
}

// ActionInfo describes a registered action type for catalogue listings.
type ActionInfo struct {
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
}
