package actions

import (
	"context"
	"encoding/json"

	"github.com/rendis/stepflow/pkg/schema"
)

// UpdateDataAction implements "update_data": it sets and removes keys in the
// execution's data. Keys may be dotted paths ("customer.tier").
type UpdateDataAction struct{}

func NewUpdateDataAction() *UpdateDataAction { return &UpdateDataAction{} }

func (a *UpdateDataAction) Name() string { return "update_data" }

func (a *UpdateDataAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Set or remove keys in the execution data.",
		InputSchema: json.RawMessage(`{
  "type": "object",
  "properties": {
    "updates": {"type": "object"},
    "remove": {"type": "array", "items": {"type": "string"}}
  }
}`),
	}
}

func (a *UpdateDataAction) Validate(params map[string]any) error {
	_, hasUpdates := params["updates"].(map[string]any)
	removes := stringSliceParam(params, "remove")
	if !hasUpdates && len(removes) == 0 {
		return schema.NewError(schema.ErrCodeValidation, "update_data needs 'updates' or 'remove'")
	}
	return nil
}

func (a *UpdateDataAction) Execute(_ context.Context, input ActionInput) (*ActionOutput, error) {
	if err := a.Validate(input.Params); err != nil {
		return nil, err
	}
	updates, _ := input.Params["updates"].(map[string]any)
	removes := stringSliceParam(input.Params, "remove")

	keys := make([]any, 0, len(updates))
	for k := range updates {
		keys = append(keys, k)
	}
	return &ActionOutput{
		Data:        map[string]any{"updated": keys, "removed": len(removes)},
		DataUpdates: updates,
		DataRemoves: removes,
	}, nil
}
