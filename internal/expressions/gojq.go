package expressions

import (
	"context"
	"encoding/json"

	"github.com/itchyny/gojq"
)

// GoJQEngine runs jq queries over the execution scope. Foreach loops use it
// to pick their collection, e.g. ".data.orders[] | select(.total > 10)".
type GoJQEngine struct {
	programs *programCache[*gojq.Code]
}

func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{programs: newProgramCache(compileJQ)}
}

func (e *GoJQEngine) Name() string { return "jq" }

// Evaluate returns nil for no output, the value itself for one output and a
// []any for several.
func (e *GoJQEngine) Evaluate(ctx context.Context, query string, data map[string]any) (any, error) {
	results, err := e.EvaluateAll(ctx, query, data)
	if err != nil {
		return nil, err
	}
	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// EvaluateAll collects every output of query.
func (e *GoJQEngine) EvaluateAll(ctx context.Context, query string, data map[string]any) ([]any, error) {
	if query == "" {
		return nil, emptyExpression("jq")
	}
	code, err := e.programs.get(query)
	if err != nil {
		return nil, err
	}

	input, _ := toJQ(data).(map[string]any)
	iter := code.RunWithContext(ctx, input)
	results := []any{}
	for {
		v, ok := iter.Next()
		if !ok {
			return results, nil
		}
		if err, isErr := v.(error); isErr {
			return nil, expressionError("jq evaluation failed", query, err)
		}
		results = append(results, v)
	}
}

// Select is EvaluateAll for collection sources: a query yielding a single
// array (".data.items") is unwrapped into its elements, so it behaves like
// ".data.items[]".
func (e *GoJQEngine) Select(ctx context.Context, query string, data map[string]any) ([]any, error) {
	results, err := e.EvaluateAll(ctx, query, data)
	if err != nil {
		return nil, err
	}
	if len(results) == 1 {
		if arr, ok := results[0].([]any); ok {
			return arr, nil
		}
	}
	return results, nil
}

func compileJQ(query string) (*gojq.Code, error) {
	parsed, err := gojq.Parse(query)
	if err != nil {
		return nil, expressionError("jq parse error", query, err)
	}
	// no $ENV: stored definitions must not read the host environment
	code, err := gojq.Compile(parsed, gojq.WithEnvironLoader(func() []string { return nil }))
	if err != nil {
		return nil, expressionError("jq compile error", query, err)
	}
	return code, nil
}

// toJQ converts scope values into the types gojq accepts: float64 numbers,
// []any and map[string]any. Anything else goes through encoding/json.
func toJQ(v any) any {
	switch val := v.(type) {
	case nil, string, bool, float64:
		return v
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case int32:
		return float64(val)
	case float32:
		return float64(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = toJQ(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = toJQ(item)
		}
		return out
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out any
	if json.Unmarshal(raw, &out) != nil {
		return nil
	}
	return out
}

var _ Engine = (*GoJQEngine)(nil)
