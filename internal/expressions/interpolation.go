package expressions

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rendis/stepflow/pkg/schema"
)

// Interpolator resolves ${{ expr }} tokens in step configuration values.
// Each token is evaluated by the wrapped engine against the execution scope.
type Interpolator struct {
	engine Engine
}

// NewInterpolator creates an Interpolator over engine.
func NewInterpolator(engine Engine) *Interpolator {
	return &Interpolator{engine: engine}
}

// Resolve walks v (maps, slices, strings) and replaces tokens. A string that is
// exactly one token keeps the evaluated value's type; tokens embedded in
// longer strings are rendered inline.
func (in *Interpolator) Resolve(ctx context.Context, v any, scope map[string]any) (any, error) {
	switch val := v.(type) {
	case string:
		return in.resolveString(ctx, val, scope)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			r, err := in.Resolve(ctx, item, scope)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			r, err := in.Resolve(ctx, item, scope)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

// ResolveMap is Resolve for the common map case.
func (in *Interpolator) ResolveMap(ctx context.Context, m map[string]any, scope map[string]any) (map[string]any, error) {
	if m == nil {
		return nil, nil
	}
	out, err := in.Resolve(ctx, m, scope)
	if err != nil {
		return nil, err
	}
	return out.(map[string]any), nil
}

func (in *Interpolator) resolveString(ctx context.Context, s string, scope map[string]any) (any, error) {
	if !strings.Contains(s, "${{") {
		return s, nil
	}

	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "${{") && strings.HasSuffix(trimmed, "}}") &&
		strings.Count(trimmed, "${{") == 1 {
		return in.eval(ctx, trimmed[3:len(trimmed)-2], scope)
	}

	var b strings.Builder
	b.Grow(len(s))
	i := 0
	for i < len(s) {
		idx := strings.Index(s[i:], "${{")
		if idx == -1 {
			b.WriteString(s[i:])
			break
		}
		b.WriteString(s[i : i+idx])
		start := i + idx + 3
		end := strings.Index(s[start:], "}}")
		if end == -1 {
			return nil, schema.NewError(schema.ErrCodeExpression, "unclosed ${{ expression")
		}
		end += start

		val, err := in.eval(ctx, s[start:end], scope)
		if err != nil {
			return nil, err
		}
		b.WriteString(inline(val))
		i = end + 2
	}
	return b.String(), nil
}

func (in *Interpolator) eval(ctx context.Context, expression string, scope map[string]any) (any, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeExpression, "empty interpolation: ${{ }}")
	}
	if strings.Contains(expression, "${{") {
		return nil, schema.NewError(schema.ErrCodeExpression, "nested interpolation not allowed")
	}
	return in.engine.Evaluate(ctx, expression, scope)
}

// inline renders a value for embedding inside a larger string.
func inline(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case map[string]any, []any:
		raw, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(raw)
	default:
		return fmt.Sprint(val)
	}
}
