package expressions

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/pkg/schema"
)

func testScope() *Scope {
	return &Scope{
		Data: map[string]any{
			"amount": 150.0,
			"user":   map[string]any{"email": "ana@example.com", "tier": "gold"},
			"orders": []any{
				map[string]any{"id": "o1", "total": 5.0},
				map[string]any{"id": "o2", "total": 25.0},
				map[string]any{"id": "o3", "total": 40.0},
			},
		},
		Steps:      map[string]any{"fetch": map[string]any{"status_code": 200}},
		Variables:  map[string]any{"threshold": 100},
		Conditions: map[string]bool{"is_vip": true},
	}
}

func TestExprEngine_Evaluate(t *testing.T) {
	e := NewExprEngine()
	ctx := context.Background()
	scope := testScope().Map()

	tests := []struct {
		name string
		expr string
		want any
	}{
		{"arithmetic", "data.amount * 2", 300.0},
		{"comparison", "data.amount > variables.threshold", true},
		{"condition lookup", "conditions.is_vip && data.user.tier == 'gold'", true},
		{"array builtin", "len(filter(data.orders, .total > 10))", 2},
		{"nil coalescing", "data.missing ?? 'fallback'", "fallback"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Evaluate(ctx, tt.expr, scope)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExprEngine_CompileError(t *testing.T) {
	e := NewExprEngine()
	_, err := e.Evaluate(context.Background(), "data.amount +", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, schema.NewError(schema.ErrCodeExpression, ""))
	assert.Error(t, e.Compile("1 +"))
	assert.NoError(t, e.Compile("1 + 1"))
}

func TestExprEngine_EmptyExpression(t *testing.T) {
	_, err := NewExprEngine().Evaluate(context.Background(), "", nil)
	assert.Error(t, err)
}

func TestExprEngine_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// A cancelled context may still race a fast program; either outcome is a
	// clean return, never a hang.
	done := make(chan struct{})
	go func() {
		_, _ = NewExprEngine().Evaluate(ctx, "1 + 1", nil)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Evaluate did not return")
	}
}

func TestExprEngine_TimeoutLeavesCallerDataAlone(t *testing.T) {
	data := map[string]any{"data": map[string]any{"x": 1}}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	_, err := NewExprEngine().Evaluate(ctx, "reduce(1..3000, #acc + reduce(1..3000, #acc + (data.x ?? 0), 0), 0)", data)
	var flowErr *schema.FlowError
	require.ErrorAs(t, err, &flowErr)
	assert.Equal(t, schema.ErrCodeTimeout, flowErr.Code)

	// the abandoned run keeps going on its own copy
	inner := data["data"].(map[string]any)
	for i := 0; i < 1000; i++ {
		inner["x"] = i
	}
	assert.Equal(t, 999, inner["x"])
}

func TestCELEngine_EvaluateBool(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)
	ctx := context.Background()
	scope := testScope().Map()

	ok, err := e.EvaluateBool(ctx, `data.user.tier == "gold" && conditions.is_vip`, scope)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.EvaluateBool(ctx, `size(data.orders) > 5`, scope)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = e.EvaluateBool(ctx, `data.user.tier`, scope)
	assert.Error(t, err, "non-bool result must fail")
}

func TestCELEngine_MissingNamespaceDefaults(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	ok, err := e.EvaluateBool(context.Background(), `size(loop) == 0`, map[string]any{})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCELEngine_CompileError(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)
	assert.Error(t, e.Compile("data.x ==="))
	assert.Error(t, e.Compile("unknown_root.x"))
}

func TestGoJQEngine_EvaluateAll(t *testing.T) {
	e := NewGoJQEngine()
	items, err := e.EvaluateAll(context.Background(), ".data.orders[] | select(.total > 10) | .id", testScope().Map())
	require.NoError(t, err)
	assert.Equal(t, []any{"o2", "o3"}, items)
}

func TestGoJQEngine_NormalizesTypedValues(t *testing.T) {
	e := NewGoJQEngine()
	data := map[string]any{"counts": []int{1, 2, 3}, "flags": map[string]bool{"a": true}}

	items, err := e.EvaluateAll(context.Background(), ".counts[]", data)
	require.NoError(t, err)
	assert.Len(t, items, 3)

	out, err := e.Evaluate(context.Background(), ".flags.a", data)
	require.NoError(t, err)
	assert.Equal(t, true, out)

	none, err := e.Evaluate(context.Background(), ".counts[] | select(. > 5)", data)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestGoJQEngine_Select(t *testing.T) {
	e := NewGoJQEngine()
	data := map[string]any{"data": map[string]any{"items": []any{"a", "b"}}}

	whole, err := e.Select(context.Background(), ".data.items", data)
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, whole, "a single array output is unwrapped")

	streamed, err := e.Select(context.Background(), ".data.items[]", data)
	require.NoError(t, err)
	assert.Equal(t, whole, streamed)

	empty, err := e.Select(context.Background(), ".data.items[] | select(. == \"z\")", data)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestGoJQEngine_ParseError(t *testing.T) {
	_, err := NewGoJQEngine().Evaluate(context.Background(), ".[", map[string]any{})
	assert.Error(t, err)
}

func TestLookup(t *testing.T) {
	s := testScope()

	v, ok := Lookup(s.Data, "user.email")
	require.True(t, ok)
	assert.Equal(t, "ana@example.com", v)

	v, ok = Lookup(s.Data, "orders.1.id")
	require.True(t, ok)
	assert.Equal(t, "o2", v)

	_, ok = Lookup(s.Data, "orders.9.id")
	assert.False(t, ok)
	_, ok = Lookup(s.Data, "")
	assert.False(t, ok)
}

func TestScope_ResolveFallsBackToNamespaces(t *testing.T) {
	s := testScope()

	v, ok := s.Resolve("amount")
	require.True(t, ok)
	assert.Equal(t, 150.0, v)

	v, ok = s.Resolve("steps.fetch.status_code")
	require.True(t, ok)
	assert.Equal(t, 200, v)

	v, ok = s.Resolve("conditions.is_vip")
	require.True(t, ok)
	assert.Equal(t, true, v)
}

func TestInterpolator_Resolve(t *testing.T) {
	in := NewInterpolator(NewExprEngine())
	ctx := context.Background()
	scope := testScope().Map()

	out, err := in.ResolveMap(ctx, map[string]any{
		"to":      "${{ data.user.email }}",
		"subject": "Order total ${{ data.amount }} for ${{ data.user.tier }}",
		"count":   "${{ len(data.orders) }}",
		"nested":  []any{"${{ variables.threshold }}", "plain"},
		"number":  42,
	}, scope)
	require.NoError(t, err)

	assert.Equal(t, "ana@example.com", out["to"])
	assert.Equal(t, "Order total 150 for gold", out["subject"])
	assert.Equal(t, 3, out["count"], "whole-token strings keep their type")
	assert.Equal(t, []any{100, "plain"}, out["nested"])
	assert.Equal(t, 42, out["number"])
}

func TestInterpolator_Errors(t *testing.T) {
	in := NewInterpolator(NewExprEngine())
	ctx := context.Background()

	_, err := in.Resolve(ctx, "x ${{ data.a ", nil)
	assert.Error(t, err)

	_, err = in.Resolve(ctx, "${{   }}", nil)
	assert.Error(t, err)
}

func TestProgramCache(t *testing.T) {
	builds := 0
	cache := newProgramCache(func(src string) (int, error) {
		builds++
		if src == "bad" {
			return 0, schema.NewError(schema.ErrCodeExpression, "bad")
		}
		return len(src), nil
	})

	for range 3 {
		n, err := cache.get("amount > 10")
		require.NoError(t, err)
		assert.Equal(t, 11, n)
	}
	assert.Equal(t, 1, builds)

	_, err := cache.get("bad")
	require.Error(t, err)
	_, err = cache.get("bad")
	require.Error(t, err)
	assert.Equal(t, 3, builds, "failures are retried")
	assert.Equal(t, 1, cache.len())
}

func TestEngines_ShareCompiledPrograms(t *testing.T) {
	cel, err := NewCELEngine()
	require.NoError(t, err)
	require.NoError(t, cel.Compile("data.amount > 1.0"))
	require.NoError(t, cel.Compile("data.amount > 1.0"))
	assert.Equal(t, 1, cel.programs.len())

	script := NewExprEngine()
	_, err = script.Evaluate(context.Background(), "1 + 1", nil)
	require.NoError(t, err)
	require.NoError(t, script.Compile("1 + 1"))
	assert.Equal(t, 1, script.programs.len())
}
