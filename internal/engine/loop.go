package engine

import (
	"context"
	"reflect"
	"strings"

	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/pkg/schema"
)

// MaxLoopIterations is the hard ceiling on iterations of any loop step.
// for counts and max_iterations above it are clamped.
const MaxLoopIterations = 1000

// Loop types accepted in a loop step's loop_type.
const (
	LoopFor     = "for"
	LoopWhile   = "while"
	LoopForEach = "foreach"
)

// LoopTypes lists the accepted loop_type values.
var LoopTypes = []string{LoopFor, LoopWhile, LoopForEach}

type loopConfig struct {
	LoopType      string        `json:"loop_type"`
	Count         int           `json:"count"`
	Condition     string        `json:"condition"`
	MaxIterations int           `json:"max_iterations"`
	DataSource    string        `json:"data_source"`
	Steps         []schema.Step `json:"steps"`
}

func (c *loopConfig) limit() int {
	if c.MaxIterations > 0 && c.MaxIterations < MaxLoopIterations {
		return c.MaxIterations
	}
	return MaxLoopIterations
}

func (in *Interpreter) runLoop(ctx context.Context, step *schema.Step, env *stepEnv) (map[string]any, error) {
	var cfg loopConfig
	if err := step.DecodeConfig(&cfg); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid loop config: %v", err)
	}

	res := schema.LoopResult{LoopType: cfg.LoopType}
	var err error
	switch cfg.LoopType {
	case LoopFor:
		err = in.loopFor(ctx, &cfg, env, &res)
	case LoopWhile:
		err = in.loopWhile(ctx, &cfg, env, &res)
	case LoopForEach:
		err = in.loopForEach(ctx, &cfg, env, &res)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown loop_type %q", cfg.LoopType)
	}

	// realized iterations are recorded even when the body failed
	env.state.loops[step.ID] = res
	if err != nil {
		return nil, err
	}
	if res.Capped {
		in.logger.WarnContext(ctx, "loop stopped at iteration ceiling",
			"step_id", step.ID, "loop_type", cfg.LoopType, "iterations", res.Iterations)
	}
	return map[string]any{
		"loop_type":  res.LoopType,
		"iterations": res.Iterations,
		"capped":     res.Capped,
	}, nil
}

func (in *Interpreter) loopFor(ctx context.Context, cfg *loopConfig, env *stepEnv, res *schema.LoopResult) error {
	if cfg.Count < 0 {
		return schema.NewErrorf(schema.ErrCodeValidation, "for loop count must be >= 0, got %d", cfg.Count)
	}
	n := cfg.Count
	if limit := cfg.limit(); n > limit {
		n = limit
		res.Capped = true
	}
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := in.runBody(ctx, cfg.Steps, env, i, i); err != nil {
			return err
		}
		res.Iterations++
	}
	return nil
}

func (in *Interpreter) loopWhile(ctx context.Context, cfg *loopConfig, env *stepEnv, res *schema.LoopResult) error {
	if cfg.Condition == "" {
		return schema.NewError(schema.ErrCodeValidation, "while loop requires 'condition'")
	}
	limit := cfg.limit()
	for i := 0; ; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		ok, err := in.cel.EvaluateBool(ctx, cfg.Condition, env.withLoop(loopVars(i, nil)).scope().Map())
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if i >= limit {
			res.Capped = true
			return nil
		}
		if err := in.runBody(ctx, cfg.Steps, env, i, nil); err != nil {
			return err
		}
		res.Iterations++
	}
}

func (in *Interpreter) loopForEach(ctx context.Context, cfg *loopConfig, env *stepEnv, res *schema.LoopResult) error {
	items, err := in.loopItems(ctx, cfg.DataSource, env.scope())
	if err != nil {
		return err
	}
	if limit := cfg.limit(); len(items) > limit {
		items = items[:limit]
		res.Capped = true
	}
	for i, item := range items {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := in.runBody(ctx, cfg.Steps, env, i, item); err != nil {
			return err
		}
		res.Iterations++
	}
	return nil
}

// loopItems materializes a foreach data source. A source starting with "."
// is a jq query over the whole scope; anything else is a dotted path looked
// up in data first.
func (in *Interpreter) loopItems(ctx context.Context, source string, scope *expressions.Scope) ([]any, error) {
	if source == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "foreach loop requires 'data_source'")
	}
	if strings.HasPrefix(source, ".") {
		return in.jq.Select(ctx, source, scope.Map())
	}

	v, ok := scope.Resolve(source)
	if !ok || v == nil {
		return nil, schema.NewErrorf(schema.ErrCodeStepExecution, "data source %q not found", source)
	}
	items, ok := toSlice(v)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeStepExecution, "data source %q is %T, not a list", source, v)
	}
	return items, nil
}

func toSlice(v any) ([]any, bool) {
	if arr, ok := v.([]any); ok {
		return arr, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

func loopVars(index int, item any) map[string]any {
	return map[string]any{"index": index, "iteration": index + 1, "item": item}
}

// runBody executes one iteration of a loop's steps. Each body step honors its
// own retry and error policy; a stop failure aborts the loop.
func (in *Interpreter) runBody(ctx context.Context, steps []schema.Step, env *stepEnv, index int, item any) error {
	iterEnv := env.withLoop(loopVars(index, item))
	for i := range steps {
		inner := &steps[i]
		if err := ctx.Err(); err != nil {
			return err
		}
		out, err := runWithRetry(ctx, RetryPolicyFor(inner), func() (map[string]any, error) {
			return in.Run(ctx, inner, iterEnv)
		}, nil)
		if err == nil {
			env.state.steps[inner.ID] = out
			continue
		}

		failure := HandleStepError(ctx, inner, err)
		switch failure.Outcome {
		case OutcomeContinue:
			in.logger.WarnContext(ctx, "loop body step failed, continuing",
				"step_id", inner.ID, "iteration", index, "error", err.Error())
			env.state.steps[inner.ID] = map[string]any{"error": err.Error()}
		default:
			return failure.Err
		}
	}
	return nil
}
