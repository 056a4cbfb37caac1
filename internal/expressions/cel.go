package expressions

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/rendis/stepflow/pkg/schema"
)

// celScope lists the namespaces a CEL condition may reference. Each is
// declared as map(string, dyn).
var celScope = []string{ScopeData, ScopeSteps, ScopeVariables, ScopeConditions, ScopeLoops, ScopeLoop}

// CELEngine evaluates custom_script conditions and while-loop conditions.
type CELEngine struct {
	env      *cel.Env
	programs *programCache[cel.Program]
}

func NewCELEngine() (*CELEngine, error) {
	opts := make([]cel.EnvOption, 0, len(celScope))
	for _, name := range celScope {
		opts = append(opts, cel.Variable(name, cel.MapType(cel.StringType, cel.DynType)))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	e := &CELEngine{env: env}
	e.programs = newProgramCache(e.build)
	return e, nil
}

func (e *CELEngine) Name() string { return "cel" }

// Evaluate runs expression against data. ctx interrupts long comprehensions.
func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, emptyExpression("CEL")
	}
	prg, err := e.programs.get(expression)
	if err != nil {
		return nil, err
	}

	out, _, err := prg.ContextEval(ctx, celActivation(data))
	if err != nil {
		return nil, expressionError("CEL evaluation failed", expression, err)
	}
	return out.Value(), nil
}

// EvaluateBool is Evaluate for conditions; any non-bool result is an error.
func (e *CELEngine) EvaluateBool(ctx context.Context, expression string, data map[string]any) (bool, error) {
	v, err := e.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	if b, ok := v.(bool); ok {
		return b, nil
	}
	return false, schema.NewErrorf(schema.ErrCodeExpression, "CEL expression %q returned %T, want bool", expression, v)
}

// Compile type-checks expression without evaluating it.
func (e *CELEngine) Compile(expression string) error {
	_, err := e.programs.get(expression)
	return err
}

func (e *CELEngine) build(expression string) (cel.Program, error) {
	ast, issues := e.env.Compile(expression)
	if err := issues.Err(); err != nil {
		return nil, expressionError("CEL compile error", expression, err)
	}
	prg, err := e.env.Program(ast, cel.InterruptCheckFrequency(100))
	if err != nil {
		return nil, expressionError("CEL program error", expression, err)
	}
	return prg, nil
}

// celActivation binds every scope namespace; absent ones become empty maps
// so "data.x" on a bare scope reports a missing key, not an unbound name.
func celActivation(data map[string]any) map[string]any {
	activation := make(map[string]any, len(celScope))
	for _, name := range celScope {
		activation[name] = map[string]any{}
		if v := data[name]; v != nil {
			activation[name] = v
		}
	}
	return activation
}

var _ Engine = (*CELEngine)(nil)
