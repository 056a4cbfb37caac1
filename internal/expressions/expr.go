package expressions

import (
	"context"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/rendis/stepflow/pkg/schema"
)

// ExprEngine runs script steps and ${{ }} interpolation on expr-lang/expr.
// The language has no I/O and every program terminates, so stored
// definitions cannot run arbitrary code.
type ExprEngine struct {
	programs *programCache[*vm.Program]
}

func NewExprEngine() *ExprEngine {
	return &ExprEngine{programs: newProgramCache(compileExpr)}
}

func (e *ExprEngine) Name() string { return "expr" }

// Evaluate runs expression with the keys of data as top-level variables.
// vm.Run cannot be interrupted, so the run is abandoned when ctx ends and
// the caller gets a TIMEOUT. The program runs on a deep copy of data: an
// abandoned run may outlive the call while the caller keeps writing to its maps.
func (e *ExprEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, emptyExpression("expr")
	}
	prg, err := e.programs.get(expression)
	if err != nil {
		return nil, err
	}
	env := schema.CloneMap(data)
	if env == nil {
		env = map[string]any{}
	}

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := vm.Run(prg, env)
		done <- outcome{v, err}
	}()

	select {
	case <-ctx.Done():
		return nil, schema.NewErrorf(schema.ErrCodeTimeout, "expr evaluation of %q interrupted: %v", expression, ctx.Err()).
			WithCause(ctx.Err())
	case o := <-done:
		if o.err != nil {
			return nil, expressionError("expr evaluation failed", expression, o.err)
		}
		return o.value, nil
	}
}

// Compile checks expression syntax without running it.
func (e *ExprEngine) Compile(expression string) error {
	_, err := e.programs.get(expression)
	return err
}

// compileExpr builds an untyped program so one cache entry serves any scope.
func compileExpr(expression string) (*vm.Program, error) {
	prg, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, expressionError("expr compile error", expression, err)
	}
	return prg, nil
}

var _ Engine = (*ExprEngine)(nil)
