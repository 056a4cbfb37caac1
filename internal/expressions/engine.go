// Package expressions holds the three languages a workflow definition can
// embed: CEL for conditions, jq for selecting loop collections and expr for
// script steps, plus the ${{ }} interpolator built on expr.
package expressions

import (
	"context"
	"sync"

	"github.com/rendis/stepflow/pkg/schema"
)

// Engine evaluates one expression language against an execution scope.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// programCache memoizes compiled programs by source text. Compiled programs
// of all three languages are immutable and safe to share between goroutines.
type programCache[P any] struct {
	mu       sync.RWMutex
	programs map[string]P
	compile  func(source string) (P, error)
}

func newProgramCache[P any](compile func(string) (P, error)) *programCache[P] {
	return &programCache[P]{programs: make(map[string]P), compile: compile}
}

// get returns the cached program for source, compiling it on first use.
// Failed compilations are not cached.
func (c *programCache[P]) get(source string) (P, error) {
	c.mu.RLock()
	p, ok := c.programs[source]
	c.mu.RUnlock()
	if ok {
		return p, nil
	}

	p, err := c.compile(source)
	if err != nil {
		return p, err
	}
	c.mu.Lock()
	c.programs[source] = p
	c.mu.Unlock()
	return p, nil
}

func (c *programCache[P]) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.programs)
}

// expressionError wraps a compile or runtime failure as an EXPRESSION_ERROR
// carrying the offending source in its details.
func expressionError(what, expression string, err error) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeExpression, "%s in %q: %s", what, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression})
}

func emptyExpression(lang string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeExpression, "empty %s expression", lang)
}
