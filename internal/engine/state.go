package engine

import (
	"strings"

	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/pkg/schema"
)

// runState is the mutable context of one execution. It is owned by the
// goroutine driving that execution and never shared with another run.
type runState struct {
	data       map[string]any
	variables  map[string]any
	steps      map[string]any
	conditions map[string]bool
	loops      map[string]schema.LoopResult
}

func newRunState(wf *schema.Workflow, input map[string]any) *runState {
	data := schema.CloneMap(input)
	if data == nil {
		data = map[string]any{}
	}
	return &runState{
		data:       data,
		variables:  schema.CloneMap(wf.Variables),
		steps:      map[string]any{},
		conditions: map[string]bool{},
		loops:      map[string]schema.LoopResult{},
	}
}

// scope builds the expression view. loop is nil outside loop bodies.
func (s *runState) scope(loop map[string]any) *expressions.Scope {
	loops := make(map[string]any, len(s.loops))
	for id, lr := range s.loops {
		loops[id] = map[string]any{"iterations": lr.Iterations, "loop_type": lr.LoopType, "capped": lr.Capped}
	}
	return &expressions.Scope{
		Data:       s.data,
		Steps:      s.steps,
		Variables:  s.variables,
		Conditions: s.conditions,
		Loops:      loops,
		Loop:       loop,
	}
}

func (s *runState) conditionSnapshot() map[string]bool {
	out := make(map[string]bool, len(s.conditions))
	for k, v := range s.conditions {
		out[k] = v
	}
	return out
}

func (s *runState) loopSnapshot() map[string]schema.LoopResult {
	out := make(map[string]schema.LoopResult, len(s.loops))
	for k, v := range s.loops {
		out[k] = v
	}
	return out
}

// output is the execution's final output_data.
func (s *runState) output() map[string]any {
	return map[string]any{
		"data":  schema.CloneMap(s.data),
		"steps": schema.CloneMap(s.steps),
	}
}

// setPath writes v at a dotted path, creating intermediate maps.
func setPath(m map[string]any, path string, v any) {
	parts := strings.Split(path, ".")
	cur := m
	for _, p := range parts[:len(parts)-1] {
		next, ok := cur[p].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[p] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = v
}

// deletePath removes the value at a dotted path if present.
func deletePath(m map[string]any, path string) {
	parts := strings.Split(path, ".")
	cur := m
	for _, p := range parts[:len(parts)-1] {
		next, ok := cur[p].(map[string]any)
		if !ok {
			return
		}
		cur = next
	}
	delete(cur, parts[len(parts)-1])
}
