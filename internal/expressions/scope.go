package expressions

import (
	"strconv"
	"strings"
)

// Scope keys visible to every expression.
const (
	ScopeData       = "data"
	ScopeSteps      = "steps"
	ScopeVariables  = "variables"
	ScopeConditions = "conditions"
	ScopeLoops      = "loops"
	ScopeLoop       = "loop"
)

// Scope is the read view of an execution handed to expressions. Loop is set
// only while a loop body runs and holds item and index.
type Scope struct {
	Data       map[string]any
	Steps      map[string]any
	Variables  map[string]any
	Conditions map[string]bool
	Loops      map[string]any
	Loop       map[string]any
}

// Map flattens the scope into the activation map used by all engines.
// Missing namespaces become empty maps so expressions never hit nil.
func (s *Scope) Map() map[string]any {
	conds := make(map[string]any, len(s.Conditions))
	for k, v := range s.Conditions {
		conds[k] = v
	}
	return map[string]any{
		ScopeData:       orEmpty(s.Data),
		ScopeSteps:      orEmpty(s.Steps),
		ScopeVariables:  orEmpty(s.Variables),
		ScopeConditions: conds,
		ScopeLoops:      orEmpty(s.Loops),
		ScopeLoop:       orEmpty(s.Loop),
	}
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// Lookup resolves a dotted path such as "order.items.0.sku" inside m.
// Numeric segments index into arrays.
func Lookup(m map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	var cur any = m
	for _, part := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[part]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// Resolve looks path up in the data namespace first and then in the full scope,
// so "amount" and "steps.fetch.status_code" both work.
func (s *Scope) Resolve(path string) (any, bool) {
	if v, ok := Lookup(s.Data, path); ok {
		return v, true
	}
	return Lookup(s.Map(), path)
}
