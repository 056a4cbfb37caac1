package engine

import (
	"sync"
	"time"

	"github.com/rendis/stepflow/pkg/schema"
)

// TransitionHook is called after a successful execution transition with the
// updated record. Hooks must not block.
type TransitionHook func(from, to schema.ExecutionStatus, exec *schema.Execution)

type transitionKey struct {
	from, to schema.ExecutionStatus
}

// ValidExecutionTransitions defines the allowed execution state transitions.
// Terminal states have no outgoing edges.
var ValidExecutionTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.ExecutionRunning:   {schema.ExecutionCompleted, schema.ExecutionFailed, schema.ExecutionCancelled},
	schema.ExecutionCompleted: {},
	schema.ExecutionFailed:    {},
	schema.ExecutionCancelled: {},
}

// ExecutionFSM guards execution status changes. It is safe for concurrent use.
type ExecutionFSM struct {
	mu    sync.RWMutex
	hooks map[transitionKey][]TransitionHook
	any   []TransitionHook
}

func NewExecutionFSM() *ExecutionFSM {
	return &ExecutionFSM{hooks: make(map[transitionKey][]TransitionHook)}
}

// OnTransition registers a hook for one specific transition.
func (f *ExecutionFSM) OnTransition(from, to schema.ExecutionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := transitionKey{from, to}
	f.hooks[key] = append(f.hooks[key], hook)
}

// OnAny registers a hook for every transition.
func (f *ExecutionFSM) OnAny(hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.any = append(f.any, hook)
}

// Transition validates from -> to and stamps completion data on exec.
// It is meant to run inside a store mutate callback so the check and the
// write are atomic. Hooks are not called here; see Fire.
func (f *ExecutionFSM) Transition(exec *schema.Execution, to schema.ExecutionStatus, at time.Time) error {
	from := exec.Status
	if !CanTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid execution transition: %s -> %s", from, to).
			WithDetails(map[string]any{"execution_id": exec.ID, "from": string(from), "to": string(to)})
	}
	exec.Finish(to, at)
	return nil
}

// Fire runs the hooks registered for from -> to after the transition was persisted.
func (f *ExecutionFSM) Fire(from, to schema.ExecutionStatus, exec *schema.Execution) {
	f.mu.RLock()
	hooks := append(append([]TransitionHook{}, f.hooks[transitionKey{from, to}]...), f.any...)
	f.mu.RUnlock()

	for _, h := range hooks {
		h(from, to, exec)
	}
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to schema.ExecutionStatus) bool {
	for _, a := range ValidExecutionTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}
