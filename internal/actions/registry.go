package actions

import (
	"maps"
	"slices"
	"sync"

	"github.com/rendis/stepflow/pkg/schema"
)

// Registry resolves an action step's action_type to its Action. It is safe
// for concurrent use; registration normally happens once at startup.
type Registry struct {
	mu     sync.RWMutex
	byType map[string]Action
}

func NewRegistry() *Registry {
	return &Registry{byType: make(map[string]Action)}
}

// Register adds a. A second action with the same type is a CONFLICT.
func (r *Registry) Register(a Action) error {
	if a == nil {
		return schema.NewError(schema.ErrCodeValidation, "action is nil")
	}
	actionType := a.Name()
	if actionType == "" {
		return schema.NewError(schema.ErrCodeValidation, "action type is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.byType[actionType]; dup {
		return schema.NewErrorf(schema.ErrCodeConflict, "action %q already registered", actionType)
	}
	r.byType[actionType] = a
	return nil
}

// Get returns the action for actionType or an ACTION_ERROR.
func (r *Registry) Get(actionType string) (Action, error) {
	r.mu.RLock()
	a, ok := r.byType[actionType]
	r.mu.RUnlock()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeAction, "action %q not registered", actionType)
	}
	return a, nil
}

func (r *Registry) Has(actionType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byType[actionType]
	return ok
}

// Types returns the registered action types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.byType))
}

// List describes every registered action, sorted by type.
func (r *Registry) List() []ActionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]ActionInfo, 0, len(r.byType))
	for _, actionType := range slices.Sorted(maps.Keys(r.byType)) {
		s := r.byType[actionType].Schema()
		infos = append(infos, ActionInfo{
			Name:         actionType,
			Description:  s.Description,
			InputSchema:  s.InputSchema,
			OutputSchema: s.OutputSchema,
		})
	}
	return infos
}
