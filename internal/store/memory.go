package store

import (
	"context"
	"sync"
	"time"

	"github.com/rendis/stepflow/pkg/schema"
)

// MemoryStore is the in-process Store. Records are copied in and out so callers
// never share maps with the store.
type MemoryStore struct {
	mu sync.RWMutex

	workflows     map[string]*schema.Workflow
	workflowOrder []string
	templates     map[string]*schema.WorkflowTemplate
	templateOrder []string

	// executions is kept most-recent-first.
	executions []*schema.Execution
	execByID   map[string]*schema.Execution
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows: make(map[string]*schema.Workflow),
		templates: make(map[string]*schema.WorkflowTemplate),
		execByID:  make(map[string]*schema.Execution),
	}
}

func (s *MemoryStore) Migrate(context.Context) error { return nil }
func (s *MemoryStore) Close() error                  { return nil }

// --- Workflows ---

func (s *MemoryStore) CreateWorkflow(_ context.Context, wf *schema.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workflows[wf.ID]; ok {
		return alreadyExists("workflow", wf.ID)
	}
	s.workflows[wf.ID] = wf.Clone()
	s.workflowOrder = append(s.workflowOrder, wf.ID)
	return nil
}

func (s *MemoryStore) GetWorkflow(_ context.Context, id string) (*schema.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wf, ok := s.workflows[id]
	if !ok {
		return nil, workflowNotFound(id)
	}
	return wf.Clone(), nil
}

func (s *MemoryStore) UpdateWorkflow(_ context.Context, id string, mutate func(*schema.Workflow) error) (*schema.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.workflows[id]
	if !ok {
		return nil, workflowNotFound(id)
	}
	next := cur.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	next.ID = id
	s.workflows[id] = next
	return next.Clone(), nil
}

func (s *MemoryStore) DeleteWorkflow(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workflows[id]; !ok {
		return workflowNotFound(id)
	}
	delete(s.workflows, id)
	s.workflowOrder = removeID(s.workflowOrder, id)
	return nil
}

func (s *MemoryStore) ListWorkflows(_ context.Context, filter WorkflowFilter) ([]*schema.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*schema.Workflow, 0, len(s.workflowOrder))
	for _, id := range s.workflowOrder {
		wf := s.workflows[id]
		if filter.Status != nil && wf.Status != *filter.Status {
			continue
		}
		out = append(out, wf.Clone())
	}
	return out, nil
}

// --- Templates ---

func (s *MemoryStore) CreateTemplate(_ context.Context, tpl *schema.WorkflowTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.templates[tpl.ID]; ok {
		return alreadyExists("template", tpl.ID)
	}
	s.templates[tpl.ID] = tpl.Clone()
	s.templateOrder = append(s.templateOrder, tpl.ID)
	return nil
}

func (s *MemoryStore) GetTemplate(_ context.Context, id string) (*schema.WorkflowTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tpl, ok := s.templates[id]
	if !ok {
		return nil, templateNotFound(id)
	}
	return tpl.Clone(), nil
}

func (s *MemoryStore) UpdateTemplate(_ context.Context, id string, mutate func(*schema.WorkflowTemplate) error) (*schema.WorkflowTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.templates[id]
	if !ok {
		return nil, templateNotFound(id)
	}
	next := cur.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	next.ID = id
	s.templates[id] = next
	return next.Clone(), nil
}

func (s *MemoryStore) DeleteTemplate(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.templates[id]; !ok {
		return templateNotFound(id)
	}
	delete(s.templates, id)
	s.templateOrder = removeID(s.templateOrder, id)
	return nil
}

func (s *MemoryStore) ListTemplates(_ context.Context, filter TemplateFilter) ([]*schema.WorkflowTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*schema.WorkflowTemplate, 0, len(s.templateOrder))
	for _, id := range s.templateOrder {
		tpl := s.templates[id]
		if filter.Category != "" && tpl.Category != filter.Category {
			continue
		}
		out = append(out, tpl.Clone())
	}
	return out, nil
}

// --- Executions ---

func (s *MemoryStore) CreateExecution(_ context.Context, exec *schema.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.execByID[exec.ID]; ok {
		return alreadyExists("execution", exec.ID)
	}
	c := exec.Clone()
	s.execByID[exec.ID] = c
	s.executions = append([]*schema.Execution{c}, s.executions...)
	return nil
}

func (s *MemoryStore) GetExecution(_ context.Context, id string) (*schema.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.execByID[id]
	if !ok {
		return nil, executionNotFound(id)
	}
	return e.Clone(), nil
}

func (s *MemoryStore) UpdateExecution(_ context.Context, id string, mutate func(*schema.Execution) error) (*schema.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.execByID[id]
	if !ok {
		return nil, executionNotFound(id)
	}
	next := cur.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	next.ID = id
	// Replace in place so the most-recent-first order is kept.
	*cur = *next
	return cur.Clone(), nil
}

func (s *MemoryStore) ListExecutions(_ context.Context, filter ExecutionFilter) ([]*schema.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*schema.Execution
	for _, e := range s.executions {
		if filter.WorkflowID != "" && e.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		out = append(out, e.Clone())
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) DeleteExecutionsBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.executions[:0]
	removed := 0
	for _, e := range s.executions {
		if e.Status.Terminal() && e.StartedAt.Before(cutoff) {
			delete(s.execByID, e.ID)
			removed++
			continue
		}
		kept = append(kept, e)
	}
	for i := len(kept); i < len(s.executions); i++ {
		s.executions[i] = nil
	}
	s.executions = kept
	return removed, nil
}

func removeID(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
