package store

import (
	"context"
	"time"

	"github.com/rendis/stepflow/pkg/schema"
)

// WorkflowStore owns workflow and template definitions.
// Update methods run mutate under the store's lock or transaction; an error
// returned by mutate aborts the update and is passed through unchanged.
type WorkflowStore interface {
	CreateWorkflow(ctx context.Context, wf *schema.Workflow) error
	GetWorkflow(ctx context.Context, id string) (*schema.Workflow, error)
	UpdateWorkflow(ctx context.Context, id string, mutate func(*schema.Workflow) error) (*schema.Workflow, error)
	DeleteWorkflow(ctx context.Context, id string) error
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*schema.Workflow, error)

	CreateTemplate(ctx context.Context, tpl *schema.WorkflowTemplate) error
	GetTemplate(ctx context.Context, id string) (*schema.WorkflowTemplate, error)
	UpdateTemplate(ctx context.Context, id string, mutate func(*schema.WorkflowTemplate) error) (*schema.WorkflowTemplate, error)
	DeleteTemplate(ctx context.Context, id string) error
	ListTemplates(ctx context.Context, filter TemplateFilter) ([]*schema.WorkflowTemplate, error)
}

// ExecutionStore owns execution records. Listing is most-recent-first.
type ExecutionStore interface {
	CreateExecution(ctx context.Context, exec *schema.Execution) error
	GetExecution(ctx context.Context, id string) (*schema.Execution, error)
	UpdateExecution(ctx context.Context, id string, mutate func(*schema.Execution) error) (*schema.Execution, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.Execution, error)
	// DeleteExecutionsBefore removes terminal executions started before cutoff.
	// Running executions are never removed.
	DeleteExecutionsBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// Store is the full persistence contract. All implementations must be safe for concurrent use.
type Store interface {
	WorkflowStore
	ExecutionStore

	Migrate(ctx context.Context) error
	Close() error
}

// WorkflowFilter narrows ListWorkflows.
type WorkflowFilter struct {
	Status *schema.WorkflowStatus
}

// TemplateFilter narrows ListTemplates.
type TemplateFilter struct {
	Category string
}

// ExecutionFilter narrows ListExecutions. Limit <= 0 means no limit.
type ExecutionFilter struct {
	WorkflowID string
	Status     schema.ExecutionStatus
	Limit      int
}

func workflowNotFound(id string) error {
	return schema.NewErrorf(schema.ErrCodeWorkflowNotFound, "workflow %q not found", id)
}

func templateNotFound(id string) error {
	return schema.NewErrorf(schema.ErrCodeTemplateNotFound, "template %q not found", id)
}

func executionNotFound(id string) error {
	return schema.NewErrorf(schema.ErrCodeExecutionNotFound, "execution %q not found", id)
}

func alreadyExists(resource, id string) error {
	return schema.NewErrorf(schema.ErrCodeConflict, "%s %q already exists", resource, id)
}
