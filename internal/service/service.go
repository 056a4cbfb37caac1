// Package service is the operation surface of the engine. It owns no state of
// its own: stores, runner, statistics and notifier are injected.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/internal/stats"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/internal/streaming"
	"github.com/rendis/stepflow/pkg/schema"
)

// Store is the persistence the service works against.
type Store interface {
	store.WorkflowStore
	store.ExecutionStore
}

// DefinitionChecker validates definitions before they are stored.
type DefinitionChecker interface {
	CheckWorkflow(wf *schema.Workflow) error
	CheckTemplate(tpl *schema.WorkflowTemplate) error
}

// Config wires a Service. Store, Runner, Stats and Notifier are required.
type Config struct {
	Store     Store
	Runner    *engine.Runner
	Stats     *stats.Evaluator
	Notifier  *streaming.Notifier
	Validator DefinitionChecker
	Now       func() time.Time
	Logger    *slog.Logger
}

// Service implements the workflow, execution, template, statistics and
// subscription operations.
type Service struct {
	store     Store
	runner    *engine.Runner
	stats     *stats.Evaluator
	notifier  *streaming.Notifier
	validator DefinitionChecker
	now       func() time.Time
	logger    *slog.Logger
}

func New(cfg Config) *Service {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{
		store:     cfg.Store,
		runner:    cfg.Runner,
		stats:     cfg.Stats,
		notifier:  cfg.Notifier,
		validator: cfg.Validator,
		now:       cfg.Now,
		logger:    cfg.Logger,
	}
}

// --- Workflows ---

// CreateWorkflow stores a new workflow and returns its id. Missing id, status
// and version are filled in; derived counters start at zero.
func (s *Service) CreateWorkflow(ctx context.Context, def *schema.Workflow) (string, error) {
	if def == nil {
		return "", schema.NewError(schema.ErrCodeInvalidDefinition, "workflow definition is nil")
	}
	wf := withDefaults(def)
	if wf.ID == "" {
		wf.ID = uuid.NewString()
	}
	now := s.now()
	wf.CreatedAt, wf.UpdatedAt = now, now
	wf.ExecutionCount, wf.SuccessRate, wf.LastExecuted = 0, 0, nil

	if err := s.checkWorkflow(wf); err != nil {
		return "", err
	}
	if err := s.store.CreateWorkflow(ctx, wf); err != nil {
		return "", err
	}
	s.logger.InfoContext(ctx, "workflow created", "workflow_id", wf.ID, "name", wf.Name, "steps", len(wf.Steps))
	return wf.ID, nil
}

// UpdateWorkflow applies patch and bumps updated_at. It returns false when
// the workflow does not exist.
func (s *Service) UpdateWorkflow(ctx context.Context, id string, patch schema.WorkflowPatch) (bool, error) {
	_, err := s.store.UpdateWorkflow(ctx, id, func(wf *schema.Workflow) error {
		patch.Apply(wf)
		if wf.Steps == nil {
			wf.Steps = []schema.Step{}
		}
		wf.UpdatedAt = s.now()
		return s.checkWorkflow(wf)
	})
	return found(err, schema.ErrWorkflowNotFound)
}

// DeleteWorkflow removes a workflow. Its executions stay in history.
func (s *Service) DeleteWorkflow(ctx context.Context, id string) (bool, error) {
	return found(s.store.DeleteWorkflow(ctx, id), schema.ErrWorkflowNotFound)
}

// GetWorkflow returns nil without error when id is unknown.
func (s *Service) GetWorkflow(ctx context.Context, id string) (*schema.Workflow, error) {
	wf, err := s.store.GetWorkflow(ctx, id)
	if errors.Is(err, schema.ErrWorkflowNotFound) {
		return nil, nil
	}
	return wf, err
}

func (s *Service) ListWorkflows(ctx context.Context, filter store.WorkflowFilter) ([]*schema.Workflow, error) {
	return s.store.ListWorkflows(ctx, filter)
}

// ValidateWorkflow reports every issue in def without storing it. The same
// defaults as CreateWorkflow are applied first.
func (s *Service) ValidateWorkflow(def *schema.Workflow) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeInvalidDefinition, "workflow definition is nil")
	}
	return s.checkWorkflow(withDefaults(def))
}

// withDefaults returns a copy of def with status, version and steps filled in.
func withDefaults(def *schema.Workflow) *schema.Workflow {
	wf := def.Clone()
	if wf.Status == "" {
		wf.Status = schema.WorkflowStatusDraft
	}
	if wf.Version <= 0 {
		wf.Version = 1
	}
	if wf.Steps == nil {
		wf.Steps = []schema.Step{}
	}
	return wf
}

func (s *Service) checkWorkflow(wf *schema.Workflow) error {
	if s.validator == nil {
		return nil
	}
	return s.validator.CheckWorkflow(wf)
}

// --- Executions ---

// Execute runs the workflow to a terminal state. Only pre-flight failures
// (unknown or inactive workflow) are errors.
func (s *Service) Execute(ctx context.Context, workflowID string, input map[string]any, actor string) (*schema.Execution, error) {
	return s.runner.Execute(ctx, workflowID, input, actor)
}

// Start begins an execution in the background and returns the running record.
func (s *Service) Start(ctx context.Context, workflowID string, input map[string]any, actor string) (*schema.Execution, error) {
	return s.runner.Start(ctx, workflowID, input, actor)
}

// CancelExecution returns false for unknown and already terminal executions.
func (s *Service) CancelExecution(ctx context.Context, id string) (bool, error) {
	ok, err := s.runner.Cancel(ctx, id)
	if errors.Is(err, schema.ErrExecutionNotFound) {
		return false, nil
	}
	return ok, err
}

// GetExecution returns nil without error when id is unknown.
func (s *Service) GetExecution(ctx context.Context, id string) (*schema.Execution, error) {
	exec, err := s.store.GetExecution(ctx, id)
	if errors.Is(err, schema.ErrExecutionNotFound) {
		return nil, nil
	}
	return exec, err
}

// ListExecutions returns executions most recent first. An empty workflowID
// lists all workflows; limit <= 0 means no limit.
func (s *Service) ListExecutions(ctx context.Context, workflowID string, limit int) ([]*schema.Execution, error) {
	return s.store.ListExecutions(ctx, store.ExecutionFilter{WorkflowID: workflowID, Limit: limit})
}

// ListExecutionsFiltered exposes the full filter, including status.
func (s *Service) ListExecutionsFiltered(ctx context.Context, filter store.ExecutionFilter) ([]*schema.Execution, error) {
	return s.store.ListExecutions(ctx, filter)
}

// ClearOldExecutions permanently removes terminal executions that started
// more than olderThanDays days ago. Running executions are never removed.
func (s *Service) ClearOldExecutions(ctx context.Context, olderThanDays int) (int, error) {
	if olderThanDays < 0 {
		return 0, schema.NewErrorf(schema.ErrCodeValidation, "olderThanDays must not be negative, got %d", olderThanDays)
	}
	cutoff := s.now().Add(-time.Duration(olderThanDays) * 24 * time.Hour)
	n, err := s.store.DeleteExecutionsBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.InfoContext(ctx, "old executions cleared", "removed", n, "cutoff", cutoff.Format(time.RFC3339))
	}
	return n, nil
}

// --- Statistics ---

func (s *Service) WorkflowStats(ctx context.Context) (*stats.Stats, error) {
	return s.stats.Stats(ctx)
}

func (s *Service) WorkflowHealth(ctx context.Context) (*stats.Health, error) {
	return s.stats.Health(ctx)
}

// --- Events ---

// OnExecutionEvent subscribes handler to execution events and returns the unsubscribe func.
func (s *Service) OnExecutionEvent(handler streaming.Handler) func() {
	return s.notifier.Subscribe(handler)
}

// found maps a not-found error to (false, nil).
func found(err error, notFound error) (bool, error) {
	if err == nil {
		return true, nil
	}
	if errors.Is(err, notFound) {
		return false, nil
	}
	return false, err
}
