// Package stats derives workflow counters, aggregate statistics and a health
// verdict from execution history. Nothing here is cached: every call scans
// the execution store.
package stats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

// DefaultLongRunningThreshold is how long an execution may stay running
// before health reports it.
const DefaultLongRunningThreshold = time.Hour

// Health verdicts.
const (
	HealthHealthy  = "healthy"
	HealthWarning  = "warning"
	HealthCritical = "critical"
)

// Store is the read/write surface the evaluator needs.
type Store interface {
	ListWorkflows(ctx context.Context, filter store.WorkflowFilter) ([]*schema.Workflow, error)
	UpdateWorkflow(ctx context.Context, id string, mutate func(*schema.Workflow) error) (*schema.Workflow, error)
	ListExecutions(ctx context.Context, filter store.ExecutionFilter) ([]*schema.Execution, error)
}

// Stats is the aggregate view over all workflows and executions.
type Stats struct {
	TotalWorkflows       int     `json:"total_workflows"`
	ActiveWorkflows      int     `json:"active_workflows"`
	TotalExecutions      int     `json:"total_executions"`
	SuccessfulExecutions int     `json:"successful_executions"`
	FailedExecutions     int     `json:"failed_executions"`
	CancelledExecutions  int     `json:"cancelled_executions"`
	RunningExecutions    int     `json:"running_executions"`
	AverageDurationMs    float64 `json:"average_duration_ms"`
	SuccessRate          float64 `json:"success_rate"`
}

// Health is the three-level verdict with one issue and one recommendation per failed rule.
type Health struct {
	Status          string    `json:"status"`
	Issues          []string  `json:"issues"`
	Recommendations []string  `json:"recommendations"`
	CheckedAt       time.Time `json:"checked_at"`
}

// Counters summarizes a set of executions.
type Counters struct {
	Total      int
	Completed  int
	Failed     int
	Cancelled  int
	Running    int
	durationMs int64
	timed      int
	Last       *time.Time
}

// Terminal is the number of executions that reached a final state.
func (c Counters) Terminal() int { return c.Completed + c.Failed + c.Cancelled }

// SuccessRate is completed over all executions, as a percentage. Running
// executions count against the rate until they complete.
func (c Counters) SuccessRate() float64 {
	if c.Total == 0 {
		return 0
	}
	return float64(c.Completed) / float64(c.Total) * 100
}

// AverageDurationMs is the mean duration of executions that recorded one.
func (c Counters) AverageDurationMs() float64 {
	if c.timed == 0 {
		return 0
	}
	return float64(c.durationMs) / float64(c.timed)
}

// Count tallies execs.
func Count(execs []*schema.Execution) Counters {
	var c Counters
	for _, e := range execs {
		c.Total++
		switch e.Status {
		case schema.ExecutionCompleted:
			c.Completed++
		case schema.ExecutionFailed:
			c.Failed++
		case schema.ExecutionCancelled:
			c.Cancelled++
		case schema.ExecutionRunning:
			c.Running++
		}
		if e.DurationMs != nil {
			c.durationMs += *e.DurationMs
			c.timed++
		}
		if c.Last == nil || e.StartedAt.After(*c.Last) {
			t := e.StartedAt
			c.Last = &t
		}
	}
	return c
}

type Config struct {
	Store                Store
	LongRunningThreshold time.Duration
	Now                  func() time.Time
	Logger               *slog.Logger
}

// Evaluator computes statistics and health from the stores.
type Evaluator struct {
	store     Store
	threshold time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

func NewEvaluator(cfg Config) *Evaluator {
	if cfg.LongRunningThreshold <= 0 {
		cfg.LongRunningThreshold = DefaultLongRunningThreshold
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Evaluator{
		store:     cfg.Store,
		threshold: cfg.LongRunningThreshold,
		now:       cfg.Now,
		logger:    cfg.Logger,
	}
}

// RefreshWorkflow recomputes execution_count, success_rate and last_executed
// for one workflow. A workflow deleted in the meantime is ignored.
func (ev *Evaluator) RefreshWorkflow(ctx context.Context, workflowID string) error {
	execs, err := ev.store.ListExecutions(ctx, store.ExecutionFilter{WorkflowID: workflowID})
	if err != nil {
		return fmt.Errorf("list executions of %s: %w", workflowID, err)
	}
	c := Count(execs)

	_, err = ev.store.UpdateWorkflow(ctx, workflowID, func(wf *schema.Workflow) error {
		wf.ExecutionCount = c.Total
		wf.SuccessRate = round2(c.SuccessRate())
		wf.LastExecuted = c.Last
		return nil
	})
	if errors.Is(err, schema.ErrWorkflowNotFound) {
		ev.logger.DebugContext(ctx, "skip refresh of deleted workflow", "workflow_id", workflowID)
		return nil
	}
	return err
}

// Stats scans all workflows and executions.
func (ev *Evaluator) Stats(ctx context.Context) (*Stats, error) {
	wfs, err := ev.store.ListWorkflows(ctx, store.WorkflowFilter{})
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	execs, err := ev.store.ListExecutions(ctx, store.ExecutionFilter{})
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}

	c := Count(execs)
	s := &Stats{
		TotalWorkflows:       len(wfs),
		TotalExecutions:      c.Total,
		SuccessfulExecutions: c.Completed,
		FailedExecutions:     c.Failed,
		CancelledExecutions:  c.Cancelled,
		RunningExecutions:    c.Running,
		AverageDurationMs:    round2(c.AverageDurationMs()),
		SuccessRate:          round2(c.SuccessRate()),
	}
	for _, wf := range wfs {
		if wf.Status == schema.WorkflowStatusActive {
			s.ActiveWorkflows++
		}
	}
	return s, nil
}

// Health applies the three health rules. More than two issues is critical.
func (ev *Evaluator) Health(ctx context.Context) (*Health, error) {
	wfs, err := ev.store.ListWorkflows(ctx, store.WorkflowFilter{})
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	execs, err := ev.store.ListExecutions(ctx, store.ExecutionFilter{})
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}

	now := ev.now()
	h := &Health{Issues: []string{}, Recommendations: []string{}, CheckedAt: now}

	byWorkflow := make(map[string][]*schema.Execution)
	var longRunning int
	for _, e := range execs {
		byWorkflow[e.WorkflowID] = append(byWorkflow[e.WorkflowID], e)
		if e.Status == schema.ExecutionRunning && now.Sub(e.StartedAt) > ev.threshold {
			longRunning++
		}
	}

	var lowSuccess, inactive int
	for _, wf := range wfs {
		if wf.Status == schema.WorkflowStatusInactive {
			inactive++
		}
		runs := byWorkflow[wf.ID]
		if len(runs) == 0 {
			continue
		}
		c := Count(runs)
		if c.Terminal() > 0 && c.SuccessRate() < 50 {
			lowSuccess++
		}
	}

	if lowSuccess > 0 {
		h.Issues = append(h.Issues, fmt.Sprintf("%d workflow(s) have a success rate below 50%%", lowSuccess))
		h.Recommendations = append(h.Recommendations, "Review the failing steps and error handling of low-success workflows")
	}
	if len(wfs) > 0 && inactive*2 > len(wfs) {
		h.Issues = append(h.Issues, fmt.Sprintf("%d of %d workflows are inactive", inactive, len(wfs)))
		h.Recommendations = append(h.Recommendations, "Archive unused workflows or reactivate the ones still needed")
	}
	if longRunning > 0 {
		h.Issues = append(h.Issues, fmt.Sprintf("%d execution(s) running longer than %s", longRunning, ev.threshold))
		h.Recommendations = append(h.Recommendations, "Inspect long-running executions and cancel the stuck ones")
	}

	switch {
	case len(h.Issues) > 2:
		h.Status = HealthCritical
	case len(h.Issues) > 0:
		h.Status = HealthWarning
	default:
		h.Status = HealthHealthy
	}
	return h, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
