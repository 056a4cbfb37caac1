package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

const tracerName = "github.com/rendis/stepflow/internal/engine"

// EventPublisher receives execution events after each transition.
type EventPublisher interface {
	Publish(ctx context.Context, evt schema.ExecutionEvent)
}

// WorkflowRefresher recomputes a workflow's derived counters from execution history.
type WorkflowRefresher interface {
	RefreshWorkflow(ctx context.Context, workflowID string) error
}

// Store is the persistence the runner needs.
type Store interface {
	store.WorkflowStore
	store.ExecutionStore
}

// RunnerConfig wires a Runner. Store and Interpreter are required.
type RunnerConfig struct {
	Store       Store
	Interpreter *Interpreter
	Publisher   EventPublisher
	Refresher   WorkflowRefresher
	PoolSize    int
	Tracer      trace.Tracer
	Logger      *slog.Logger
	Now         func() time.Time
}

// Runner drives workflow executions through their steps.
type Runner struct {
	store     Store
	interp    *Interpreter
	publisher EventPublisher
	refresher WorkflowRefresher
	pool      *executionPool
	fsm       *ExecutionFSM
	tracer    trace.Tracer
	logger    *slog.Logger
	now       func() time.Time

	mu     sync.Mutex
	active map[string]*activeRun
}

// activeRun is the in-process handle of a running execution.
type activeRun struct {
	wf     *schema.Workflow
	exec   *schema.Execution // last persisted snapshot
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

var errNotRunning = schema.NewError(schema.ErrCodeInvalidTransition, "execution is no longer running")

func NewRunner(cfg RunnerConfig) *Runner {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer(tracerName)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	r := &Runner{
		store:     cfg.Store,
		interp:    cfg.Interpreter,
		publisher: cfg.Publisher,
		refresher: cfg.Refresher,
		pool:      newExecutionPool(cfg.PoolSize, cfg.Logger),
		fsm:       NewExecutionFSM(),
		tracer:    cfg.Tracer,
		logger:    cfg.Logger,
		now:       cfg.Now,
		active:    make(map[string]*activeRun),
	}
	r.fsm.OnAny(func(from, to schema.ExecutionStatus, exec *schema.Execution) {
		var durationMs int64
		if exec.DurationMs != nil {
			durationMs = *exec.DurationMs
		}
		r.logger.Info("execution finished",
			"execution_id", exec.ID, "workflow_id", exec.WorkflowID,
			"from", string(from), "to", string(to), "duration_ms", durationMs)
	})
	return r
}

// FSM exposes the execution state machine so callers can hook transitions.
func (r *Runner) FSM() *ExecutionFSM { return r.fsm }

// Execute runs the workflow to a terminal state and returns the final record.
// Only pre-flight failures (unknown or inactive workflow, store errors) are
// returned as errors; step failures are recorded on the execution.
func (r *Runner) Execute(ctx context.Context, workflowID string, input map[string]any, actor string) (*schema.Execution, error) {
	run, err := r.prepare(ctx, workflowID, input, actor)
	if err != nil {
		return nil, err
	}
	r.run(run)
	return r.store.GetExecution(context.WithoutCancel(ctx), run.exec.ID)
}

// Start performs the same checks as Execute, then runs the workflow on the
// worker pool and returns the freshly created record. It blocks while the
// pool is at capacity.
func (r *Runner) Start(ctx context.Context, workflowID string, input map[string]any, actor string) (*schema.Execution, error) {
	run, err := r.prepare(ctx, workflowID, input, actor)
	if err != nil {
		return nil, err
	}
	created := run.exec.Clone()

	err = r.pool.Go(ctx, run.exec.ID, func() { r.run(run) })
	if err != nil {
		cause := schema.NewError(schema.ErrCodeStepExecution, "could not schedule execution").WithCause(err)
		r.finalize(run, newRunState(run.wf, run.exec.InputData), schema.ExecutionFailed, cause)
		r.release(run)
		return nil, cause
	}
	return created, nil
}

// Wait blocks until the execution is no longer running in this process and
// returns its stored record.
func (r *Runner) Wait(ctx context.Context, executionID string) (*schema.Execution, error) {
	r.mu.Lock()
	run := r.active[executionID]
	r.mu.Unlock()

	if run != nil {
		select {
		case <-run.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return r.store.GetExecution(ctx, executionID)
}

// Cancel moves a running execution to cancelled and interrupts its run.
// It returns false when the execution is already terminal.
func (r *Runner) Cancel(ctx context.Context, executionID string) (bool, error) {
	var from schema.ExecutionStatus
	updated, err := r.store.UpdateExecution(ctx, executionID, func(e *schema.Execution) error {
		from = e.Status
		if err := r.fsm.Transition(e, schema.ExecutionCancelled, r.now()); err != nil {
			return err
		}
		e.ErrorMessage = "execution cancelled"
		return nil
	})
	if err != nil {
		if errors.Is(err, schema.ErrInvalidTransition) {
			return false, nil
		}
		return false, err
	}

	r.mu.Lock()
	run := r.active[executionID]
	r.mu.Unlock()
	if run != nil {
		run.cancel()
	}

	r.afterTerminal(context.WithoutCancel(ctx), from, updated)
	return true, nil
}

// ActiveCount returns the number of executions running in this process.
func (r *Runner) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// PoolMetrics reports the worker pool used by Start.
func (r *Runner) PoolMetrics() PoolMetrics { return r.pool.Metrics() }

// Shutdown stops accepting Start calls and waits for running executions.
// When ctx ends first, the remaining runs are cancelled and awaited.
func (r *Runner) Shutdown(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()

	select {
	case <-done:
		return
	case <-ctx.Done():
	}

	r.mu.Lock()
	for _, run := range r.active {
		run.cancel()
	}
	r.mu.Unlock()
	<-done
}

func (r *Runner) prepare(ctx context.Context, workflowID string, input map[string]any, actor string) (*activeRun, error) {
	wf, err := r.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if wf.Status != schema.WorkflowStatusActive {
		return nil, schema.NewErrorf(schema.ErrCodeWorkflowNotActive,
			"workflow %q is %s, not active", wf.ID, wf.Status).
			WithDetails(map[string]any{"workflow_id": wf.ID, "status": string(wf.Status)})
	}

	exec := &schema.Execution{
		ID:               uuid.NewString(),
		WorkflowID:       wf.ID,
		Status:           schema.ExecutionRunning,
		StartedAt:        r.now(),
		InputData:        schema.CloneMap(input),
		StepsExecuted:    []string{},
		ConditionResults: map[string]bool{},
		LoopResults:      map[string]schema.LoopResult{},
		TriggeredBy:      actor,
	}
	if err := r.store.CreateExecution(ctx, exec); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(
		logging.WithExecution(context.WithoutCancel(ctx), exec.ID, wf.ID, actor))
	run := &activeRun{
		wf:     wf,
		exec:   exec,
		ctx:    runCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	r.mu.Lock()
	r.active[exec.ID] = run
	r.mu.Unlock()

	r.logger.InfoContext(runCtx, "execution created", "steps", len(wf.Steps))
	r.publish(runCtx, schema.EventExecutionCreated, exec, "", "")
	return run, nil
}

func (r *Runner) run(run *activeRun) {
	defer r.release(run)

	ctx, span := r.tracer.Start(run.ctx, "stepflow.execution", trace.WithAttributes(
		attribute.String("stepflow.execution.id", run.exec.ID),
		attribute.String("stepflow.workflow.id", run.wf.ID),
		attribute.Int("stepflow.workflow.steps", len(run.wf.Steps)),
	))
	defer span.End()

	state := newRunState(run.wf, run.exec.InputData)
	defer func() {
		if p := recover(); p != nil {
			cause := schema.NewErrorf(schema.ErrCodeStepExecution, "execution panicked: %v", p)
			r.logger.ErrorContext(ctx, "execution panicked",
				"step_id", run.exec.CurrentStep,
				"panic", fmt.Sprint(p),
				"stack", string(debug.Stack()),
			)
			span.RecordError(cause)
			span.SetStatus(codes.Error, cause.Error())
			r.finalize(run, state, schema.ExecutionFailed, cause)
		}
	}()
	steps := run.wf.Steps
	total := len(steps)

	var failure *schema.FlowError
	for i := range steps {
		step := &steps[i]
		if ctx.Err() != nil {
			r.finalize(run, state, schema.ExecutionCancelled, nil)
			return
		}

		progress := 0
		if total > 0 {
			progress = i * 100 / total
		}
		if !r.mark(ctx, run, func(e *schema.Execution) {
			e.CurrentStep = step.ID
			e.Progress = progress
		}) {
			return
		}
		r.publish(ctx, schema.EventStepStarted, run.exec, step.ID, "")

		out, err := r.runStep(ctx, run, step, state)
		if err == nil {
			state.steps[step.ID] = out
			if !r.mark(ctx, run, func(e *schema.Execution) {
				e.StepsExecuted = append(e.StepsExecuted, step.ID)
				e.ConditionResults = state.conditionSnapshot()
				e.LoopResults = state.loopSnapshot()
			}) {
				return
			}
			r.publish(ctx, schema.EventStepCompleted, run.exec, step.ID, "")
			continue
		}

		f := HandleStepError(ctx, step, err)
		r.publish(ctx, schema.EventStepFailed, run.exec, step.ID, err.Error())
		if f.Outcome == OutcomeCancelled {
			r.finalize(run, state, schema.ExecutionCancelled, nil)
			return
		}
		if f.Outcome == OutcomeContinue {
			r.logger.WarnContext(ctx, "step failed, continuing",
				"step_id", step.ID, "policy", string(step.Policy()), "error", err.Error())
			state.steps[step.ID] = map[string]any{"error": err.Error()}
			continue
		}
		failure = f.Err
		break
	}

	if failure != nil {
		span.RecordError(failure)
		span.SetStatus(codes.Error, failure.Error())
		r.finalize(run, state, schema.ExecutionFailed, failure)
		return
	}
	span.SetStatus(codes.Ok, "")
	r.finalize(run, state, schema.ExecutionCompleted, nil)
}

func (r *Runner) runStep(ctx context.Context, run *activeRun, step *schema.Step, state *runState) (map[string]any, error) {
	ctx = logging.WithStepID(ctx, step.ID)
	ctx, span := r.tracer.Start(ctx, "stepflow.step", trace.WithAttributes(
		attribute.String("stepflow.step.id", step.ID),
		attribute.String("stepflow.step.type", string(step.Type)),
	))
	defer span.End()

	env := &stepEnv{
		executionID: run.exec.ID,
		workflowID:  run.wf.ID,
		actor:       run.exec.TriggeredBy,
		state:       state,
	}
	out, err := runWithRetry(ctx, RetryPolicyFor(step), func() (map[string]any, error) {
		return r.interp.Run(ctx, step, env)
	}, func(attempt int, err error, delay time.Duration) {
		r.logger.WarnContext(ctx, "retrying step", "attempt", attempt, "delay", delay.String(), "error", err.Error())
		r.publish(ctx, schema.EventStepRetrying, run.exec, step.ID, err.Error())
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetStatus(codes.Ok, "")
	return out, nil
}

// mark applies fn to the stored record while it is still running. It returns
// false once the record has left running, which ends the run loop.
func (r *Runner) mark(ctx context.Context, run *activeRun, fn func(*schema.Execution)) bool {
	updated, err := r.store.UpdateExecution(context.WithoutCancel(ctx), run.exec.ID, func(e *schema.Execution) error {
		if e.Status != schema.ExecutionRunning {
			return errNotRunning
		}
		fn(e)
		return nil
	})
	if err != nil {
		if errors.Is(err, errNotRunning) {
			return false
		}
		// keep going on the in-memory snapshot; finalize retries the write
		r.logger.ErrorContext(ctx, "persist execution progress", "error", err.Error())
		fn(run.exec)
		return true
	}
	run.exec = updated
	return true
}

func (r *Runner) finalize(run *activeRun, state *runState, status schema.ExecutionStatus, failure *schema.FlowError) {
	ctx := context.WithoutCancel(run.ctx)
	var from schema.ExecutionStatus
	updated, err := r.store.UpdateExecution(ctx, run.exec.ID, func(e *schema.Execution) error {
		from = e.Status
		if err := r.fsm.Transition(e, status, r.now()); err != nil {
			return err
		}
		if status == schema.ExecutionCompleted {
			e.Progress = 100
		}
		e.OutputData = state.output()
		e.ConditionResults = state.conditionSnapshot()
		e.LoopResults = state.loopSnapshot()
		switch {
		case failure != nil:
			e.ErrorMessage = failure.Error()
		case status == schema.ExecutionCancelled:
			e.ErrorMessage = "execution cancelled"
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, schema.ErrInvalidTransition) {
			// cancelled concurrently; Cancel already published
			return
		}
		r.logger.ErrorContext(ctx, "finalize execution", "status", string(status), "error", err.Error())
		return
	}
	run.exec = updated
	r.afterTerminal(ctx, from, updated)
}

// afterTerminal runs once per execution, after its terminal state was persisted.
func (r *Runner) afterTerminal(ctx context.Context, from schema.ExecutionStatus, exec *schema.Execution) {
	r.fsm.Fire(from, exec.Status, exec)
	if r.refresher != nil {
		if err := r.refresher.RefreshWorkflow(ctx, exec.WorkflowID); err != nil {
			r.logger.ErrorContext(ctx, "refresh workflow counters", "workflow_id", exec.WorkflowID, "error", err.Error())
		}
	}
	r.publish(ctx, schema.TerminalEventType(exec.Status), exec, exec.CurrentStep, exec.ErrorMessage)
}

func (r *Runner) release(run *activeRun) {
	r.mu.Lock()
	if r.active[run.exec.ID] == run {
		delete(r.active, run.exec.ID)
	}
	r.mu.Unlock()

	run.cancel()
	select {
	case <-run.done:
	default:
		close(run.done)
	}
}

func (r *Runner) publish(ctx context.Context, eventType string, exec *schema.Execution, stepID, errMsg string) {
	if r.publisher == nil {
		return
	}
	r.publisher.Publish(ctx, schema.ExecutionEvent{
		Type:      eventType,
		Execution: exec.Clone(),
		StepID:    stepID,
		Error:     errMsg,
		Timestamp: r.now(),
	})
}
