package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/rendis/stepflow/internal/actions"
	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/pkg/schema"
)

const (
	defaultWebhookTimeout = 30 * time.Second
	defaultScriptTimeout  = 5 * time.Second
)

// InterpreterConfig wires the interpreter's collaborators.
type InterpreterConfig struct {
	Actions  *actions.Registry
	HTTP     *actions.HTTPRequestAction // backs webhook steps
	Breakers *CircuitBreakerRegistry

	// DefaultStepTimeout applies to steps without their own timeout; 0 disables it.
	DefaultStepTimeout time.Duration
	WebhookTimeout     time.Duration
	ScriptTimeout      time.Duration

	Now    func() time.Time
	Logger *slog.Logger
}

// Interpreter executes one step against an execution's state.
type Interpreter struct {
	cfg    InterpreterConfig
	expr   *expressions.ExprEngine
	cel    *expressions.CELEngine
	jq     *expressions.GoJQEngine
	interp *expressions.Interpolator
	logger *slog.Logger
}

// stepEnv is what a step sees while it runs. loop is set inside loop bodies.
type stepEnv struct {
	executionID string
	workflowID  string
	actor       string
	state       *runState
	loop        map[string]any
}

func (e *stepEnv) scope() *expressions.Scope {
	return e.state.scope(e.loop)
}

func (e *stepEnv) withLoop(loop map[string]any) *stepEnv {
	c := *e
	c.loop = loop
	return &c
}

func NewInterpreter(cfg InterpreterConfig) (*Interpreter, error) {
	if cfg.Actions == nil {
		cfg.Actions = actions.NewRegistry()
	}
	if cfg.HTTP == nil {
		cfg.HTTP = actions.NewHTTPRequestAction(actions.HTTPConfig{})
	}
	if cfg.WebhookTimeout <= 0 {
		cfg.WebhookTimeout = defaultWebhookTimeout
	}
	if cfg.ScriptTimeout <= 0 {
		cfg.ScriptTimeout = defaultScriptTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	celEngine, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	exprEngine := expressions.NewExprEngine()
	return &Interpreter{
		cfg:    cfg,
		expr:   exprEngine,
		cel:    celEngine,
		jq:     expressions.NewGoJQEngine(),
		interp: expressions.NewInterpolator(exprEngine),
		logger: cfg.Logger,
	}, nil
}

// Run executes step once, bounded by its timeout.
func (in *Interpreter) Run(ctx context.Context, step *schema.Step, env *stepEnv) (map[string]any, error) {
	timeout, err := in.timeoutFor(step)
	if err != nil {
		return nil, err
	}

	stepCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	out, err := in.dispatch(stepCtx, step, env)
	if err != nil {
		if timeout > 0 && errors.Is(stepCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, schema.NewErrorf(schema.ErrCodeTimeout, "timed out after %s", timeout).WithCause(err)
		}
		return nil, err
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

func (in *Interpreter) dispatch(ctx context.Context, step *schema.Step, env *stepEnv) (map[string]any, error) {
	switch step.Type {
	case schema.StepTypeAction:
		return in.runAction(ctx, step, env)
	case schema.StepTypeCondition:
		return in.runCondition(ctx, step, env)
	case schema.StepTypeLoop:
		return in.runLoop(ctx, step, env)
	case schema.StepTypeDelay:
		return in.runDelay(ctx, step)
	case schema.StepTypeWebhook:
		return in.runWebhook(ctx, step, env)
	case schema.StepTypeScript:
		return in.runScript(ctx, step, env)
	}
	return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown step type %q", step.Type)
}

func (in *Interpreter) timeoutFor(step *schema.Step) (time.Duration, error) {
	if step.Timeout != "" {
		d, err := time.ParseDuration(step.Timeout)
		if err != nil || d < 0 {
			return 0, schema.NewErrorf(schema.ErrCodeValidation, "invalid timeout %q", step.Timeout)
		}
		return d, nil
	}
	switch step.Type {
	case schema.StepTypeWebhook:
		return in.cfg.WebhookTimeout, nil
	case schema.StepTypeScript:
		return in.cfg.ScriptTimeout, nil
	case schema.StepTypeDelay, schema.StepTypeLoop:
		return 0, nil
	}
	return in.cfg.DefaultStepTimeout, nil
}

// --- action ---

func (in *Interpreter) runAction(ctx context.Context, step *schema.Step, env *stepEnv) (map[string]any, error) {
	actionType, _ := step.Config["action_type"].(string)
	if actionType == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "action step requires 'action_type'")
	}
	action, err := in.cfg.Actions.Get(actionType)
	if err != nil {
		return nil, err
	}

	params, err := in.interp.ResolveMap(ctx, actionParams(step.Config), env.scope().Map())
	if err != nil {
		return nil, err
	}

	call := func() (map[string]any, error) {
		out, err := action.Execute(ctx, actions.ActionInput{
			Params:      params,
			ExecutionID: env.executionID,
			WorkflowID:  env.workflowID,
			StepID:      step.ID,
			Actor:       env.actor,
		})
		if err != nil {
			return nil, err
		}
		if out == nil {
			return map[string]any{}, nil
		}
		for k, v := range out.DataUpdates {
			setPath(env.state.data, k, v)
		}
		for _, k := range out.DataRemoves {
			deletePath(env.state.data, k)
		}
		return out.Data, nil
	}

	if actionType == "call_api" {
		url, _ := params["url"].(string)
		return in.guarded(HostKey(url), call)
	}
	return call()
}

// actionParams returns config["params"] when present, otherwise every key but action_type.
func actionParams(config map[string]any) map[string]any {
	if p, ok := config["params"].(map[string]any); ok {
		return p
	}
	params := make(map[string]any, len(config))
	for k, v := range config {
		if k != "action_type" {
			params[k] = v
		}
	}
	return params
}

// --- delay ---

type delayConfig struct {
	Duration string  `json:"duration"`
	Seconds  float64 `json:"seconds"`
	Until    string  `json:"until"`
}

func (in *Interpreter) runDelay(ctx context.Context, step *schema.Step) (map[string]any, error) {
	var cfg delayConfig
	if err := step.DecodeConfig(&cfg); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid delay config: %v", err)
	}

	var d time.Duration
	switch {
	case cfg.Duration != "":
		parsed, err := time.ParseDuration(cfg.Duration)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid delay duration %q", cfg.Duration)
		}
		d = parsed
	case cfg.Until != "":
		t, err := time.Parse(time.RFC3339, cfg.Until)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid delay until %q", cfg.Until)
		}
		d = t.Sub(in.cfg.Now())
	default:
		d = time.Duration(cfg.Seconds * float64(time.Second))
	}
	if d < 0 {
		d = 0
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return map[string]any{"waited_ms": d.Milliseconds()}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// --- webhook ---

func (in *Interpreter) runWebhook(ctx context.Context, step *schema.Step, env *stepEnv) (map[string]any, error) {
	params, err := in.interp.ResolveMap(ctx, step.Config, env.scope().Map())
	if err != nil {
		return nil, err
	}
	if params == nil {
		params = map[string]any{}
	}
	if _, ok := params["method"]; !ok {
		params["method"] = "POST"
	}
	// a non-2xx response is always a webhook failure
	params["fail_on_error_status"] = true

	url, _ := params["url"].(string)
	return in.guarded(HostKey(url), func() (map[string]any, error) {
		return in.cfg.HTTP.Do(ctx, params)
	})
}

// guarded runs an outbound call behind the breaker for key.
func (in *Interpreter) guarded(key string, call func() (map[string]any, error)) (map[string]any, error) {
	if in.cfg.Breakers == nil {
		return call()
	}
	if err := in.cfg.Breakers.AllowRequest(key); err != nil {
		return nil, err
	}
	out, err := call()
	if err != nil {
		if state := in.cfg.Breakers.RecordFailure(key); state == CircuitOpen {
			in.logger.Warn("circuit opened", "host", key)
		}
		return nil, err
	}
	in.cfg.Breakers.RecordSuccess(key)
	return out, nil
}

// --- script ---

type scriptConfig struct {
	Expression string `json:"expression"`
	Assign     string `json:"assign"`
}

func (in *Interpreter) runScript(ctx context.Context, step *schema.Step, env *stepEnv) (map[string]any, error) {
	var cfg scriptConfig
	if err := step.DecodeConfig(&cfg); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid script config: %v", err)
	}
	if cfg.Expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "script step requires 'expression'")
	}

	result, err := in.expr.Evaluate(ctx, cfg.Expression, env.scope().Map())
	if err != nil {
		return nil, err
	}
	if cfg.Assign != "" {
		setPath(env.state.data, cfg.Assign, result)
	}
	return map[string]any{"result": result}, nil
}
