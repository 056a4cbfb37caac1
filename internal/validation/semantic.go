package validation

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/pkg/schema"
)

const highRetryCount = 10

// compiler checks expression syntax without running anything.
type compiler interface {
	Compile(expression string) error
}

// semanticChecker validates step configs and triggers. Structure is already known good.
type semanticChecker struct {
	actions ActionLookup
	script  compiler // expr, for script steps
	cel     compiler // CEL, for custom_script conditions and while loops
	cron    cronChecker
}

type loopConfig struct {
	LoopType      string        `json:"loop_type"`
	Count         *int          `json:"count"`
	Condition     string        `json:"condition"`
	MaxIterations int           `json:"max_iterations"`
	DataSource    string        `json:"data_source"`
	Steps         []schema.Step `json:"steps"`
}

type delayConfig struct {
	Duration string   `json:"duration"`
	Seconds  *float64 `json:"seconds"`
	Until    string   `json:"until"`
}

func (c *semanticChecker) checkSteps(steps []schema.Step, path string, result *schema.ValidationResult) {
	seen := make(map[string]int, len(steps))
	for i := range steps {
		stepPath := fmt.Sprintf("%s[%d]", path, i)
		step := &steps[i]
		if prev, dup := seen[step.ID]; dup {
			result.AddError(stepPath+".id", schema.ErrCodeValidation,
				fmt.Sprintf("duplicate step id %q (also at %s[%d])", step.ID, path, prev))
		} else {
			seen[step.ID] = i
		}
		c.checkStep(step, stepPath, result)
	}
}

func (c *semanticChecker) checkStep(step *schema.Step, path string, result *schema.ValidationResult) {
	if step.Timeout != "" {
		if d, err := time.ParseDuration(step.Timeout); err != nil || d <= 0 {
			result.AddError(path+".timeout", schema.ErrCodeValidation,
				fmt.Sprintf("timeout %q must be a positive duration", step.Timeout))
		}
	}
	if step.RetryCount > highRetryCount {
		result.AddWarning(path+".retry_count", schema.ErrCodeValidation,
			fmt.Sprintf("high retry count (%d) may cause excessive delays", step.RetryCount))
	}
	if step.Policy() != schema.ErrorPolicyRetry && (step.RetryCount > 0 || step.RetryBackoff != "" || step.RetryDelay != "") {
		result.AddWarning(path+".error_handling", schema.ErrCodeValidation,
			"retry settings are ignored unless error_handling is \"retry\"")
	}

	cfgPath := path + ".config"
	switch step.Type {
	case schema.StepTypeAction:
		c.checkAction(step, cfgPath, result)
	case schema.StepTypeCondition:
		c.checkCondition(step, cfgPath, result)
	case schema.StepTypeLoop:
		c.checkLoop(step, cfgPath, result)
	case schema.StepTypeDelay:
		c.checkDelay(step, cfgPath, result)
	case schema.StepTypeWebhook:
		c.checkWebhook(step, cfgPath, result)
	case schema.StepTypeScript:
		expr := configString(step.Config, "expression")
		if expr == "" {
			result.AddError(cfgPath+".expression", schema.ErrCodeValidation, "script step requires 'expression'")
		} else if c.script != nil {
			if err := c.script.Compile(expr); err != nil {
				result.AddError(cfgPath+".expression", schema.ErrCodeExpression, err.Error())
			}
		}
	default:
		result.AddError(path+".type", schema.ErrCodeValidation, fmt.Sprintf("unknown step type %q", step.Type))
	}
}

func (c *semanticChecker) checkAction(step *schema.Step, path string, result *schema.ValidationResult) {
	actionType := configString(step.Config, "action_type")
	if actionType == "" {
		result.AddError(path+".action_type", schema.ErrCodeValidation, "action step requires 'action_type'")
		return
	}
	if c.actions != nil && !c.actions.Has(actionType) {
		result.AddError(path+".action_type", schema.ErrCodeAction,
			fmt.Sprintf("action %q not registered", actionType))
	}
}

func (c *semanticChecker) checkCondition(step *schema.Step, path string, result *schema.ValidationResult) {
	ct := configString(step.Config, "condition_type")
	switch ct {
	case engine.ConditionFieldComparison:
		if configString(step.Config, "field") == "" {
			result.AddError(path+".field", schema.ErrCodeValidation, "field_comparison requires 'field'")
		}
		op := configString(step.Config, "operator")
		if op == "" {
			result.AddError(path+".operator", schema.ErrCodeValidation, "field_comparison requires 'operator'")
		} else if !engine.IsComparisonOperator(op) {
			result.AddError(path+".operator", schema.ErrCodeValidation, fmt.Sprintf("unknown operator %q", op))
		}
	case engine.ConditionDataExists:
		_, hasFields := step.Config["fields"]
		if configString(step.Config, "field") == "" && !hasFields {
			result.AddError(path+".field", schema.ErrCodeValidation, "data_exists requires 'field' or 'fields'")
		}
	case engine.ConditionTimeBased:
		check := configString(step.Config, "check")
		if !slices.Contains(engine.TimeChecks, check) {
			result.AddError(path+".check", schema.ErrCodeValidation,
				fmt.Sprintf("time_based check must be one of %s", strings.Join(engine.TimeChecks, ", ")))
		}
		if tz := configString(step.Config, "timezone"); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				result.AddError(path+".timezone", schema.ErrCodeValidation, fmt.Sprintf("unknown timezone %q", tz))
			}
		}
	case engine.ConditionCustomScript:
		c.checkCEL(configString(step.Config, "expression"), path+".expression", "custom_script", result)
	case "":
		result.AddError(path+".condition_type", schema.ErrCodeValidation, "condition step requires 'condition_type'")
	default:
		result.AddError(path+".condition_type", schema.ErrCodeValidation,
			fmt.Sprintf("condition_type must be one of %s", strings.Join(engine.ConditionTypes, ", ")))
	}
}

func (c *semanticChecker) checkLoop(step *schema.Step, path string, result *schema.ValidationResult) {
	var cfg loopConfig
	if err := step.DecodeConfig(&cfg); err != nil {
		result.AddError(path, schema.ErrCodeValidation, "invalid loop config: "+err.Error())
		return
	}

	switch cfg.LoopType {
	case engine.LoopFor:
		if cfg.Count == nil {
			result.AddError(path+".count", schema.ErrCodeValidation, "for loop requires 'count'")
		} else if *cfg.Count < 0 {
			result.AddError(path+".count", schema.ErrCodeValidation, "count must not be negative")
		} else if *cfg.Count > engine.MaxLoopIterations {
			result.AddWarning(path+".count", schema.ErrCodeValidation,
				fmt.Sprintf("count %d exceeds the loop ceiling and will be capped at %d", *cfg.Count, engine.MaxLoopIterations))
		}
	case engine.LoopWhile:
		c.checkCEL(cfg.Condition, path+".condition", "while loop", result)
	case engine.LoopForEach:
		if cfg.DataSource == "" {
			result.AddError(path+".data_source", schema.ErrCodeValidation, "foreach loop requires 'data_source'")
		}
	case "":
		result.AddError(path+".loop_type", schema.ErrCodeValidation, "loop step requires 'loop_type'")
	default:
		result.AddError(path+".loop_type", schema.ErrCodeValidation,
			fmt.Sprintf("loop_type must be one of %s", strings.Join(engine.LoopTypes, ", ")))
	}
	if cfg.MaxIterations > engine.MaxLoopIterations {
		result.AddWarning(path+".max_iterations", schema.ErrCodeValidation,
			fmt.Sprintf("max_iterations above %d is capped", engine.MaxLoopIterations))
	}
	if len(cfg.Steps) == 0 {
		result.AddWarning(path+".steps", schema.ErrCodeValidation, "loop has no body steps")
		return
	}
	for i, s := range cfg.Steps {
		if s.ID == "" {
			result.AddError(fmt.Sprintf("%s.steps[%d].id", path, i), schema.ErrCodeValidation, "body step requires 'id'")
		}
	}
	c.checkSteps(cfg.Steps, path+".steps", result)
}

func (c *semanticChecker) checkDelay(step *schema.Step, path string, result *schema.ValidationResult) {
	var cfg delayConfig
	if err := step.DecodeConfig(&cfg); err != nil {
		result.AddError(path, schema.ErrCodeValidation, "invalid delay config: "+err.Error())
		return
	}
	switch {
	case cfg.Duration != "":
		if d, err := time.ParseDuration(cfg.Duration); err != nil || d < 0 {
			result.AddError(path+".duration", schema.ErrCodeValidation,
				fmt.Sprintf("duration %q is not a valid duration", cfg.Duration))
		}
	case cfg.Until != "":
		if _, err := time.Parse(time.RFC3339, cfg.Until); err != nil {
			result.AddError(path+".until", schema.ErrCodeValidation,
				fmt.Sprintf("until %q must be an RFC 3339 timestamp", cfg.Until))
		}
	case cfg.Seconds != nil:
		if *cfg.Seconds < 0 {
			result.AddError(path+".seconds", schema.ErrCodeValidation, "seconds must not be negative")
		}
	default:
		result.AddError(path, schema.ErrCodeValidation, "delay step requires 'duration', 'until' or 'seconds'")
	}
}

func (c *semanticChecker) checkWebhook(step *schema.Step, path string, result *schema.ValidationResult) {
	raw := configString(step.Config, "url")
	if raw == "" {
		result.AddError(path+".url", schema.ErrCodeValidation, "webhook step requires 'url'")
		return
	}
	if strings.Contains(raw, "${{") {
		return
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		result.AddError(path+".url", schema.ErrCodeValidation, fmt.Sprintf("url %q must be an absolute http(s) URL", raw))
	}
}

func (c *semanticChecker) checkCEL(expr, path, what string, result *schema.ValidationResult) {
	if expr == "" {
		result.AddError(path, schema.ErrCodeValidation, what+" requires an expression")
		return
	}
	if c.cel == nil {
		return
	}
	if err := c.cel.Compile(expr); err != nil {
		result.AddError(path, schema.ErrCodeExpression, err.Error())
	}
}

func (c *semanticChecker) checkTriggers(triggers []schema.Trigger, result *schema.ValidationResult) {
	ids := make(map[string]bool, len(triggers))
	for i, tr := range triggers {
		path := fmt.Sprintf("triggers[%d]", i)
		if tr.ID != "" {
			if ids[tr.ID] {
				result.AddError(path+".id", schema.ErrCodeValidation, fmt.Sprintf("duplicate trigger id %q", tr.ID))
			}
			ids[tr.ID] = true
		}
		if tr.Type != schema.TriggerTypeSchedule {
			continue
		}
		expr := configString(tr.Config, "cron")
		if expr == "" {
			result.AddError(path+".config.cron", schema.ErrCodeValidation, "schedule trigger requires 'cron'")
			continue
		}
		if err := c.cron.check(expr); err != nil {
			result.AddError(path+".config.cron", schema.ErrCodeValidation, err.Error())
		}
		if tz := configString(tr.Config, "timezone"); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				result.AddError(path+".config.timezone", schema.ErrCodeValidation, fmt.Sprintf("unknown timezone %q", tz))
			}
		}
	}
}

func configString(cfg map[string]any, key string) string {
	s, _ := cfg[key].(string)
	return s
}
