package validation

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/pkg/schema"
)

// cronChecker parses schedule trigger expressions: five fields or a descriptor such as @daily.
type cronChecker struct {
	parser cron.Parser
}

func newCronChecker() cronChecker {
	return cronChecker{parser: cron.NewParser(
		cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)}
}

func (c cronChecker) check(expr string) error {
	if _, err := c.parser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// WorkflowValidator runs the validation pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (step configs, expressions, action refs, triggers)
// 3. Connections (dangling refs, cycles)
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	semantic   *semanticChecker
}

// NewWorkflowValidator creates a WorkflowValidator.
// lookup may be nil to skip action existence checks.
func NewWorkflowValidator(lookup ActionLookup) (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	celEngine, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{
		jsonSchema: jsv,
		semantic: &semanticChecker{
			actions: lookup,
			script:  expressions.NewExprEngine(),
			cel:     celEngine,
			cron:    newCronChecker(),
		},
	}, nil
}

// ValidateWorkflow returns every issue found in wf.
// Structural errors short-circuit the later stages.
func (wv *WorkflowValidator) ValidateWorkflow(wf *schema.Workflow) *schema.ValidationResult {
	if wf == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "workflow definition is nil")
		return r
	}

	result := wv.jsonSchema.ValidateWorkflow(wf)
	if !result.Valid() {
		return result
	}

	wv.semantic.checkSteps(wf.Steps, "steps", result)
	wv.semantic.checkTriggers(wf.Triggers, result)

	// skip the graph when step ids are unreliable
	if result.Valid() {
		result.Merge(validateConnections(wf.Steps))
	}
	return result
}

// ValidateTemplate checks a template's steps the same way as a workflow's.
func (wv *WorkflowValidator) ValidateTemplate(tpl *schema.WorkflowTemplate) *schema.ValidationResult {
	if tpl == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "template definition is nil")
		return r
	}

	result := wv.jsonSchema.ValidateTemplate(tpl)
	if !result.Valid() {
		return result
	}
	wv.semantic.checkSteps(tpl.Steps, "steps", result)
	if result.Valid() {
		result.Merge(validateConnections(tpl.Steps))
	}
	return result
}

// CheckWorkflow is ValidateWorkflow as an InvalidDefinition error, nil when valid.
func (wv *WorkflowValidator) CheckWorkflow(wf *schema.Workflow) error {
	return wv.ValidateWorkflow(wf).ToError()
}

// CheckTemplate is ValidateTemplate as an InvalidDefinition error, nil when valid.
func (wv *WorkflowValidator) CheckTemplate(tpl *schema.WorkflowTemplate) error {
	return wv.ValidateTemplate(tpl).ToError()
}

// NextRuns previews the next n fire times of a schedule expression after from.
func (wv *WorkflowValidator) NextRuns(expr string, from time.Time, n int) ([]time.Time, error) {
	sched, err := wv.semantic.cron.parser.Parse(expr)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid cron expression %q", expr).WithCause(err)
	}
	out := make([]time.Time, 0, n)
	next := from
	for i := 0; i < n; i++ {
		next = sched.Next(next)
		if next.IsZero() {
			break
		}
		out = append(out, next)
	}
	return out, nil
}

var _ Validator = (*WorkflowValidator)(nil)
