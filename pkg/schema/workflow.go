package schema

import (
	"encoding/json"
	"time"
)

// WorkflowStatus is the lifecycle state of a workflow definition.
type WorkflowStatus string

const (
	WorkflowStatusDraft    WorkflowStatus = "draft"
	WorkflowStatusActive   WorkflowStatus = "active"
	WorkflowStatusInactive WorkflowStatus = "inactive"
	WorkflowStatusArchived WorkflowStatus = "archived"
)

// Valid reports whether s is a known workflow status.
func (s WorkflowStatus) Valid() bool {
	switch s {
	case WorkflowStatusDraft, WorkflowStatusActive, WorkflowStatusInactive, WorkflowStatusArchived:
		return true
	}
	return false
}

// StepType enumerates the kinds of steps in a workflow.
type StepType string

const (
	StepTypeAction    StepType = "action"
	StepTypeCondition StepType = "condition"
	StepTypeLoop      StepType = "loop"
	StepTypeDelay     StepType = "delay"
	StepTypeWebhook   StepType = "webhook"
	StepTypeScript    StepType = "script"
)

// Valid reports whether t is a known step type.
func (t StepType) Valid() bool {
	switch t {
	case StepTypeAction, StepTypeCondition, StepTypeLoop, StepTypeDelay, StepTypeWebhook, StepTypeScript:
		return true
	}
	return false
}

// ErrorPolicy governs how a step failure affects the execution.
type ErrorPolicy string

const (
	ErrorPolicyStop     ErrorPolicy = "stop"
	ErrorPolicyContinue ErrorPolicy = "continue"
	ErrorPolicyRetry    ErrorPolicy = "retry"
)

// Valid reports whether p is a known policy. The empty policy means stop.
func (p ErrorPolicy) Valid() bool {
	switch p {
	case "", ErrorPolicyStop, ErrorPolicyContinue, ErrorPolicyRetry:
		return true
	}
	return false
}

// TriggerType enumerates how a workflow is intended to be started.
type TriggerType string

const (
	TriggerTypeSchedule TriggerType = "schedule"
	TriggerTypeWebhook  TriggerType = "webhook"
	TriggerTypeEvent    TriggerType = "event"
	TriggerTypeManual   TriggerType = "manual"
)

// Workflow is a named definition of ordered steps plus triggers and variables.
// ExecutionCount, SuccessRate and LastExecuted are derived from execution history.
type Workflow struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Version     int            `json:"version"`
	Status      WorkflowStatus `json:"status"`
	Steps       []Step         `json:"steps"`
	Triggers    []Trigger      `json:"triggers,omitempty"`
	Variables   map[string]any `json:"variables,omitempty"`
	CreatedBy   string         `json:"created_by,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`

	ExecutionCount int        `json:"execution_count"`
	SuccessRate    float64    `json:"success_rate"`
	LastExecuted   *time.Time `json:"last_executed,omitempty"`
}

// Step is one unit of work. Config is type-specific and decoded lazily by the interpreter.
type Step struct {
	ID            string         `json:"id"`
	Name          string         `json:"name,omitempty"`
	Type          StepType       `json:"type"`
	Config        map[string]any `json:"config,omitempty"`
	Connections   []string       `json:"connections,omitempty"`
	Timeout       string         `json:"timeout,omitempty"`
	RetryCount    int            `json:"retry_count,omitempty"`
	RetryBackoff  string         `json:"retry_backoff,omitempty"` // none | constant | linear | exponential
	RetryDelay    string         `json:"retry_delay,omitempty"`
	ErrorHandling ErrorPolicy    `json:"error_handling,omitempty"`
}

// Policy returns the effective error policy, defaulting to stop.
func (s *Step) Policy() ErrorPolicy {
	if s.ErrorHandling == "" {
		return ErrorPolicyStop
	}
	return s.ErrorHandling
}

// DecodeConfig decodes the step's config map into a typed struct.
func (s *Step) DecodeConfig(v any) error {
	raw, err := json.Marshal(s.Config)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// Trigger describes how a workflow is meant to be started. Activation is external.
type Trigger struct {
	ID      string         `json:"id"`
	Type    TriggerType    `json:"type"`
	Config  map[string]any `json:"config,omitempty"`
	Enabled bool           `json:"enabled"`
}

// WorkflowTemplate is a reusable step list plus variables used to stamp out workflows.
type WorkflowTemplate struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Category    string         `json:"category,omitempty"`
	Steps       []Step         `json:"steps"`
	Variables   map[string]any `json:"variables,omitempty"`
	UsageCount  int            `json:"usage_count"`
	CreatedBy   string         `json:"created_by,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// WorkflowPatch is a partial update. Nil fields are left untouched.
type WorkflowPatch struct {
	Name        *string         `json:"name,omitempty"`
	Description *string         `json:"description,omitempty"`
	Status      *WorkflowStatus `json:"status,omitempty"`
	Steps       []Step          `json:"steps,omitempty"`
	Triggers    []Trigger       `json:"triggers,omitempty"`
	Variables   map[string]any  `json:"variables,omitempty"`
}

// Apply writes the non-nil fields of the patch onto w. Replacing steps bumps the version.
func (p *WorkflowPatch) Apply(w *Workflow) {
	if p.Name != nil {
		w.Name = *p.Name
	}
	if p.Description != nil {
		w.Description = *p.Description
	}
	if p.Status != nil {
		w.Status = *p.Status
	}
	if p.Steps != nil {
		w.Steps = p.Steps
		w.Version++
	}
	if p.Triggers != nil {
		w.Triggers = p.Triggers
	}
	if p.Variables != nil {
		w.Variables = p.Variables
	}
}

// TemplatePatch is a partial template update.
type TemplatePatch struct {
	Name        *string        `json:"name,omitempty"`
	Description *string        `json:"description,omitempty"`
	Category    *string        `json:"category,omitempty"`
	Steps       []Step         `json:"steps,omitempty"`
	Variables   map[string]any `json:"variables,omitempty"`
}

// Apply writes the non-nil fields of the patch onto t.
func (p *TemplatePatch) Apply(t *WorkflowTemplate) {
	if p.Name != nil {
		t.Name = *p.Name
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.Category != nil {
		t.Category = *p.Category
	}
	if p.Steps != nil {
		t.Steps = p.Steps
	}
	if p.Variables != nil {
		t.Variables = p.Variables
	}
}

// CloneSteps deep-copies a step list so stamped workflows share no maps with their source.
func CloneSteps(steps []Step) []Step {
	if steps == nil {
		return nil
	}
	out := make([]Step, len(steps))
	for i, s := range steps {
		out[i] = s
		out[i].Config = CloneMap(s.Config)
		out[i].Connections = append([]string(nil), s.Connections...)
	}
	return out
}

// CloneMap deep-copies a JSON-shaped map.
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// Clone returns a deep copy of the workflow.
func (w *Workflow) Clone() *Workflow {
	c := *w
	c.Steps = CloneSteps(w.Steps)
	c.Variables = CloneMap(w.Variables)
	if w.Triggers != nil {
		c.Triggers = make([]Trigger, len(w.Triggers))
		for i, tr := range w.Triggers {
			c.Triggers[i] = tr
			c.Triggers[i].Config = CloneMap(tr.Config)
		}
	}
	if w.LastExecuted != nil {
		t := *w.LastExecuted
		c.LastExecuted = &t
	}
	return &c
}

// Clone returns a deep copy of the template.
func (t *WorkflowTemplate) Clone() *WorkflowTemplate {
	c := *t
	c.Steps = CloneSteps(t.Steps)
	c.Variables = CloneMap(t.Variables)
	return &c
}
