package validation

import "github.com/rendis/stepflow/pkg/schema"

// Validator checks workflow and template definitions before they are stored.
// Structure is checked with JSON Schema Draft 2020-12.
type Validator interface {
	ValidateWorkflow(wf *schema.Workflow) *schema.ValidationResult
	ValidateTemplate(tpl *schema.WorkflowTemplate) *schema.ValidationResult
}

// ActionLookup reports whether an action_type is registered.
type ActionLookup interface {
	Has(name string) bool
}
