package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/stepflow/pkg/schema"
)

const (
	workflowSchemaURL = "https://stepflow.dev/schemas/workflow.json"
	templateSchemaURL = "https://stepflow.dev/schemas/template.json"
)

// definitionsSchemaJSON holds the shared step and trigger shapes.
const definitionsSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://stepflow.dev/schemas/defs.json",
  "$defs": {
    "duration": {
      "type": "string",
      "pattern": "^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"
    },
    "step": {
      "type": "object",
      "required": ["id", "type"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "name": { "type": "string" },
        "type": {
          "type": "string",
          "enum": ["action", "condition", "loop", "delay", "webhook", "script"]
        },
        "config": { "type": "object" },
        "connections": {
          "type": "array",
          "items": { "type": "string", "minLength": 1 }
        },
        "timeout": { "$ref": "#/$defs/duration" },
        "retry_count": { "type": "integer", "minimum": 0 },
        "retry_backoff": {
          "type": "string",
          "enum": ["none", "constant", "linear", "exponential"]
        },
        "retry_delay": { "$ref": "#/$defs/duration" },
        "error_handling": {
          "type": "string",
          "enum": ["stop", "continue", "retry"]
        }
      },
      "additionalProperties": false
    },
    "trigger": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "id": { "type": "string" },
        "type": {
          "type": "string",
          "enum": ["schedule", "webhook", "event", "manual"]
        },
        "config": { "type": "object" },
        "enabled": { "type": "boolean" }
      },
      "additionalProperties": false
    }
  }
}`

const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://stepflow.dev/schemas/workflow.json",
  "type": "object",
  "required": ["name", "steps"],
  "properties": {
    "id": { "type": "string" },
    "name": { "type": "string", "minLength": 1 },
    "description": { "type": "string" },
    "version": { "type": "integer", "minimum": 0 },
    "status": {
      "type": "string",
      "enum": ["draft", "active", "inactive", "archived"]
    },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "defs.json#/$defs/step" }
    },
    "triggers": {
      "type": "array",
      "items": { "$ref": "defs.json#/$defs/trigger" }
    },
    "variables": { "type": "object" }
  }
}`

const templateSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://stepflow.dev/schemas/template.json",
  "type": "object",
  "required": ["name", "steps"],
  "properties": {
    "id": { "type": "string" },
    "name": { "type": "string", "minLength": 1 },
    "description": { "type": "string" },
    "category": { "type": "string" },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "defs.json#/$defs/step" }
    },
    "variables": { "type": "object" }
  }
}`

// JSONSchemaValidator checks the structure of definitions. It is safe for concurrent use.
type JSONSchemaValidator struct {
	workflowSchema *jsonschema.Schema
	templateSchema *jsonschema.Schema
}

// NewJSONSchemaValidator compiles the embedded workflow and template schemas.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	resources := map[string]string{
		"https://stepflow.dev/schemas/defs.json": definitionsSchemaJSON,
		workflowSchemaURL:                        workflowSchemaJSON,
		templateSchemaURL:                        templateSchemaJSON,
	}
	for url, doc := range resources {
		parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(doc))
		if err != nil {
			return nil, fmt.Errorf("unmarshal schema %s: %w", url, err)
		}
		if err := c.AddResource(url, parsed); err != nil {
			return nil, fmt.Errorf("add schema resource %s: %w", url, err)
		}
	}

	wf, err := c.Compile(workflowSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}
	tpl, err := c.Compile(templateSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile template schema: %w", err)
	}
	return &JSONSchemaValidator{workflowSchema: wf, templateSchema: tpl}, nil
}

// ValidateWorkflow reports structural violations of wf.
func (v *JSONSchemaValidator) ValidateWorkflow(wf *schema.Workflow) *schema.ValidationResult {
	return validateDoc(v.workflowSchema, wf)
}

// ValidateTemplate reports structural violations of tpl.
func (v *JSONSchemaValidator) ValidateTemplate(tpl *schema.WorkflowTemplate) *schema.ValidationResult {
	return validateDoc(v.templateSchema, tpl)
}

func validateDoc(s *jsonschema.Schema, def any) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	doc, err := toJSONValue(def)
	if err != nil {
		result.AddError("/", schema.ErrCodeValidation, "failed to serialize definition: "+err.Error())
		return result
	}
	if err := s.Validate(doc); err != nil {
		var verr *jsonschema.ValidationError
		if !errors.As(err, &verr) {
			result.AddError("/", schema.ErrCodeValidation, err.Error())
			return result
		}
		for _, vi := range collectViolations(verr) {
			result.AddError(vi.path, schema.ErrCodeValidation, vi.message)
		}
	}
	return result
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

type violation struct {
	path    string
	message string
}

// collectViolations walks a ValidationError tree and keeps the leaves.
func collectViolations(verr *jsonschema.ValidationError) []violation {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []violation{{path: loc, message: fmt.Sprintf("%s: %s", loc, verr.Error())}}
	}

	var out []violation
	for _, cause := range verr.Causes {
		out = append(out, collectViolations(cause)...)
	}
	return out
}
