package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeWorkflowNotFound  = "WORKFLOW_NOT_FOUND"
	ErrCodeWorkflowNotActive = "WORKFLOW_NOT_ACTIVE"
	ErrCodeStepExecution     = "STEP_EXECUTION_ERROR"
	ErrCodeTemplateNotFound  = "TEMPLATE_NOT_FOUND"
	ErrCodeInvalidDefinition = "INVALID_DEFINITION"

	ErrCodeExecutionNotFound = "EXECUTION_NOT_FOUND"
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeTimeout           = "STEP_TIMEOUT"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
	ErrCodeExpression        = "EXPRESSION_ERROR"
	ErrCodeAction            = "ACTION_ERROR"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeStore             = "STORE_ERROR"
)

// Sentinels for errors.Is matching. Any FlowError with the same code matches.
var (
	ErrWorkflowNotFound  = NewError(ErrCodeWorkflowNotFound, "workflow not found")
	ErrWorkflowNotActive = NewError(ErrCodeWorkflowNotActive, "workflow not active")
	ErrStepExecution     = NewError(ErrCodeStepExecution, "step execution failed")
	ErrTemplateNotFound  = NewError(ErrCodeTemplateNotFound, "template not found")
	ErrInvalidDefinition = NewError(ErrCodeInvalidDefinition, "invalid definition")
	ErrExecutionNotFound = NewError(ErrCodeExecutionNotFound, "execution not found")
	ErrInvalidTransition = NewError(ErrCodeInvalidTransition, "invalid status transition")
)

// FlowError is the structured error type for all stepflow operations.
type FlowError struct {
	Code     string         `json:"code"`
	Message  string         `json:"message"`
	Details  map[string]any `json:"details,omitempty"`
	StepID   string         `json:"step_id,omitempty"`
	StepType StepType       `json:"step_type,omitempty"`
	Cause    error          `json:"-"`
}

func (e *FlowError) Error() string {
	if e.StepID != "" {
		if e.StepType != "" {
			return fmt.Sprintf("[%s] %s step %s: %s", e.Code, e.StepType, e.StepID, e.Message)
		}
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *FlowError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a FlowError carrying the same code.
func (e *FlowError) Is(target error) bool {
	t, ok := target.(*FlowError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// NewError creates a new FlowError.
func NewError(code, message string) *FlowError {
	return &FlowError{Code: code, Message: message}
}

// NewErrorf creates a new FlowError with a formatted message.
func NewErrorf(code, format string, args ...any) *FlowError {
	return &FlowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// NewStepError wraps a step failure with the step's id and type.
func NewStepError(step *Step, cause error) *FlowError {
	return &FlowError{
		Code:     ErrCodeStepExecution,
		Message:  cause.Error(),
		StepID:   step.ID,
		StepType: step.Type,
		Cause:    cause,
	}
}

// WithStep attaches a step ID to the error.
func (e *FlowError) WithStep(stepID string) *FlowError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *FlowError) WithCause(err error) *FlowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *FlowError) WithDetails(details map[string]any) *FlowError {
	e.Details = details
	return e
}
