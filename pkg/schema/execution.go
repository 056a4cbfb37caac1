package schema

import "time"

// ExecutionStatus is the lifecycle state of one workflow run.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionCancelled
}

// LoopResult records the realized iterations of a loop step.
type LoopResult struct {
	LoopType   string `json:"loop_type"`
	Iterations int    `json:"iterations"`
	Capped     bool   `json:"capped,omitempty"`
}

// Execution is one run of a workflow against given input data.
type Execution struct {
	ID               string                `json:"id"`
	WorkflowID       string                `json:"workflow_id"`
	Status           ExecutionStatus       `json:"status"`
	StartedAt        time.Time             `json:"started_at"`
	CompletedAt      *time.Time            `json:"completed_at,omitempty"`
	DurationMs       *int64                `json:"duration_ms,omitempty"`
	InputData        map[string]any        `json:"input_data,omitempty"`
	OutputData       map[string]any        `json:"output_data,omitempty"`
	ErrorMessage     string                `json:"error_message,omitempty"`
	StepsExecuted    []string              `json:"steps_executed"`
	CurrentStep      string                `json:"current_step,omitempty"`
	Progress         int                   `json:"progress"`
	ConditionResults map[string]bool       `json:"condition_results,omitempty"`
	LoopResults      map[string]LoopResult `json:"loop_results,omitempty"`
	TriggeredBy      string                `json:"triggered_by,omitempty"`
}

// Finish stamps completion time and duration.
func (e *Execution) Finish(status ExecutionStatus, at time.Time) {
	e.Status = status
	e.CompletedAt = &at
	d := at.Sub(e.StartedAt).Milliseconds()
	e.DurationMs = &d
}

// Clone returns a deep copy of the execution.
func (e *Execution) Clone() *Execution {
	c := *e
	c.InputData = CloneMap(e.InputData)
	c.OutputData = CloneMap(e.OutputData)
	c.StepsExecuted = append([]string{}, e.StepsExecuted...)
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		c.CompletedAt = &t
	}
	if e.DurationMs != nil {
		d := *e.DurationMs
		c.DurationMs = &d
	}
	if e.ConditionResults != nil {
		c.ConditionResults = make(map[string]bool, len(e.ConditionResults))
		for k, v := range e.ConditionResults {
			c.ConditionResults[k] = v
		}
	}
	if e.LoopResults != nil {
		c.LoopResults = make(map[string]LoopResult, len(e.LoopResults))
		for k, v := range e.LoopResults {
			c.LoopResults[k] = v
		}
	}
	return &c
}
