package engine

import (
	"context"

	"github.com/rendis/stepflow/pkg/schema"
)

// Outcome is what the runner does after a step has finally failed.
type Outcome int

const (
	// OutcomeFail ends the execution as failed.
	OutcomeFail Outcome = iota
	// OutcomeContinue records the failure and advances to the next step.
	OutcomeContinue
	// OutcomeCancelled ends the run because the execution was cancelled.
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeFail:
		return "fail"
	case OutcomeContinue:
		return "continue"
	case OutcomeCancelled:
		return "cancelled"
	}
	return "unknown"
}

// StepFailure is the classified result of a failed step.
type StepFailure struct {
	Outcome Outcome
	Err     *schema.FlowError
}

// HandleStepError classifies a step failure by the step's error policy.
// runCtx is the execution context: once it is cancelled the failure is
// attributed to cancellation regardless of policy. While runCtx is live a
// step error wrapping context.Canceled follows the policy like any other.
// Retries have already been spent when this is called, so retry falls back
// to continue.
func HandleStepError(runCtx context.Context, step *schema.Step, stepErr error) StepFailure {
	if runCtx.Err() != nil {
		return StepFailure{
			Outcome: OutcomeCancelled,
			Err:     schema.NewError(schema.ErrCodeCancelled, "execution cancelled").WithStep(step.ID).WithCause(stepErr),
		}
	}

	fe := schema.NewStepError(step, stepErr)
	switch step.Policy() {
	case schema.ErrorPolicyContinue, schema.ErrorPolicyRetry:
		return StepFailure{Outcome: OutcomeContinue, Err: fe}
	default:
		return StepFailure{Outcome: OutcomeFail, Err: fe}
	}
}
