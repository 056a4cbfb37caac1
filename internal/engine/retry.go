package engine

import (
	"context"
	"errors"
	"time"

	"github.com/rendis/stepflow/pkg/schema"
)

const (
	defaultRetryCount = 3
	defaultRetryDelay = 500 * time.Millisecond
	maxRetryDelay     = 30 * time.Second
)

// Backoff strategies accepted in a step's retry_backoff.
const (
	BackoffNone        = "none"
	BackoffConstant    = "constant"
	BackoffLinear      = "linear"
	BackoffExponential = "exponential"
)

// RetryPolicy is the effective retry configuration of a step.
type RetryPolicy struct {
	Attempts int // retries after the first attempt
	Backoff  string
	Delay    time.Duration
	MaxDelay time.Duration
}

// RetryPolicyFor derives the policy for step. Only the retry error policy
// re-invokes a step; stop and continue get zero retries.
func RetryPolicyFor(step *schema.Step) RetryPolicy {
	if step.Policy() != schema.ErrorPolicyRetry {
		return RetryPolicy{}
	}
	p := RetryPolicy{
		Attempts: step.RetryCount,
		Backoff:  step.RetryBackoff,
		Delay:    defaultRetryDelay,
		MaxDelay: maxRetryDelay,
	}
	if p.Attempts <= 0 {
		p.Attempts = defaultRetryCount
	}
	if p.Backoff == "" {
		p.Backoff = BackoffExponential
	}
	if step.RetryDelay != "" {
		if d, err := time.ParseDuration(step.RetryDelay); err == nil && d >= 0 {
			p.Delay = d
		}
	}
	return p
}

// IsRetryableError classifies whether a failed attempt is worth repeating.
// Cancellation, bad definitions, expression errors and open circuits are not.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	for _, code := range []string{
		schema.ErrCodeCancelled,
		schema.ErrCodeValidation,
		schema.ErrCodeExpression,
		schema.ErrCodeCircuitOpen,
	} {
		if errors.Is(err, schema.NewError(code, "")) {
			return false
		}
	}
	return true
}

// ComputeBackoff calculates the delay before retry number attempt (0-based).
func ComputeBackoff(p RetryPolicy, attempt int) time.Duration {
	if p.Delay <= 0 {
		return 0
	}

	var delay time.Duration
	switch p.Backoff {
	case BackoffNone:
		return 0
	case BackoffExponential:
		delay = p.Delay
		for i := 0; i < attempt && (p.MaxDelay <= 0 || delay < p.MaxDelay); i++ {
			delay *= 2
		}
	case BackoffLinear:
		delay = p.Delay * time.Duration(attempt+1)
	default: // constant
		delay = p.Delay
	}

	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// WaitForBackoff sleeps for delay or returns early if the context is cancelled.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// retryFunc is notified before each re-invocation.
type retryFunc func(attempt int, err error, delay time.Duration)

// runWithRetry calls fn until it succeeds, the policy is exhausted, or the
// error is not retryable. The last error is returned.
func runWithRetry(ctx context.Context, p RetryPolicy, fn func() (map[string]any, error), onRetry retryFunc) (map[string]any, error) {
	for attempt := 0; ; attempt++ {
		out, err := fn()
		if err == nil {
			return out, nil
		}
		if attempt >= p.Attempts || !IsRetryableError(err) || ctx.Err() != nil {
			return nil, err
		}
		delay := ComputeBackoff(p, attempt)
		if onRetry != nil {
			onRetry(attempt+1, err, delay)
		}
		if werr := WaitForBackoff(ctx, delay); werr != nil {
			return nil, err
		}
	}
}
