package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/pkg/schema"
)

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, true},
		{"plain", errors.New("connection reset"), true},
		{"action", schema.NewError(schema.ErrCodeAction, "HTTP 503"), true},
		{"timeout", schema.NewError(schema.ErrCodeTimeout, "slow"), true},
		{"validation", schema.NewError(schema.ErrCodeValidation, "bad"), false},
		{"expression", schema.NewError(schema.ErrCodeExpression, "bad"), false},
		{"circuit", schema.NewError(schema.ErrCodeCircuitOpen, "open"), false},
		{"cancelled code", schema.NewError(schema.ErrCodeCancelled, "stop"), false},
		{
			"wrapped validation",
			schema.NewStepError(&schema.Step{ID: "s"}, schema.NewError(schema.ErrCodeValidation, "bad")),
			false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryableError(tt.err))
		})
	}
}

func TestRetryPolicyFor(t *testing.T) {
	p := RetryPolicyFor(&schema.Step{ID: "a", ErrorHandling: schema.ErrorPolicyStop, RetryCount: 5})
	assert.Equal(t, 0, p.Attempts)

	p = RetryPolicyFor(&schema.Step{ID: "b", ErrorHandling: schema.ErrorPolicyRetry})
	assert.Equal(t, defaultRetryCount, p.Attempts)
	assert.Equal(t, BackoffExponential, p.Backoff)
	assert.Equal(t, defaultRetryDelay, p.Delay)

	p = RetryPolicyFor(&schema.Step{
		ID: "c", ErrorHandling: schema.ErrorPolicyRetry,
		RetryCount: 2, RetryBackoff: BackoffLinear, RetryDelay: "10ms",
	})
	assert.Equal(t, 2, p.Attempts)
	assert.Equal(t, BackoffLinear, p.Backoff)
	assert.Equal(t, 10*time.Millisecond, p.Delay)
}

func TestComputeBackoff(t *testing.T) {
	base := 100 * time.Millisecond
	tests := []struct {
		backoff string
		attempt int
		want    time.Duration
	}{
		{BackoffNone, 3, 0},
		{BackoffConstant, 0, base},
		{BackoffConstant, 4, base},
		{BackoffLinear, 0, base},
		{BackoffLinear, 2, 3 * base},
		{BackoffExponential, 0, base},
		{BackoffExponential, 1, 2 * base},
		{BackoffExponential, 3, 8 * base},
		{BackoffExponential, 40, time.Second},
	}
	for _, tt := range tests {
		p := RetryPolicy{Backoff: tt.backoff, Delay: base, MaxDelay: time.Second}
		assert.Equal(t, tt.want, ComputeBackoff(p, tt.attempt), "%s attempt %d", tt.backoff, tt.attempt)
	}
}

func TestWaitForBackoff_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := WaitForBackoff(ctx, 5*time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestRunWithRetry(t *testing.T) {
	p := RetryPolicy{Attempts: 3, Backoff: BackoffConstant, Delay: time.Millisecond}

	calls := 0
	var retried []int
	out, err := runWithRetry(context.Background(), p, func() (map[string]any, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("flaky")
		}
		return map[string]any{"ok": true}, nil
	}, func(attempt int, _ error, _ time.Duration) {
		retried = append(retried, attempt)
	})
	require.NoError(t, err)
	assert.Equal(t, true, out["ok"])
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, retried)
}

func TestRunWithRetry_Exhausted(t *testing.T) {
	p := RetryPolicy{Attempts: 2, Backoff: BackoffNone}
	calls := 0
	_, err := runWithRetry(context.Background(), p, func() (map[string]any, error) {
		calls++
		return nil, errors.New("always")
	}, nil)
	assert.EqualError(t, err, "always")
	assert.Equal(t, 3, calls)
}

func TestRunWithRetry_NonRetryableStopsImmediately(t *testing.T) {
	p := RetryPolicy{Attempts: 5, Backoff: BackoffNone}
	calls := 0
	_, err := runWithRetry(context.Background(), p, func() (map[string]any, error) {
		calls++
		return nil, schema.NewError(schema.ErrCodeExpression, "syntax")
	}, nil)
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}
