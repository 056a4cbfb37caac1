package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/pkg/schema"
)

func fastBreakers(threshold int, cooldown time.Duration) *CircuitBreakerRegistry {
	return NewCircuitBreakerRegistry(CircuitBreakerConfig{
		FailureThreshold: threshold,
		Cooldown:         cooldown,
		HalfOpenMax:      1,
	})
}

func TestCircuitBreaker_StartsClosed(t *testing.T) {
	cbr := NewCircuitBreakerRegistry(DefaultCircuitBreakerConfig())
	assert.NoError(t, cbr.AllowRequest("api.example.com"))
	assert.Equal(t, CircuitClosed, cbr.GetState("api.example.com"))
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cbr := fastBreakers(3, 10*time.Second)

	cbr.RecordFailure("h")
	cbr.RecordFailure("h")
	assert.Equal(t, CircuitClosed, cbr.GetState("h"))

	assert.Equal(t, CircuitOpen, cbr.RecordFailure("h"))

	err := cbr.AllowRequest("h")
	require.Error(t, err)
	var flowErr *schema.FlowError
	require.ErrorAs(t, err, &flowErr)
	assert.Equal(t, schema.ErrCodeCircuitOpen, flowErr.Code)
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	cbr := fastBreakers(3, 10*time.Second)

	cbr.RecordFailure("h")
	cbr.RecordFailure("h")
	cbr.RecordSuccess("h")
	cbr.RecordFailure("h")
	cbr.RecordFailure("h")
	assert.Equal(t, CircuitClosed, cbr.GetState("h"))
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	cbr := fastBreakers(2, 30*time.Millisecond)
	cbr.RecordFailure("h")
	cbr.RecordFailure("h")
	require.Error(t, cbr.AllowRequest("h"))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, CircuitHalfOpen, cbr.GetState("h"))

	require.NoError(t, cbr.AllowRequest("h"))
	// only one probe at a time
	assert.Error(t, cbr.AllowRequest("h"))

	cbr.RecordSuccess("h")
	assert.Equal(t, CircuitClosed, cbr.GetState("h"))
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cbr := fastBreakers(2, 30*time.Millisecond)
	cbr.RecordFailure("h")
	cbr.RecordFailure("h")
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, cbr.AllowRequest("h"))
	assert.Equal(t, CircuitOpen, cbr.RecordFailure("h"))
}

func TestCircuitBreaker_PerHostIsolation(t *testing.T) {
	cbr := fastBreakers(1, 10*time.Second)
	cbr.RecordFailure(HostKey("https://down.example.com/hook"))

	assert.Error(t, cbr.AllowRequest(HostKey("https://DOWN.example.com/other")))
	assert.NoError(t, cbr.AllowRequest(HostKey("https://up.example.com/hook")))
}

func TestCircuitBreaker_Snapshot(t *testing.T) {
	cbr := NewCircuitBreakerRegistry(DefaultCircuitBreakerConfig())
	cbr.RecordFailure("b.example.com")
	cbr.RecordFailure("b.example.com")
	cbr.RecordSuccess("a.example.com")

	snap := cbr.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "a.example.com", snap[0].Key)
	assert.Equal(t, "b.example.com", snap[1].Key)
	assert.Equal(t, "closed", snap[1].State)
	assert.Equal(t, 2, snap[1].ConsecutiveFailures)
}

func TestHostKey(t *testing.T) {
	assert.Equal(t, "api.example.com:8443", HostKey("https://API.example.com:8443/v1?x=1"))
	assert.Equal(t, "not a url", HostKey("not a url"))
}

func TestCircuitState_String(t *testing.T) {
	assert.Equal(t, "closed", CircuitClosed.String())
	assert.Equal(t, "open", CircuitOpen.String())
	assert.Equal(t, "half_open", CircuitHalfOpen.String())
	assert.Equal(t, "unknown", CircuitState(99).String())
}
