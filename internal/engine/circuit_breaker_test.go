package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/homeos/pkg/schema"
)

type stepClock struct{ t time.Time }

func (c *stepClock) now() time.Time { return c.t }

func newTestBreakers(threshold int, cooldown time.Duration) (*CircuitBreakerRegistry, *stepClock) {
	clk := &stepClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	r := NewCircuitBreakerRegistry(CircuitBreakerConfig{FailureThreshold: threshold, Cooldown: cooldown, HalfOpenMax: 1})
	r.SetClock(clk.now)
	return r, clk
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cbr, _ := newTestBreakers(3, 10*time.Second)

	require.NoError(t, cbr.AllowRequest("placeCall"))
	cbr.RecordFailure("placeCall")
	cbr.RecordFailure("placeCall")
	assert.Equal(t, CircuitClosed, cbr.GetState("placeCall"))

	assert.Equal(t, CircuitOpen, cbr.RecordFailure("placeCall"))
	err := cbr.AllowRequest("placeCall")
	assert.Equal(t, schema.ErrCodeCircuitOpen, schema.ErrorCode(err))

	// Other activities are unaffected.
	assert.NoError(t, cbr.AllowRequest("postListing"))
}

func TestCircuitBreaker_SuccessResetsCount(t *testing.T) {
	cbr, _ := newTestBreakers(2, time.Second)

	cbr.RecordFailure("a")
	cbr.RecordSuccess("a")
	cbr.RecordFailure("a")
	assert.Equal(t, CircuitClosed, cbr.GetState("a"))
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	cbr, clk := newTestBreakers(1, 10*time.Second)

	cbr.RecordFailure("a")
	require.Error(t, cbr.AllowRequest("a"))

	clk.t = clk.t.Add(11 * time.Second)
	require.NoError(t, cbr.AllowRequest("a"), "first probe allowed")
	assert.Error(t, cbr.AllowRequest("a"), "second probe rejected")

	cbr.RecordSuccess("a")
	assert.Equal(t, CircuitClosed, cbr.GetState("a"))
	assert.NoError(t, cbr.AllowRequest("a"))
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cbr, clk := newTestBreakers(1, 10*time.Second)

	cbr.RecordFailure("a")
	clk.t = clk.t.Add(10 * time.Second)
	require.NoError(t, cbr.AllowRequest("a"))

	assert.Equal(t, CircuitOpen, cbr.RecordFailure("a"))
	assert.Error(t, cbr.AllowRequest("a"))
}

func TestCircuitBreaker_Snapshot(t *testing.T) {
	cbr, _ := newTestBreakers(1, time.Minute)
	cbr.RecordSuccess("ok")
	cbr.RecordFailure("bad")

	assert.Equal(t, map[string]string{"ok": "closed", "bad": "open"}, cbr.Snapshot())
}
