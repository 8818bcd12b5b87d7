package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreakerMaxTrades(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxTradesPerSession: 2})

	require.NoError(t, cb.AllowEntry())
	cb.OnTrade()
	require.NoError(t, cb.AllowEntry())
	cb.OnTrade()

	err := cb.AllowEntry()
	assert.ErrorIs(t, err, ErrCircuitBreakerOpen)
	assert.True(t, cb.Halted())
}

func TestCircuitBreakerLossLimit(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{SessionLossLimitUSD: 50})

	cb.AddPnLUSD(-30)
	require.NoError(t, cb.AllowEntry())

	cb.AddPnLUSD(-25)
	assert.ErrorIs(t, cb.AllowEntry(), ErrCircuitBreakerOpen)
	assert.InDelta(t, -55.0, cb.SessionPnLUSD(), 1e-6)
}

func TestCircuitBreakerHaltResume(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{})

	cb.Halt()
	assert.ErrorIs(t, cb.AllowEntry(), ErrCircuitBreakerOpen)

	cb.Resume()
	assert.NoError(t, cb.AllowEntry())
}

// 恢复后限制仍然超标时立即再次熔断
func TestCircuitBreakerResumeStillOverLimit(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{SessionLossLimitUSD: 10})
	cb.AddPnLUSD(-20)

	assert.Error(t, cb.AllowEntry())
	cb.Resume()
	assert.Error(t, cb.AllowEntry())
}

func TestCircuitBreakerZeroLimitsDisabled(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{})
	for i := 0; i < 100; i++ {
		cb.OnTrade()
	}
	cb.AddPnLUSD(-10000)
	assert.NoError(t, cb.AllowEntry())
}
