package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spikebot/gospike/internal/domain"
)

func position(entry float64, age time.Duration, now time.Time) *domain.Position {
	return &domain.Position{
		Side:       domain.SideBuy,
		EntryPrice: entry,
		EntryTime:  now.Add(-age),
		AmountUSD:  100,
	}
}

func TestEvaluateStopLoss(t *testing.T) {
	now := time.Now().UTC()
	e := NewExitEvaluator(ExitConfig{TakeProfitPct: 3, StopLossPct: 5, MaxHoldSeconds: 3600})

	// entry=0.50 current=0.47 -> -6.00%，触发止损
	reason, ok := e.Evaluate(position(0.50, time.Minute, now), 0.47, now)
	require.True(t, ok)
	assert.Contains(t, reason, "stop_loss")
	assert.Contains(t, reason, "-6.00%")
}

func TestEvaluateTakeProfit(t *testing.T) {
	now := time.Now().UTC()
	e := NewExitEvaluator(ExitConfig{TakeProfitPct: 3, StopLossPct: 5, MaxHoldSeconds: 3600})

	reason, ok := e.Evaluate(position(0.50, time.Minute, now), 0.53, now)
	require.True(t, ok)
	assert.Contains(t, reason, "take_profit")

	_, ok = e.Evaluate(position(0.50, time.Minute, now), 0.51, now)
	assert.False(t, ok)
}

// 时间出场优先于盈亏判定
func TestEvaluateTimeExitPriority(t *testing.T) {
	now := time.Now().UTC()
	e := NewExitEvaluator(ExitConfig{TakeProfitPct: 3, StopLossPct: 5, MaxHoldSeconds: 600})

	reason, ok := e.Evaluate(position(0.50, 700*time.Second, now), 0.60, now)
	require.True(t, ok)
	assert.Contains(t, reason, "time_exit")
}

func TestEvaluateNoPosition(t *testing.T) {
	e := NewExitEvaluator(ExitConfig{TakeProfitPct: 3, StopLossPct: 5})
	_, ok := e.Evaluate(nil, 0.5, time.Now())
	assert.False(t, ok)
}

func TestEvaluateMaxHoldDisabled(t *testing.T) {
	now := time.Now().UTC()
	e := NewExitEvaluator(ExitConfig{TakeProfitPct: 50, StopLossPct: 50, MaxHoldSeconds: 0})
	_, ok := e.Evaluate(position(0.50, 24*time.Hour, now), 0.50, now)
	assert.False(t, ok)
}
