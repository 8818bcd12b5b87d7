package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func TestRecordAndQueryTrades(t *testing.T) {
	ctx := context.Background()
	j := openTemp(t)

	require.NoError(t, j.RecordTrade(ctx, Trade{
		Side: "BUY", Price: 0.50, Shares: 20, AmountUSD: 10, Reason: "initial_inventory", OrderID: "ord-1",
	}))
	require.NoError(t, j.RecordTrade(ctx, Trade{
		Side: "SELL", Price: 0.53, Shares: 20, AmountUSD: 10.6, Reason: "take_profit", OrderID: "ord-2",
		PnLPct: 6.0, PnLUSD: 0.6,
	}))

	trades, err := j.RecentTrades(ctx, 10)
	require.NoError(t, err)
	require.Len(t, trades, 2)

	// 新的在前
	assert.Equal(t, "SELL", trades[0].Side)
	assert.InDelta(t, 6.0, trades[0].PnLPct, 1e-9)
	assert.Equal(t, "BUY", trades[1].Side)
	assert.False(t, trades[0].At.IsZero())
}

func TestRecordActivities(t *testing.T) {
	ctx := context.Background()
	j := openTemp(t)

	j.RecordActivity(ctx, "spike", "spike +9.2% window=600s")
	j.RecordActivity(ctx, "entry", "BUY @ 0.5000")

	acts, err := j.RecentActivities(ctx, 10)
	require.NoError(t, err)
	require.Len(t, acts, 2)
	assert.Equal(t, "entry", acts[0].Kind)
	assert.Equal(t, "spike", acts[1].Kind)
}

func TestTradeTimestampDefault(t *testing.T) {
	ctx := context.Background()
	j := openTemp(t)

	before := time.Now().UTC().Add(-time.Second)
	require.NoError(t, j.RecordTrade(ctx, Trade{Side: "BUY", Price: 0.5}))

	trades, err := j.RecentTrades(ctx, 1)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.True(t, trades[0].At.After(before))
}
