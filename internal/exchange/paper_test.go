package exchange

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spikebot/gospike/internal/domain"
)

type staticPrice float64

func (p staticPrice) Price(context.Context, string) (float64, error) {
	return float64(p), nil
}

func TestPaperExecutorBuySell(t *testing.T) {
	ctx := context.Background()
	p := NewPaperExecutor(staticPrice(0.50), 100)

	res, err := p.PlaceMarketOrder(ctx, MarketOrderRequest{TokenID: "tok", Side: domain.SideBuy, AmountUSD: 50})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.InDelta(t, 100.0, res.Shares, 1e-9) // 50 USDC / 0.50
	assert.InDelta(t, 100.0, p.SharesOf("tok"), 1e-9)

	bal, err := p.Balance(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 50.0, bal, 1e-9)

	res, err = p.PlaceMarketOrder(ctx, MarketOrderRequest{TokenID: "tok", Side: domain.SideSell, Shares: 100})
	require.NoError(t, err)
	assert.InDelta(t, 50.0, res.AmountUSD, 1e-9)
	assert.Zero(t, p.SharesOf("tok"))
}

func TestPaperExecutorInsufficientBalance(t *testing.T) {
	p := NewPaperExecutor(staticPrice(0.50), 10)

	_, err := p.PlaceMarketOrder(context.Background(), MarketOrderRequest{TokenID: "tok", Side: domain.SideBuy, AmountUSD: 50})
	require.Error(t, err)
	assert.True(t, IsNonRetryable(err))
}

func TestPaperExecutorSellEmpty(t *testing.T) {
	p := NewPaperExecutor(staticPrice(0.50), 10)

	_, err := p.PlaceMarketOrder(context.Background(), MarketOrderRequest{TokenID: "tok", Side: domain.SideSell, Shares: 5})
	assert.Error(t, err)
}
