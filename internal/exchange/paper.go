package exchange

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/spikebot/gospike/internal/domain"
)

// PaperExecutor 纸面执行器（dry-run）
// 按行情参考价即时全额成交，维护模拟余额与持仓份额
type PaperExecutor struct {
	prices PriceSource

	mu      sync.Mutex
	balance float64
	shares  map[string]float64
}

// NewPaperExecutor 创建纸面执行器
func NewPaperExecutor(prices PriceSource, initialBalance float64) *PaperExecutor {
	return &PaperExecutor{
		prices:  prices,
		balance: initialBalance,
		shares:  make(map[string]float64),
	}
}

// PlaceMarketOrder 模拟成交
func (p *PaperExecutor) PlaceMarketOrder(ctx context.Context, req MarketOrderRequest) (*OrderResult, error) {
	price, err := p.prices.Price(ctx, req.TokenID)
	if err != nil {
		return nil, err
	}
	if price <= 0 {
		return nil, errors.Errorf("invalid reference price %.4f", price)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	result := &OrderResult{
		Success: true,
		OrderID: fmt.Sprintf("paper_%s", uuid.NewString()[:8]),
		Price:   price,
	}

	switch req.Side {
	case domain.SideBuy:
		if p.balance < req.AmountUSD {
			return nil, errors.Wrapf(ErrInsufficientBalance, "paper balance %.2f < %.2f", p.balance, req.AmountUSD)
		}
		p.balance -= req.AmountUSD
		shares := req.AmountUSD / price
		p.shares[req.TokenID] += shares
		result.AmountUSD = req.AmountUSD
		result.Shares = shares
	case domain.SideSell:
		held := p.shares[req.TokenID]
		shares := req.Shares
		if shares <= 0 || shares > held {
			shares = held
		}
		if shares <= 0 {
			return nil, errors.New("paper position empty, nothing to sell")
		}
		p.shares[req.TokenID] = held - shares
		proceeds := shares * price
		p.balance += proceeds
		result.AmountUSD = proceeds
		result.Shares = shares
	default:
		return nil, errors.Errorf("unknown side %q", req.Side)
	}

	log.Infof("📝 纸面成交: %s price=%.4f shares=%.4f usd=%.2f balance=%.2f",
		req.Side, result.Price, result.Shares, result.AmountUSD, p.balance)
	return result, nil
}

// Balance 模拟余额
func (p *PaperExecutor) Balance(ctx context.Context) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balance, nil
}

// TokenBalance 模拟持仓份额
func (p *PaperExecutor) TokenBalance(ctx context.Context, tokenID string) (float64, error) {
	return p.SharesOf(tokenID), nil
}

// SharesOf 当前模拟持仓份额
func (p *PaperExecutor) SharesOf(tokenID string) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.shares[tokenID]
}
