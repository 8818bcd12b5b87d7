// Package exchange 封装 CLOB 下单、行情与账户接口
package exchange

import (
	"context"
	"strings"

	"github.com/pkg/errors"

	"github.com/spikebot/gospike/internal/domain"
)

// ErrInsufficientBalance 余额或授权额度不足，不可重试
var ErrInsufficientBalance = errors.New("insufficient balance or allowance")

// ErrOrderbookUnhealthy 订单簿不满足下单前置条件
var ErrOrderbookUnhealthy = errors.New("orderbook unhealthy")

// MarketOrderRequest 市价单请求
type MarketOrderRequest struct {
	TokenID   string      // CLOB token ID
	Side      domain.Side // BUY / SELL
	AmountUSD float64     // BUY 时为金额（USDC）
	Shares    float64     // SELL 时为份额
}

// OrderResult 归一化的下单结果
// 不同路径（实盘 / 纸面）返回同一结构，engine 不感知差异
type OrderResult struct {
	Success   bool    `json:"success"`
	OrderID   string  `json:"order_id"`
	Price     float64 `json:"price"`      // 成交均价（可能为 0，由调用方回退到行情价）
	Shares    float64 `json:"shares"`     // 成交份额
	AmountUSD float64 `json:"amount_usd"` // 成交金额
	ErrorMsg  string  `json:"error_msg,omitempty"`
}

// Executor 订单执行接口
type Executor interface {
	// PlaceMarketOrder 提交市价单。业务失败（拒单）通过 OrderResult 表达，
	// 传输层错误通过 error 返回。
	PlaceMarketOrder(ctx context.Context, req MarketOrderRequest) (*OrderResult, error)

	// Balance 查询可用 USDC 余额
	Balance(ctx context.Context) (float64, error)

	// TokenBalance 查询指定 token 的持仓份额
	TokenBalance(ctx context.Context, tokenID string) (float64, error)
}

// PriceSource 行情价格接口
type PriceSource interface {
	// Price 当前参考价：盘口价差 <= 0.10 时取中间价，否则取最新成交价
	Price(ctx context.Context, tokenID string) (float64, error)
}

// HealthChecker 订单簿健康检查接口
type HealthChecker interface {
	OrderbookHealth(ctx context.Context, tokenID string) (*OrderbookHealth, error)
}

// OrderbookHealth 订单簿健康状态
type OrderbookHealth struct {
	Healthy bool
	BestBid float64
	BestAsk float64
	Spread  float64
	Reason  string
}

// 余额/授权类错误的响应特征，命中即判定为不可重试
var nonRetryableMarkers = []string{
	"not enough balance",
	"insufficient balance",
	"insufficient funds",
	"allowance",
}

// IsNonRetryable 判断错误是否不应重试
func IsNonRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrInsufficientBalance) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range nonRetryableMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
