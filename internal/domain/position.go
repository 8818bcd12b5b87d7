package domain

import (
	"strings"
	"time"
)

// Side 交易方向
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// ParseSide 解析交易方向（大小写不敏感）
func ParseSide(s string) (Side, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY":
		return SideBuy, true
	case "SELL":
		return SideSell, true
	}
	return "", false
}

// Opposite 返回相反方向
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// PositionType 持仓类型：BUY 入场为 LONG，SELL 入场为 SHORT
type PositionType string

const (
	PositionLong  PositionType = "LONG"
	PositionShort PositionType = "SHORT"
)

// Position 单一持仓领域模型
// 不变量：全系统同一时刻最多存在一个 Position（由 engine 保证）
type Position struct {
	Side              Side      `json:"side"`               // 入场方向
	EntryPrice        float64   `json:"entry_price"`        // 入场价格
	EntryTime         time.Time `json:"entry_time"`         // 入场时间
	AmountUSD         float64   `json:"amount_usd"`         // 仓位金额（USDC）
	EntryOrderID      string    `json:"entry_order_id"`     // 入场订单 ID
	PendingSettlement bool      `json:"pending_settlement"` // 入场订单是否还在等待链上结算
	ExpectedShares    float64   `json:"expected_shares"`    // 预期成交份额（来自订单响应，可能为 0）
}

// Type 返回持仓类型
func (p *Position) Type() PositionType {
	if p.Side == SideBuy {
		return PositionLong
	}
	return PositionShort
}

// AgeAt 返回截至 now 的持仓时长
func (p *Position) AgeAt(now time.Time) time.Duration {
	return now.Sub(p.EntryTime)
}

// Age 返回当前持仓时长
func (p *Position) Age() time.Duration {
	return p.AgeAt(time.Now().UTC())
}

// PnL 未实现盈亏
type PnL struct {
	Pct float64 // 百分比
	USD float64 // 金额（USDC）
}

// CalculatePnL 按当前价格计算未实现盈亏
// LONG: (price-entry)/entry；SHORT: (entry-price)/entry
func (p *Position) CalculatePnL(currentPrice float64) PnL {
	if p.EntryPrice <= 0 {
		return PnL{}
	}
	var pct float64
	if p.Type() == PositionLong {
		pct = (currentPrice - p.EntryPrice) / p.EntryPrice * 100
	} else {
		pct = (p.EntryPrice - currentPrice) / p.EntryPrice * 100
	}
	return PnL{Pct: pct, USD: p.AmountUSD * pct / 100}
}
