package risk

import (
	"fmt"
	"sync/atomic"
)

// ErrCircuitBreakerOpen 表示熔断已触发，禁止继续开仓。
var ErrCircuitBreakerOpen = fmt.Errorf("circuit breaker open")

// CircuitBreakerConfig 熔断配置。
// 约定：阈值 <= 0 表示关闭对应限制。
type CircuitBreakerConfig struct {
	// MaxTradesPerSession 会话内最大交易次数。
	MaxTradesPerSession int64

	// SessionLossLimitUSD 会话最大亏损（USDC，绝对值）。达到或超过时立即熔断。
	SessionLossLimitUSD float64
}

// CircuitBreaker 快路径使用原子变量，熔断后只能由进程重启或管理接口显式恢复。
type CircuitBreaker struct {
	halted atomic.Bool

	tradeCount atomic.Int64
	// 亏损以千分之一美分（micro-USD 粒度过细没有意义）记账，避免 float 原子操作
	sessionPnLMilliCents atomic.Int64

	maxTrades           atomic.Int64
	lossLimitMilliCents atomic.Int64
}

// NewCircuitBreaker 创建熔断器
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	cb := &CircuitBreaker{}
	cb.SetConfig(cfg)
	return cb
}

// SetConfig 更新配置（低频操作）
func (cb *CircuitBreaker) SetConfig(cfg CircuitBreakerConfig) {
	if cb == nil {
		return
	}
	cb.maxTrades.Store(cfg.MaxTradesPerSession)
	cb.lossLimitMilliCents.Store(usdToMilliCents(cfg.SessionLossLimitUSD))
}

// Halt 手动熔断（人工介入或严重异常）。
func (cb *CircuitBreaker) Halt() {
	if cb == nil {
		return
	}
	cb.halted.Store(true)
}

// Resume 手动恢复。不清零计数：恢复后若限制仍然超标会立刻再次熔断。
func (cb *CircuitBreaker) Resume() {
	if cb == nil {
		return
	}
	cb.halted.Store(false)
}

// Halted 当前是否处于熔断状态
func (cb *CircuitBreaker) Halted() bool {
	return cb != nil && cb.halted.Load()
}

// AllowEntry 快路径检查是否允许开仓。
func (cb *CircuitBreaker) AllowEntry() error {
	if cb == nil {
		return nil
	}

	if cb.halted.Load() {
		return ErrCircuitBreakerOpen
	}

	if max := cb.maxTrades.Load(); max > 0 && cb.tradeCount.Load() >= max {
		cb.halted.Store(true)
		return ErrCircuitBreakerOpen
	}

	if limit := cb.lossLimitMilliCents.Load(); limit > 0 {
		if cb.sessionPnLMilliCents.Load() <= -limit {
			cb.halted.Store(true)
			return ErrCircuitBreakerOpen
		}
	}

	return nil
}

// OnTrade 每完成一次交易（入场或出场提交成功）调用一次。
func (cb *CircuitBreaker) OnTrade() {
	if cb == nil {
		return
	}
	cb.tradeCount.Add(1)
}

// AddPnLUSD 增量更新会话 PnL。负数表示亏损。
func (cb *CircuitBreaker) AddPnLUSD(delta float64) {
	if cb == nil {
		return
	}
	cb.sessionPnLMilliCents.Add(usdToMilliCents(delta))
}

// SessionPnLUSD 当前会话累计 PnL（USDC）
func (cb *CircuitBreaker) SessionPnLUSD() float64 {
	if cb == nil {
		return 0
	}
	return float64(cb.sessionPnLMilliCents.Load()) / 100000.0
}

// TradeCount 会话累计交易次数
func (cb *CircuitBreaker) TradeCount() int64 {
	if cb == nil {
		return 0
	}
	return cb.tradeCount.Load()
}

func usdToMilliCents(usd float64) int64 {
	return int64(usd * 100000)
}
