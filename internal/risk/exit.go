// Package risk 提供风控出场判定与会话熔断
package risk

import (
	"fmt"
	"time"

	"github.com/spikebot/gospike/internal/domain"
)

// 出场原因代码（附带细节时作为前缀）
const (
	ReasonTimeExit   = "time_exit"
	ReasonTakeProfit = "take_profit"
	ReasonStopLoss   = "stop_loss"
)

// ExitConfig 风控出场配置
type ExitConfig struct {
	TakeProfitPct  float64 // 止盈百分比
	StopLossPct    float64 // 止损百分比
	MaxHoldSeconds int     // 最大持仓时间（秒）
}

// ExitEvaluator 风控出场判定器
// 无状态：每次调用独立求值，检查顺序固定为 时间 -> 止盈 -> 止损，首个命中即返回
type ExitEvaluator struct {
	cfg ExitConfig
}

// NewExitEvaluator 创建判定器
func NewExitEvaluator(cfg ExitConfig) *ExitEvaluator {
	return &ExitEvaluator{cfg: cfg}
}

// Evaluate 判定是否应出场
// 返回 (原因, true) 或 ("", false)；每次调用至多返回一个原因
func (e *ExitEvaluator) Evaluate(pos *domain.Position, currentPrice float64, now time.Time) (string, bool) {
	if pos == nil {
		return "", false
	}

	// 时间出场优先
	held := pos.AgeAt(now).Seconds()
	if e.cfg.MaxHoldSeconds > 0 && held >= float64(e.cfg.MaxHoldSeconds) {
		return fmt.Sprintf("%s_held_%.0fs", ReasonTimeExit, held), true
	}

	pnl := pos.CalculatePnL(currentPrice)

	if pnl.Pct >= e.cfg.TakeProfitPct {
		return fmt.Sprintf("%s_%+.2f%%", ReasonTakeProfit, pnl.Pct), true
	}
	if pnl.Pct <= -e.cfg.StopLossPct {
		return fmt.Sprintf("%s_%.2f%%", ReasonStopLoss, pnl.Pct), true
	}

	return "", false
}
