package engine

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/spikebot/gospike/internal/domain"
	"github.com/spikebot/gospike/pkg/persistence"
)

// persistedState 落盘的引擎状态
// instrument_id 不匹配当前配置时整份状态作废，避免跨市场污染
type persistedState struct {
	OpenPosition             *domain.Position    `json:"open_position"`
	RealizedPnL              float64             `json:"realized_pnl"`
	TotalTrades              int                 `json:"total_trades"`
	WinningTrades            int                 `json:"winning_trades"`
	InitialInventoryAcquired bool                `json:"initial_inventory_acquired"`
	Halted                   bool                `json:"halted"`
	InstrumentID             string              `json:"instrument_id"`
	CurrentTarget            *domain.TradeTarget `json:"current_target"`
}

// loadState 启动时恢复状态
// 三种失败各自区分：无历史状态 / 数据损坏 / IO 错误，全部以全新状态继续
func (e *Engine) loadState() {
	if e.store == nil {
		return
	}

	var doc persistedState
	err := e.store.Load(&doc)
	switch {
	case err == nil:
	case errors.Is(err, persistence.ErrNotExists):
		log.Info("无历史状态，全新启动")
		return
	case errors.Is(err, persistence.ErrCorrupted):
		log.Warnf("⚠️ 历史状态损坏，忽略并全新启动: %v", err)
		return
	default:
		log.Warnf("⚠️ 读取历史状态失败（IO），忽略并全新启动: %v", err)
		return
	}

	if doc.InstrumentID != e.cfg.InstrumentID() {
		log.Warnf("⚠️ 历史状态属于其他市场（%s != %s），丢弃", doc.InstrumentID, e.cfg.InstrumentID())
		return
	}

	e.mu.Lock()
	e.position = doc.OpenPosition
	e.realizedPnL = doc.RealizedPnL
	e.totalTrades = doc.TotalTrades
	e.winningTrades = doc.WinningTrades
	e.initialInventoryAcquired = doc.InitialInventoryAcquired
	e.mu.Unlock()

	// 熔断状态跨重启保留，只有管理接口能恢复
	if doc.Halted {
		e.breaker.Halt()
	}

	if doc.CurrentTarget != nil && !doc.CurrentTarget.Triggered {
		e.targets.Restore(doc.CurrentTarget)
	}

	posDesc := "flat"
	if doc.OpenPosition != nil {
		posDesc = string(doc.OpenPosition.Side)
	}
	log.Infof("💾 状态已恢复: pos=%s trades=%d pnl=%.2f inventory=%v",
		posDesc, doc.TotalTrades, doc.RealizedPnL, doc.InitialInventoryAcquired)
}

// resumePendingSettlement 重启后继续等待未结算的入场订单
func (e *Engine) resumePendingSettlement(ctx context.Context) {
	e.mu.Lock()
	pos := e.position
	e.mu.Unlock()
	if pos != nil && pos.PendingSettlement && pos.EntryOrderID != "" {
		e.awaitSettlement(ctx, pos.EntryOrderID)
	}
}

// saveState 保存当前状态（获取锁）
func (e *Engine) saveState() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.saveStateLocked()
}

// saveStateLocked 保存当前状态（调用方持锁）
func (e *Engine) saveStateLocked() {
	if e.store == nil {
		return
	}
	doc := persistedState{
		OpenPosition:             e.position,
		RealizedPnL:              e.realizedPnL,
		TotalTrades:              e.totalTrades,
		WinningTrades:            e.winningTrades,
		InitialInventoryAcquired: e.initialInventoryAcquired,
		Halted:                   e.breaker.Halted(),
		InstrumentID:             e.cfg.InstrumentID(),
		CurrentTarget:            e.targets.Current(),
	}
	if err := e.store.Save(&doc); err != nil {
		log.Warnf("保存状态失败: %v", err)
	}
}

// Status 引擎状态快照（供管理 API 并发读取）
type Status struct {
	Instrument               string              `json:"instrument"`
	Profile                  string              `json:"profile"`
	Price                    float64             `json:"price"`
	PriceAt                  time.Time           `json:"price_at"`
	Position                 *domain.Position    `json:"position"`
	UnrealizedPnL            *domain.PnL         `json:"unrealized_pnl"`
	Target                   *domain.TradeTarget `json:"target"`
	RealizedPnL              float64             `json:"realized_pnl"`
	TotalTrades              int                 `json:"total_trades"`
	WinningTrades            int                 `json:"winning_trades"`
	InitialInventoryAcquired bool                `json:"initial_inventory_acquired"`
	Halted                   bool                `json:"halted"`
	SessionPnL               float64             `json:"session_pnl"`
	DroppedTicks             int64               `json:"dropped_ticks"`
	HistoryCount             int                 `json:"history_count"`
	StartedAt                time.Time           `json:"started_at"`
}

// Status 返回当前状态快照
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := Status{
		Instrument:               e.cfg.InstrumentID(),
		Profile:                  e.cfg.Profile,
		Price:                    e.lastPrice,
		PriceAt:                  e.lastPriceAt,
		RealizedPnL:              e.realizedPnL,
		TotalTrades:              e.totalTrades,
		WinningTrades:            e.winningTrades,
		InitialInventoryAcquired: e.initialInventoryAcquired,
		Halted:                   e.breaker.Halted(),
		SessionPnL:               e.breaker.SessionPnLUSD(),
		DroppedTicks:             e.droppedTicks.Load(),
		HistoryCount:             e.buf.Len(),
		StartedAt:                e.startedAt,
		Target:                   e.targets.Current(),
	}
	if e.position != nil {
		pos := *e.position
		st.Position = &pos
		if e.lastPrice > 0 {
			pnl := pos.CalculatePnL(e.lastPrice)
			st.UnrealizedPnL = &pnl
		}
	}
	return st
}
