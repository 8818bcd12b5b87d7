package engine

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/pkg/errors"

	"github.com/spikebot/gospike/internal/domain"
	"github.com/spikebot/gospike/internal/exchange"
	"github.com/spikebot/gospike/internal/history"
	"github.com/spikebot/gospike/internal/journal"
)

// errExitDeferred 出场被结算保护延迟，等待后续 tick 重试
var errExitDeferred = errors.New("exit deferred: entry order pending settlement")

// handlePrice 处理一个价格观察
// isNewSample=false 表示控制循环的风控重查，不写入历史缓冲
//
// 固定顺序：风控出场 -> 目标检查 -> 入场机会（优先建仓 / 回购 / fade）
func (e *Engine) handlePrice(ctx context.Context, price float64, at time.Time, isNewSample bool) {
	if price <= 0 {
		return
	}

	e.mu.Lock()
	if isNewSample {
		e.buf.Append(history.PriceSample{Timestamp: at, Price: price})
		e.lastPriceAt = at
	}
	e.lastPrice = price
	pos := e.position
	e.mu.Unlock()

	// 1. 风控出场永远先于目标与异动检查
	if pos != nil {
		if reason, ok := e.exits.Evaluate(pos, price, at); ok {
			if err := e.executeExit(ctx, price, reason); err != nil && !errors.Is(err, errExitDeferred) {
				log.Warnf("风控出场失败（下次 tick 重试）: %v", err)
			}
			return
		}
	}

	// 2. 目标价检查
	if e.checkTarget(ctx, price, pos) {
		return
	}

	// 3. 空仓时的入场机会
	if pos == nil {
		e.considerEntry(ctx, price, at)
	}
}

// checkTarget 检查当前目标是否触发，返回是否已采取动作
// 触发但被保护条件挡住时不消费目标，留待后续 tick
func (e *Engine) checkTarget(ctx context.Context, price float64, pos *domain.Position) bool {
	cur := e.targets.Current()
	if cur == nil || !cur.IsTriggeredBy(price) {
		return false
	}

	switch {
	case pos != nil && cur.Action == pos.Side.Opposite():
		if pos.PendingSettlement {
			log.Infof("⏸ 目标已触发但入场订单未结算，延迟出场: target=%.4f", cur.Price)
			return false
		}
		e.targets.Check(price)
		if err := e.executeExit(ctx, price, "target_hit"); err != nil && !errors.Is(err, errExitDeferred) {
			log.Warnf("目标出场失败: %v", err)
		}
		return true

	case pos == nil && cur.Action == domain.SideBuy:
		if !e.entryGatesOpen(price, time.Now().UTC(), false) {
			return false
		}
		e.targets.Check(price)
		if err := e.executeEntry(ctx, price, domain.SideBuy, "buy_target"); err != nil {
			log.Warnf("目标入场失败: %v", err)
		}
		return true

	default:
		// 目标与当前持仓状态不匹配（如恢复状态后残留），消费并丢弃
		e.targets.Check(price)
		log.Warnf("丢弃与持仓状态不匹配的目标: action=%s", cur.Action)
		return false
	}
}

// considerEntry 空仓时评估入场机会
func (e *Engine) considerEntry(ctx context.Context, price float64, at time.Time) {
	// 优先建仓：无论异动与目标状态如何，先买入底仓
	if e.cfg.Trading.BuyInitialInventory && !e.initialInventoryDone() {
		if e.entryGatesOpen(price, at, true) {
			if err := e.executeEntry(ctx, price, domain.SideBuy, "initial_inventory"); err != nil {
				log.Warnf("优先建仓失败: %v", err)
			}
		}
		return
	}

	// immediate 策略排队的回购
	e.mu.Lock()
	plan := e.rebuy
	e.mu.Unlock()
	if plan != nil {
		if at.Before(plan.dueAt) || !e.entryGatesOpen(price, at, false) {
			return
		}
		if err := e.executeEntry(ctx, price, domain.SideBuy, "rebuy_immediate"); err != nil {
			log.Warnf("回购失败（下次 tick 重试）: %v", err)
			return
		}
		e.mu.Lock()
		e.rebuy = nil
		e.mu.Unlock()
		return
	}

	// fade 入场与 immediate 回购循环互斥
	if e.cfg.Trading.RebuyPolicy == "immediate" {
		return
	}
	if e.targets.Current() != nil {
		return
	}
	e.considerFade(ctx, price, at)
}

// considerFade 异动反向入场：上冲卖出，下砸买入
func (e *Engine) considerFade(ctx context.Context, price float64, at time.Time) {
	e.mu.Lock()
	spikePct, stats := e.detector.Detect(price, at, e.buf)
	e.mu.Unlock()

	mag := math.Abs(spikePct)
	if mag < e.cfg.Trading.SpikeThresholdPct || mag < e.cfg.Trading.MinSpikeStrengthPct {
		return
	}
	if stats.VolatilityFiltered {
		log.Infof("🌊 波动率过滤否决入场: spike=%+.2f%% %s", spikePct, stats.VolatilityReason)
		e.journalActivity(ctx, "spike", fmt.Sprintf("filtered spike %+.2f%% (%s)", spikePct, stats.VolatilityReason))
		return
	}
	if !e.entryGatesOpen(price, at, true) {
		return
	}

	side := domain.SideBuy
	if spikePct > 0 {
		side = domain.SideSell
	}
	log.Infof("⚡ 检测到异动: %+.2f%% (window=%ds cv=%.2f%%)，反向 %s",
		spikePct, stats.WindowSeconds, stats.VolatilityCV, side)
	e.journalActivity(ctx, "spike", fmt.Sprintf("spike %+.2f%% window=%ds -> %s", spikePct, stats.WindowSeconds, side))

	if err := e.executeEntry(ctx, price, side, fmt.Sprintf("spike_fade_%+.2f%%", spikePct)); err != nil {
		log.Warnf("fade 入场失败: %v", err)
	}
}

// initialInventoryDone 是否已完成首次建仓
func (e *Engine) initialInventoryDone() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.initialInventoryAcquired
}

// entryGatesOpen 入场前置闸门
// applyCooldown 控制是否检查信号冷却（回购与买入目标不受冷却约束）
func (e *Engine) entryGatesOpen(price float64, at time.Time, applyCooldown bool) bool {
	if err := e.breaker.AllowEntry(); err != nil {
		return false
	}

	// 极端价格不入场，接近 0/1 的合约没有反转空间
	if price < e.cfg.Trading.MinPrice || price > e.cfg.Trading.MaxPrice {
		log.Debugf("价格 %.4f 超出入场区间 [%.2f, %.2f]", price, e.cfg.Trading.MinPrice, e.cfg.Trading.MaxPrice)
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.entryInFlight || e.position != nil {
		return false
	}
	// 出场后等待结算延迟，避免用到陈旧的余额状态
	if !e.lastExitAt.IsZero() {
		delay := time.Duration(e.cfg.Trading.SettlementDelaySeconds * float64(time.Second))
		if at.Sub(e.lastExitAt) < delay {
			return false
		}
	}
	if applyCooldown && !e.lastSignalAt.IsZero() {
		cooldown := time.Duration(e.cfg.Trading.CooldownSeconds) * time.Second
		if at.Sub(e.lastSignalAt) < cooldown {
			return false
		}
	}
	return true
}

// executeEntry 提交入场单并提交结果
// 失败时状态完全不变：不启动冷却，不设置目标
func (e *Engine) executeEntry(ctx context.Context, price float64, side domain.Side, reason string) error {
	e.mu.Lock()
	if e.position != nil || e.entryInFlight {
		e.mu.Unlock()
		return nil
	}
	e.entryInFlight = true
	e.mu.Unlock()

	res, err := e.executor.PlaceMarketOrder(ctx, exchange.MarketOrderRequest{
		TokenID:   e.tokenID,
		Side:      side,
		AmountUSD: e.cfg.Trading.AmountUSD,
	})
	if err != nil || !res.Success {
		e.mu.Lock()
		e.entryInFlight = false
		e.mu.Unlock()
		if err == nil {
			err = errors.Errorf("order rejected: %s", res.ErrorMsg)
		}
		e.journalActivity(ctx, "entry", fmt.Sprintf("entry failed (%s): %v", reason, err))
		return errors.Wrapf(err, "entry %s", reason)
	}

	now := time.Now().UTC()
	entryPrice := res.Price
	if entryPrice <= 0 {
		entryPrice = price
	}

	pos := &domain.Position{
		Side:              side,
		EntryPrice:        entryPrice,
		EntryTime:         now,
		AmountUSD:         orderAmount(res, e.cfg.Trading.AmountUSD),
		EntryOrderID:      res.OrderID,
		PendingSettlement: true,
		ExpectedShares:    res.Shares,
	}

	e.mu.Lock()
	e.entryInFlight = false
	e.position = pos
	e.lastSignalAt = now
	if side == domain.SideBuy {
		e.initialInventoryAcquired = true
	}
	e.saveStateLocked()
	e.mu.Unlock()

	e.breaker.OnTrade()
	e.awaitSettlement(ctx, res.OrderID)

	// train of trade：入场即挂反向目标
	tp := e.cfg.Trading.TakeProfitPct / 100
	if side == domain.SideBuy {
		e.targets.Set(domain.NewTradeTarget(entryPrice*(1+tp), domain.SideSell, domain.ConditionGTE, entryPrice, "after_buy"))
	} else {
		e.targets.Set(domain.NewTradeTarget(entryPrice*(1-tp), domain.SideBuy, domain.ConditionLTE, entryPrice, "after_sell_entry"))
	}
	e.saveState()

	log.Infof("📈 入场: %s price=%.4f usd=%.2f shares=%.4f reason=%s order=%s",
		side, entryPrice, pos.AmountUSD, pos.ExpectedShares, reason, res.OrderID)
	e.journalActivity(ctx, "entry", fmt.Sprintf("%s @ %.4f (%s)", side, entryPrice, reason))
	if e.jour != nil {
		if err := e.jour.RecordTrade(ctx, journal.Trade{
			At: now, Side: string(side), Price: entryPrice,
			Shares: pos.ExpectedShares, AmountUSD: pos.AmountUSD,
			Reason: reason, OrderID: res.OrderID,
		}); err != nil {
			log.Warnf("记录入场成交失败: %v", err)
		}
	}
	return nil
}

// executeExit 提交出场单并提交结果，随后应用回购策略
func (e *Engine) executeExit(ctx context.Context, price float64, reason string) error {
	e.mu.Lock()
	pos := e.position
	if pos == nil || e.entryInFlight {
		e.mu.Unlock()
		return nil
	}
	if pos.PendingSettlement {
		// 结算事件可能在拥塞中丢失，出场前直接查询跟踪器兜底
		if e.settle != nil && pos.EntryOrderID != "" && e.settle.IsSettled(pos.EntryOrderID) {
			pos.PendingSettlement = false
			e.saveStateLocked()
		} else {
			e.mu.Unlock()
			log.Infof("⏸ 出场延迟（%s）: 入场订单 %s 未结算", reason, pos.EntryOrderID)
			return errExitDeferred
		}
	}
	e.mu.Unlock()

	// 卖出前确认 token 份额已经入账，0 份额说明链上结算还没完成
	if pos.Side == domain.SideBuy {
		if bal, err := e.executor.TokenBalance(ctx, e.tokenID); err != nil {
			log.Warnf("查询 token 份额失败，继续出场: %v", err)
		} else if bal <= 0 {
			log.Infof("⏸ 出场延迟（%s）: token 份额未入账", reason)
			return errExitDeferred
		}
	}

	res, err := e.executor.PlaceMarketOrder(ctx, exchange.MarketOrderRequest{
		TokenID:   e.tokenID,
		Side:      pos.Side.Opposite(),
		AmountUSD: pos.AmountUSD,
		Shares:    pos.ExpectedShares,
	})
	if err != nil || !res.Success {
		if err == nil {
			err = errors.Errorf("order rejected: %s", res.ErrorMsg)
		}
		e.journalActivity(ctx, "exit", fmt.Sprintf("exit failed (%s): %v", reason, err))
		return errors.Wrapf(err, "exit %s", reason)
	}

	exitPrice := res.Price
	if exitPrice <= 0 {
		exitPrice = price
	}
	pnl := pos.CalculatePnL(exitPrice)
	now := time.Now().UTC()

	e.mu.Lock()
	e.position = nil
	e.realizedPnL += pnl.USD
	e.totalTrades++
	if pnl.USD > 0 {
		e.winningTrades++
	}
	e.lastExitAt = now
	e.saveStateLocked()
	e.mu.Unlock()

	e.breaker.OnTrade()
	e.breaker.AddPnLUSD(pnl.USD)

	log.Infof("📉 出场: %s price=%.4f pnl=%+.2f%% (%.2f USDC) reason=%s order=%s",
		pos.Side.Opposite(), exitPrice, pnl.Pct, pnl.USD, reason, res.OrderID)
	e.journalActivity(ctx, "exit", fmt.Sprintf("%s @ %.4f pnl=%+.2f%% (%s)", pos.Side.Opposite(), exitPrice, pnl.Pct, reason))
	if e.jour != nil {
		if err := e.jour.RecordTrade(ctx, journal.Trade{
			At: now, Side: string(pos.Side.Opposite()), Price: exitPrice,
			Shares: res.Shares, AmountUSD: res.AmountUSD,
			Reason: reason, OrderID: res.OrderID,
			PnLPct: pnl.Pct, PnLUSD: pnl.USD,
		}); err != nil {
			log.Warnf("记录出场成交失败: %v", err)
		}
	}

	// 回购策略只延续 LONG 的 train of trade，不在手动平仓或熔断后触发
	if pos.Side != domain.SideBuy || reason == "manual_close" || e.breaker.Halted() {
		return nil
	}
	switch e.cfg.Trading.RebuyPolicy {
	case "immediate":
		due := now.Add(time.Duration(e.cfg.Trading.RebuyDelaySeconds * float64(time.Second)))
		e.mu.Lock()
		e.rebuy = &rebuyPlan{dueAt: due}
		e.mu.Unlock()
		log.Infof("🔁 排队回购: %.1fs 后买入", e.cfg.Trading.RebuyDelaySeconds)
	case "wait_for_drop":
		drop := e.cfg.Trading.RebuyDropPct / 100
		e.targets.Set(domain.NewTradeTarget(exitPrice*(1-drop), domain.SideBuy, domain.ConditionLTE, exitPrice, "after_sell"))
		e.saveState()
	}
	return nil
}

// awaitSettlement 后台等待结算（推送或软超时），结果投回事件通道
func (e *Engine) awaitSettlement(ctx context.Context, orderID string) {
	timeout := time.Duration(e.cfg.Settlement.TimeoutSeconds * float64(time.Second))
	go func() {
		res := e.settle.Await(ctx, orderID, timeout)
		if !res.Settled {
			return
		}
		if !res.ViaPush {
			e.journalActivity(ctx, "settlement", fmt.Sprintf("order %s assumed settled after %.0fs", orderID, timeout.Seconds()))
		}
		select {
		case e.events <- event{kind: settledEvent, orderID: orderID}:
		case <-ctx.Done():
		}
	}()
}

func orderAmount(res *exchange.OrderResult, fallback float64) float64 {
	if res.AmountUSD > 0 {
		return res.AmountUSD
	}
	return fallback
}
