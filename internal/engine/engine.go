// Package engine 实现单写者决策循环
//
// 行情协程与控制循环都只向事件通道投递消息，全部状态变更发生在
// 唯一的决策协程内，避免锁顺序问题；互斥锁仅用于外部并发读取状态快照
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/spikebot/gospike/internal/domain"
	"github.com/spikebot/gospike/internal/exchange"
	"github.com/spikebot/gospike/internal/feed"
	"github.com/spikebot/gospike/internal/history"
	"github.com/spikebot/gospike/internal/journal"
	"github.com/spikebot/gospike/internal/risk"
	"github.com/spikebot/gospike/internal/settlement"
	"github.com/spikebot/gospike/internal/spike"
	"github.com/spikebot/gospike/internal/target"
	"github.com/spikebot/gospike/pkg/config"
	"github.com/spikebot/gospike/pkg/persistence"
	"github.com/spikebot/gospike/pkg/ratelimit"
)

var log = logrus.WithField("module", "engine")

const (
	eventBufferSize = 256
	controlInterval = 1 * time.Second
	// backupPollAfter 行情超过此时长没有新 tick 时，控制循环改用 REST 轮询
	backupPollAfter   = 3 * time.Second
	statusLogInterval = 30 * time.Second
)

type eventKind int

const (
	tickEvent eventKind = iota
	timerEvent
	settledEvent
	commandEvent
)

type command struct {
	name  string // close / halt / resume
	reply chan error
}

type event struct {
	kind    eventKind
	tick    feed.Tick
	orderID string // settledEvent
	cmd     command
}

// rebuyPlan immediate 策略下排队的回购动作
type rebuyPlan struct {
	dueAt time.Time
}

// Engine 决策引擎
type Engine struct {
	cfg     *config.Config
	tokenID string

	executor exchange.Executor
	prices   exchange.PriceSource
	settle   *settlement.Tracker
	targets  *target.Tracker
	detector *spike.Detector
	exits    *risk.ExitEvaluator
	breaker  *risk.CircuitBreaker
	store    persistence.Store
	jour     *journal.Journal
	limiter  ratelimit.RateLimiter // REST 轮询限速

	events       chan event
	droppedTicks atomic.Int64

	// mu 只保护下面的可变状态，决策循环是唯一写者
	mu                       sync.Mutex
	buf                      *history.Buffer
	position                 *domain.Position
	realizedPnL              float64
	totalTrades              int
	winningTrades            int
	initialInventoryAcquired bool
	entryInFlight            bool
	lastExitAt               time.Time
	lastSignalAt             time.Time
	lastPrice                float64
	lastPriceAt              time.Time
	rebuy                    *rebuyPlan
	startedAt                time.Time
}

// Options 引擎依赖
type Options struct {
	Config   *config.Config
	TokenID  string
	Executor exchange.Executor
	Prices   exchange.PriceSource
	Settle   *settlement.Tracker
	Breaker  *risk.CircuitBreaker
	Store    persistence.Store
	Journal  *journal.Journal
	Limiter  ratelimit.RateLimiter
}

// New 创建引擎
func New(opts Options) *Engine {
	cfg := opts.Config
	return &Engine{
		cfg:      cfg,
		tokenID:  opts.TokenID,
		executor: opts.Executor,
		prices:   opts.Prices,
		settle:   opts.Settle,
		targets:  target.NewTracker(),
		detector: spike.NewDetector(cfg.SpikeWindowsSeconds(), cfg.Spike.UseVolatilityFilter, cfg.Spike.MaxVolatilityCV),
		exits: risk.NewExitEvaluator(risk.ExitConfig{
			TakeProfitPct:  cfg.Trading.TakeProfitPct,
			StopLossPct:    cfg.Trading.StopLossPct,
			MaxHoldSeconds: cfg.Trading.MaxHoldSeconds,
		}),
		breaker: opts.Breaker,
		store:   opts.Store,
		jour:    opts.Journal,
		limiter: opts.Limiter,
		events:  make(chan event, eventBufferSize),
		buf:     history.NewBuffer(cfg.Spike.HistorySize),
	}
}

// OnTick 行情回调，绝不阻塞
// 通道满时只牺牲行情事件：队头是 tick 则丢弃它腾位，
// 是结算或命令事件则放回并丢弃本次 tick，丢弃数计入 droppedTicks
func (e *Engine) OnTick(t feed.Tick) {
	if t.TokenID != "" && t.TokenID != e.tokenID {
		return
	}
	ev := event{kind: tickEvent, tick: t}
	select {
	case e.events <- ev:
		return
	default:
	}
	select {
	case old := <-e.events:
		if old.kind != tickEvent {
			// 结算/命令事件不能丢，放回队尾，丢弃本次 tick
			select {
			case e.events <- old:
			default:
			}
			e.droppedTicks.Add(1)
			return
		}
		e.droppedTicks.Add(1)
	default:
	}
	select {
	case e.events <- ev:
	default:
		e.droppedTicks.Add(1)
	}
}

// DroppedTicks 因通道拥塞丢弃的事件数
func (e *Engine) DroppedTicks() int64 {
	return e.droppedTicks.Load()
}

// Close 手动平仓（阻塞等待结果）
func (e *Engine) Close(ctx context.Context) error {
	return e.sendCommand(ctx, "close")
}

// Halt 暂停交易
func (e *Engine) Halt(ctx context.Context) error {
	return e.sendCommand(ctx, "halt")
}

// Resume 恢复交易
func (e *Engine) Resume(ctx context.Context) error {
	return e.sendCommand(ctx, "resume")
}

func (e *Engine) sendCommand(ctx context.Context, name string) error {
	reply := make(chan error, 1)
	select {
	case e.events <- event{kind: commandEvent, cmd: command{name: name, reply: reply}}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run 决策主循环，ctx 取消后保存状态并返回
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	e.startedAt = time.Now().UTC()
	e.mu.Unlock()

	e.loadState()
	e.resumePendingSettlement(ctx)

	ticker := time.NewTicker(controlInterval)
	defer ticker.Stop()
	lastStatusLog := time.Now()

	log.Infof("🚀 决策引擎启动: %s", e.cfg.String())

	for {
		select {
		case <-ctx.Done():
			e.saveState()
			log.Info("决策引擎已停止")
			return ctx.Err()

		case ev := <-e.events:
			switch ev.kind {
			case tickEvent:
				e.handlePrice(ctx, ev.tick.Price, ev.tick.At, true)
			case settledEvent:
				e.handleSettled(ev.orderID)
			case commandEvent:
				ev.cmd.reply <- e.handleCommand(ctx, ev.cmd.name)
			}

		case <-ticker.C:
			e.controlTick(ctx)
			if time.Since(lastStatusLog) >= statusLogInterval {
				e.logStatus()
				lastStatusLog = time.Now()
			}
		}
	}
}

// controlTick 控制循环：行情陈旧时 REST 兜底轮询，并重查风控与到期回购
func (e *Engine) controlTick(ctx context.Context) {
	e.mu.Lock()
	stale := e.lastPriceAt.IsZero() || time.Since(e.lastPriceAt) > backupPollAfter
	lastPrice := e.lastPrice
	e.mu.Unlock()

	if stale && e.prices != nil {
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return
			}
		}
		price, err := e.prices.Price(ctx, e.tokenID)
		if err != nil {
			log.Debugf("REST 兜底取价失败: %v", err)
		} else if price > 0 {
			e.handlePrice(ctx, price, time.Now().UTC(), true)
			return
		}
	}

	// 没有新价格也要重查风控（时间出场依赖墙钟）与到期回购
	if lastPrice > 0 {
		e.handlePrice(ctx, lastPrice, time.Now().UTC(), false)
	}
}

func (e *Engine) handleCommand(ctx context.Context, name string) error {
	switch name {
	case "close":
		e.mu.Lock()
		pos := e.position
		price := e.lastPrice
		e.mu.Unlock()
		if pos == nil {
			return errors.New("no open position")
		}
		if price <= 0 {
			price = pos.EntryPrice
		}
		return e.executeExit(ctx, price, "manual_close")
	case "halt":
		e.breaker.Halt()
		e.journalActivity(ctx, "halt", "trading halted by operator")
		return nil
	case "resume":
		e.breaker.Resume()
		e.journalActivity(ctx, "resume", "trading resumed by operator")
		return nil
	}
	return errors.Errorf("unknown command %q", name)
}

func (e *Engine) handleSettled(orderID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.position != nil && e.position.EntryOrderID == orderID && e.position.PendingSettlement {
		e.position.PendingSettlement = false
		log.Infof("✅ 持仓入场订单已结算: %s", orderID)
		e.saveStateLocked()
	}
}

func (e *Engine) journalActivity(ctx context.Context, kind, msg string) {
	if e.jour != nil {
		e.jour.RecordActivity(ctx, kind, msg)
	}
}

func (e *Engine) logStatus() {
	e.mu.Lock()
	defer e.mu.Unlock()

	posDesc := "flat"
	if e.position != nil {
		pnl := e.position.CalculatePnL(e.lastPrice)
		posDesc = fmt.Sprintf("%s entry=%.4f pnl=%+.2f%% pending=%v",
			e.position.Side, e.position.EntryPrice, pnl.Pct, e.position.PendingSettlement)
	}
	tgtDesc := "none"
	if t := e.targets.Current(); t != nil {
		tgtDesc = fmt.Sprintf("%s %s %.4f", t.Action, t.Condition, t.Price)
	}
	log.Infof("📊 状态: price=%.4f pos=[%s] target=[%s] trades=%d pnl=%.2f dropped=%d halted=%v",
		e.lastPrice, posDesc, tgtDesc, e.totalTrades, e.realizedPnL, e.droppedTicks.Load(), e.breaker.Halted())
}
