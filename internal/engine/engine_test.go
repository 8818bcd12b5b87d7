package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spikebot/gospike/internal/domain"
	"github.com/spikebot/gospike/internal/exchange"
	"github.com/spikebot/gospike/internal/feed"
	"github.com/spikebot/gospike/internal/risk"
	"github.com/spikebot/gospike/internal/settlement"
	"github.com/spikebot/gospike/pkg/config"
	"github.com/spikebot/gospike/pkg/persistence"
)

type fakeExecutor struct {
	mu           sync.Mutex
	orders       []exchange.MarketOrderRequest
	failWith     error
	n            int
	zeroTokenBal bool
}

func (f *fakeExecutor) PlaceMarketOrder(_ context.Context, req exchange.MarketOrderRequest) (*exchange.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	f.n++
	f.orders = append(f.orders, req)
	return &exchange.OrderResult{Success: true, OrderID: fmt.Sprintf("ord-%d", f.n)}, nil
}

func (f *fakeExecutor) Balance(context.Context) (float64, error) {
	return 1000, nil
}

func (f *fakeExecutor) TokenBalance(context.Context, string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.zeroTokenBal {
		return 0, nil
	}
	return 100, nil
}

func (f *fakeExecutor) sides() []domain.Side {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Side, 0, len(f.orders))
	for _, o := range f.orders {
		out = append(out, o.Side)
	}
	return out
}

func testConfig(mutate func(*config.Config)) *config.Config {
	cfg := config.Default()
	cfg.Market.TokenID = "tok-1"
	cfg.Trading.CooldownSeconds = 0
	cfg.Trading.SettlementDelaySeconds = 0
	cfg.Trading.RebuyDelaySeconds = 0
	cfg.Trading.BuyInitialInventory = false
	if mutate != nil {
		mutate(cfg)
	}
	return cfg
}

func newTestEngine(cfg *config.Config, ex *fakeExecutor) *Engine {
	return New(Options{
		Config:   cfg,
		TokenID:  cfg.Market.TokenID,
		Executor: ex,
		Settle:   settlement.NewTracker(),
		Breaker: risk.NewCircuitBreaker(risk.CircuitBreakerConfig{
			MaxTradesPerSession: cfg.Trading.MaxTradesPerSession,
			SessionLossLimitUSD: cfg.Trading.SessionLossLimitUSD,
		}),
	})
}

func openPosition(e *Engine, entry float64) {
	e.mu.Lock()
	e.position = &domain.Position{
		Side:       domain.SideBuy,
		EntryPrice: entry,
		EntryTime:  time.Now().UTC(),
		AmountUSD:  10,
	}
	e.initialInventoryAcquired = true
	e.mu.Unlock()
}

// 持仓从 0.50 涨到 0.53（+6%）触发止盈卖出
func TestTakeProfitIssuesSell(t *testing.T) {
	ctx := context.Background()
	ex := &fakeExecutor{}
	e := newTestEngine(testConfig(nil), ex)
	openPosition(e, 0.50)

	e.handlePrice(ctx, 0.53, time.Now().UTC(), true)

	require.Equal(t, []domain.Side{domain.SideSell}, ex.sides())
	st := e.Status()
	assert.Nil(t, st.Position)
	assert.Equal(t, 1, st.TotalTrades)
	assert.Equal(t, 1, st.WinningTrades)
	assert.InDelta(t, 0.6, st.RealizedPnL, 1e-9) // 10 USDC * 6%
}

// immediate 回购：出场一次后恰好一次买入，并挂出新的卖出目标
func TestImmediateRebuySequence(t *testing.T) {
	ctx := context.Background()
	ex := &fakeExecutor{}
	e := newTestEngine(testConfig(nil), ex)
	openPosition(e, 0.50)
	e.targets.Set(domain.NewTradeTarget(0.65, domain.SideSell, domain.ConditionGTE, 0.50, "after_buy"))

	now := time.Now().UTC()
	e.handlePrice(ctx, 0.65, now, true)
	require.Equal(t, []domain.Side{domain.SideSell}, ex.sides())

	// 回购在下一个 tick 执行，且只执行一次
	e.handlePrice(ctx, 0.64, now.Add(time.Second), true)
	require.Equal(t, []domain.Side{domain.SideSell, domain.SideBuy}, ex.sides())

	e.handlePrice(ctx, 0.64, now.Add(2*time.Second), true)
	assert.Len(t, ex.sides(), 2)

	tgt := e.targets.Current()
	require.NotNil(t, tgt)
	assert.Equal(t, domain.SideSell, tgt.Action)
	assert.Equal(t, domain.ConditionGTE, tgt.Condition)
	assert.InDelta(t, 0.64*1.03, tgt.Price, 1e-9)
}

// wait_for_drop 回购：1.00 出场后不立即买入，买入目标恰好 0.90
func TestWaitForDropSetsBuyTarget(t *testing.T) {
	ctx := context.Background()
	ex := &fakeExecutor{}
	cfg := testConfig(func(c *config.Config) {
		c.Trading.RebuyPolicy = "wait_for_drop"
		c.Trading.RebuyDropPct = 10
	})
	e := newTestEngine(cfg, ex)
	openPosition(e, 0.50)

	e.handlePrice(ctx, 1.00, time.Now().UTC(), true)

	require.Equal(t, []domain.Side{domain.SideSell}, ex.sides())
	tgt := e.targets.Current()
	require.NotNil(t, tgt)
	assert.Equal(t, domain.SideBuy, tgt.Action)
	assert.Equal(t, domain.ConditionLTE, tgt.Condition)
	assert.InDelta(t, 0.90, tgt.Price, 1e-12)
}

func TestAtMostOnePosition(t *testing.T) {
	ctx := context.Background()
	ex := &fakeExecutor{}
	e := newTestEngine(testConfig(nil), ex)

	require.NoError(t, e.executeEntry(ctx, 0.50, domain.SideBuy, "test"))
	require.NoError(t, e.executeEntry(ctx, 0.50, domain.SideBuy, "test"))

	assert.Len(t, ex.sides(), 1)
	assert.NotNil(t, e.Status().Position)
}

// 入场订单未结算时，止损反复触发也不会提交卖单
func TestExitGuardWhilePendingSettlement(t *testing.T) {
	ctx := context.Background()
	ex := &fakeExecutor{}
	e := newTestEngine(testConfig(nil), ex)
	openPosition(e, 0.50)
	e.mu.Lock()
	e.position.PendingSettlement = true
	e.position.EntryOrderID = "ord-entry"
	e.mu.Unlock()

	now := time.Now().UTC()
	for i := 0; i < 5; i++ {
		e.handlePrice(ctx, 0.40, now.Add(time.Duration(i)*time.Second), true)
	}
	assert.Empty(t, ex.sides())

	// 结算确认后出场放行
	e.handleSettled("ord-entry")
	e.handlePrice(ctx, 0.40, now.Add(10*time.Second), true)
	assert.Equal(t, []domain.Side{domain.SideSell}, ex.sides())
}

// 通道拥塞只牺牲行情事件，结算事件不丢
func TestCongestionPreservesSettledEvent(t *testing.T) {
	e := newTestEngine(testConfig(nil), &fakeExecutor{})

	e.events <- event{kind: settledEvent, orderID: "ord-entry"}
	for i := 0; i < eventBufferSize+10; i++ {
		e.OnTick(feed.Tick{TokenID: "tok-1", Price: 0.5, At: time.Now()})
	}

	found := false
	for len(e.events) > 0 {
		ev := <-e.events
		if ev.kind == settledEvent && ev.orderID == "ord-entry" {
			found = true
		}
	}
	assert.True(t, found, "settled event must survive tick congestion")
}

// 结算事件丢失时，出场前查询跟踪器兜底放行
func TestExitRecoversWhenSettledEventLost(t *testing.T) {
	ctx := context.Background()
	ex := &fakeExecutor{}
	e := newTestEngine(testConfig(nil), ex)
	openPosition(e, 0.50)
	e.mu.Lock()
	e.position.PendingSettlement = true
	e.position.EntryOrderID = "ord-entry"
	e.mu.Unlock()

	// 推送确认已记录，但 settledEvent 本身从未送达
	e.settle.Confirm("ord-entry")

	e.handlePrice(ctx, 0.40, time.Now().UTC(), true)
	require.Equal(t, []domain.Side{domain.SideSell}, ex.sides())
	assert.Nil(t, e.Status().Position)
}

// token 份额未入账时卖出出场延迟，入账后放行
func TestExitDeferredWhileTokenSharesZero(t *testing.T) {
	ctx := context.Background()
	ex := &fakeExecutor{zeroTokenBal: true}
	e := newTestEngine(testConfig(nil), ex)
	openPosition(e, 0.50)

	now := time.Now().UTC()
	e.handlePrice(ctx, 0.40, now, true)
	assert.Empty(t, ex.sides())
	require.NotNil(t, e.Status().Position)

	ex.mu.Lock()
	ex.zeroTokenBal = false
	ex.mu.Unlock()
	e.handlePrice(ctx, 0.40, now.Add(time.Second), true)
	assert.Equal(t, []domain.Side{domain.SideSell}, ex.sides())
}

// 入场失败时状态完全不变：不挂目标，不启动冷却
func TestEntryFailureLeavesStateUnchanged(t *testing.T) {
	ctx := context.Background()
	ex := &fakeExecutor{failWith: exchange.ErrInsufficientBalance}
	e := newTestEngine(testConfig(nil), ex)

	err := e.executeEntry(ctx, 0.50, domain.SideBuy, "test")
	require.Error(t, err)

	st := e.Status()
	assert.Nil(t, st.Position)
	assert.Nil(t, st.Target)
	assert.Equal(t, 0, st.TotalTrades)
	e.mu.Lock()
	assert.True(t, e.lastSignalAt.IsZero())
	assert.False(t, e.entryInFlight)
	e.mu.Unlock()

	// 故障恢复后可以正常入场
	ex.failWith = nil
	require.NoError(t, e.executeEntry(ctx, 0.50, domain.SideBuy, "test"))
	assert.NotNil(t, e.Status().Position)
}

// 启动时优先建仓，随后挂出止盈卖出目标
func TestInitialInventoryPriorityBuy(t *testing.T) {
	ctx := context.Background()
	ex := &fakeExecutor{}
	cfg := testConfig(func(c *config.Config) {
		c.Trading.BuyInitialInventory = true
	})
	e := newTestEngine(cfg, ex)

	e.handlePrice(ctx, 0.50, time.Now().UTC(), true)

	require.Equal(t, []domain.Side{domain.SideBuy}, ex.sides())
	st := e.Status()
	assert.True(t, st.InitialInventoryAcquired)
	require.NotNil(t, st.Target)
	assert.Equal(t, domain.SideSell, st.Target.Action)
	assert.InDelta(t, 0.50*1.03, st.Target.Price, 1e-9)
}

// fade 入场：上冲异动反向开空
func TestSpikeFadeShortEntry(t *testing.T) {
	ctx := context.Background()
	ex := &fakeExecutor{}
	cfg := testConfig(func(c *config.Config) {
		c.Trading.RebuyPolicy = "wait_for_drop"
		c.Trading.RebuyDropPct = 5
		c.Trading.SpikeThresholdPct = 8.0
	})
	e := newTestEngine(cfg, ex)
	e.mu.Lock()
	e.initialInventoryAcquired = true
	e.mu.Unlock()

	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		e.handlePrice(ctx, 0.50, base.Add(time.Duration(i*5)*time.Second), true)
	}
	require.Empty(t, ex.sides())

	// +12% 异动触发反向卖出
	e.handlePrice(ctx, 0.56, base.Add(25*time.Second), true)
	require.Equal(t, []domain.Side{domain.SideSell}, ex.sides())

	st := e.Status()
	require.NotNil(t, st.Position)
	assert.Equal(t, domain.SideSell, st.Position.Side)
	require.NotNil(t, st.Target)
	assert.Equal(t, domain.SideBuy, st.Target.Action)
	assert.Equal(t, domain.ConditionLTE, st.Target.Condition)
}

// 极端价格不入场
func TestExtremePriceFilterBlocksEntry(t *testing.T) {
	ctx := context.Background()
	ex := &fakeExecutor{}
	cfg := testConfig(func(c *config.Config) {
		c.Trading.BuyInitialInventory = true
	})
	e := newTestEngine(cfg, ex)

	e.handlePrice(ctx, 0.995, time.Now().UTC(), true)
	assert.Empty(t, ex.sides())

	e.handlePrice(ctx, 0.005, time.Now().UTC(), true)
	assert.Empty(t, ex.sides())
}

// 出场后的结算延迟窗口内不允许新入场
func TestSettlementDelayGatesEntry(t *testing.T) {
	cfg := testConfig(func(c *config.Config) {
		c.Trading.SettlementDelaySeconds = 2.0
	})
	e := newTestEngine(cfg, &fakeExecutor{})

	now := time.Now().UTC()
	e.mu.Lock()
	e.lastExitAt = now
	e.mu.Unlock()

	assert.False(t, e.entryGatesOpen(0.50, now.Add(time.Second), false))
	assert.True(t, e.entryGatesOpen(0.50, now.Add(3*time.Second), false))
}

func TestPersistenceRoundTrip(t *testing.T) {
	ctx := context.Background()
	svc := persistence.NewJSONFileService(t.TempDir())
	store := svc.NewStore("state", "tok-1", "engine")

	ex := &fakeExecutor{}
	cfg := testConfig(nil)
	e1 := newTestEngine(cfg, ex)
	e1.store = store

	require.NoError(t, e1.executeEntry(ctx, 0.50, domain.SideBuy, "test"))
	e1.mu.Lock()
	e1.realizedPnL = 1.5
	e1.totalTrades = 3
	e1.winningTrades = 2
	e1.mu.Unlock()
	e1.saveState()

	e2 := newTestEngine(cfg, &fakeExecutor{})
	e2.store = store
	e2.loadState()

	st := e2.Status()
	require.NotNil(t, st.Position)
	assert.Equal(t, e1.Status().Position.EntryOrderID, st.Position.EntryOrderID)
	assert.InDelta(t, 0.50, st.Position.EntryPrice, 1e-9)
	assert.InDelta(t, 1.5, st.RealizedPnL, 1e-9)
	assert.Equal(t, 3, st.TotalTrades)
	assert.Equal(t, 2, st.WinningTrades)
	assert.True(t, st.InitialInventoryAcquired)
	require.NotNil(t, st.Target)
	assert.Equal(t, e1.targets.Current().ID, st.Target.ID)
}

// 持久化状态属于其他市场时整份丢弃
func TestPersistenceInstrumentMismatchDiscarded(t *testing.T) {
	svc := persistence.NewJSONFileService(t.TempDir())
	store := svc.NewStore("state", "shared", "engine")

	e1 := newTestEngine(testConfig(nil), &fakeExecutor{})
	e1.store = store
	openPosition(e1, 0.50)
	e1.mu.Lock()
	e1.totalTrades = 7
	e1.mu.Unlock()
	e1.saveState()

	cfg2 := testConfig(func(c *config.Config) {
		c.Market.TokenID = "tok-2"
	})
	e2 := newTestEngine(cfg2, &fakeExecutor{})
	e2.store = store
	e2.loadState()

	st := e2.Status()
	assert.Nil(t, st.Position)
	assert.Equal(t, 0, st.TotalTrades)
	assert.False(t, st.InitialInventoryAcquired)
}

// 熔断状态跨重启保留
func TestHaltSurvivesRestart(t *testing.T) {
	svc := persistence.NewJSONFileService(t.TempDir())
	store := svc.NewStore("state", "tok-1", "engine")

	e1 := newTestEngine(testConfig(nil), &fakeExecutor{})
	e1.store = store
	e1.breaker.Halt()
	e1.saveState()

	e2 := newTestEngine(testConfig(nil), &fakeExecutor{})
	e2.store = store
	e2.loadState()
	assert.True(t, e2.Status().Halted)
}

// 事件通道拥塞时丢弃最旧事件并计数，OnTick 永不阻塞
func TestOnTickNeverBlocks(t *testing.T) {
	e := newTestEngine(testConfig(nil), &fakeExecutor{})

	for i := 0; i < eventBufferSize+10; i++ {
		e.OnTick(feed.Tick{TokenID: "tok-1", Price: 0.5, At: time.Now()})
	}
	assert.Positive(t, e.DroppedTicks())

	// 其他市场的 tick 直接忽略
	before := len(e.events)
	e.OnTick(feed.Tick{TokenID: "other", Price: 0.5, At: time.Now()})
	assert.Equal(t, before, len(e.events))
}

// 熔断后不再入场
func TestHaltBlocksEntry(t *testing.T) {
	ctx := context.Background()
	ex := &fakeExecutor{}
	cfg := testConfig(func(c *config.Config) {
		c.Trading.BuyInitialInventory = true
	})
	e := newTestEngine(cfg, ex)
	e.breaker.Halt()

	e.handlePrice(ctx, 0.50, time.Now().UTC(), true)
	assert.Empty(t, ex.sides())
	assert.True(t, e.Status().Halted)
}
