// Package settlement 跟踪订单链上结算状态
package settlement

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("module", "settlement")

// maxSettledRetain 已结算记录保留上限，防止长会话内存膨胀
const maxSettledRetain = 500

// Result 一次结算等待的结果
type Result struct {
	OrderID  string
	Settled  bool // 始终为 true，除非等待被取消
	ViaPush  bool // true=收到推送确认，false=超时后假定成功
	Duration time.Duration
}

// Tracker 订单结算跟踪器
//
// 两条确认路径：
//   - 推送路径：用户频道 websocket 收到成交确认后调用 Confirm
//   - 兜底路径：Await 超时后假定结算成功（软超时，接受误判风险）
//
// Confirm 幂等，先于 Register 到达的确认也会被记住
type Tracker struct {
	mu      sync.Mutex
	waiters map[string]chan struct{}
	settled map[string]time.Time
	order   []string // settled 的插入顺序，用于淘汰
}

// NewTracker 创建跟踪器
func NewTracker() *Tracker {
	return &Tracker{
		waiters: make(map[string]chan struct{}),
		settled: make(map[string]time.Time),
	}
}

// Register 登记待结算订单，返回确认信号通道
// 若订单已被确认（推送先到），返回已关闭的通道
func (t *Tracker) Register(orderID string) <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.settled[orderID]; ok {
		ch := make(chan struct{})
		close(ch)
		return ch
	}

	if ch, ok := t.waiters[orderID]; ok {
		return ch
	}
	ch := make(chan struct{})
	t.waiters[orderID] = ch
	return ch
}

// Confirm 标记订单已结算（推送路径）。幂等，可先于 Register 调用。
func (t *Tracker) Confirm(orderID string) {
	if orderID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.settled[orderID]; ok {
		return
	}
	t.markSettledLocked(orderID)

	if ch, ok := t.waiters[orderID]; ok {
		close(ch)
		delete(t.waiters, orderID)
	}
	log.Infof("📬 收到结算确认: order=%s", orderID)
}

// IsSettled 查询订单是否已确认结算
func (t *Tracker) IsSettled(orderID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.settled[orderID]
	return ok
}

// Await 等待订单结算，超时后假定成功（软超时）
// 仅当 ctx 取消时返回 Settled=false
func (t *Tracker) Await(ctx context.Context, orderID string, timeout time.Duration) Result {
	start := time.Now()
	ch := t.Register(orderID)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ch:
		return Result{OrderID: orderID, Settled: true, ViaPush: true, Duration: time.Since(start)}
	case <-timer.C:
		// 兜底：超时视为结算成功，避免推送缺失时永久卡死
		log.Warnf("⏰ 结算确认超时 %.0fs，假定已结算: order=%s", timeout.Seconds(), orderID)
		t.mu.Lock()
		if _, ok := t.settled[orderID]; !ok {
			t.markSettledLocked(orderID)
		}
		delete(t.waiters, orderID)
		t.mu.Unlock()
		return Result{OrderID: orderID, Settled: true, ViaPush: false, Duration: time.Since(start)}
	case <-ctx.Done():
		t.mu.Lock()
		delete(t.waiters, orderID)
		t.mu.Unlock()
		return Result{OrderID: orderID, Settled: false, Duration: time.Since(start)}
	}
}

func (t *Tracker) markSettledLocked(orderID string) {
	t.settled[orderID] = time.Now().UTC()
	t.order = append(t.order, orderID)
	if len(t.order) > maxSettledRetain {
		evict := t.order[0]
		t.order = t.order[1:]
		delete(t.settled, evict)
	}
}
