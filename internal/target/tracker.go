// Package target 管理 train of trade 的目标价
package target

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/spikebot/gospike/internal/domain"
)

var log = logrus.WithField("module", "target_tracker")

// maxArchive 归档保留上限，超出时丢弃最旧记录
const maxArchive = 200

// Tracker 持有单个待触发目标价
// 不变量：同一时刻至多一个未触发目标；已触发目标归档后不再修改
type Tracker struct {
	mu      sync.RWMutex
	current *domain.TradeTarget
	archive []*domain.TradeTarget

	targetsSet int64
	targetsHit int64
}

// NewTracker 创建跟踪器
func NewTracker() *Tracker {
	return &Tracker{}
}

// Set 设置新目标，替换（归档为未触发被取代的）现有目标
func (t *Tracker) Set(tgt *domain.TradeTarget) {
	if tgt == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.current != nil {
		// 被取代的目标直接归档（保持 Triggered=false）
		t.appendArchiveLocked(t.current)
	}
	t.current = tgt
	t.targetsSet++

	log.Infof("🎯 设置目标: %s %s %.4f (base=%.4f, reason=%s)",
		tgt.Action, tgt.Condition, tgt.Price, tgt.BasePrice, tgt.Reason)
}

// Current 当前未触发目标（可能为 nil）
func (t *Tracker) Current() *domain.TradeTarget {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.current
}

// Check 检查当前价是否触发目标
// 触发时将目标标记为 Triggered、归档并返回；未触发返回 nil
func (t *Tracker) Check(currentPrice float64) *domain.TradeTarget {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.current == nil || !t.current.IsTriggeredBy(currentPrice) {
		return nil
	}

	tgt := t.current
	tgt.Triggered = true
	t.current = nil
	t.appendArchiveLocked(tgt)
	t.targetsHit++

	log.Infof("✅ 目标触发: %s @ %.4f (target=%.4f %s)",
		tgt.Action, currentPrice, tgt.Price, tgt.Condition)
	return tgt
}

// Clear 清除当前目标（归档，不标记触发）
func (t *Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current != nil {
		t.appendArchiveLocked(t.current)
		t.current = nil
	}
}

// Restore 从持久化状态恢复目标（不计入 targetsSet）
func (t *Tracker) Restore(tgt *domain.TradeTarget) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current = tgt
}

// Archived 返回归档副本（新→旧）
func (t *Tracker) Archived() []*domain.TradeTarget {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*domain.TradeTarget, 0, len(t.archive))
	for i := len(t.archive) - 1; i >= 0; i-- {
		out = append(out, t.archive[i])
	}
	return out
}

// Counters 返回 (设置数, 触发数)
func (t *Tracker) Counters() (int64, int64) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.targetsSet, t.targetsHit
}

func (t *Tracker) appendArchiveLocked(tgt *domain.TradeTarget) {
	t.archive = append(t.archive, tgt)
	if len(t.archive) > maxArchive {
		t.archive = t.archive[len(t.archive)-maxArchive:]
	}
}
