package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TargetCondition 目标触发条件
type TargetCondition string

const (
	// ConditionGTE 当前价 >= 目标价时触发（卖出目标）
	ConditionGTE TargetCondition = ">="
	// ConditionLTE 当前价 <= 目标价时触发（买入目标）
	ConditionLTE TargetCondition = "<="
)

// TradeTarget 保存的目标价（train of trade 的一节车厢）
// Triggered 只会从 false 单调变为 true，触发后归档、不再修改
type TradeTarget struct {
	ID        string          `json:"id"`
	Price     float64         `json:"price"`      // 目标价
	Action    Side            `json:"action"`     // 触发后执行的动作
	Condition TargetCondition `json:"condition"`  // 触发条件
	SetAt     time.Time       `json:"set_at"`     // 设置时间
	BasePrice float64         `json:"base_price"` // 设置时的基准价
	Reason    string          `json:"reason"`     // 设置原因（after_buy / after_sell / startup）
	Triggered bool            `json:"triggered"`
}

// NewTradeTarget 创建目标价
func NewTradeTarget(price float64, action Side, cond TargetCondition, basePrice float64, reason string) *TradeTarget {
	return &TradeTarget{
		ID:        fmt.Sprintf("tgt_%s", uuid.NewString()[:8]),
		Price:     price,
		Action:    action,
		Condition: cond,
		SetAt:     time.Now().UTC(),
		BasePrice: basePrice,
		Reason:    reason,
	}
}

// IsTriggeredBy 判断当前价是否满足触发条件（不修改状态）
func (t *TradeTarget) IsTriggeredBy(currentPrice float64) bool {
	if t == nil || t.Triggered {
		return false
	}
	switch t.Condition {
	case ConditionGTE:
		return currentPrice >= t.Price
	case ConditionLTE:
		return currentPrice <= t.Price
	}
	return false
}

// DistancePct 距目标的百分比距离（以当前价为基准）
func (t *TradeTarget) DistancePct(currentPrice float64) float64 {
	if t == nil || currentPrice == 0 {
		return 0
	}
	return (t.Price - currentPrice) / currentPrice * 100
}
