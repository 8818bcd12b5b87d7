// Package history 提供价格历史缓冲区
package history

import (
	"time"
)

// PriceSample 价格样本（不可变）
type PriceSample struct {
	Timestamp time.Time
	Price     float64
}

// Buffer 有界、按时间升序的价格样本缓冲区
// append 摊还 O(1)，超出容量时淘汰最旧样本
// 非并发安全：由持有者（engine）在锁内使用
type Buffer struct {
	samples []PriceSample
	maxSize int
}

// NewBuffer 创建缓冲区，maxSize <= 0 时使用默认值 3600
func NewBuffer(maxSize int) *Buffer {
	if maxSize <= 0 {
		maxSize = 3600
	}
	return &Buffer{
		samples: make([]PriceSample, 0, maxSize),
		maxSize: maxSize,
	}
}

// Append 追加样本，超出容量时淘汰最旧样本
func (b *Buffer) Append(s PriceSample) {
	b.samples = append(b.samples, s)
	if len(b.samples) > b.maxSize {
		// 只会超出 1 个，copy 保持底层数组复用
		copy(b.samples, b.samples[1:])
		b.samples = b.samples[:b.maxSize]
	}
}

// Len 当前样本数
func (b *Buffer) Len() int {
	return len(b.samples)
}

// Last 最新样本
func (b *Buffer) Last() (PriceSample, bool) {
	if len(b.samples) == 0 {
		return PriceSample{}, false
	}
	return b.samples[len(b.samples)-1], true
}

// Window 返回 timestamp >= now-window 的样本（升序切片视图，每次调用重新计算）
// 返回的切片与内部存储共享底层数组，调用者不得修改
func (b *Buffer) Window(now time.Time, window time.Duration) []PriceSample {
	cutoff := now.Add(-window)
	// 样本按时间升序，从尾部向前找第一个早于 cutoff 的位置
	i := len(b.samples)
	for i > 0 && !b.samples[i-1].Timestamp.Before(cutoff) {
		i--
	}
	return b.samples[i:]
}

// Recent 返回最后 k 个样本（k 大于样本数时返回全部）
func (b *Buffer) Recent(k int) []PriceSample {
	if k <= 0 {
		return nil
	}
	if k > len(b.samples) {
		k = len(b.samples)
	}
	return b.samples[len(b.samples)-k:]
}
