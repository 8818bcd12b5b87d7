// Package spike 实现多时间窗口的价格异动检测
package spike

import (
	"fmt"
	"math"
	"time"

	"github.com/spikebot/gospike/internal/history"
)

const (
	// minTotalSamples 历史样本不足此数时不做检测
	minTotalSamples = 5
	// minWindowSamples 单窗口样本不足此数时跳过该窗口
	minWindowSamples = 3
	// volatilitySampleLimit 波动率计算最多取最近多少个样本
	volatilitySampleLimit = 100
)

// Stats 一次检测的派生统计（临时数据，不持久化）
type Stats struct {
	SpikePct           float64 // 最大异动幅度（带符号）
	WindowSeconds      int     // 产生最大异动的窗口（秒），0 表示无
	VolatilityCV       float64 // 变异系数（stdev/mean*100）
	VolatilityFiltered bool    // 是否被波动率过滤器否决
	VolatilityReason   string  // 过滤原因（人类可读）
	HistoryCount       int     // 检测时的历史样本数
	Reason             string  // 未检测的原因（insufficient_history 等）
}

// Detector 多窗口异动检测器
// 无状态求值器：对外部传入的历史缓冲区做纯计算
type Detector struct {
	WindowsSeconds      []int   // 窗口长度列表（秒），按配置顺序检查
	UseVolatilityFilter bool    // 是否启用波动率过滤
	MaxVolatilityCV     float64 // 波动率 CV 上限（百分比）
}

// NewDetector 创建检测器
func NewDetector(windowsSeconds []int, useVolFilter bool, maxVolatilityCV float64) *Detector {
	return &Detector{
		WindowsSeconds:      windowsSeconds,
		UseVolatilityFilter: useVolFilter,
		MaxVolatilityCV:     maxVolatilityCV,
	}
}

// Detect 计算当前价格相对各窗口的最大异动幅度
//
// 算法：
//  1. 每个窗口取基线 = 窗口内最早样本价，change = (current-baseline)/baseline*100
//  2. 同时计算窗口内峰谷幅度 cumulative = (max-min)/min*100（正幅度）
//  3. 以 |值| 最大者胜出，保留符号与窗口；相同幅度时先检查的窗口胜出
//  4. 最近 <=100 个样本计算波动率 CV，启用过滤时超限则标记 VolatilityFiltered
func (d *Detector) Detect(currentPrice float64, now time.Time, buf *history.Buffer) (float64, Stats) {
	stats := Stats{HistoryCount: buf.Len()}

	if buf.Len() < minTotalSamples {
		stats.Reason = "insufficient_history"
		return 0, stats
	}

	var maxSpike float64
	bestWindow := 0

	for _, windowSec := range d.WindowsSeconds {
		window := buf.Window(now, time.Duration(windowSec)*time.Second)

		// 过滤无效价格
		valid := make([]history.PriceSample, 0, len(window))
		for _, s := range window {
			if s.Price > 0 {
				valid = append(valid, s)
			}
		}
		if len(valid) < minWindowSamples {
			continue
		}

		// 基线 = 窗口内最早价格
		baseline := valid[0].Price
		changePct := (currentPrice - baseline) / baseline * 100

		if math.Abs(changePct) > math.Abs(maxSpike) {
			maxSpike = changePct
			bestWindow = windowSec
		}

		// 峰谷累计幅度（正值）
		minP, maxP := valid[0].Price, valid[0].Price
		for _, s := range valid[1:] {
			if s.Price < minP {
				minP = s.Price
			}
			if s.Price > maxP {
				maxP = s.Price
			}
		}
		if minP > 0 {
			cumulative := (maxP - minP) / minP * 100
			if math.Abs(cumulative) > math.Abs(maxSpike) {
				maxSpike = cumulative
				bestWindow = windowSec
			}
		}
	}

	stats.SpikePct = maxSpike
	stats.WindowSeconds = bestWindow
	stats.VolatilityCV = volatilityCV(buf.Recent(volatilitySampleLimit))

	if d.UseVolatilityFilter && stats.VolatilityCV > d.MaxVolatilityCV {
		stats.VolatilityFiltered = true
		stats.VolatilityReason = fmt.Sprintf("CV=%.2f%% > %.2f%%", stats.VolatilityCV, d.MaxVolatilityCV)
	}

	return maxSpike, stats
}

// volatilityCV 变异系数 = stdev/mean*100，只统计 price>0 的样本
// 有效样本不足 2 个时返回 0
func volatilityCV(samples []history.PriceSample) float64 {
	prices := make([]float64, 0, len(samples))
	for _, s := range samples {
		if s.Price > 0 {
			prices = append(prices, s.Price)
		}
	}
	if len(prices) < 2 {
		return 0
	}

	var sum float64
	for _, p := range prices {
		sum += p
	}
	mean := sum / float64(len(prices))
	if mean <= 0 {
		return 0
	}

	// 样本标准差（除以 n-1）
	var sq float64
	for _, p := range prices {
		d := p - mean
		sq += d * d
	}
	stdev := math.Sqrt(sq / float64(len(prices)-1))

	return stdev / mean * 100
}
