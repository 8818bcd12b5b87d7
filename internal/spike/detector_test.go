package spike

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spikebot/gospike/internal/history"
)

func fillBuffer(base time.Time, step time.Duration, prices []float64) *history.Buffer {
	buf := history.NewBuffer(len(prices))
	for i, p := range prices {
		buf.Append(history.PriceSample{Timestamp: base.Add(time.Duration(i) * step), Price: p})
	}
	return buf
}

func TestDetectFlatSeries(t *testing.T) {
	base := time.Now().UTC()
	buf := fillBuffer(base, 5*time.Second, []float64{0.5, 0.5, 0.5, 0.5, 0.5, 0.5})
	d := NewDetector([]int{60}, false, 0)

	spikePct, stats := d.Detect(0.5, base.Add(30*time.Second), buf)
	assert.Zero(t, spikePct)
	assert.Empty(t, stats.Reason)
}

func TestDetectFivePercentJump(t *testing.T) {
	base := time.Now().UTC()
	buf := fillBuffer(base, 5*time.Second, []float64{0.50, 0.50, 0.50, 0.50, 0.50, 0.525})
	d := NewDetector([]int{60}, false, 0)

	spikePct, stats := d.Detect(0.525, base.Add(25*time.Second), buf)
	assert.InDelta(t, 5.0, spikePct, 0.01)
	assert.Equal(t, 60, stats.WindowSeconds)
}

func TestDetectInsufficientHistory(t *testing.T) {
	base := time.Now().UTC()
	buf := fillBuffer(base, time.Second, []float64{0.5, 0.5, 0.5})
	d := NewDetector([]int{60}, false, 0)

	spikePct, stats := d.Detect(0.6, base, buf)
	assert.Zero(t, spikePct)
	assert.Equal(t, "insufficient_history", stats.Reason)
	assert.Equal(t, 3, stats.HistoryCount)
}

// 场景：0.50 -> 0.53 的爬升在 60 秒窗口内超过 +3%
func TestDetectGradualClimb(t *testing.T) {
	base := time.Now().UTC()
	prices := []float64{0.50, 0.50, 0.50, 0.51, 0.52, 0.53}
	buf := fillBuffer(base, 5*time.Second, prices)
	d := NewDetector([]int{60, 120, 300}, false, 0)

	spikePct, stats := d.Detect(0.53, base.Add(25*time.Second), buf)
	require.GreaterOrEqual(t, spikePct, 3.0)
	assert.InDelta(t, 6.0, spikePct, 0.01)
	assert.Equal(t, 60, stats.WindowSeconds)
}

func TestDetectDownwardSpikeKeepsSign(t *testing.T) {
	base := time.Now().UTC()
	buf := fillBuffer(base, 5*time.Second, []float64{0.50, 0.50, 0.50, 0.49, 0.47, 0.45})
	d := NewDetector([]int{60}, false, 0)

	spikePct, _ := d.Detect(0.45, base.Add(25*time.Second), buf)
	// 基线变化 -10%，峰谷幅度 +11.1% 更大，以幅度较大者为准
	assert.InDelta(t, 11.11, spikePct, 0.05)
}

func TestVolatilityFilter(t *testing.T) {
	base := time.Now().UTC()
	// 剧烈震荡的序列，CV 远超阈值
	prices := []float64{0.30, 0.70, 0.30, 0.70, 0.30, 0.70, 0.30, 0.70}
	buf := fillBuffer(base, 5*time.Second, prices)
	d := NewDetector([]int{60}, true, 10.0)

	_, stats := d.Detect(0.70, base.Add(35*time.Second), buf)
	assert.True(t, stats.VolatilityFiltered)
	assert.Contains(t, stats.VolatilityReason, "CV=")
	assert.Greater(t, stats.VolatilityCV, 10.0)

	// 关闭过滤器时只报告不否决
	d2 := NewDetector([]int{60}, false, 10.0)
	_, stats2 := d2.Detect(0.70, base.Add(35*time.Second), buf)
	assert.False(t, stats2.VolatilityFiltered)
	assert.Greater(t, stats2.VolatilityCV, 10.0)
}

func TestVolatilityCVStable(t *testing.T) {
	samples := []history.PriceSample{
		{Price: 0.50}, {Price: 0.50}, {Price: 0.50}, {Price: 0.50},
	}
	assert.Zero(t, volatilityCV(samples))

	// 无效价格被剔除
	assert.Zero(t, volatilityCV([]history.PriceSample{{Price: 0}, {Price: 0.5}}))
}
