package spike

import (
	"math"
	"testing"
	"testing/quick"
	"time"

	"github.com/spikebot/gospike/internal/history"
)

// 任意正价格的平坦序列，异动幅度恒为 0
func TestFlatSeriesAlwaysZero(t *testing.T) {
	base := time.Now().UTC()
	d := NewDetector([]int{60, 300}, false, 0)

	property := func(raw uint16, n uint8) bool {
		price := 0.01 + float64(raw)/float64(math.MaxUint16)*0.98
		count := 5 + int(n)%20
		buf := history.NewBuffer(count)
		for i := 0; i < count; i++ {
			buf.Append(history.PriceSample{
				Timestamp: base.Add(time.Duration(i) * time.Second),
				Price:     price,
			})
		}
		spikePct, stats := d.Detect(price, base.Add(time.Duration(count)*time.Second), buf)
		return spikePct == 0 && !stats.VolatilityFiltered
	}
	if err := quick.Check(property, nil); err != nil {
		t.Error(err)
	}
}

// 缓冲区长度永不超过容量
func TestBufferBoundedProperty(t *testing.T) {
	base := time.Now().UTC()

	property := func(appends uint8) bool {
		buf := history.NewBuffer(10)
		for i := 0; i < int(appends); i++ {
			buf.Append(history.PriceSample{
				Timestamp: base.Add(time.Duration(i) * time.Second),
				Price:     0.5,
			})
		}
		return buf.Len() <= 10
	}
	if err := quick.Check(property, nil); err != nil {
		t.Error(err)
	}
}
