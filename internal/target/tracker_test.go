package target

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spikebot/gospike/internal/domain"
)

func TestTrackerSetAndCheck(t *testing.T) {
	tr := NewTracker()
	tr.Set(domain.NewTradeTarget(0.60, domain.SideSell, domain.ConditionGTE, 0.58, "after_buy"))

	assert.Nil(t, tr.Check(0.59))
	require.NotNil(t, tr.Current())

	hit := tr.Check(0.61)
	require.NotNil(t, hit)
	assert.True(t, hit.Triggered)
	assert.Nil(t, tr.Current())

	// 触发后归档
	archived := tr.Archived()
	require.Len(t, archived, 1)
	assert.Equal(t, hit.ID, archived[0].ID)

	set, hitCount := tr.Counters()
	assert.EqualValues(t, 1, set)
	assert.EqualValues(t, 1, hitCount)
}

func TestTrackerReplaceArchivesOld(t *testing.T) {
	tr := NewTracker()
	first := domain.NewTradeTarget(0.60, domain.SideSell, domain.ConditionGTE, 0.58, "after_buy")
	second := domain.NewTradeTarget(0.55, domain.SideSell, domain.ConditionGTE, 0.53, "after_buy")

	tr.Set(first)
	tr.Set(second)

	assert.Equal(t, second.ID, tr.Current().ID)
	archived := tr.Archived()
	require.Len(t, archived, 1)
	assert.Equal(t, first.ID, archived[0].ID)
	assert.False(t, archived[0].Triggered)
}

func TestTrackerClearAndRestore(t *testing.T) {
	tr := NewTracker()
	tgt := domain.NewTradeTarget(0.90, domain.SideBuy, domain.ConditionLTE, 1.0, "after_sell")

	tr.Set(tgt)
	tr.Clear()
	assert.Nil(t, tr.Current())

	tr.Restore(tgt)
	require.NotNil(t, tr.Current())
	set, _ := tr.Counters()
	assert.EqualValues(t, 1, set) // Restore 不计入设置数
}
