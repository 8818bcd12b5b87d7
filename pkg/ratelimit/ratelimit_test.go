package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenBucketExhaustion(t *testing.T) {
	tb := NewTokenBucket(3, 1)

	for i := 0; i < 3; i++ {
		assert.True(t, tb.Allow(), "request %d", i)
	}
	assert.False(t, tb.Allow())
	assert.Equal(t, 0, tb.GetRemaining())
}

func TestTokenBucketRefill(t *testing.T) {
	tb := NewTokenBucket(2, 100)
	tb.Allow()
	tb.Allow()
	require.False(t, tb.Allow())

	time.Sleep(1100 * time.Millisecond)
	assert.True(t, tb.Allow())
}

func TestSlidingWindowLimit(t *testing.T) {
	sw := NewSlidingWindow(2, time.Minute)

	assert.True(t, sw.Allow())
	assert.True(t, sw.Allow())
	assert.False(t, sw.Allow())
	assert.Equal(t, 0, sw.GetRemaining())
}

func TestSlidingWindowEviction(t *testing.T) {
	sw := NewSlidingWindow(1, 50*time.Millisecond)

	require.True(t, sw.Allow())
	require.False(t, sw.Allow())

	time.Sleep(60 * time.Millisecond)
	assert.True(t, sw.Allow())
}

func TestWaitRespectsContext(t *testing.T) {
	sw := NewSlidingWindow(1, time.Minute)
	require.True(t, sw.Allow())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, sw.Wait(ctx), context.DeadlineExceeded)
}
