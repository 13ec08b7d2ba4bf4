package handlers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stepClock struct{ now time.Time }

func (c *stepClock) Now() time.Time { return c.now }

func TestRateLimiter_BurstThenRefill(t *testing.T) {
	clock := &stepClock{now: time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)}
	rl := NewRateLimiter(RateLimitConfig{RequestsPerMinute: 60, BurstSize: 2, Now: clock.Now})
	require.NotNil(t, rl)

	ok, _ := rl.Allow("10.0.0.1")
	assert.True(t, ok)
	ok, _ = rl.Allow("10.0.0.1")
	assert.True(t, ok)

	ok, wait := rl.Allow("10.0.0.1")
	assert.False(t, ok)
	assert.InDelta(t, float64(time.Second), float64(wait), float64(10*time.Millisecond))

	ok, _ = rl.Allow("10.0.0.2")
	assert.True(t, ok, "buckets are per client")

	clock.now = clock.now.Add(time.Second)
	ok, _ = rl.Allow("10.0.0.1")
	assert.True(t, ok)
}

func TestRateLimiter_SweepsIdleBuckets(t *testing.T) {
	clock := &stepClock{now: time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)}
	rl := NewRateLimiter(RateLimitConfig{RequestsPerMinute: 10, IdleTTL: time.Minute, Now: clock.Now})

	rl.Allow("a")
	rl.Allow("b")
	assert.Equal(t, 2, rl.Len())

	clock.now = clock.now.Add(2 * time.Minute)
	rl.Allow("c")
	assert.Equal(t, 1, rl.Len())
}

func TestRateLimiter_Disabled(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{})
	assert.Nil(t, rl)

	for i := 0; i < 100; i++ {
		ok, _ := rl.Allow("x")
		assert.True(t, ok)
	}
	assert.Zero(t, rl.Len())
}
