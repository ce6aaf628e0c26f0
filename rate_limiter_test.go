package framepipe

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNegotiateRateLimitStrategy(t *testing.T) {
	fps := 30.0
	assert.Equal(t, NoLimit, NegotiateRateLimitStrategy(nil, false))
	assert.Equal(t, NoLimit, NegotiateRateLimitStrategy(nil, true))
	assert.Equal(t, Strict, NegotiateRateLimitStrategy(&fps, true))
	assert.Equal(t, Adaptive, NegotiateRateLimitStrategy(&fps, false))
}

func TestRateLimiter_NoLimitNeverBlocks(t *testing.T) {
	rl := NewRateLimiter(NoLimit, nil)
	for i := 0; i < 100; i++ {
		assert.True(t, rl.AllowEmit(context.Background()))
	}
}

func TestRateLimiter_AdaptiveDropsInsteadOfBlocking(t *testing.T) {
	fps := 1.0
	rl := NewRateLimiter(Adaptive, &fps)
	assert.True(t, rl.AllowEmit(context.Background()))
	// immediately calling again should exceed the 1 token/sec budget and
	// report false rather than sleeping.
	assert.False(t, rl.AllowEmit(context.Background()))
}

func TestRateLimiter_StrictBlocksUntilIntervalElapses(t *testing.T) {
	fps := 1000.0 // 1ms interval, keeps the test fast
	rl := NewRateLimiter(Strict, &fps)
	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 5; i++ {
		assert.True(t, rl.AllowEmit(ctx))
	}
	// burst 1: the first call is free, the next four each wait ~1ms.
	assert.GreaterOrEqual(t, time.Since(start), 3*time.Millisecond)
}
