package framepipe

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimitStrategy selects how the Multiplexer honors a max_fps ceiling.
type RateLimitStrategy uint8

const (
	// NoLimit applies no throttling at all: max_fps is unset.
	NoLimit RateLimitStrategy = iota
	// Strict sleeps to maintain an exact inter-batch interval. Applied when
	// any source is a file, since declared FPS must be honored exactly.
	Strict
	// Adaptive never sleeps; it drops the batch when it runs ahead of
	// max_fps rather than delaying. Applied when every source is a live,
	// over-provisioned stream.
	Adaptive
)

// NegotiateRateLimitStrategy picks a strategy: unset maxFPS disables
// limiting; any file source forces Strict; otherwise Adaptive.
func NegotiateRateLimitStrategy(maxFPS *float64, anyFileSource bool) RateLimitStrategy {
	if maxFPS == nil {
		return NoLimit
	}
	if anyFileSource {
		return Strict
	}
	return Adaptive
}

// RateLimiter gates batch emission to approximate max_fps, via one of two
// strategies negotiated at Multiplexer construction. Both strategies are
// backed by the same token-bucket limiter, ridden either with the blocking
// Wait (Strict) or the non-blocking Allow (Adaptive).
type RateLimiter struct {
	strategy RateLimitStrategy
	limiter  *rate.Limiter
}

// NewRateLimiter builds a limiter for the given strategy and max_fps. maxFPS
// is ignored (and may be nil) when strategy is NoLimit.
func NewRateLimiter(strategy RateLimitStrategy, maxFPS *float64) *RateLimiter {
	rl := &RateLimiter{strategy: strategy}
	if strategy != NoLimit && maxFPS != nil {
		rl.limiter = rate.NewLimiter(rate.Limit(*maxFPS), 1)
	}
	return rl
}

// Strategy reports the negotiated strategy.
func (rl *RateLimiter) Strategy() RateLimitStrategy { return rl.strategy }

// AllowEmit reports whether the current batch should be emitted now.
// Strict blocks (respecting ctx) until the interval elapses and always
// returns true unless ctx is canceled. Adaptive never blocks: it returns
// false to signal "drop this batch" when emitting would run ahead of the
// target rate. NoLimit always returns true immediately.
func (rl *RateLimiter) AllowEmit(ctx context.Context) bool {
	switch rl.strategy {
	case NoLimit:
		return true
	case Strict:
		if rl.limiter == nil {
			return true
		}
		return rl.limiter.Wait(ctx) == nil
	case Adaptive:
		if rl.limiter == nil {
			return true
		}
		return rl.limiter.Allow()
	default:
		return true
	}
}
