package framepipe

import (
	"context"
	"sort"
	"time"
)

// noFrameBackoff bounds how long the Multiplexer parks waiting for any
// source to signal data-available, avoiding both busy-spin and an
// unbounded wait that would swallow a should_stop transition.
const noFrameBackoff = 20 * time.Millisecond

// MultiplexerConfig configures batch assembly.
type MultiplexerConfig struct {
	// BatchCollectionTimeout: once a batch has at least one frame, wait up
	// to this long for the remaining sources to contribute before emitting
	// the partial batch. Zero means emit as soon as the round-robin sweep
	// completes, however partial.
	BatchCollectionTimeout time.Duration
	MaxFPS                 *float64
}

// Multiplexer fairly interleaves N VideoSources into a single ordered
// sequence of frame batches, honoring a global FPS ceiling via RateLimiter.
type Multiplexer struct {
	sources     []*VideoSource
	cfg         MultiplexerConfig
	limiter     *RateLimiter
	rotateStart int
}

// NewMultiplexer builds a Multiplexer over the given sources. The rate
// limiter strategy is negotiated once at construction: unset MaxFPS means
// no limiting; otherwise any file source forces Strict, and all-live
// sources get Adaptive.
func NewMultiplexer(sources []*VideoSource, cfg MultiplexerConfig) *Multiplexer {
	anyFile := false
	for _, s := range sources {
		if s.DescribeSource().IsFile {
			anyFile = true
			break
		}
	}
	strategy := NegotiateRateLimitStrategy(cfg.MaxFPS, anyFile)
	return &Multiplexer{
		sources: sources,
		cfg:     cfg,
		limiter: NewRateLimiter(strategy, cfg.MaxFPS),
	}
}

// Strategy reports the negotiated RateLimitStrategy, mostly useful for
// status reporting/tests.
func (m *Multiplexer) Strategy() RateLimitStrategy { return m.limiter.Strategy() }

// Next blocks (respecting ctx and shouldStop) until either a non-empty
// batch is ready to emit, or termination is detected, in which case it
// returns (nil, false). Termination happens when every source has reached
// a terminal state (TERMINATED, or ENDED with an empty buffer) or
// shouldStop returns true.
//
// Algorithm:
//  1. round-robin sweep starting at a rotating index, one non-blocking read
//     attempt per source;
//  2. if partial and BatchCollectionTimeout is set, wait for stragglers;
//  3. if the batch would be empty, block (bounded) on any source's
//     data-available signal to avoid busy-spin;
//  4. apply the RateLimiter before yielding — Adaptive may drop the batch
//     entirely rather than delay.
func (m *Multiplexer) Next(ctx context.Context, shouldStop func() bool) ([]VideoFrame, bool) {
	for {
		if shouldStop != nil && shouldStop() {
			return nil, false
		}
		select {
		case <-ctx.Done():
			return nil, false
		default:
		}

		if m.allSourcesTerminal() {
			return nil, false
		}

		batch := m.sweepOnce()

		if len(batch) == 0 {
			m.waitForAnySource(ctx, shouldStop)
			continue
		}

		if m.cfg.BatchCollectionTimeout > 0 && len(batch) < m.activeSourceCount() {
			batch = m.collectStragglers(batch)
		}

		sortBySourceID(batch)

		if !m.limiter.AllowEmit(ctx) {
			// Adaptive strategy: drop this batch entirely, try again for
			// the next one rather than delaying delivery.
			continue
		}

		return batch, true
	}
}

// sweepOnce performs one round-robin pass over the sources, rotating the
// start index so no source can monopolize a batch over successive calls.
func (m *Multiplexer) sweepOnce() []VideoFrame {
	n := len(m.sources)
	if n == 0 {
		return nil
	}
	batch := make([]VideoFrame, 0, n)
	start := m.rotateStart
	m.rotateStart = (m.rotateStart + 1) % n

	for i := 0; i < n; i++ {
		src := m.sources[(start+i)%n]
		if src.State().terminal() {
			continue
		}
		if frame, ok := src.ReadFrame(); ok {
			batch = append(batch, frame)
		}
	}
	return batch
}

// collectStragglers waits up to BatchCollectionTimeout for sources not yet
// represented in batch to contribute, polling rather than a single sleep so
// a late contribution is picked up as soon as it's available.
func (m *Multiplexer) collectStragglers(batch []VideoFrame) []VideoFrame {
	deadline := time.Now().Add(m.cfg.BatchCollectionTimeout)
	present := make(map[int]bool, len(batch))
	for _, f := range batch {
		present[f.SourceID] = true
	}

	for time.Now().Before(deadline) {
		if len(batch) >= m.activeSourceCount() {
			return batch
		}
		progressed := false
		for _, src := range m.sources {
			if present[src.SourceID()] || src.State().terminal() {
				continue
			}
			if frame, ok := src.ReadFrame(); ok {
				batch = append(batch, frame)
				present[frame.SourceID] = true
				progressed = true
			}
		}
		if !progressed {
			time.Sleep(time.Millisecond)
		}
	}
	return batch
}

// waitForAnySource blocks (bounded by noFrameBackoff) until any source
// signals data-available or ctx is done. shouldStop is not polled during
// the wait; Next checks it again once the wait returns. Returns true if
// it woke due to a data-available signal (worth retrying the sweep
// immediately).
func (m *Multiplexer) waitForAnySource(ctx context.Context, shouldStop func() bool) bool {
	cases := make([]<-chan struct{}, 0, len(m.sources))
	for _, s := range m.sources {
		cases = append(cases, s.DataAvailable())
	}
	timer := time.NewTimer(noFrameBackoff)
	defer timer.Stop()

	return selectAny(ctx, timer.C, cases)
}

// activeSourceCount counts sources not yet in a terminal state.
func (m *Multiplexer) activeSourceCount() int {
	count := 0
	for _, s := range m.sources {
		if !s.State().terminal() {
			count++
		}
	}
	return count
}

// allSourcesTerminal reports the end-of-sequence condition: every source is
// TERMINATED, or ENDED with an empty buffer.
func (m *Multiplexer) allSourcesTerminal() bool {
	for _, s := range m.sources {
		state := s.State()
		if state == Terminated {
			continue
		}
		if state == Ended && s.bufferEmpty() {
			continue
		}
		return false
	}
	return true
}

func sortBySourceID(batch []VideoFrame) {
	sort.Slice(batch, func(i, j int) bool { return batch[i].SourceID < batch[j].SourceID })
}
