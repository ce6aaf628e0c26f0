package framepipe

import "sync"

// FillingStrategy controls producer behavior when the buffer is full
type FillingStrategy uint8

const (
	// DropOldest evicts the oldest buffered frame to make room for the new
	// one; the eviction emits FRAME_DROPPED at DEBUG.
	DropOldest FillingStrategy = iota
	// Wait blocks the producer until a slot frees up.
	Wait
)

// ConsumptionStrategy controls consumer behavior on Get.
type ConsumptionStrategy uint8

const (
	// Latest drains everything but the newest frame and returns it;
	// discarded frames emit FRAME_DROPPED at DEBUG.
	Latest ConsumptionStrategy = iota
	// Eager returns the oldest buffered frame, preserving order.
	Eager
)

// FrameBuffer is a bounded, insertion-ordered container holding at most
// Capacity frames. It is safe for concurrent use by one
// producer and one consumer.
//
// Eviction/drop events are reported through an injected StatusBus rather
// than returned, since Put/Get callers otherwise have no use for them.
type FrameBuffer struct {
	mutex     sync.Mutex
	notEmpty  *sync.Cond
	notFull   *sync.Cond
	frames    []VideoFrame
	capacity  int
	filling   FillingStrategy
	consuming ConsumptionStrategy
	statusBus *StatusBus
	closed    bool
}

// NewFrameBuffer constructs a buffer of the given capacity (minimum 1) and
// disciplines. statusBus may be nil, in which case drop events are silently
// discarded (useful in tests).
func NewFrameBuffer(capacity int, filling FillingStrategy, consuming ConsumptionStrategy, statusBus *StatusBus) *FrameBuffer {
	if capacity < 1 {
		capacity = 1
	}
	b := &FrameBuffer{
		frames:    make([]VideoFrame, 0, capacity),
		capacity:  capacity,
		filling:   filling,
		consuming: consuming,
		statusBus: statusBus,
	}
	b.notEmpty = sync.NewCond(&b.mutex)
	b.notFull = sync.NewCond(&b.mutex)
	return b
}

// Put inserts a frame, applying the filling discipline on overflow. Under
// Wait, Put blocks until a slot is free or the buffer is closed, in which
// case it returns false without inserting.
func (b *FrameBuffer) Put(frame VideoFrame) bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	for len(b.frames) >= b.capacity && b.filling == Wait && !b.closed {
		b.notFull.Wait()
	}
	if b.closed {
		return false
	}

	if len(b.frames) >= b.capacity {
		// Only reachable under DropOldest: Wait either waited for a free
		// slot or returned above on Close. Evict.
		dropped := b.frames[0]
		b.frames = b.frames[1:]
		b.emitDropped(dropped, "buffer_full")
	}

	b.frames = append(b.frames, frame)
	b.notEmpty.Signal()
	return true
}

// Get removes and returns a frame according to the consumption discipline.
// The second return value is false if the buffer is empty.
func (b *FrameBuffer) Get() (VideoFrame, bool) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.getLocked()
}

func (b *FrameBuffer) getLocked() (VideoFrame, bool) {
	if len(b.frames) == 0 {
		return VideoFrame{}, false
	}

	if b.consuming == Latest {
		for len(b.frames) > 1 {
			dropped := b.frames[0]
			b.frames = b.frames[1:]
			b.emitDropped(dropped, "superseded_by_newer")
		}
	}

	frame := b.frames[0]
	b.frames = b.frames[1:]
	b.notFull.Signal()
	return frame, true
}

// Empty reports whether the buffer currently holds no frames.
func (b *FrameBuffer) Empty() bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return len(b.frames) == 0
}

// Len reports how many frames are currently buffered. Never exceeds
// Capacity.
func (b *FrameBuffer) Len() int {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return len(b.frames)
}

// DropAll discards every buffered frame without emitting FRAME_DROPPED —
// used by VideoSource.restart when wait_on_frames_consumption is false and
// the caller has explicitly opted into losing the backlog, and by a muted
// VideoSource's producer.
func (b *FrameBuffer) DropAll() {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.frames = b.frames[:0]
	b.notFull.Broadcast()
}

// Close unblocks any producer parked in Put under the Wait discipline. Get
// continues to drain whatever remains buffered.
func (b *FrameBuffer) Close() {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.closed = true
	b.notFull.Broadcast()
	b.notEmpty.Broadcast()
}

func (b *FrameBuffer) emitDropped(frame VideoFrame, reason string) {
	if b.statusBus == nil {
		return
	}
	b.statusBus.Emit(SeverityDebug, EventFrameDropped, map[string]any{
		"source_id": frame.SourceID,
		"frame_id":  frame.FrameID,
		"reason":    reason,
	})
}
