package framepipe

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// VideoSourceConfig configures a single VideoSource.
type VideoSourceConfig struct {
	SourceID  int
	Reference VideoReference

	// Filling/Consumption: nil means "negotiate from whether the source is
	// a file or a live stream".
	Filling    *FillingStrategy
	Consuming  *ConsumptionStrategy
	BufferSize int // 0 means "negotiate from source type"

	RestartAttemptDelay time.Duration // 0 means use Config.RestartAttemptDelay
	// ResetFrameIDOnRestart: false (default) keeps FrameID monotonic across
	// restarts; true restarts the counter from zero.
	ResetFrameIDOnRestart bool

	// Properties are applied via Capture.SetProperty right after Open,
	// e.g. {"frame_width": 1920, "frame_height": 1080, "fps": 30}.
	Properties map[string]float64
}

const defaultLiveBufferSize = 1
const defaultFileBufferSize = 64
const transientReadBackoff = 5 * time.Millisecond

// VideoSource is the central per-source state machine: it owns a Capture
// handle, a producer goroutine, and a FrameBuffer.
//
// State and the handful of pending-request flags are protected by mutex;
// cond wakes the producer goroutine at well-defined checkpoints (after each
// read, before each push).
type VideoSource struct {
	cfg       VideoSourceConfig
	bus       *StatusBus
	cfgGlobal Config

	mutex sync.Mutex
	cond  *sync.Cond

	state       VideoSourceState
	capture     Capture
	properties  SourceProperties
	frameSeq    uint64
	buffer      *FrameBuffer
	dataReady   chan struct{}

	// producerFPS/lastProduced are touched only by the producer goroutine.
	producerFPS  float64
	lastProduced time.Time
	// consumerFPS/lastConsumed are guarded by mutex, updated on ReadFrame.
	consumerFPS  float64
	lastConsumed time.Time

	pendingRestart     bool
	restartWaitDrain   bool
	pendingTerminate   bool
	terminateWaitDrain bool

	producerExited chan struct{}
	startResult    chan error
}

// NewVideoSource builds a VideoSource in the NotStarted state. Start() must
// be called to begin acquisition.
func NewVideoSource(cfg VideoSourceConfig, globalCfg Config, bus *StatusBus) *VideoSource {
	sub := bus.WithSubContext(fmt.Sprintf("video_source.%d", cfg.SourceID))
	vs := &VideoSource{
		cfg:            cfg,
		bus:            sub,
		cfgGlobal:      globalCfg,
		state:          NotStarted,
		dataReady:      make(chan struct{}, 1),
		producerExited: make(chan struct{}),
		startResult:    make(chan error, 1),
	}
	vs.cond = sync.NewCond(&vs.mutex)
	return vs
}

// SourceID returns this source's stable identifier.
func (vs *VideoSource) SourceID() int { return vs.cfg.SourceID }

// State returns the current state.
func (vs *VideoSource) State() VideoSourceState {
	vs.mutex.Lock()
	defer vs.mutex.Unlock()
	return vs.state
}

// DescribeSource returns the properties captured when the source connected.
func (vs *VideoSource) DescribeSource() SourceProperties {
	vs.mutex.Lock()
	defer vs.mutex.Unlock()
	return vs.properties
}

// DataAvailable returns a channel that receives a value shortly after a
// frame becomes available to read. Used by the Multiplexer to avoid
// busy-spinning while waiting on any source.
func (vs *VideoSource) DataAvailable() <-chan struct{} { return vs.dataReady }

// Start transitions NOT_STARTED|ENDED -> INITIALISING -> RUNNING. From
// NOT_STARTED it spawns the producer and blocks until the initial
// connection attempt resolves, returning *SourceConnectionError on failure.
// From ENDED the producer is still parked, so Start is equivalent to an
// asynchronous Restart without draining.
func (vs *VideoSource) Start() error {
	vs.mutex.Lock()
	if vs.state == Ended {
		vs.pendingRestart = true
		vs.restartWaitDrain = false
		vs.setStateLocked(Restarting)
		vs.cond.Broadcast()
		vs.mutex.Unlock()
		return nil
	}
	if vs.state != NotStarted {
		state := vs.state
		vs.mutex.Unlock()
		return &OperationNotPermittedError{Operation: "start", State: state}
	}
	vs.setStateLocked(Initialising)
	vs.mutex.Unlock()

	go vs.runProducer()

	return <-vs.startResult
}

// Pause transitions RUNNING -> PAUSED. Buffered frames remain readable.
func (vs *VideoSource) Pause() error {
	vs.mutex.Lock()
	defer vs.mutex.Unlock()
	if vs.state != Running {
		return &OperationNotPermittedError{Operation: "pause", State: vs.state}
	}
	vs.setStateLocked(Paused)
	vs.cond.Broadcast()
	return nil
}

// Mute transitions RUNNING -> MUTED. The producer keeps reading (to avoid
// backlog on the transport) but discards every frame, including any still
// buffered from before the mute.
func (vs *VideoSource) Mute() error {
	vs.mutex.Lock()
	defer vs.mutex.Unlock()
	if vs.state != Running {
		return &OperationNotPermittedError{Operation: "mute", State: vs.state}
	}
	vs.setStateLocked(Muted)
	vs.cond.Broadcast()
	return nil
}

// Resume transitions PAUSED|MUTED -> RUNNING.
func (vs *VideoSource) Resume() error {
	vs.mutex.Lock()
	defer vs.mutex.Unlock()
	if vs.state != Paused && vs.state != Muted {
		return &OperationNotPermittedError{Operation: "resume", State: vs.state}
	}
	vs.setStateLocked(Running)
	vs.cond.Broadcast()
	return nil
}

// Restart tears down the capture and reconnects, retrying with backoff
// If waitOnFramesConsumption, the producer drains the
// buffer before tearing down; otherwise it drops whatever is buffered
// immediately. Restart is asynchronous: it signals the producer and
// returns once the request has been accepted.
func (vs *VideoSource) Restart(waitOnFramesConsumption bool) error {
	vs.mutex.Lock()
	defer vs.mutex.Unlock()
	switch vs.state {
	case Running, Paused, Muted, SourceError, Ended:
	default:
		return &OperationNotPermittedError{Operation: "restart", State: vs.state}
	}
	vs.pendingRestart = true
	vs.restartWaitDrain = waitOnFramesConsumption
	vs.setStateLocked(Restarting)
	vs.cond.Broadcast()
	return nil
}

// Terminate transitions any state -> TERMINATING -> TERMINATED. Idempotent.
func (vs *VideoSource) Terminate(waitOnFramesConsumption bool) error {
	vs.mutex.Lock()
	defer vs.mutex.Unlock()
	if vs.state == Terminated || vs.state == Terminating {
		return nil
	}
	if vs.state == NotStarted {
		// Never started: nothing to tear down.
		vs.setStateLocked(Terminated)
		close(vs.producerExited)
		return nil
	}
	vs.pendingTerminate = true
	vs.terminateWaitDrain = waitOnFramesConsumption
	vs.setStateLocked(Terminating)
	vs.cond.Broadcast()
	return nil
}

// Wait blocks until the producer goroutine has fully exited (TERMINATED).
func (vs *VideoSource) Wait() {
	<-vs.producerExited
}

// ReadFrame performs a non-blocking read from the underlying FrameBuffer
// under the configured consumption discipline.
func (vs *VideoSource) ReadFrame() (VideoFrame, bool) {
	vs.mutex.Lock()
	buf := vs.buffer
	vs.mutex.Unlock()
	if buf == nil {
		return VideoFrame{}, false
	}
	frame, ok := buf.Get()
	if ok {
		vs.mutex.Lock()
		vs.consumerFPS = updateRate(vs.consumerFPS, vs.lastConsumed)
		vs.lastConsumed = time.Now()
		frame.MeasuredFPS = vs.consumerFPS
		vs.mutex.Unlock()
	}
	return frame, ok
}

// updateRate folds the interval since the previous event into an
// exponentially weighted moving average of events per second. Returns the
// prior rate unchanged when this is the first event.
func updateRate(rate float64, last time.Time) float64 {
	if last.IsZero() {
		return rate
	}
	dt := time.Since(last).Seconds()
	if dt <= 0 {
		return rate
	}
	instant := 1.0 / dt
	if rate == 0 {
		return instant
	}
	const smoothing = 0.1
	return rate*(1-smoothing) + instant*smoothing
}

// bufferEmpty reports whether the underlying buffer currently has no
// frames, used by the Multiplexer's termination condition for ENDED
// sources.
func (vs *VideoSource) bufferEmpty() bool {
	vs.mutex.Lock()
	buf := vs.buffer
	vs.mutex.Unlock()
	return buf == nil || buf.Empty()
}

// setStateLocked updates state and emits VIDEO_SOURCE_STATE_CHANGED. Caller
// must hold vs.mutex.
func (vs *VideoSource) setStateLocked(next VideoSourceState) {
	prev := vs.state
	vs.state = next
	vs.bus.Emit(SeverityInfo, EventVideoSourceStateChanged, map[string]any{
		"source_id":  vs.cfg.SourceID,
		"from_state": prev.String(),
		"to_state":   next.String(),
	})
}

// runProducer is the sole goroutine ever allowed to touch vs.capture. It
// performs the initial connect, then loops reading frames until terminated.
func (vs *VideoSource) runProducer() {
	defer func() {
		vs.mutex.Lock()
		if vs.state != Terminated {
			vs.setStateLocked(Terminated)
		}
		if vs.buffer != nil {
			vs.buffer.Close()
		}
		vs.mutex.Unlock()
		close(vs.producerExited)
	}()

	if err := vs.connect(); err != nil {
		vs.mutex.Lock()
		vs.setStateLocked(SourceError)
		vs.mutex.Unlock()
		vs.startResult <- &SourceConnectionError{SourceID: vs.cfg.SourceID, Cause: err}
		return
	}
	vs.mutex.Lock()
	if vs.state == Initialising {
		vs.setStateLocked(Running)
	}
	vs.mutex.Unlock()
	vs.startResult <- nil

	for {
		if vs.shouldExit() {
			return
		}
		if vs.handleRestartOrTerminate() {
			if vs.checkTerminatedAndExit() {
				return
			}
			continue
		}

		vs.mutex.Lock()
		for vs.state == Paused {
			vs.cond.Wait()
			if vs.pendingRestart || vs.pendingTerminate {
				break
			}
		}
		vs.mutex.Unlock()

		if vs.handleRestartOrTerminate() {
			if vs.checkTerminatedAndExit() {
				return
			}
			continue
		}

		img, ok, err := vs.capture.Read()
		switch {
		case err != nil && errors.Is(err, io.EOF):
			vs.parkEnded()
			continue
		case err != nil:
			if vs.cfg.Reference.isFileReference() {
				vs.parkEnded()
				continue
			}
			vs.onConnectionLost(err)
			continue
		case !ok:
			time.Sleep(transientReadBackoff)
			continue
		}

		vs.frameSeq++
		vs.producerFPS = updateRate(vs.producerFPS, vs.lastProduced)
		vs.lastProduced = time.Now()
		frame := VideoFrame{
			Image:          img,
			FrameID:        vs.frameSeq,
			FrameTimestamp: vs.lastProduced,
			SourceID:       vs.cfg.SourceID,
			FPS:            vs.producerFPS,
		}

		vs.mutex.Lock()
		muted := vs.state == Muted
		vs.mutex.Unlock()
		if muted {
			// Frames buffered before the mute took effect are discarded
			// too, so a muted source delivers nothing.
			vs.buffer.DropAll()
			continue
		}

		if vs.buffer.Put(frame) {
			select {
			case vs.dataReady <- struct{}{}:
			default:
			}
		}
	}
}

func (vs *VideoSource) shouldExit() bool {
	vs.mutex.Lock()
	defer vs.mutex.Unlock()
	return vs.state == Terminated
}

// handleRestartOrTerminate services a pending Restart/Terminate request, if
// any, tearing down and (for restart) reopening the capture. Returns true
// if it handled a request this iteration.
func (vs *VideoSource) handleRestartOrTerminate() bool {
	vs.mutex.Lock()
	switch {
	case vs.pendingTerminate:
		vs.pendingTerminate = false
		waitDrain := vs.terminateWaitDrain
		buf := vs.buffer
		vs.mutex.Unlock()

		if waitDrain {
			vs.drainBuffer(buf)
		}
		if vs.capture != nil {
			_ = vs.capture.Release()
		}

		vs.mutex.Lock()
		vs.setStateLocked(Terminated)
		vs.mutex.Unlock()
		return true

	case vs.pendingRestart:
		vs.pendingRestart = false
		waitDrain := vs.restartWaitDrain
		buf := vs.buffer
		vs.mutex.Unlock()

		if waitDrain {
			vs.drainBuffer(buf)
		} else if buf != nil {
			buf.DropAll()
		}
		if vs.capture != nil {
			_ = vs.capture.Release()
		}
		if vs.cfg.ResetFrameIDOnRestart {
			vs.frameSeq = 0
		}

		vs.mutex.Lock()
		vs.setStateLocked(Initialising)
		vs.mutex.Unlock()

		vs.reconnectWithBackoff()
		return true

	default:
		vs.mutex.Unlock()
		return false
	}
}

func (vs *VideoSource) checkTerminatedAndExit() bool {
	return vs.State() == Terminated
}

// parkEnded transitions to ENDED and blocks the producer until a restart or
// terminate request arrives. Buffered frames stay readable the whole time;
// the producer does not exit, so ENDED is a state a source can leave again.
func (vs *VideoSource) parkEnded() {
	vs.mutex.Lock()
	vs.setStateLocked(Ended)
	for vs.state == Ended && !vs.pendingRestart && !vs.pendingTerminate {
		vs.cond.Wait()
	}
	vs.mutex.Unlock()
}

// drainBuffer blocks until the buffer is empty, bounded by a short poll
// loop rather than an unbounded wait, since a slow consumer should not
// wedge a restart/terminate forever.
func (vs *VideoSource) drainBuffer(buf *FrameBuffer) {
	if buf == nil {
		return
	}
	for !buf.Empty() {
		time.Sleep(transientReadBackoff)
	}
}

func (vs *VideoSource) onConnectionLost(cause error) {
	vs.bus.Emit(SeverityWarning, EventSourceConnectionLost, map[string]any{
		"source_id": vs.cfg.SourceID,
		"error":     cause.Error(),
	})
	if vs.capture != nil {
		_ = vs.capture.Release()
	}
	vs.mutex.Lock()
	vs.setStateLocked(Restarting)
	vs.mutex.Unlock()
	vs.reconnectWithBackoff()
}

// reconnectWithBackoff retries connect() indefinitely, sleeping
// RestartAttemptDelay between attempts. Terminates early if a Terminate
// request arrives meanwhile.
func (vs *VideoSource) reconnectWithBackoff() {
	delay := vs.cfg.RestartAttemptDelay
	if delay == 0 {
		delay = vs.cfgGlobal.RestartAttemptDelay
	}
	for {
		if vs.pendingTerminateRequested() {
			return
		}
		if err := vs.connect(); err == nil {
			vs.mutex.Lock()
			vs.setStateLocked(Running)
			vs.mutex.Unlock()
			return
		} else {
			vs.bus.Emit(SeverityWarning, EventSourceConnectionAttemptFailed, map[string]any{
				"source_id": vs.cfg.SourceID,
				"error":     err.Error(),
			})
		}
		time.Sleep(delay)
	}
}

func (vs *VideoSource) pendingTerminateRequested() bool {
	vs.mutex.Lock()
	defer vs.mutex.Unlock()
	return vs.pendingTerminate
}

// connect opens the capture, negotiates buffer disciplines/capacity, and
// applies any requested properties.
func (vs *VideoSource) connect() error {
	capture, err := openCapture(vs.cfg.Reference)
	if err != nil {
		return err
	}
	props, err := capture.Open()
	if err != nil {
		return err
	}
	for key, value := range vs.cfg.Properties {
		if setErr := capture.SetProperty(key, value); setErr != nil {
			pkgLogger.Printf("source %d: failed to set property %q: %v", vs.cfg.SourceID, key, setErr)
		}
	}

	filling, consuming, size := vs.negotiateDisciplines(props)

	vs.mutex.Lock()
	vs.capture = capture
	vs.properties = props
	vs.buffer = NewFrameBuffer(size, filling, consuming, vs.bus)
	vs.mutex.Unlock()
	return nil
}

// negotiateDisciplines applies the default disciplines: live streams get
// DropOldest+Latest (freshness), files get Wait+Eager (completeness).
func (vs *VideoSource) negotiateDisciplines(props SourceProperties) (FillingStrategy, ConsumptionStrategy, int) {
	filling := DropOldest
	consuming := Latest
	size := vs.cfg.BufferSize
	if !props.IsFile {
		if size == 0 {
			size = defaultLiveBufferSize
		}
	} else {
		filling = Wait
		consuming = Eager
		if size == 0 {
			size = defaultFileBufferSize
		}
	}
	if vs.cfg.Filling != nil {
		filling = *vs.cfg.Filling
	}
	if vs.cfg.Consuming != nil {
		consuming = *vs.cfg.Consuming
	}
	return filling, consuming, size
}
