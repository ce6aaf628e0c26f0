package framepipe

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Severity classifies a StatusUpdate.
type Severity uint8

const (
	SeverityDebug Severity = iota
	SeverityInfo
	SeverityWarning
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "DEBUG"
	case SeverityInfo:
		return "INFO"
	case SeverityWarning:
		return "WARNING"
	case SeverityError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Event type constants.
const (
	EventSourceConnectionAttemptFailed  = "SOURCE_CONNECTION_ATTEMPT_FAILED"
	EventSourceConnectionLost           = "SOURCE_CONNECTION_LOST"
	EventInferenceThreadStarted         = "INFERENCE_THREAD_STARTED"
	EventInferenceThreadFinished        = "INFERENCE_THREAD_FINISHED"
	EventInferenceCompleted             = "INFERENCE_COMPLETED"
	EventInferenceError                 = "INFERENCE_ERROR"
	EventInferenceResultsDispatchingErr = "INFERENCE_RESULTS_DISPATCHING_ERROR"
	EventFrameDropped                   = "FRAME_DROPPED"
	EventVideoSourceStateChanged        = "VIDEO_SOURCE_STATE_CHANGED"
)

// rootContext is the StatusUpdate.Context base.
const rootContext = "inference_pipeline"

// StatusUpdate is a single timestamped observability event.
type StatusUpdate struct {
	ID        uuid.UUID
	Timestamp time.Time
	Severity  Severity
	EventType string
	Payload   map[string]any
	Context   string
}

// StatusHandler receives StatusUpdates pushed by the bus. Handlers are
// invoked synchronously on the emitting goroutine: they must be fast.
// A Watchdog counts as a specialized StatusHandler (see watchdog.go).
type StatusHandler func(StatusUpdate)

// StatusBus fans a StatusUpdate out to every registered handler synchronously
// on the emitting goroutine. It swallows handler panics and errors: a bad
// handler must never take down the acquisition/inference/dispatch hot path.
//
// The handler slice is treated as read-only after construction, so no lock
// is needed to read it.
type StatusBus struct {
	baseContext string
	handlers    []StatusHandler
	throttle    *statusThrottle
}

// statusThrottle caps the rate of DEBUG-severity emissions: at most one
// update per (context, event_type) per interval. Higher severities are
// never throttled. Shared across every sub-context bus derived from the
// same root, so the map is mutex-guarded.
type statusThrottle struct {
	mutex    sync.Mutex
	interval time.Duration
	lastSeen map[string]time.Time
}

func (t *statusThrottle) allow(context, eventType string, now time.Time) bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	key := context + "|" + eventType
	if last, ok := t.lastSeen[key]; ok && now.Sub(last) < t.interval {
		return false
	}
	t.lastSeen[key] = now
	return true
}

// NewStatusBus builds a bus rooted at "inference_pipeline", fanning out to
// the given handlers (which may be empty).
func NewStatusBus(handlers ...StatusHandler) *StatusBus {
	return &StatusBus{baseContext: rootContext, handlers: handlers}
}

// WithThrottle returns a bus that emits DEBUG updates for a given
// (context, event_type) at most once per interval, dropping the excess.
// High-frequency events like FRAME_DROPPED and INFERENCE_COMPLETED would
// otherwise dominate handler time on a fast pipeline. A non-positive
// interval disables throttling.
func (b *StatusBus) WithThrottle(interval time.Duration) *StatusBus {
	if interval <= 0 {
		return b
	}
	return &StatusBus{
		baseContext: b.baseContext,
		handlers:    b.handlers,
		throttle:    &statusThrottle{interval: interval, lastSeen: map[string]time.Time{}},
	}
}

// WithSubContext returns a bus that emits with an "<base>.<sub>" context,
// sharing the same handler list and throttle. Used by VideoSource to tag
// its events with "inference_pipeline.video_source.<id>".
func (b *StatusBus) WithSubContext(sub string) *StatusBus {
	return &StatusBus{
		baseContext: fmt.Sprintf("%s.%s", b.baseContext, sub),
		handlers:    b.handlers,
		throttle:    b.throttle,
	}
}

// Emit constructs a StatusUpdate and synchronously invokes every handler,
// catching and logging (at warning level) anything a handler panics with.
func (b *StatusBus) Emit(severity Severity, eventType string, payload map[string]any) {
	now := time.Now()
	if severity == SeverityDebug && b.throttle != nil && !b.throttle.allow(b.baseContext, eventType, now) {
		return
	}
	update := StatusUpdate{
		ID:        uuid.New(),
		Timestamp: now,
		Severity:  severity,
		EventType: eventType,
		Payload:   payload,
		Context:   b.baseContext,
	}
	for _, handler := range b.handlers {
		b.invoke(handler, update)
	}
}

// invoke runs a single handler, recovering from panics so that one broken
// handler can never stop the bus from reaching the rest, nor stop the
// caller's hot path.
func (b *StatusBus) invoke(handler StatusHandler, update StatusUpdate) {
	defer func() {
		if r := recover(); r != nil {
			pkgLogger.Printf("status handler panicked: %v", r)
		}
	}()
	handler(update)
}
