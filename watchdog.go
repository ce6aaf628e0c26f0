package framepipe

// Watchdog receives fine-grained inference lifecycle callbacks. A Watchdog
// is a specialized status handler: it is registered as an ordinary
// StatusHandler (it observes OnStatusUpdate) plus two extra hooks the
// StatusBus alone can't express, since they fire around the opaque
// inference call rather than as a StatusUpdate payload.
type Watchdog interface {
	// OnModelInferenceStarted fires right before the batch is handed to
	// the user's inference function.
	OnModelInferenceStarted(batch []VideoFrame)
	// OnModelPredictionReady fires right after the inference function
	// returns successfully, before the result is queued for dispatch.
	OnModelPredictionReady(batch []VideoFrame)
	// OnStatusUpdate mirrors every StatusUpdate the bus emits; registering
	// a Watchdog appends this method as a StatusHandler.
	OnStatusUpdate(update StatusUpdate)
}

// NullWatchdog is a Watchdog that observes nothing. Used as the default so
// Pipeline never needs to nil-check its watchdog field.
type NullWatchdog struct{}

func (NullWatchdog) OnModelInferenceStarted(batch []VideoFrame) {}
func (NullWatchdog) OnModelPredictionReady(batch []VideoFrame)  {}
func (NullWatchdog) OnStatusUpdate(update StatusUpdate)         {}

var _ Watchdog = NullWatchdog{}
