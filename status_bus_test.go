package framepipe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusBus_FansOutToEveryHandler(t *testing.T) {
	var a, b []StatusUpdate
	bus := NewStatusBus(
		func(u StatusUpdate) { a = append(a, u) },
		func(u StatusUpdate) { b = append(b, u) },
	)

	bus.Emit(SeverityInfo, EventVideoSourceStateChanged, map[string]any{"x": 1})

	require.Len(t, a, 1)
	require.Len(t, b, 1)
	assert.Equal(t, EventVideoSourceStateChanged, a[0].EventType)
	assert.Equal(t, rootContext, a[0].Context)
}

func TestStatusBus_SwallowsHandlerPanics(t *testing.T) {
	var reached bool
	bus := NewStatusBus(
		func(u StatusUpdate) { panic("boom") },
		func(u StatusUpdate) { reached = true },
	)

	assert.NotPanics(t, func() {
		bus.Emit(SeverityWarning, EventInferenceError, nil)
	})
	assert.True(t, reached, "a panicking handler must not prevent later handlers from running")
}

func TestStatusBus_ThrottlesHighFrequencyDebugEvents(t *testing.T) {
	var debugCount, errorCount int
	bus := NewStatusBus(func(u StatusUpdate) {
		switch u.Severity {
		case SeverityDebug:
			debugCount++
		case SeverityError:
			errorCount++
		}
	}).WithThrottle(time.Minute)

	for i := 0; i < 10; i++ {
		bus.Emit(SeverityDebug, EventFrameDropped, nil)
		bus.Emit(SeverityError, EventInferenceError, nil)
	}

	assert.Equal(t, 1, debugCount, "consecutive DEBUG emissions within the interval must be suppressed")
	assert.Equal(t, 10, errorCount, "throttling only ever applies to DEBUG severity")
}

func TestStatusBus_WithSubContext(t *testing.T) {
	var got StatusUpdate
	bus := NewStatusBus(func(u StatusUpdate) { got = u })
	sub := bus.WithSubContext("video_source.3")

	sub.Emit(SeverityDebug, EventFrameDropped, nil)
	assert.Equal(t, rootContext+".video_source.3", got.Context)
}
