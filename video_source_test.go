package framepipe

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTestOpenFailure = errors.New("fake: open failed")

func waitForFrames(t *testing.T, vs *VideoSource, n int, timeout time.Duration) []VideoFrame {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var frames []VideoFrame
	for time.Now().Before(deadline) && len(frames) < n {
		if f, ok := vs.ReadFrame(); ok {
			frames = append(frames, f)
		} else {
			time.Sleep(time.Millisecond)
		}
	}
	return frames
}

func TestVideoSource_SingleFile_OrderedFrameIDs(t *testing.T) {
	registerFakeFactory("fake-file-ordered", func() *fakeCapture { return newFakeFileCapture(20) })

	vs := NewVideoSource(VideoSourceConfig{SourceID: 0, Reference: FileOrStream("fake-file-ordered://clip")}, DefaultConfig(), NewStatusBus())
	require.NoError(t, vs.Start())

	frames := waitForFrames(t, vs, 20, time.Second)
	require.Len(t, frames, 20)
	for i, f := range frames {
		assert.Equal(t, uint64(i+1), f.FrameID)
		assert.Equal(t, 0, f.SourceID)
	}

	deadline := time.Now().Add(time.Second)
	for vs.State() != Ended && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	assert.Equal(t, Ended, vs.State())

	_ = vs.Terminate(false)
	vs.Wait()
}

func TestVideoSource_StartAfterEndedResumesAcquisition(t *testing.T) {
	registerFakeFactory("fake-file-restartable", func() *fakeCapture { return newFakeFileCapture(5) })

	vs := NewVideoSource(VideoSourceConfig{SourceID: 0, Reference: FileOrStream("fake-file-restartable://clip")}, DefaultConfig(), NewStatusBus())
	require.NoError(t, vs.Start())

	first := waitForFrames(t, vs, 5, time.Second)
	require.Len(t, first, 5)

	deadline := time.Now().Add(time.Second)
	for vs.State() != Ended && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	require.Equal(t, Ended, vs.State())

	// The capture factory hands out a fresh capture on reconnect, so frames
	// flow again; the frame id counter continues monotonically by default.
	require.NoError(t, vs.Start())
	second := waitForFrames(t, vs, 5, time.Second)
	require.Len(t, second, 5)
	assert.Equal(t, uint64(6), second[0].FrameID)

	_ = vs.Terminate(false)
	vs.Wait()
}

func TestVideoSource_StartTwiceNotPermitted(t *testing.T) {
	registerFakeFactory("fake-live-a", func() *fakeCapture { return newFakeLiveCapture() })
	vs := NewVideoSource(VideoSourceConfig{SourceID: 1, Reference: FileOrStream("fake-live-a://cam")}, DefaultConfig(), NewStatusBus())
	require.NoError(t, vs.Start())

	err := vs.Start()
	require.Error(t, err)
	var opErr *OperationNotPermittedError
	assert.ErrorAs(t, err, &opErr)

	_ = vs.Terminate(false)
	vs.Wait()
}

func TestVideoSource_PauseResume(t *testing.T) {
	registerFakeFactory("fake-live-b", func() *fakeCapture { return newFakeLiveCapture() })
	vs := NewVideoSource(VideoSourceConfig{SourceID: 2, Reference: FileOrStream("fake-live-b://cam")}, DefaultConfig(), NewStatusBus())
	require.NoError(t, vs.Start())

	require.NoError(t, vs.Pause())
	assert.Equal(t, Paused, vs.State())

	err := vs.Pause()
	assert.Error(t, err, "pausing an already-paused source must not be permitted")

	require.NoError(t, vs.Resume())
	assert.Equal(t, Running, vs.State())

	frames := waitForFrames(t, vs, 1, time.Second)
	require.Len(t, frames, 1)

	_ = vs.Terminate(false)
	vs.Wait()
}

func TestVideoSource_MuteDiscardsFrames(t *testing.T) {
	registerFakeFactory("fake-live-c", func() *fakeCapture { return newFakeLiveCapture() })
	vs := NewVideoSource(VideoSourceConfig{SourceID: 3, Reference: FileOrStream("fake-live-c://cam")}, DefaultConfig(), NewStatusBus())
	require.NoError(t, vs.Start())

	require.NoError(t, vs.Mute())
	time.Sleep(50 * time.Millisecond)
	_, ok := vs.ReadFrame()
	assert.False(t, ok, "a muted source must discard every frame instead of buffering it")

	require.NoError(t, vs.Resume())
	frames := waitForFrames(t, vs, 1, time.Second)
	require.Len(t, frames, 1)

	_ = vs.Terminate(false)
	vs.Wait()
}

func TestVideoSource_TerminateIsIdempotent(t *testing.T) {
	registerFakeFactory("fake-live-d", func() *fakeCapture { return newFakeLiveCapture() })
	vs := NewVideoSource(VideoSourceConfig{SourceID: 4, Reference: FileOrStream("fake-live-d://cam")}, DefaultConfig(), NewStatusBus())
	require.NoError(t, vs.Start())

	require.NoError(t, vs.Terminate(false))
	require.NoError(t, vs.Terminate(false))
	require.NoError(t, vs.Terminate(false))
	vs.Wait()
	assert.Equal(t, Terminated, vs.State())
}

func TestVideoSource_InitialConnectionFailure(t *testing.T) {
	flakyFactory("fake-live-e", 1000, func() *fakeCapture { return newFakeLiveCapture() })
	vs := NewVideoSource(VideoSourceConfig{SourceID: 5, Reference: FileOrStream("fake-live-e://cam")}, DefaultConfig(), NewStatusBus())

	err := vs.Start()
	require.Error(t, err)
	var connErr *SourceConnectionError
	assert.ErrorAs(t, err, &connErr)
}

func TestVideoSource_ReconnectAfterTransientFailure(t *testing.T) {
	var mu sync.Mutex
	var events []StatusUpdate
	bus := NewStatusBus(func(u StatusUpdate) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, u)
	})

	// First connect() call (Start) succeeds; the next two (triggered by
	// Restart's reconnect loop) fail Open, then the fourth succeeds.
	var attempts int
	RegisterCaptureFactory("fake-live-f", func(reference string) (Capture, error) {
		attempts++
		c := newFakeLiveCapture()
		if attempts == 2 || attempts == 3 {
			c.failOpenErr = errTestOpenFailure
		}
		return c, nil
	})
	cfg := DefaultConfig()
	cfg.RestartAttemptDelay = 5 * time.Millisecond

	vs := NewVideoSource(VideoSourceConfig{SourceID: 6, Reference: FileOrStream("fake-live-f://cam")}, cfg, bus)
	require.NoError(t, vs.Start())

	require.NoError(t, vs.Restart(false))

	deadline := time.Now().Add(2 * time.Second)
	for vs.State() != Running && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	assert.Equal(t, Running, vs.State())

	var sawAttemptFailed bool
	mu.Lock()
	for _, e := range events {
		if e.EventType == EventSourceConnectionAttemptFailed {
			sawAttemptFailed = true
		}
	}
	mu.Unlock()
	assert.True(t, sawAttemptFailed)

	_ = vs.Terminate(false)
	vs.Wait()
}
