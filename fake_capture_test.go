package framepipe

import (
	"errors"
	"image"
	"io"
	"sync"
	"sync/atomic"
)

// fakeCapture is a deterministic in-memory frame generator standing in for
// reisencapture, so the state-machine/multiplexer/pipeline logic is
// testable without real media files or ffmpeg.
type fakeCapture struct {
	mutex sync.Mutex

	isFile      bool
	totalFrames int64 // -1 for live
	emitted     int64

	failOpenErr   error
	failAfterN    int64 // 0 disables; read fails once emitted reaches this count
	failedOnce    bool
	recovered     bool
	opened        atomic.Bool
	releaseCalled atomic.Int32
}

func newFakeFileCapture(totalFrames int64) *fakeCapture {
	return &fakeCapture{isFile: true, totalFrames: totalFrames}
}

func newFakeLiveCapture() *fakeCapture {
	return &fakeCapture{isFile: false, totalFrames: -1}
}

func (f *fakeCapture) Open() (SourceProperties, error) {
	if f.failOpenErr != nil {
		return SourceProperties{}, f.failOpenErr
	}
	f.opened.Store(true)
	return SourceProperties{
		Width: 64, Height: 48, DeclaredFPS: 30, TotalFrames: f.totalFrames, IsFile: f.isFile,
	}, nil
}

func (f *fakeCapture) Read() (image.Image, bool, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.failAfterN > 0 && f.emitted >= f.failAfterN && !f.failedOnce {
		f.failedOnce = true
		return nil, false, errors.New("fake: transient read failure")
	}

	if f.isFile && f.emitted >= f.totalFrames {
		return nil, false, io.EOF
	}

	f.emitted++
	return image.NewRGBA(image.Rect(0, 0, 1, 1)), true, nil
}

func (f *fakeCapture) Release() error {
	f.releaseCalled.Add(1)
	return nil
}

func (f *fakeCapture) GetProperty(key string) (float64, bool) { return 0, false }
func (f *fakeCapture) SetProperty(key string, value float64) error { return nil }

func registerFakeFactory(scheme string, captures func() *fakeCapture) {
	RegisterCaptureFactory(scheme, func(reference string) (Capture, error) {
		return captures(), nil
	})
}

// flakyFactory fails to Open() the first failCount times it's invoked, then
// succeeds on every subsequent attempt — used to exercise VideoSource's
// initial-connection fail-fast path and its reconnect-with-backoff loop.
func flakyFactory(scheme string, failCount int, newCapture func() *fakeCapture) {
	var attempts atomic.Int32
	RegisterCaptureFactory(scheme, func(reference string) (Capture, error) {
		n := attempts.Add(1)
		c := newCapture()
		if int(n) <= failCount {
			c.failOpenErr = errors.New("fake: open failed")
		}
		return c, nil
	})
}
