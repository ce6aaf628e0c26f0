package reisencapture

import (
	"fmt"
	"image"
	"sync"

	"github.com/erparts/reisen"

	"github.com/erparts/go-framepipe"
)

// TODO: reisen wraps libav's generic avformat_open_input with no
// device-format negotiation (v4l2/dshow/avfoundation) exposed by the
// vendored API. deviceCapture opens /dev/video<N> as a best-effort input
// path on Linux; Windows/macOS device enumeration isn't wired here.
func init() {
	framepipe.RegisterCaptureFactory("device", func(reference string) (framepipe.Capture, error) {
		return newDeviceCapture(fmt.Sprintf("/dev/video%s", reference))
	})
}

// deviceCapture reads an attached camera. It behaves like streamCapture
// (live, unbounded, read misses are starvation rather than EOF) but
// doesn't touch reisen's network init/deinit, since a local device isn't a
// network resource.
type deviceCapture struct {
	devicePath string

	mutex  sync.Mutex
	media  *reisen.Media
	stream *reisen.VideoStream
	props  framepipe.SourceProperties
}

func newDeviceCapture(devicePath string) (framepipe.Capture, error) {
	return &deviceCapture{devicePath: devicePath}, nil
}

func (c *deviceCapture) Open() (framepipe.SourceProperties, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	media, err := reisen.NewMedia(c.devicePath)
	if err != nil {
		return framepipe.SourceProperties{}, fmt.Errorf("reisencapture: opening device %q: %w", c.devicePath, err)
	}

	videoStreams := media.VideoStreams()
	if len(videoStreams) == 0 {
		media.Close()
		return framepipe.SourceProperties{}, fmt.Errorf("reisencapture: device %q exposed no video stream", c.devicePath)
	}
	stream := videoStreams[0]

	if err := media.OpenDecode(); err != nil {
		media.Close()
		return framepipe.SourceProperties{}, err
	}
	if err := stream.Open(); err != nil {
		_ = media.CloseDecode()
		media.Close()
		return framepipe.SourceProperties{}, err
	}

	frNum, frDenom := stream.FrameRate()
	fps := 0.0
	if frDenom != 0 {
		fps = float64(frNum) / float64(frDenom)
	}

	c.media = media
	c.stream = stream
	c.props = framepipe.SourceProperties{
		Width:       stream.Width(),
		Height:      stream.Height(),
		DeclaredFPS: fps,
		TotalFrames: -1,
		IsFile:      false,
	}
	return c.props, nil
}

func (c *deviceCapture) Read() (image.Image, bool, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.media == nil || c.stream == nil {
		return nil, false, fmt.Errorf("reisencapture: read before open")
	}

	packet, found, err := c.media.ReadPacket()
	if err != nil {
		return nil, false, err
	}
	if !found || packet.Type() != reisen.StreamVideo || packet.StreamIndex() != c.stream.Index() {
		return nil, false, nil
	}

	frame, got, err := c.stream.ReadVideoFrame()
	if err != nil {
		return nil, false, err
	}
	if !got || frame == nil {
		return nil, false, nil
	}
	return frameToImage(frame, c.props.Width, c.props.Height), true, nil
}

func (c *deviceCapture) Release() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.stream != nil {
		_ = c.stream.Close()
		c.stream = nil
	}
	if c.media != nil {
		_ = c.media.CloseDecode()
		c.media.Close()
		c.media = nil
	}
	return nil
}

func (c *deviceCapture) GetProperty(key string) (float64, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	switch key {
	case "frame_width":
		return float64(c.props.Width), true
	case "frame_height":
		return float64(c.props.Height), true
	case "fps":
		return c.props.DeclaredFPS, true
	default:
		return 0, false
	}
}

func (c *deviceCapture) SetProperty(key string, value float64) error {
	return nil
}
