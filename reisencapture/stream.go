package reisencapture

import (
	"fmt"
	"image"
	"sync"

	"github.com/erparts/reisen"

	"github.com/erparts/go-framepipe"
)

func init() {
	framepipe.RegisterCaptureFactory("rtsp", func(reference string) (framepipe.Capture, error) {
		return newStreamCapture(reference)
	})
	framepipe.RegisterCaptureFactory("http", func(reference string) (framepipe.Capture, error) {
		return newStreamCapture(reference)
	})
	framepipe.RegisterCaptureFactory("https", func(reference string) (framepipe.Capture, error) {
		return newStreamCapture(reference)
	})
}

// streamCapture reads a live, non-seekable network source. Unlike
// fileCapture, a read miss (no packet available yet) is reported as
// (nil, false, nil) rather than io.EOF: live starvation is never the end
// of the stream.
type streamCapture struct {
	url string

	mutex  sync.Mutex
	media  *reisen.Media
	stream *reisen.VideoStream
	props  framepipe.SourceProperties
}

func newStreamCapture(url string) (framepipe.Capture, error) {
	return &streamCapture{url: url}, nil
}

func (c *streamCapture) Open() (framepipe.SourceProperties, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if err := reisen.NetworkInitialize(); err != nil {
		return framepipe.SourceProperties{}, err
	}

	media, err := reisen.NewMedia(c.url)
	if err != nil {
		return framepipe.SourceProperties{}, fmt.Errorf("reisencapture: opening %q: %w", c.url, err)
	}

	videoStreams := media.VideoStreams()
	if len(videoStreams) == 0 {
		media.Close()
		return framepipe.SourceProperties{}, fmt.Errorf("reisencapture: %q has no video stream", c.url)
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

func (c *streamCapture) Read() (image.Image, bool, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.media == nil || c.stream == nil {
		return nil, false, fmt.Errorf("reisencapture: read before open")
	}

	packet, found, err := c.media.ReadPacket()
	if err != nil {
		return nil, false, err
	}
	if !found {
		// Live starvation, not a real failure: the producer backs off and
		// retries on its own schedule.
		return nil, false, nil
	}
	if packet.Type() != reisen.StreamVideo || packet.StreamIndex() != c.stream.Index() {
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

func (c *streamCapture) Release() error {
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
	reisen.NetworkDeinitialize()
	return nil
}

func (c *streamCapture) GetProperty(key string) (float64, bool) {
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

func (c *streamCapture) SetProperty(key string, value float64) error {
	return nil
}
