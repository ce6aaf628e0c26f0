// Package reisencapture provides framepipe.Capture implementations backed
// by github.com/erparts/reisen. The implementations are headless: they pull
// frames as fast as framepipe.VideoSource asks for them and hand back
// image.Image values, leaving presentation timing entirely to the pipeline.
package reisencapture

import (
	"fmt"
	"image"
	"io"
	"sync"

	"github.com/erparts/reisen"

	"github.com/erparts/go-framepipe"
)

func init() {
	framepipe.RegisterCaptureFactory("file", func(reference string) (framepipe.Capture, error) {
		return newFileCapture(reference)
	})
}

// fileCapture reads a finite, seekable media file frame by frame under
// framepipe's non-blocking Read contract: io.EOF signals the natural end
// of the file, matching VideoSource's ENDED transition.
type fileCapture struct {
	path string

	mutex  sync.Mutex
	media  *reisen.Media
	stream *reisen.VideoStream
	props  framepipe.SourceProperties
}

func newFileCapture(path string) (framepipe.Capture, error) {
	return &fileCapture{path: path}, nil
}

func (c *fileCapture) Open() (framepipe.SourceProperties, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	media, err := reisen.NewMedia(c.path)
	if err != nil {
		return framepipe.SourceProperties{}, fmt.Errorf("reisencapture: opening %q: %w", c.path, err)
	}

	videoStreams := media.VideoStreams()
	if len(videoStreams) == 0 {
		media.Close()
		return framepipe.SourceProperties{}, fmt.Errorf("reisencapture: %q has no video stream", c.path)
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
	fps := float64(frNum) / float64(frDenom)

	duration, err := stream.Duration()
	totalFrames := int64(-1)
	if err == nil && fps > 0 {
		totalFrames = int64(duration.Seconds() * fps)
	}

	c.media = media
	c.stream = stream
	c.props = framepipe.SourceProperties{
		Width:       stream.Width(),
		Height:      stream.Height(),
		DeclaredFPS: fps,
		TotalFrames: totalFrames,
		IsFile:      true,
	}
	return c.props, nil
}

func (c *fileCapture) Read() (image.Image, bool, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.media == nil || c.stream == nil {
		return nil, false, fmt.Errorf("reisencapture: read before open")
	}

	for {
		packet, found, err := c.media.ReadPacket()
		if err != nil {
			return nil, false, err
		}
		if !found {
			return nil, false, io.EOF
		}
		if packet.Type() != reisen.StreamVideo || packet.StreamIndex() != c.stream.Index() {
			continue
		}

		frame, got, err := c.stream.ReadVideoFrame()
		if err != nil {
			return nil, false, err
		}
		if !got || frame == nil {
			continue
		}
		return frameToImage(frame, c.props.Width, c.props.Height), true, nil
	}
}

func (c *fileCapture) Release() error {
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

func (c *fileCapture) GetProperty(key string) (float64, bool) {
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

// SetProperty is a best-effort no-op for playback-rate/resolution knobs
// reisen doesn't expose a setter for on an already-opened file stream; it
// never errors so callers applying a generic property map don't need to
// special-case file sources.
func (c *fileCapture) SetProperty(key string, value float64) error {
	return nil
}

// frameToImage wraps the raw RGBA byte slice reisen decodes into a stdlib
// image.Image, so the rest of framepipe never needs to know about reisen's
// pixel format.
func frameToImage(frame *reisen.VideoFrame, width, height int) image.Image {
	img := &image.RGBA{
		Pix:    frame.Data(),
		Stride: width * 4,
		Rect:   image.Rect(0, 0, width, height),
	}
	return img
}
