package framepipe

import (
	"fmt"
	"image"
	"net/url"
	"strconv"
	"sync"
)

// Capture is the capability a VideoSource needs from whatever decodes a
// particular kind of reference (file, RTSP/HTTP stream, attached camera).
// Concrete decoder bindings live outside this package; this interface is
// the seam external collaborators implement against, replacing source-type
// sniffing with a single capability surface.
//
// Read must be non-blocking-ish from the caller's perspective: it may take
// as long as decoding a frame takes, but it must not block indefinitely on
// network stalls without respecting context cancellation.
type Capture interface {
	// Open connects to the underlying source. Must be called before Read.
	Open() (SourceProperties, error)
	// Read decodes the next frame. ok is false on a transient read miss
	// (e.g. live starvation) that is not itself an error. err is non-nil on
	// a real decode/connection failure.
	Read() (frame image.Image, ok bool, err error)
	// Release tears down the capture. Safe to call multiple times.
	Release() error
	// GetProperty/SetProperty expose the cv2.CAP_PROP_*-equivalent knobs
	// mentioned by a video source's declared properties map.
	GetProperty(key string) (float64, bool)
	SetProperty(key string, value float64) error
}

// CaptureFactory opens a Capture for a given reference string (already
// normalized: a bare path, a URL, or for devices the bare decimal index).
type CaptureFactory func(reference string) (Capture, error)

var (
	captureRegistryMu sync.RWMutex
	captureRegistry   = map[string]CaptureFactory{}
)

// RegisterCaptureFactory associates a URI scheme (e.g. "rtsp", "http",
// "file", "device") with a factory. Concrete Capture implementations call
// this from an init() in their own package, e.g. reisencapture.
func RegisterCaptureFactory(scheme string, factory CaptureFactory) {
	captureRegistryMu.Lock()
	defer captureRegistryMu.Unlock()
	captureRegistry[scheme] = factory
}

// openCapture resolves a video_reference (string path/URL or int device
// index) to a Capture via the scheme registry.
func openCapture(reference VideoReference) (Capture, error) {
	scheme, normalized := reference.schemeAndValue()
	captureRegistryMu.RLock()
	factory, ok := captureRegistry[scheme]
	captureRegistryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: scheme %q (reference %v)", ErrUnknownScheme, scheme, reference)
	}
	return factory(normalized)
}

// VideoReference is one entry of the factory's video_reference parameter
// a file path, a stream URL, or a device index.
type VideoReference struct {
	Path        string
	DeviceIndex *int
}

// FileOrStream builds a VideoReference from a path or URL.
func FileOrStream(pathOrURL string) VideoReference { return VideoReference{Path: pathOrURL} }

// Device builds a VideoReference for an attached camera by index.
func Device(index int) VideoReference { return VideoReference{DeviceIndex: &index} }

func (r VideoReference) String() string {
	if r.DeviceIndex != nil {
		return fmt.Sprintf("device:%d", *r.DeviceIndex)
	}
	return r.Path
}

// schemeAndValue returns the registry key and the normalized reference
// string passed on to the factory.
func (r VideoReference) schemeAndValue() (string, string) {
	if r.DeviceIndex != nil {
		return "device", strconv.Itoa(*r.DeviceIndex)
	}
	if u, err := url.Parse(r.Path); err == nil && u.Scheme != "" {
		return u.Scheme, r.Path
	}
	return "file", r.Path
}

// isFileReference is used to negotiate default buffer disciplines and rate
// limiter strategy before the Capture is even opened.
func (r VideoReference) isFileReference() bool {
	if r.DeviceIndex != nil {
		return false
	}
	scheme, _ := r.schemeAndValue()
	return scheme == "file"
}
