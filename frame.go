package framepipe

import (
	"image"
	"time"
)

// VideoFrame is an immutable record emitted by a VideoSource.
//
// FrameID is a monotonic per-source counter starting at 1. Whether it
// resets across Restart is controlled by
// VideoSourceConfig.ResetFrameIDOnRestart.
type VideoFrame struct {
	Image          image.Image
	FrameID        uint64
	FrameTimestamp time.Time
	SourceID       int
	FPS            float64 // producer-side measured rate; 0 if unknown
	MeasuredFPS    float64 // consumer-side measured rate; 0 if unknown
}

// SourceProperties is queried once at connection time.
type SourceProperties struct {
	Width       int
	Height      int
	DeclaredFPS float64
	TotalFrames int64 // -1 if live/unknown
	IsFile      bool
}

// PredictionEnvelope pairs inference outputs with the frames they were
// computed from, positionally aligned.
type PredictionEnvelope struct {
	Predictions []Prediction
	Frames      []VideoFrame
}

// Prediction is deliberately opaque: the core never interprets model
// output, it only carries it through to the sink.
type Prediction = any
