package framepipe

// SinkMode selects how the dispatcher calls the Sink.
type SinkMode uint8

const (
	// AdaptiveSinkMode uses batch delivery when 2+ sources contribute to an
	// envelope, sequential delivery otherwise.
	AdaptiveSinkMode SinkMode = iota
	// BatchSinkMode always delivers the full predictions/frames lists.
	BatchSinkMode
	// SequentialSinkMode delivers one (prediction, frame) pair per call,
	// iterating positionally.
	SequentialSinkMode
)

// Sink is a tagged variant: the user declares which calling convention
// their callback uses, instead of the Pipeline inspecting a callable's
// signature at runtime. Exactly one of the two constructors below should be
// used to build a Sink; the zero value invokes nothing.
type Sink struct {
	batch      func([]Prediction, []VideoFrame) error
	sequential func(Prediction, VideoFrame) error
}

// BatchSink wraps a callback that receives the whole batch's predictions
// and frames as parallel, positionally-aligned slices.
func BatchSink(fn func(predictions []Prediction, frames []VideoFrame) error) Sink {
	return Sink{batch: fn}
}

// SequentialSink wraps a callback invoked once per (prediction, frame)
// pair.
func SequentialSink(fn func(prediction Prediction, frame VideoFrame) error) Sink {
	return Sink{sequential: fn}
}

func (s Sink) isZero() bool { return s.batch == nil && s.sequential == nil }

// effectiveMode resolves SinkMode against the number of sources
// contributing to this particular envelope: in adaptive mode, batch
// delivery when >= 2 sources contribute, sequential otherwise.
func effectiveMode(mode SinkMode, sourceCount int) SinkMode {
	if mode != AdaptiveSinkMode {
		return mode
	}
	if sourceCount >= 2 {
		return BatchSinkMode
	}
	return SequentialSinkMode
}

// dispatch invokes sink according to the resolved delivery mode, adapting
// across signature mismatches: a SequentialSink asked for batch delivery is
// called once per pair; a BatchSink asked for sequential delivery is called
// once per pair with length-1 slices.
func (s Sink) dispatch(mode SinkMode, predictions []Prediction, frames []VideoFrame) error {
	if s.isZero() {
		return nil
	}
	resolved := effectiveMode(mode, len(frames))

	if resolved == BatchSinkMode {
		if s.batch != nil {
			return s.batch(predictions, frames)
		}
		for i := range frames {
			if err := s.sequential(predictions[i], frames[i]); err != nil {
				return err
			}
		}
		return nil
	}

	if s.sequential != nil {
		for i := range frames {
			if err := s.sequential(predictions[i], frames[i]); err != nil {
				return err
			}
		}
		return nil
	}
	for i := range frames {
		if err := s.batch([]Prediction{predictions[i]}, []VideoFrame{frames[i]}); err != nil {
			return err
		}
	}
	return nil
}

func (s Sink) String() string {
	switch {
	case s.batch != nil:
		return "Sink(batch)"
	case s.sequential != nil:
		return "Sink(sequential)"
	default:
		return "Sink(none)"
	}
}
