package framepipe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSink_BatchMode(t *testing.T) {
	var gotPredictions []Prediction
	var gotFrames []VideoFrame
	sink := BatchSink(func(predictions []Prediction, frames []VideoFrame) error {
		gotPredictions = predictions
		gotFrames = frames
		return nil
	})

	frames := []VideoFrame{{SourceID: 0, FrameID: 1}, {SourceID: 1, FrameID: 1}}
	predictions := []Prediction{"a", "b"}
	require.NoError(t, sink.dispatch(BatchSinkMode, predictions, frames))
	assert.Equal(t, predictions, gotPredictions)
	assert.Equal(t, frames, gotFrames)
}

func TestSink_SequentialMode(t *testing.T) {
	var calls int
	sink := SequentialSink(func(prediction Prediction, frame VideoFrame) error {
		calls++
		return nil
	})

	frames := []VideoFrame{{SourceID: 0, FrameID: 1}, {SourceID: 1, FrameID: 1}}
	predictions := []Prediction{"a", "b"}
	require.NoError(t, sink.dispatch(SequentialSinkMode, predictions, frames))
	assert.Equal(t, 2, calls)
}

func TestSink_AdaptiveModePicksBatchForMultipleSources(t *testing.T) {
	assert.Equal(t, SequentialSinkMode, effectiveMode(AdaptiveSinkMode, 1))
	assert.Equal(t, BatchSinkMode, effectiveMode(AdaptiveSinkMode, 2))
	assert.Equal(t, BatchSinkMode, effectiveMode(AdaptiveSinkMode, 3))
}

func TestSink_AdapterSplatsBatchSinkForSequentialMode(t *testing.T) {
	var calls [][]Prediction
	sink := BatchSink(func(predictions []Prediction, frames []VideoFrame) error {
		calls = append(calls, predictions)
		return nil
	})

	frames := []VideoFrame{{SourceID: 0, FrameID: 1}, {SourceID: 1, FrameID: 1}}
	predictions := []Prediction{"a", "b"}
	require.NoError(t, sink.dispatch(SequentialSinkMode, predictions, frames))
	require.Len(t, calls, 2)
	assert.Equal(t, []Prediction{"a"}, calls[0])
	assert.Equal(t, []Prediction{"b"}, calls[1])
}

func TestSink_AdapterCallsSequentialSinkOncePerPairForBatchMode(t *testing.T) {
	var calls int
	sink := SequentialSink(func(prediction Prediction, frame VideoFrame) error {
		calls++
		return nil
	})

	frames := []VideoFrame{{SourceID: 0, FrameID: 1}, {SourceID: 1, FrameID: 1}}
	predictions := []Prediction{"a", "b"}
	require.NoError(t, sink.dispatch(BatchSinkMode, predictions, frames))
	assert.Equal(t, 2, calls)
}
