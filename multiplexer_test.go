package framepipe

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startFakeSource(t *testing.T, scheme string, sourceID int, totalFrames int64) *VideoSource {
	t.Helper()
	if totalFrames >= 0 {
		registerFakeFactory(scheme, func() *fakeCapture { return newFakeFileCapture(totalFrames) })
	} else {
		registerFakeFactory(scheme, func() *fakeCapture { return newFakeLiveCapture() })
	}
	vs := NewVideoSource(VideoSourceConfig{SourceID: sourceID, Reference: FileOrStream(scheme + "://src")}, DefaultConfig(), NewStatusBus())
	require.NoError(t, vs.Start())
	return vs
}

func TestMultiplexer_BatchesInAscendingSourceOrder(t *testing.T) {
	s1 := startFakeSource(t, "fake-mux-1", 1, -1)
	s0 := startFakeSource(t, "fake-mux-0", 0, -1)

	mux := NewMultiplexer([]*VideoSource{s1, s0}, MultiplexerConfig{})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var batch []VideoFrame
	deadline := time.Now().Add(2 * time.Second)
	for len(batch) < 2 && time.Now().Before(deadline) {
		b, ok := mux.Next(ctx, func() bool { return false })
		if ok {
			batch = b
		}
	}
	require.Len(t, batch, 2)
	assert.Equal(t, 0, batch[0].SourceID)
	assert.Equal(t, 1, batch[1].SourceID)

	_ = s0.Terminate(false)
	_ = s1.Terminate(false)
	s0.Wait()
	s1.Wait()
}

func TestMultiplexer_TerminatesWhenAllSourcesDone(t *testing.T) {
	s0 := startFakeSource(t, "fake-mux-file-a", 0, 3)

	mux := NewMultiplexer([]*VideoSource{s0}, MultiplexerConfig{})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var total int
	for {
		batch, ok := mux.Next(ctx, func() bool { return false })
		if !ok {
			break
		}
		total += len(batch)
	}
	assert.Equal(t, 3, total)
}

func TestMultiplexer_HonorsShouldStop(t *testing.T) {
	s0 := startFakeSource(t, "fake-mux-live-b", 0, -1)
	defer func() {
		_ = s0.Terminate(false)
		s0.Wait()
	}()

	mux := NewMultiplexer([]*VideoSource{s0}, MultiplexerConfig{})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, ok := mux.Next(ctx, func() bool { return true })
	assert.False(t, ok, "Next must return immediately when shouldStop is already true")
}
