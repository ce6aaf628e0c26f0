package framepipe

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// InferenceErrorPolicy decides what happens to the inference worker when
// the user-supplied inference function returns an error.
type InferenceErrorPolicy uint8

const (
	// InferenceErrorTerminate breaks the inference loop on the first
	// error. The sentinel is still enqueued so the dispatcher drains and
	// exits in order.
	InferenceErrorTerminate InferenceErrorPolicy = iota
	// InferenceErrorSkip logs and emits INFERENCE_ERROR but continues with
	// the next batch.
	InferenceErrorSkip
)

// predictionsItem is what flows through the bounded predictions queue: a
// sentinel, or a completed (predictions, frames) envelope.
type predictionsItem struct {
	sentinel    bool
	predictions []Prediction
	frames      []VideoFrame
}

// PipelineConfig configures a Pipeline's behavior beyond what individual
// VideoSources need.
type PipelineConfig struct {
	Config
	MaxFPS                 *float64
	BatchCollectionTimeout time.Duration
	SinkMode               SinkMode
	InferenceErrorPolicy   InferenceErrorPolicy
	OnVideoFrame           func([]VideoFrame) ([]Prediction, error)
	OnPrediction           Sink
	OnPipelineStart        func()
	OnPipelineEnd          func()
	Watchdog               Watchdog
}

// Pipeline is the three-stage orchestrator: acquisition (VideoSources feed
// the Multiplexer) -> inference -> dispatch, wired by a bounded predictions
// queue. It owns every VideoSource passed to it: constructing a Pipeline
// consumes the slice, and Terminate tears all of them down.
type Pipeline struct {
	cfg         PipelineConfig
	bus         *StatusBus
	sources     []*VideoSource
	multiplexer *Multiplexer

	ctx    context.Context
	cancel context.CancelFunc

	predictionsQueue chan predictionsItem
	stopped          atomic.Bool

	group     *errgroup.Group
	startOnce sync.Once
	endOnce   sync.Once
}

// newPipeline is an internal constructor; external callers go through
// New(...) in factory.go, which also performs validation and source
// construction.
func newPipeline(sources []*VideoSource, cfg PipelineConfig, bus *StatusBus) *Pipeline {
	if cfg.Watchdog == nil {
		cfg.Watchdog = NullWatchdog{}
	}
	queueSize := cfg.PredictionsQueueSize
	if queueSize <= 0 {
		queueSize = DefaultConfig().PredictionsQueueSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		cfg:              cfg,
		bus:              bus,
		sources:          sources,
		ctx:              ctx,
		cancel:           cancel,
		predictionsQueue: make(chan predictionsItem, queueSize),
	}
	p.multiplexer = NewMultiplexer(sources, MultiplexerConfig{
		BatchCollectionTimeout: cfg.BatchCollectionTimeout,
		MaxFPS:                 cfg.MaxFPS,
	})
	return p
}

// Start spawns the inference worker and either runs the dispatcher on the
// calling goroutine (blocking, when useMainThread is true) or spawns it as
// its own goroutine.
func (p *Pipeline) Start(useMainThread bool) {
	p.startOnce.Do(func() {
		if p.cfg.OnPipelineStart != nil {
			p.cfg.OnPipelineStart()
		}
	})

	p.group, _ = errgroup.WithContext(context.Background())
	p.group.Go(func() error {
		p.runInferenceWorker()
		return nil
	})

	if useMainThread {
		p.runDispatcher()
	} else {
		p.group.Go(func() error {
			p.runDispatcher()
			return nil
		})
	}
}

// runInferenceWorker pulls batches from the multiplexer, runs the user's
// inference function, and queues the results for dispatch.
func (p *Pipeline) runInferenceWorker() {
	p.bus.Emit(SeverityInfo, EventInferenceThreadStarted, nil)

	for {
		batch, ok := p.multiplexer.Next(p.ctx, p.stopped.Load)
		if !ok {
			break
		}

		p.cfg.Watchdog.OnModelInferenceStarted(batch)
		predictions, err := p.cfg.OnVideoFrame(batch)
		if err != nil {
			p.bus.Emit(SeverityError, EventInferenceError, map[string]any{
				"error": err.Error(),
			})
			if p.cfg.InferenceErrorPolicy == InferenceErrorTerminate {
				break
			}
			continue
		}
		if len(predictions) != len(batch) {
			err := fmt.Errorf("on_video_frame returned %d predictions for %d frames", len(predictions), len(batch))
			p.bus.Emit(SeverityError, EventInferenceError, map[string]any{"error": err.Error()})
			if p.cfg.InferenceErrorPolicy == InferenceErrorTerminate {
				break
			}
			continue
		}
		p.cfg.Watchdog.OnModelPredictionReady(batch)

		select {
		case p.predictionsQueue <- predictionsItem{predictions: predictions, frames: batch}:
		case <-p.ctx.Done():
		}
		if p.ctx.Err() != nil {
			break
		}

		frameIDs := make([]uint64, len(batch))
		for i, f := range batch {
			frameIDs[i] = f.FrameID
		}
		p.bus.Emit(SeverityDebug, EventInferenceCompleted, map[string]any{"frame_ids": frameIDs})
	}

	p.bus.Emit(SeverityInfo, EventInferenceThreadFinished, nil)
	p.predictionsQueue <- predictionsItem{sentinel: true}
}

// runDispatcher drains the predictions queue into the sink until the
// sentinel arrives. A failing sink is contained locally: the dispatcher
// always continues with the next item.
func (p *Pipeline) runDispatcher() {
	for {
		item, ok := <-p.predictionsQueue
		if !ok || item.sentinel {
			break
		}
		p.dispatch(item)
	}
	p.endOnce.Do(func() {
		if p.cfg.OnPipelineEnd != nil {
			p.cfg.OnPipelineEnd()
		}
	})
}

func (p *Pipeline) dispatch(item predictionsItem) {
	defer func() {
		if r := recover(); r != nil {
			p.bus.Emit(SeverityError, EventInferenceResultsDispatchingErr, map[string]any{
				"error": fmt.Sprintf("sink panicked: %v", r),
			})
		}
	}()
	if err := p.cfg.OnPrediction.dispatch(p.cfg.SinkMode, item.predictions, item.frames); err != nil {
		p.bus.Emit(SeverityError, EventInferenceResultsDispatchingErr, map[string]any{
			"error": err.Error(),
		})
	}
}

// Terminate sets the stop flag and terminates every source. The
// multiplexer will eventually stop yielding batches, the inference worker
// drains and enqueues the sentinel, and the dispatcher exits in turn.
// Idempotent: safe to call multiple times, from any goroutine.
func (p *Pipeline) Terminate() {
	if !p.stopped.CompareAndSwap(false, true) {
		return
	}
	p.cancel()
	var wg sync.WaitGroup
	for _, s := range p.sources {
		wg.Add(1)
		go func(s *VideoSource) {
			defer wg.Done()
			_ = s.Terminate(false)
		}(s)
	}
	wg.Wait()
}

// PauseStream forwards Pause to the source with the given id, or every
// source if sourceID is nil.
func (p *Pipeline) PauseStream(sourceID *int) error {
	return p.forEachSource(sourceID, func(s *VideoSource) error { return s.Pause() })
}

// MuteStream forwards Mute to the source with the given id, or every source
// if sourceID is nil.
func (p *Pipeline) MuteStream(sourceID *int) error {
	return p.forEachSource(sourceID, func(s *VideoSource) error { return s.Mute() })
}

// ResumeStream forwards Resume to the source with the given id, or every
// source if sourceID is nil.
func (p *Pipeline) ResumeStream(sourceID *int) error {
	return p.forEachSource(sourceID, func(s *VideoSource) error { return s.Resume() })
}

// RestartStream forwards Restart to the source with the given id, or every
// source if sourceID is nil.
func (p *Pipeline) RestartStream(sourceID *int, waitOnFramesConsumption bool) error {
	return p.forEachSource(sourceID, func(s *VideoSource) error { return s.Restart(waitOnFramesConsumption) })
}

func (p *Pipeline) forEachSource(sourceID *int, op func(*VideoSource) error) error {
	if sourceID == nil {
		var firstErr error
		for _, s := range p.sources {
			if err := op(s); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}
	for _, s := range p.sources {
		if s.SourceID() == *sourceID {
			return op(s)
		}
	}
	return fmt.Errorf("framepipe: no source with id %d", *sourceID)
}

// Sources returns the Pipeline's owned VideoSources, mainly for
// introspection (describe_source, state polling) by embedders.
func (p *Pipeline) Sources() []*VideoSource { return p.sources }

// Join blocks until the inference worker and (if spawned) the dispatcher
// worker have exited, then tears down any source still alive — once the
// workers are gone no batch can ever flow again, so an ENDED source parked
// on its producer would otherwise outlive the pipeline. on_pipeline_end has
// already fired by the time Join returns, since the dispatcher invokes it
// as its very last step. Join always returns normally: runtime failures
// surface exclusively via status events, never as a Join error.
func (p *Pipeline) Join() {
	if p.group != nil {
		_ = p.group.Wait()
	}
	p.Terminate()
	for _, s := range p.sources {
		s.Wait()
	}
}
