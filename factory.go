package framepipe

import (
	"time"
)

// Options carries every input an embedder can supply to build a Pipeline.
// VideoReferences must contain at least one entry. OnVideoFrame is the only
// strictly required field beyond that.
type Options struct {
	VideoReferences []VideoReference
	OnVideoFrame    func([]VideoFrame) ([]Prediction, error)
	OnPrediction    Sink // optional; zero value drops results after inference

	OnPipelineStart func()
	OnPipelineEnd   func()

	MaxFPS *float64 // nil or unset disables rate limiting

	StatusUpdateHandlers []StatusHandler
	Watchdog             Watchdog

	// SourceBufferFillingStrategy / SourceBufferConsumptionStrategy: nil
	// lets each VideoSource negotiate its own default from its source
	// type (file vs live).
	SourceBufferFillingStrategy     *FillingStrategy
	SourceBufferConsumptionStrategy *ConsumptionStrategy

	// VideoSourceProperties, when non-nil, is applied via
	// Capture.SetProperty right after Open. PerSourceProperties, if set
	// and the same length as VideoReferences, overrides it index-by-index;
	// otherwise every source gets the same VideoSourceProperties map.
	VideoSourceProperties map[string]float64
	PerSourceProperties   []map[string]float64

	SinkMode               SinkMode
	BatchCollectionTimeout time.Duration
	ResetFrameIDOnRestart  bool
	InferenceErrorPolicy   InferenceErrorPolicy
	RestartAttemptDelay    time.Duration // 0 uses Config's default

	Config Config // predictions queue size, restart delay, status throttle
}

// New validates opts and builds a Pipeline: it resolves each
// VideoReference to a VideoSource, starts every source (failing fast if any
// source's initial connection fails, file or live), and wires the
// Multiplexer/inference/dispatch topology. On success the Pipeline has not
// yet been Start()-ed.
func New(opts Options) (*Pipeline, error) {
	if len(opts.VideoReferences) == 0 {
		return nil, ErrNoVideoReferences
	}
	if opts.MaxFPS != nil && *opts.MaxFPS <= 0 {
		return nil, ErrInvalidMaxFPS
	}
	if opts.OnVideoFrame == nil {
		return nil, ErrNoOnVideoFrame
	}

	cfg := opts.Config
	if cfg.PredictionsQueueSize <= 0 {
		cfg = DefaultConfig()
	}

	handlers := append([]StatusHandler{}, opts.StatusUpdateHandlers...)
	if opts.Watchdog != nil {
		handlers = append(handlers, opts.Watchdog.OnStatusUpdate)
	}
	bus := NewStatusBus(handlers...).WithThrottle(cfg.StatusThrottle)

	sources := make([]*VideoSource, 0, len(opts.VideoReferences))
	for i, ref := range opts.VideoReferences {
		props := opts.VideoSourceProperties
		if len(opts.PerSourceProperties) == len(opts.VideoReferences) {
			props = opts.PerSourceProperties[i]
		}
		sourceCfg := VideoSourceConfig{
			SourceID:              i,
			Reference:             ref,
			Filling:               opts.SourceBufferFillingStrategy,
			Consuming:             opts.SourceBufferConsumptionStrategy,
			RestartAttemptDelay:   opts.RestartAttemptDelay,
			ResetFrameIDOnRestart: opts.ResetFrameIDOnRestart,
			Properties:            props,
		}
		sources = append(sources, NewVideoSource(sourceCfg, cfg, bus))
	}

	for _, src := range sources {
		if err := src.Start(); err != nil {
			// Fail-fast: terminate sources already started and propagate.
			for _, started := range sources {
				_ = started.Terminate(false)
			}
			return nil, err
		}
	}

	pipelineCfg := PipelineConfig{
		Config:                 cfg,
		MaxFPS:                 opts.MaxFPS,
		BatchCollectionTimeout: opts.BatchCollectionTimeout,
		SinkMode:               opts.SinkMode,
		InferenceErrorPolicy:   opts.InferenceErrorPolicy,
		OnVideoFrame:           opts.OnVideoFrame,
		OnPrediction:           opts.OnPrediction,
		OnPipelineStart:        opts.OnPipelineStart,
		OnPipelineEnd:          opts.OnPipelineEnd,
		Watchdog:               opts.Watchdog,
	}
	return newPipeline(sources, pipelineCfg, bus), nil
}
