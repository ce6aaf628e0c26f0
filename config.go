package framepipe

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds the pipeline-wide tunables. The core never reads the
// environment itself, so Config is a plain struct embedders populate
// however they like. LoadConfigFromEnv is provided as an opt-in convenience
// for callers who do want envconfig-style binding.
type Config struct {
	PredictionsQueueSize int           `envconfig:"INFERENCE_PIPELINE_PREDICTIONS_QUEUE_SIZE" default:"512"`
	RestartAttemptDelay  time.Duration `envconfig:"INFERENCE_PIPELINE_RESTART_ATTEMPT_DELAY" default:"1s"`
	StatusThrottle       time.Duration `envconfig:"STATUS_THROTTLE_SECONDS" default:"1s"`
}

// DefaultConfig returns the defaults every constructor falls back to.
func DefaultConfig() Config {
	return Config{
		PredictionsQueueSize: 512,
		RestartAttemptDelay:  time.Second,
		StatusThrottle:       time.Second,
	}
}

// LoadConfigFromEnv binds Config fields from the process environment via
// envconfig, falling back to DefaultConfig's values for anything unset.
// Embedders opt into this explicitly; it is never called by New.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
