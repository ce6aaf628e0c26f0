package framepipe

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// NewPrometheusStatusHandler returns a StatusHandler that counts every
// StatusUpdate by event_type and severity, registered against reg (pass
// prometheus.DefaultRegisterer to use the global registry). It's an
// ordinary status_update_handlers entry — nothing in the core treats
// metrics specially.
func NewPrometheusStatusHandler(reg prometheus.Registerer) StatusHandler {
	counter := promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
		Namespace: "framepipe",
		Name:      "status_updates_total",
		Help:      "Total StatusUpdates emitted by the pipeline, by event type and severity.",
	}, []string{"event_type", "severity"})

	return func(update StatusUpdate) {
		counter.WithLabelValues(update.EventType, update.Severity.String()).Inc()
	}
}
