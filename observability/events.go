package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type eventMetrics struct {
	slashes *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking structured chain events.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			slashes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "computechain",
				Subsystem: "events",
				Name:      "slashes_total",
				Help:      "Count of validator slashing events segmented by reason.",
			}, []string{"reason"}),
		}
		prometheus.MustRegister(eventRegistry.slashes)
	})
	return eventRegistry
}

// RecordSlash increments the slash counter for the supplied reason.
func (m *eventMetrics) RecordSlash(reason string) {
	if m == nil {
		return
	}
	normalized := strings.TrimSpace(strings.ToLower(reason))
	if normalized == "" {
		normalized = "unknown"
	}
	m.slashes.WithLabelValues(normalized).Inc()
}
