package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"stakeledger/core/events"
)

type eventMetrics struct {
	emitted *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

var _ events.Emitter = (*eventMetrics)(nil)

// Events returns the metrics registry counting ledger events. It doubles as
// an events.Emitter so it can sit in an emitter fanout.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			emitted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stakeledger",
				Subsystem: "events",
				Name:      "emitted_total",
				Help:      "Ledger events emitted, segmented by type.",
			}, []string{"type"}),
		}
		prometheus.MustRegister(eventRegistry.emitted)
	})
	return eventRegistry
}

// Emit implements events.Emitter.
func (m *eventMetrics) Emit(e events.Event) {
	if m == nil || e == nil {
		return
	}
	eventType := strings.TrimSpace(e.EventType())
	if eventType == "" {
		eventType = "unknown"
	}
	m.emitted.WithLabelValues(eventType).Inc()
}
