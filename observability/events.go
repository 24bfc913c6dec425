package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type eventMetrics struct {
	emitted   *prometheus.CounterVec
	transfers prometheus.Counter
	dropped   *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking structured ledger events.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			emitted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "shillmarket",
				Subsystem: "events",
				Name:      "emitted_total",
				Help:      "Count of committed events segmented by type.",
			}, []string{"type"}),
			transfers: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "shillmarket",
				Subsystem: "events",
				Name:      "transfer_amount_total",
				Help:      "Value moved by user transfers.",
			}),
			dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "shillmarket",
				Subsystem: "events",
				Name:      "dropped_total",
				Help:      "Events a subscriber could not accept, segmented by subscriber.",
			}, []string{"subscriber"}),
		}
		prometheus.MustRegister(eventRegistry.emitted, eventRegistry.transfers, eventRegistry.dropped)
	})
	return eventRegistry
}

// RecordEvent increments the counter for the supplied event type.
func (m *eventMetrics) RecordEvent(eventType string) {
	if m == nil {
		return
	}
	normalized := strings.TrimSpace(strings.ToLower(eventType))
	if normalized == "" {
		normalized = "unknown"
	}
	m.emitted.WithLabelValues(normalized).Inc()
}

// RecordTransfer adds a user transfer amount.
func (m *eventMetrics) RecordTransfer(amount uint64) {
	if m == nil {
		return
	}
	m.transfers.Add(float64(amount))
}

// RecordDropped counts an event a slow subscriber missed.
func (m *eventMetrics) RecordDropped(subscriber string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(subscriber).Inc()
}
