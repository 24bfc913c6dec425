package observability

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type moduleMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics

	escrowMetricsOnce sync.Once
	escrowRegistry    *EscrowMetrics

	settlementMetricsOnce sync.Once
	settlementRegistry    *SettlementMetrics
)

// ModuleMetrics returns the lazily-initialised module metrics registry used to
// record RPC module activity.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "shillmarket",
				Subsystem: "module",
				Name:      "requests_total",
				Help:      "Total JSON-RPC module requests segmented by module and method.",
			}, []string{"module", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "shillmarket",
				Subsystem: "module",
				Name:      "errors_total",
				Help:      "Total JSON-RPC module errors segmented by module, method, and status code.",
			}, []string{"module", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "shillmarket",
				Subsystem: "module",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for JSON-RPC module handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "shillmarket",
				Subsystem: "module",
				Name:      "throttles_total",
				Help:      "Count of module requests rejected due to throttling policies.",
			}, []string{"module", "reason"}),
		}
		prometheus.MustRegister(
			moduleRegistry.requests,
			moduleRegistry.errors,
			moduleRegistry.latency,
			moduleRegistry.throttles,
		)
	})
	return moduleRegistry
}

// Observe records the outcome of a module request. The status code should be
// the HTTP status that was ultimately written to the response writer, or the
// JSON-RPC error code when the envelope carried one.
func (m *moduleMetrics) Observe(module, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 || status < 0 {
		outcome = "error"
	}
	m.requests.WithLabelValues(module, method, outcome).Inc()
	if outcome == "error" {
		m.errors.WithLabelValues(module, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(module, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied module and
// reason. Reasons should be stable strings such as "rate_limit" so dashboards
// and alerts remain consistent.
func (m *moduleMetrics) RecordThrottle(module, reason string) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(module, reason).Inc()
}

// EscrowMetrics tracks instruction application and settled value.
type EscrowMetrics struct {
	instructions *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	settled      *prometheus.CounterVec
	fees         prometheus.Counter
	locked       prometheus.Gauge
}

// Escrow returns the singleton registry for the instruction processor.
func Escrow() *EscrowMetrics {
	escrowMetricsOnce.Do(func() {
		escrowRegistry = &EscrowMetrics{
			instructions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "shillmarket",
				Subsystem: "escrow",
				Name:      "instructions_total",
				Help:      "Applied instructions segmented by kind and outcome.",
			}, []string{"kind", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "shillmarket",
				Subsystem: "escrow",
				Name:      "instruction_duration_seconds",
				Help:      "Time spent applying and committing an instruction.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"kind"}),
			settled: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "shillmarket",
				Subsystem: "escrow",
				Name:      "settled_amount_total",
				Help:      "Escrowed amount settled, segmented by outcome.",
			}, []string{"outcome"}),
			fees: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "shillmarket",
				Subsystem: "escrow",
				Name:      "fees_collected_total",
				Help:      "Platform fees moved into the treasury.",
			}),
			locked: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "shillmarket",
				Subsystem: "escrow",
				Name:      "locked_escrows",
				Help:      "Escrows created but not yet settled since process start.",
			}),
		}
		prometheus.MustRegister(
			escrowRegistry.instructions,
			escrowRegistry.latency,
			escrowRegistry.settled,
			escrowRegistry.fees,
			escrowRegistry.locked,
		)
	})
	return escrowRegistry
}

// ObserveInstruction records one applied or rejected instruction.
func (m *EscrowMetrics) ObserveInstruction(kind string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	kind = strings.TrimSpace(kind)
	if kind == "" {
		kind = "unknown"
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.instructions.WithLabelValues(kind, outcome).Inc()
	m.latency.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordLocked notes a freshly created escrow.
func (m *EscrowMetrics) RecordLocked() {
	if m == nil {
		return
	}
	m.locked.Inc()
}

// RecordSettlement notes a release or refund of amount of which fee went to
// the treasury.
func (m *EscrowMetrics) RecordSettlement(outcome string, amount, fee uint64) {
	if m == nil {
		return
	}
	m.settled.WithLabelValues(outcome).Add(float64(amount))
	if fee > 0 {
		m.fees.Add(float64(fee))
	}
	m.locked.Dec()
}

// SettlementMetrics captures the coordinator's submission attempts.
type SettlementMetrics struct {
	attempts *prometheus.CounterVec
	results  *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// Settlement returns the singleton registry for the settlement coordinator.
func Settlement() *SettlementMetrics {
	settlementMetricsOnce.Do(func() {
		settlementRegistry = &SettlementMetrics{
			attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "shillmarket",
				Subsystem: "settlementd",
				Name:      "attempts_total",
				Help:      "Submission attempts segmented by decision.",
			}, []string{"decision"}),
			results: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "shillmarket",
				Subsystem: "settlementd",
				Name:      "results_total",
				Help:      "Final settlement outcomes segmented by decision and result.",
			}, []string{"decision", "result"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "shillmarket",
				Subsystem: "settlementd",
				Name:      "settle_duration_seconds",
				Help:      "Time from accepting a decision to its final outcome.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"decision"}),
		}
		prometheus.MustRegister(
			settlementRegistry.attempts,
			settlementRegistry.results,
			settlementRegistry.latency,
		)
	})
	return settlementRegistry
}

// RecordAttempt counts one submission of a settlement instruction.
func (m *SettlementMetrics) RecordAttempt(decision string) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(decision).Inc()
}

// RecordResult records the terminal outcome of a decision.
func (m *SettlementMetrics) RecordResult(decision, result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.results.WithLabelValues(decision, result).Inc()
	m.latency.WithLabelValues(decision).Observe(duration.Seconds())
}
