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
)

// ModuleMetrics returns the lazily-initialised module metrics registry used to
// record RPC module activity.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrowledger",
				Subsystem: "rpc",
				Name:      "requests_total",
				Help:      "Total JSON-RPC requests segmented by module and method.",
			}, []string{"module", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrowledger",
				Subsystem: "rpc",
				Name:      "errors_total",
				Help:      "Total JSON-RPC errors segmented by module, method, and error code.",
			}, []string{"module", "method", "code"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "escrowledger",
				Subsystem: "rpc",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for JSON-RPC handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrowledger",
				Subsystem: "rpc",
				Name:      "throttles_total",
				Help:      "Count of requests rejected due to throttling policies.",
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

// Observe records the outcome of a module request. code is the JSON-RPC error
// code written to the client, zero on success.
func (m *moduleMetrics) Observe(module, method string, code int, duration time.Duration) {
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
	if code != 0 {
		outcome = "error"
		m.errors.WithLabelValues(module, method, fmt.Sprintf("%d", code)).Inc()
	}
	m.requests.WithLabelValues(module, method, outcome).Inc()
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

// EscrowMetrics captures ledger operation outcomes and value flows.
type EscrowMetrics struct {
	operations *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	value      *prometheus.CounterVec
	events     *prometheus.CounterVec
}

// Escrow returns the singleton metrics registry for ledger operations.
func Escrow() *EscrowMetrics {
	escrowMetricsOnce.Do(func() {
		escrowRegistry = &EscrowMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrowledger",
				Subsystem: "escrow",
				Name:      "operations_total",
				Help:      "Count of escrow operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "escrowledger",
				Subsystem: "escrow",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for escrow operations including commit.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			value: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrowledger",
				Subsystem: "escrow",
				Name:      "value_micro_total",
				Help:      "Micro-units moved by escrow operations segmented by flow.",
			}, []string{"flow"}),
			events: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrowledger",
				Subsystem: "escrow",
				Name:      "events_total",
				Help:      "Count of committed escrow events segmented by type.",
			}, []string{"type"}),
		}
		prometheus.MustRegister(
			escrowRegistry.operations,
			escrowRegistry.latency,
			escrowRegistry.value,
			escrowRegistry.events,
		)
	})
	return escrowRegistry
}

// Observe records the outcome of an escrow operation. outcome should be a
// stable error label such as "not_found", or empty on success.
func (m *EscrowMetrics) Observe(operation, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "success"
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
	m.latency.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordValue adds amount micro-units to the supplied flow ("deposit",
// "payout", "fee", "refund").
func (m *EscrowMetrics) RecordValue(flow string, amount uint64) {
	if m == nil || amount == 0 {
		return
	}
	m.value.WithLabelValues(strings.ToLower(strings.TrimSpace(flow))).Add(float64(amount))
}

// RecordEvent increments the committed event counter for eventType.
func (m *EscrowMetrics) RecordEvent(eventType string) {
	if m == nil {
		return
	}
	if eventType == "" {
		eventType = "unknown"
	}
	m.events.WithLabelValues(eventType).Inc()
}
