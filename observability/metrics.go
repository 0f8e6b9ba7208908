// Package observability exposes the Prometheus instrumentation shared by
// escrowd services.
package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type ledgerMetrics struct {
	operations *prometheus.CounterVec
	failures   *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	held       prometheus.Gauge
}

type webhookMetrics struct {
	deliveries *prometheus.CounterVec
	retries    prometheus.Counter
	queueDepth prometheus.Gauge
}

var (
	ledgerOnce     sync.Once
	ledgerRegistry *ledgerMetrics

	webhookOnce     sync.Once
	webhookRegistry *webhookMetrics
)

// LedgerMetrics returns the lazily-initialised instrumentation for escrow
// ledger operations.
func LedgerMetrics() *ledgerMetrics {
	ledgerOnce.Do(func() {
		ledgerRegistry = &ledgerMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrowd",
				Subsystem: "ledger",
				Name:      "operations_total",
				Help:      "Total ledger operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			failures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrowd",
				Subsystem: "ledger",
				Name:      "failures_total",
				Help:      "Ledger operation failures segmented by operation and HTTP status.",
			}, []string{"operation", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "escrowd",
				Subsystem: "ledger",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for ledger operation handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			held: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "escrowd",
				Subsystem: "ledger",
				Name:      "held_units",
				Help:      "Units currently held across all escrow holdings.",
			}),
		}
		prometheus.MustRegister(
			ledgerRegistry.operations,
			ledgerRegistry.failures,
			ledgerRegistry.latency,
			ledgerRegistry.held,
		)
	})
	return ledgerRegistry
}

// Observe records one handled ledger operation. Status is the HTTP status
// written to the client.
func (m *ledgerMetrics) Observe(operation string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if operation == "" {
		operation = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
		m.failures.WithLabelValues(operation, strconv.Itoa(status)).Inc()
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
	m.latency.WithLabelValues(operation).Observe(duration.Seconds())
}

// AddHeld shifts the held-units gauge by delta, which may be negative.
func (m *ledgerMetrics) AddHeld(delta float64) {
	if m == nil {
		return
	}
	m.held.Add(delta)
}

// WebhookMetrics returns the instrumentation for webhook delivery workers.
func WebhookMetrics() *webhookMetrics {
	webhookOnce.Do(func() {
		webhookRegistry = &webhookMetrics{
			deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrowd",
				Subsystem: "webhook",
				Name:      "deliveries_total",
				Help:      "Webhook delivery attempts segmented by final outcome.",
			}, []string{"outcome"}),
			retries: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "escrowd",
				Subsystem: "webhook",
				Name:      "retries_total",
				Help:      "Webhook deliveries that were re-queued after a failure.",
			}),
			queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "escrowd",
				Subsystem: "webhook",
				Name:      "queue_depth",
				Help:      "Deliveries currently waiting in the webhook queue.",
			}),
		}
		prometheus.MustRegister(
			webhookRegistry.deliveries,
			webhookRegistry.retries,
			webhookRegistry.queueDepth,
		)
	})
	return webhookRegistry
}

// Delivered records a finished delivery attempt.
func (m *webhookMetrics) Delivered(outcome string) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.deliveries.WithLabelValues(outcome).Inc()
}

// Retried counts a delivery pushed back onto the queue.
func (m *webhookMetrics) Retried() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

// SetQueueDepth reports the current number of queued deliveries.
func (m *webhookMetrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}
