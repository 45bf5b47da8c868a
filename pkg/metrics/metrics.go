package metrics

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Webhook ingest metrics
	WebhookEventsTotal   *prometheus.CounterVec
	WebhookProcessingDur *prometheus.HistogramVec

	// Subscription lifecycle metrics
	TransitionsTotal *prometheus.CounterVec

	// Entitlement cache metrics
	EntitlementCacheHits   prometheus.Counter
	EntitlementCacheMisses prometheus.Counter

	// Retry and dead-letter metrics
	RetryAttemptsTotal prometheus.Counter
	DeadLetterDepth    prometheus.Gauge

	// Reconciliation metrics
	ReconcileSweepsTotal prometheus.Counter
	ReconcileDriftTotal  prometheus.Counter

	// Pin metrics
	PinOperationsTotal *prometheus.CounterVec
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),

		WebhookEventsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webhook_events_total",
				Help: "Webhook events by type and terminal outcome",
			},
			[]string{"type", "outcome"},
		),
		WebhookProcessingDur: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "webhook_processing_duration_seconds",
				Help:    "Time spent applying a webhook event",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
			},
			[]string{"type"},
		),

		TransitionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "subscription_transitions_total",
				Help: "Subscription state transitions by source and target state",
			},
			[]string{"from", "to"},
		),

		EntitlementCacheHits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "entitlement_cache_hits_total",
			Help: "Entitlement snapshot cache hits",
		}),
		EntitlementCacheMisses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "entitlement_cache_misses_total",
			Help: "Entitlement snapshot cache misses",
		}),

		RetryAttemptsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "webhook_retry_attempts_total",
			Help: "Reprocessing attempts for failed webhook events",
		}),
		DeadLetterDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "webhook_dead_letter_depth",
			Help: "Events parked in the dead-letter queue awaiting replay",
		}),

		ReconcileSweepsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "reconcile_sweeps_total",
			Help: "Completed reconciliation sweeps against the provider",
		}),
		ReconcileDriftTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "reconcile_drift_total",
			Help: "Subscribers whose local state drifted from the provider",
		}),

		PinOperationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pin_operations_total",
				Help: "Pin lifecycle operations",
			},
			[]string{"operation"}, // pin, unpin, demote
		),
	}

	return m
}

// Middleware creates an Echo middleware for Prometheus metrics
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()
			path := c.Path() // route pattern, not the actual path

			err := next(c)

			status := c.Response().Status
			duration := time.Since(start).Seconds()

			m.HTTPRequestsTotal.WithLabelValues(req.Method, path, strconv.Itoa(status)).Inc()
			m.HTTPRequestDuration.WithLabelValues(req.Method, path, strconv.Itoa(status)).Observe(duration)

			return err
		}
	}
}

// RecordWebhookEvent counts a webhook event reaching a terminal outcome
func (m *Metrics) RecordWebhookEvent(eventType, outcome string) {
	m.WebhookEventsTotal.WithLabelValues(eventType, outcome).Inc()
}

// RecordTransition counts one subscription state change
func (m *Metrics) RecordTransition(from, to string) {
	m.TransitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordPinOperation counts a pin lifecycle operation
func (m *Metrics) RecordPinOperation(op string) {
	m.PinOperationsTotal.WithLabelValues(op).Inc()
}
