package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	globalMetrics *Metrics
	globalMu      sync.RWMutex
)

// Metrics holds all Prometheus metrics for mailhop
type Metrics struct {
	// Message lifecycle counters
	MessagesAcceptedTotal   *prometheus.CounterVec
	MessagesSentTotal       *prometheus.CounterVec
	MessagesFailedTotal     *prometheus.CounterVec
	MessagesSuppressedTotal prometheus.Counter
	DeliveriesDeferredTotal prometheus.Counter

	// Message status gauge, refreshed from the store by the collector
	MessagesByStatus *prometheus.GaugeVec

	// Queue gauges
	QueueReady    prometheus.Gauge
	QueueDeferred prometheus.Gauge
	QueueLeased   prometheus.Gauge

	// Webhook ingestion
	WebhookEventsTotal *prometheus.CounterVec

	// API metrics
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec
	APIErrorsTotal            *prometheus.CounterVec

	// Rate limiting
	RateLimitExceededTotal *prometheus.CounterVec

	// System metrics
	UptimeSeconds    prometheus.Gauge
	Goroutines       prometheus.Gauge
	StorageUsedBytes prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		MessagesAcceptedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailhop_messages_accepted_total",
				Help: "Total number of accepted send requests",
			},
			[]string{"template"},
		),
		MessagesSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailhop_messages_sent_total",
				Help: "Total number of messages handed to a provider",
			},
			[]string{"provider"},
		),
		MessagesFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailhop_messages_failed_total",
				Help: "Total number of permanently failed messages",
			},
			[]string{"reason"},
		),
		MessagesSuppressedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "mailhop_messages_suppressed_total",
				Help: "Total number of messages suppressed before enqueue",
			},
		),
		DeliveriesDeferredTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "mailhop_deliveries_deferred_total",
				Help: "Total number of delivery attempts deferred for retry",
			},
		),

		MessagesByStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mailhop_messages_by_status",
				Help: "Current number of messages per lifecycle status",
			},
			[]string{"status"},
		),

		QueueReady: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailhop_queue_ready",
				Help: "Number of jobs ready for delivery",
			},
		),
		QueueDeferred: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailhop_queue_deferred",
				Help: "Number of jobs awaiting retry",
			},
		),
		QueueLeased: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailhop_queue_leased",
				Help: "Number of jobs claimed by worker slots",
			},
		),

		WebhookEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailhop_webhook_events_total",
				Help: "Total number of ingested provider events",
			},
			[]string{"event_type", "outcome"},
		),

		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailhop_api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mailhop_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		APIErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailhop_api_errors_total",
				Help: "Total number of API errors",
			},
			[]string{"error_type"},
		),

		RateLimitExceededTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailhop_ratelimit_exceeded_total",
				Help: "Total number of rate limit exceeded events",
			},
			[]string{"scope"},
		),

		UptimeSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailhop_uptime_seconds",
				Help: "Server uptime in seconds",
			},
		),
		Goroutines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailhop_goroutines",
				Help: "Number of active goroutines",
			},
		),
		StorageUsedBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailhop_storage_used_bytes",
				Help: "Queue database file size in bytes",
			},
		),

		registry: reg,
	}

	reg.MustRegister(
		m.MessagesAcceptedTotal,
		m.MessagesSentTotal,
		m.MessagesFailedTotal,
		m.MessagesSuppressedTotal,
		m.DeliveriesDeferredTotal,
		m.MessagesByStatus,
		m.QueueReady,
		m.QueueDeferred,
		m.QueueLeased,
		m.WebhookEventsTotal,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
		m.APIErrorsTotal,
		m.RateLimitExceededTotal,
		m.UptimeSeconds,
		m.Goroutines,
		m.StorageUsedBytes,
	)

	return m
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetGlobal sets the global metrics instance
func SetGlobal(m *Metrics) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalMetrics = m
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalMetrics
}

// IncMessagesAccepted increments the accepted message counter
func IncMessagesAccepted(templateKey string) {
	if m := Global(); m != nil {
		m.MessagesAcceptedTotal.WithLabelValues(templateKey).Inc()
	}
}

// IncMessagesSent increments the sent message counter
func IncMessagesSent(provider string) {
	if m := Global(); m != nil {
		m.MessagesSentTotal.WithLabelValues(provider).Inc()
	}
}

// IncMessagesFailed increments the failed message counter
func IncMessagesFailed(reason string) {
	if m := Global(); m != nil {
		m.MessagesFailedTotal.WithLabelValues(reason).Inc()
	}
}

// IncMessagesSuppressed increments the suppressed message counter
func IncMessagesSuppressed() {
	if m := Global(); m != nil {
		m.MessagesSuppressedTotal.Inc()
	}
}

// IncDeliveriesDeferred increments the deferred delivery counter
func IncDeliveriesDeferred() {
	if m := Global(); m != nil {
		m.DeliveriesDeferredTotal.Inc()
	}
}

// IncWebhookEvents increments the webhook event counter
func IncWebhookEvents(eventType, outcome string) {
	if m := Global(); m != nil {
		m.WebhookEventsTotal.WithLabelValues(eventType, outcome).Inc()
	}
}

// IncRateLimitExceeded increments the rate limit exceeded counter
func IncRateLimitExceeded(scope string) {
	if m := Global(); m != nil {
		m.RateLimitExceededTotal.WithLabelValues(scope).Inc()
	}
}

// IncAPIErrors increments the API error counter
func IncAPIErrors(errorType string) {
	if m := Global(); m != nil {
		m.APIErrorsTotal.WithLabelValues(errorType).Inc()
	}
}
