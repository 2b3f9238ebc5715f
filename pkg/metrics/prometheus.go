package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the application. Every instance
// owns its registry; all record methods are no-ops on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP Request Metrics
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight prometheus.Gauge

	// WebSocket Metrics
	websocketConnections   *prometheus.GaugeVec
	websocketMessagesTotal *prometheus.CounterVec

	// Call Metrics
	callsTotal           *prometheus.CounterVec
	callTransitionsTotal *prometheus.CounterVec
	callsExpiredTotal    prometheus.Counter

	// Signal Metrics
	signalsSentTotal  *prometheus.CounterVec
	signalSendLatency prometheus.Histogram

	// Notification Metrics
	notificationsTotal     *prometheus.CounterVec
	pushNotificationsTotal *prometheus.CounterVec

	// Rate Limiting Metrics
	rateLimitBlockedTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(serviceName string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)
	labels := prometheus.Labels{"service": serviceName}

	return &Metrics{
		registry: reg,

		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "http_requests_total",
				Help:        "Total number of HTTP requests",
				ConstLabels: labels,
			},
			[]string{"method", "endpoint", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "http_request_duration_seconds",
				Help:        "HTTP request latency in seconds",
				ConstLabels: labels,
				Buckets:     prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		httpRequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "http_requests_in_flight",
				Help:        "Number of HTTP requests currently being processed",
				ConstLabels: labels,
			},
		),

		websocketConnections: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name:        "websocket_connections",
				Help:        "Number of open WebSocket streams",
				ConstLabels: labels,
			},
			[]string{"stream"},
		),
		websocketMessagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "websocket_messages_total",
				Help:        "Total number of WebSocket frames written",
				ConstLabels: labels,
			},
			[]string{"stream"},
		),

		callsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "calls_total",
				Help:        "Total number of calls placed",
				ConstLabels: labels,
			},
			[]string{"type"},
		),
		callTransitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "call_transitions_total",
				Help:        "Total number of call status changes",
				ConstLabels: labels,
			},
			[]string{"status", "applied"},
		),
		callsExpiredTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name:        "calls_expired_total",
				Help:        "Total number of unanswered calls ended by the expiry sweeper",
				ConstLabels: labels,
			},
		),

		signalsSentTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "signals_sent_total",
				Help:        "Total number of signaling messages appended to mailboxes",
				ConstLabels: labels,
			},
			[]string{"type"},
		),
		signalSendLatency: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:        "signal_send_duration_seconds",
				Help:        "Time taken to persist and publish a signaling message",
				ConstLabels: labels,
				Buckets:     []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
		),

		notificationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "notifications_total",
				Help:        "Total number of notifications stored",
				ConstLabels: labels,
			},
			[]string{"kind"},
		),
		pushNotificationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "push_notifications_total",
				Help:        "Total number of push deliveries attempted",
				ConstLabels: labels,
			},
			[]string{"kind", "status"},
		),

		rateLimitBlockedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "rate_limit_blocked_total",
				Help:        "Total number of requests blocked by rate limiting",
				ConstLabels: labels,
			},
			[]string{"endpoint"},
		),
	}
}

// GetRegistry returns the registry the metrics are registered with
func (m *Metrics) GetRegistry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// HTTP Metrics Methods

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint string, statusCode int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// IncrementHTTPRequestsInFlight increments the number of in-flight HTTP requests
func (m *Metrics) IncrementHTTPRequestsInFlight() {
	if m == nil {
		return
	}
	m.httpRequestsInFlight.Inc()
}

// DecrementHTTPRequestsInFlight decrements the number of in-flight HTTP requests
func (m *Metrics) DecrementHTTPRequestsInFlight() {
	if m == nil {
		return
	}
	m.httpRequestsInFlight.Dec()
}

// WebSocket Metrics Methods

// WebSocketOpened counts a newly opened stream
func (m *Metrics) WebSocketOpened(stream string) {
	if m == nil {
		return
	}
	m.websocketConnections.WithLabelValues(stream).Inc()
}

// WebSocketClosed counts a closed stream
func (m *Metrics) WebSocketClosed(stream string) {
	if m == nil {
		return
	}
	m.websocketConnections.WithLabelValues(stream).Dec()
}

// RecordWebSocketMessage records a frame written to a stream
func (m *Metrics) RecordWebSocketMessage(stream string) {
	if m == nil {
		return
	}
	m.websocketMessagesTotal.WithLabelValues(stream).Inc()
}

// Call Metrics Methods

// RecordCall records a placed call
func (m *Metrics) RecordCall(callType string) {
	if m == nil {
		return
	}
	m.callsTotal.WithLabelValues(callType).Inc()
}

// RecordCallTransition records a status change request and whether it took effect
func (m *Metrics) RecordCallTransition(status string, applied bool) {
	if m == nil {
		return
	}
	m.callTransitionsTotal.WithLabelValues(status, strconv.FormatBool(applied)).Inc()
}

// RecordCallExpired records a call ended by the expiry sweeper
func (m *Metrics) RecordCallExpired() {
	if m == nil {
		return
	}
	m.callsExpiredTotal.Inc()
}

// Signal Metrics Methods

// RecordSignalSent records an appended signaling message
func (m *Metrics) RecordSignalSent(signalType string, duration time.Duration) {
	if m == nil {
		return
	}
	m.signalsSentTotal.WithLabelValues(signalType).Inc()
	m.signalSendLatency.Observe(duration.Seconds())
}

// Notification Metrics Methods

// RecordNotification records a stored notification
func (m *Metrics) RecordNotification(kind string) {
	if m == nil {
		return
	}
	m.notificationsTotal.WithLabelValues(kind).Inc()
}

// RecordPushNotification records a push delivery attempt
func (m *Metrics) RecordPushNotification(kind string, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "failure"
	}
	m.pushNotificationsTotal.WithLabelValues(kind, status).Inc()
}

// Rate Limiting Metrics Methods

// RecordRateLimitBlocked records a request blocked by rate limiting
func (m *Metrics) RecordRateLimitBlocked(endpoint string) {
	if m == nil {
		return
	}
	m.rateLimitBlockedTotal.WithLabelValues(endpoint).Inc()
}
