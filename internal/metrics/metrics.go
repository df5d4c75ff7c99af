// Package metrics provides Prometheus metrics for the app builder.
// It exports HTTP, AI, streaming, WebSocket and business metrics.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "aun"

var (
	once     sync.Once
	instance *Metrics
)

// Metrics holds all Prometheus metric collectors
type Metrics struct {
	// HTTP
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge
	HTTPResponseSize     *prometheus.HistogramVec

	// Business
	TotalUsersGauge    prometheus.Gauge
	TotalAppsGauge     prometheus.Gauge
	AppsCreatedTotal   *prometheus.CounterVec
	MessagesTotal      *prometheus.CounterVec
	SubscriptionsGauge *prometheus.GaugeVec
	WebhookEventsTotal *prometheus.CounterVec
	CheckoutsTotal     *prometheus.CounterVec

	// AI
	AIRequestsTotal    *prometheus.CounterVec
	AIRequestDuration  *prometheus.HistogramVec
	AITokensUsed       *prometheus.CounterVec
	AIRequestsInFlight prometheus.Gauge
	AgentStepsTotal    *prometheus.CounterVec

	// Streams
	ActiveStreams       prometheus.Gauge
	StreamChunksTotal   *prometheus.CounterVec
	StreamsAbortedTotal prometheus.Counter
	StreamResyncsTotal  *prometheus.CounterVec

	// WebSocket
	WebSocketConnectionsGauge prometheus.Gauge
	WebSocketMessagesTotal    *prometheus.CounterVec

	// Database
	DBConnectionsActive prometheus.Gauge
	DBConnectionsIdle   prometheus.Gauge

	// Cache
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec

	// System
	BuildInfo    *prometheus.GaugeVec
	StartupTime  prometheus.Gauge
	GoroutineNum prometheus.Gauge
}

// Get returns the singleton Metrics instance
func Get() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

func newMetrics() *Metrics {
	m := &Metrics{}

	m.HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by endpoint, method, and status code",
		},
		[]string{"endpoint", "method", "status"},
	)

	m.HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"endpoint", "method"},
	)

	m.HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_in_flight",
			Help:      "Current number of HTTP requests being processed",
		},
	)

	m.HTTPResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"endpoint"},
	)

	m.TotalUsersGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "business",
			Name:      "total_users",
			Help:      "Total number of users with a sandbox identity",
		},
	)

	m.TotalAppsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "business",
			Name:      "total_apps",
			Help:      "Total number of apps",
		},
	)

	m.AppsCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "business",
			Name:      "apps_created_total",
			Help:      "Apps created by template and result",
		},
		[]string{"template", "result"},
	)

	m.MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "business",
			Name:      "messages_total",
			Help:      "Chat messages sent by plan",
		},
		[]string{"plan"},
	)

	m.SubscriptionsGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "subscriptions",
			Help:      "Subscriptions by plan and status",
		},
		[]string{"plan", "status"},
	)

	m.WebhookEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "webhook_events_total",
			Help:      "Stripe webhook events by type and result",
		},
		[]string{"type", "result"},
	)

	m.CheckoutsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "checkouts_total",
			Help:      "Checkout sessions created by plan",
		},
		[]string{"plan"},
	)

	m.AIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ai",
			Name:      "requests_total",
			Help:      "Total AI requests by model and status",
		},
		[]string{"model", "status"},
	)

	m.AIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ai",
			Name:      "request_duration_seconds",
			Help:      "AI request duration in seconds",
			Buckets:   []float64{.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"model"},
	)

	m.AITokensUsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ai",
			Name:      "tokens_total",
			Help:      "Tokens used by model and direction",
		},
		[]string{"model", "direction"},
	)

	m.AIRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ai",
			Name:      "requests_in_flight",
			Help:      "AI requests currently streaming",
		},
	)

	m.AgentStepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "steps_total",
			Help:      "Agent loop steps by outcome",
		},
		[]string{"outcome"},
	)

	m.ActiveStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "active",
			Help:      "Streams currently running on this instance",
		},
	)

	m.StreamChunksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "chunks_total",
			Help:      "Stream chunks published by type",
		},
		[]string{"type"},
	)

	m.StreamsAbortedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "aborted_total",
			Help:      "Streams aborted by a newer message or a stop request",
		},
	)

	m.StreamResyncsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "resyncs_total",
			Help:      "Followers that reread the stream buffer after a seq gap or a quiet channel",
		},
		[]string{"reason"},
	)

	m.WebSocketConnectionsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "connections",
			Help:      "Current WebSocket connections",
		},
	)

	m.WebSocketMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "messages_total",
			Help:      "WebSocket messages by type and direction",
		},
		[]string{"type", "direction"},
	)

	m.DBConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "db",
			Name:      "connections_active",
			Help:      "Database connections in use",
		},
	)

	m.DBConnectionsIdle = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "db",
			Name:      "connections_idle",
			Help:      "Idle database connections",
		},
	)

	m.CacheHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Cache hits by cache name",
		},
		[]string{"cache"},
	)

	m.CacheMissesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Cache misses by cache name",
		},
		[]string{"cache"},
	)

	m.BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build information",
		},
		[]string{"version", "commit", "build_date"},
	)

	m.StartupTime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "startup_timestamp_seconds",
			Help:      "Unix timestamp of server startup",
		},
	)
	m.StartupTime.Set(float64(time.Now().Unix()))

	m.GoroutineNum = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "goroutines",
			Help:      "Number of goroutines",
		},
	)

	return m
}

// RecordHTTPRequest records a completed HTTP request
func (m *Metrics) RecordHTTPRequest(endpoint, method string, statusCode int, duration time.Duration, responseSize int) {
	m.HTTPRequestsTotal.WithLabelValues(endpoint, method, strconv.Itoa(statusCode)).Inc()
	m.HTTPRequestDuration.WithLabelValues(endpoint, method).Observe(duration.Seconds())
	m.HTTPResponseSize.WithLabelValues(endpoint).Observe(float64(responseSize))
}

// RecordAIRequest records a finished model call
func (m *Metrics) RecordAIRequest(model, status string, duration time.Duration, inputTokens, outputTokens int) {
	m.AIRequestsTotal.WithLabelValues(model, status).Inc()
	m.AIRequestDuration.WithLabelValues(model).Observe(duration.Seconds())
	if inputTokens > 0 {
		m.AITokensUsed.WithLabelValues(model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.AITokensUsed.WithLabelValues(model, "output").Add(float64(outputTokens))
	}
}

// RecordAppCreated counts an app creation attempt
func (m *Metrics) RecordAppCreated(template string, success bool) {
	m.AppsCreatedTotal.WithLabelValues(sanitizeLabel(template, "unknown"), resultLabel(success)).Inc()
}

// RecordMessage counts a user chat message
func (m *Metrics) RecordMessage(plan string) {
	m.MessagesTotal.WithLabelValues(sanitizeLabel(plan, "free")).Inc()
}

// RecordWebhookEvent counts a processed Stripe event
func (m *Metrics) RecordWebhookEvent(eventType string, success bool) {
	m.WebhookEventsTotal.WithLabelValues(eventType, resultLabel(success)).Inc()
}

// RecordCheckout counts a created checkout session
func (m *Metrics) RecordCheckout(plan string) {
	m.CheckoutsTotal.WithLabelValues(sanitizeLabel(plan, "monthly")).Inc()
}

// RecordStreamChunk counts a published stream chunk
func (m *Metrics) RecordStreamChunk(chunkType string) {
	m.StreamChunksTotal.WithLabelValues(sanitizeLabel(chunkType, "unknown")).Inc()
}

// RecordWebSocketMessage counts a WebSocket message
func (m *Metrics) RecordWebSocketMessage(msgType, direction string) {
	m.WebSocketMessagesTotal.WithLabelValues(sanitizeLabel(msgType, "unknown"), direction).Inc()
}

// RecordCacheOperation counts a cache hit or miss
func (m *Metrics) RecordCacheOperation(cacheName string, hit bool) {
	if hit {
		m.CacheHitsTotal.WithLabelValues(cacheName).Inc()
	} else {
		m.CacheMissesTotal.WithLabelValues(cacheName).Inc()
	}
}

// SetBuildInfo sets the build information gauge
func (m *Metrics) SetBuildInfo(version, commit, buildDate string) {
	m.BuildInfo.WithLabelValues(version, commit, buildDate).Set(1)
}

func resultLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
