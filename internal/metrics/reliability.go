package metrics

import (
	"regexp"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	labelSanitizer = regexp.MustCompile(`[^a-z0-9_]+`)

	upstreamCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "calls_total",
			Help:      "Calls to external services by service, operation, and result",
		},
		[]string{"service", "operation", "result"},
	)

	upstreamCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "call_duration_seconds",
			Help:      "External service call duration in seconds",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"service", "operation"},
	)

	provisioningFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reliability",
			Name:      "provisioning_failures_total",
			Help:      "App provisioning failures by step",
		},
		[]string{"step"},
	)

	compensationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reliability",
			Name:      "compensations_total",
			Help:      "Best-effort cleanups after a failed operation, by action and result",
		},
		[]string{"action", "result"},
	)
)

// RecordUpstreamCall records one call to Freestyle, Stripe, Anthropic or a dev server
func RecordUpstreamCall(service, operation string, err error, duration time.Duration) {
	result := "success"
	if err != nil {
		result = "error"
	}
	service = sanitizeLabel(service, "unknown")
	operation = sanitizeLabel(operation, "unknown")
	upstreamCallsTotal.WithLabelValues(service, operation, result).Inc()
	upstreamCallDuration.WithLabelValues(service, operation).Observe(duration.Seconds())
}

func RecordProvisioningFailure(step string) {
	provisioningFailuresTotal.WithLabelValues(sanitizeLabel(step, "unknown")).Inc()
}

func RecordCompensation(action string, success bool) {
	compensationsTotal.WithLabelValues(sanitizeLabel(action, "unknown"), resultLabel(success)).Inc()
}

func sanitizeLabel(raw, fallback string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return fallback
	}
	s = labelSanitizer.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_")
	if s == "" {
		return fallback
	}
	if len(s) > 63 {
		s = s[:63]
	}
	return s
}
