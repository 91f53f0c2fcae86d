package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for hubcore
type Metrics struct {
	// Policy metrics
	PolicyDecisions    *prometheus.CounterVec
	EnrichmentOutcomes *prometheus.CounterVec
	DispatchDuration   *prometheus.HistogramVec

	// Session metrics
	SessionsRegistered *prometheus.CounterVec
	SessionsEnded      *prometheus.CounterVec
	Warnings           *prometheus.CounterVec

	// Step metrics
	StepTransitions *prometheus.CounterVec
	StepsCompleted  *prometheus.CounterVec

	// System metrics
	EventsPublished     *prometheus.CounterVec
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

var (
	metricsOnce   sync.Once
	sharedMetrics *Metrics
)

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		sharedMetrics = &Metrics{
			PolicyDecisions: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "hubcore_policy_decisions_total",
					Help: "Total number of dispatch policy decisions",
				},
				[]string{"mode", "valid", "code"},
			),
			EnrichmentOutcomes: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "hubcore_enrichment_outcomes_total",
					Help: "Enrichment outcome classification of approved dispatches",
				},
				[]string{"outcome"},
			),
			DispatchDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "hubcore_dispatch_duration_seconds",
					Help:    "Dispatch handling duration in seconds",
					Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms to ~1s
				},
				[]string{"valid"},
			),

			SessionsRegistered: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "hubcore_sessions_registered_total",
					Help: "Total number of session registrations",
				},
				[]string{"agent_type"},
			),
			SessionsEnded: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "hubcore_sessions_ended_total",
					Help: "Total number of sessions ended",
				},
				[]string{"status"},
			),
			Warnings: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "hubcore_warnings_total",
					Help: "Registry and event failures downgraded to warnings",
				},
				[]string{"operation"},
			),

			StepTransitions: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "hubcore_step_transitions_total",
					Help: "Total number of step status transitions",
				},
				[]string{"to_status"},
			),
			StepsCompleted: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "hubcore_steps_completed_total",
					Help: "Total number of steps completed",
				},
				[]string{"agent_type"},
			),

			EventsPublished: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "hubcore_events_published_total",
					Help: "Total number of events published",
				},
				[]string{"event_type", "result"},
			),
			HTTPRequestsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "hubcore_http_requests_total",
					Help: "Total number of HTTP requests",
				},
				[]string{"method", "path", "status"},
			),
			HTTPRequestDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "hubcore_http_request_duration_seconds",
					Help:    "HTTP request duration in seconds",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"method", "path"},
			),
		}
	})

	return sharedMetrics
}

// RecordDecision records a policy decision and, for approvals, its
// enrichment outcome.
func (m *Metrics) RecordDecision(mode string, valid bool, code, outcome string, duration time.Duration) {
	validStr := strconv.FormatBool(valid)
	m.PolicyDecisions.WithLabelValues(mode, validStr, code).Inc()
	m.DispatchDuration.WithLabelValues(validStr).Observe(duration.Seconds())
	if valid && outcome != "" {
		m.EnrichmentOutcomes.WithLabelValues(outcome).Inc()
	}
}

// RecordWarning records a failure that was downgraded to a warning
func (m *Metrics) RecordWarning(operation string) {
	m.Warnings.WithLabelValues(operation).Inc()
}

// RecordEvent records an event publish attempt
func (m *Metrics) RecordEvent(eventType string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.EventsPublished.WithLabelValues(eventType, result).Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration float64) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration)
}
