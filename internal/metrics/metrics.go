// Package metrics defines every Prometheus series the backend emits. The
// registry is injected so tests can register against a private one.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the backend.
type Metrics struct {
	// HTTP surface
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	// Cross-cutting guards
	RateLimitDenials *prometheus.CounterVec
	BreakerState     *prometheus.GaugeVec

	// RAG pipeline
	RAGQueries       *prometheus.CounterVec
	RAGStageDuration *prometheus.HistogramVec
	LLMCalls         *prometheus.CounterVec

	// Payments
	PaymentLinks  *prometheus.CounterVec
	WebhookEvents *prometheus.CounterVec

	// Background jobs and audit
	SessionsPurged prometheus.Counter
	AuditWrites    *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		HTTPRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pazpaz_http_requests_total",
				Help: "HTTP requests served",
			},
			[]string{"method", "route", "status"},
		),

		HTTPDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pazpaz_http_request_duration_seconds",
				Help:    "HTTP request latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		RateLimitDenials: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pazpaz_rate_limit_denials_total",
				Help: "Requests denied by the sliding-window limiter",
			},
			[]string{"rule"},
		),

		BreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pazpaz_circuit_state",
				Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
			},
			[]string{"name"},
		),

		RAGQueries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pazpaz_rag_queries_total",
				Help: "RAG queries by detected language and outcome",
			},
			[]string{"language", "outcome"}, // outcome: cache_hit, success, no_results, error
		),

		RAGStageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pazpaz_rag_stage_duration_seconds",
				Help:    "Latency of individual RAG pipeline stages",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"stage"}, // stage: embed, search, load, synthesize
		),

		LLMCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pazpaz_llm_calls_total",
				Help: "Outbound LLM and embedding calls",
			},
			[]string{"provider", "outcome"}, // outcome: success, retried, failure, circuit_open
		),

		PaymentLinks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pazpaz_payment_links_total",
				Help: "Payment link creation attempts",
			},
			[]string{"provider", "outcome"}, // outcome: created, failed
		),

		WebhookEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pazpaz_webhook_events_total",
				Help: "Payment webhook deliveries by handling result",
			},
			[]string{"provider", "result"}, // result: settled, duplicate, invalid_signature, unknown_transaction, ignored
		),

		SessionsPurged: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "pazpaz_sessions_purged_total",
				Help: "Soft-deleted sessions hard-deleted after the grace period",
			},
		),

		AuditWrites: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pazpaz_audit_events_total",
				Help: "Audit trail rows written",
			},
			[]string{"action"},
		),
	}
}

// RecordHTTPRequest records one served request.
func (m *Metrics) RecordHTTPRequest(method, route, status string, seconds float64) {
	m.HTTPRequests.WithLabelValues(method, route, status).Inc()
	m.HTTPDuration.WithLabelValues(method, route).Observe(seconds)
}

// RecordRateLimitDenial counts a denied request for a limiter rule.
func (m *Metrics) RecordRateLimitDenial(rule string) {
	m.RateLimitDenials.WithLabelValues(rule).Inc()
}

// RecordBreakerState publishes a breaker's current state.
func (m *Metrics) RecordBreakerState(name string, state float64) {
	m.BreakerState.WithLabelValues(name).Set(state)
}

// RecordRAGQuery records a finished (or short-circuited) RAG query.
func (m *Metrics) RecordRAGQuery(language, outcome string) {
	m.RAGQueries.WithLabelValues(language, outcome).Inc()
}

// RecordRAGStage records the latency of one pipeline stage.
func (m *Metrics) RecordRAGStage(stage string, seconds float64) {
	m.RAGStageDuration.WithLabelValues(stage).Observe(seconds)
}

// RecordLLMCall records an outbound model call outcome.
func (m *Metrics) RecordLLMCall(provider, outcome string) {
	m.LLMCalls.WithLabelValues(provider, outcome).Inc()
}

// RecordPaymentLink records a payment link creation attempt.
func (m *Metrics) RecordPaymentLink(provider string, created bool) {
	outcome := "created"
	if !created {
		outcome = "failed"
	}
	m.PaymentLinks.WithLabelValues(provider, outcome).Inc()
}

// RecordWebhookEvent records how an inbound webhook was handled.
func (m *Metrics) RecordWebhookEvent(provider, result string) {
	m.WebhookEvents.WithLabelValues(provider, result).Inc()
}

// RecordAuditWrite counts one audit row.
func (m *Metrics) RecordAuditWrite(action string) {
	m.AuditWrites.WithLabelValues(action).Inc()
}
