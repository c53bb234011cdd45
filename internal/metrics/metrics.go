package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sessionauth"

const OutcomeSuccess = "success"

// Metrics holds the auth counters. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry            *prometheus.Registry
	AuthOperations      *prometheus.CounterVec
	FingerprintMismatch *prometheus.CounterVec
	RateLimitedRequests prometheus.Counter
}

// New creates a private registry with the Go and process collectors and the
// auth counters registered on it.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: registry,
		AuthOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auth_operations_total",
				Help:      "Auth operations by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),
		FingerprintMismatch: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fingerprint_mismatch_total",
				Help:      "Refresh attempts from a client that differs from the session's",
			},
			[]string{"blocked"},
		),
		RateLimitedRequests: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_requests_total",
				Help:      "Requests rejected by the rate limiter",
			},
		),
	}

	registry.MustRegister(m.AuthOperations, m.FingerprintMismatch, m.RateLimitedRequests)

	return m
}

func (m *Metrics) ObserveAuth(operation, outcome string) {
	if m == nil {
		return
	}
	m.AuthOperations.WithLabelValues(operation, outcome).Inc()
}

func (m *Metrics) ObserveFingerprintMismatch(blocked bool) {
	if m == nil {
		return
	}
	label := "false"
	if blocked {
		label = "true"
	}
	m.FingerprintMismatch.WithLabelValues(label).Inc()
}

func (m *Metrics) ObserveRateLimited() {
	if m == nil {
		return
	}
	m.RateLimitedRequests.Inc()
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
