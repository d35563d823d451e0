package wfserver

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors the HTTP middleware records
// against, scoped to the read-only introspection surface.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
	httpErrors   *prometheus.CounterVec
}

// NewMetrics registers a fresh collector set on a dedicated registry, so a
// server instance never collides with another's collectors in tests.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arranger",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests handled by the introspection API.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "arranger",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		httpErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arranger",
			Subsystem: "http",
			Name:      "errors_total",
			Help:      "HTTP requests that completed with a 4xx/5xx status.",
		}, []string{"method", "route", "status"}),
	}

	registry.MustRegister(m.httpRequests, m.httpDuration, m.httpErrors)
	return m
}

// Registry exposes the underlying Prometheus registry for /metrics.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) recordHTTPRequest(method, route, status string, seconds float64, isError bool) {
	m.httpRequests.WithLabelValues(method, route, status).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(seconds)
	if isError {
		m.httpErrors.WithLabelValues(method, route, status).Inc()
	}
}
