// Package metrics exposes Prometheus instrumentation for the proxy.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors registered for one server instance.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry      *prometheus.Registry
	proxyRequests *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
}

// New creates a Metrics with its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		proxyRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "matchstream",
			Name:      "proxy_requests_total",
			Help:      "Proxy requests by route and outcome.",
		}, []string{"route", "outcome"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "matchstream",
			Name:      "upstream_fetch_duration_seconds",
			Help:      "Time until upstream response headers, by fetch mode and status.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"mode", "status"}),
	}
	reg.MustRegister(m.proxyRequests, m.fetchDuration)
	return m
}

// ObserveProxy counts one proxy request.
func (m *Metrics) ObserveProxy(route, outcome string) {
	if m == nil {
		return
	}
	m.proxyRequests.WithLabelValues(route, outcome).Inc()
}

// ObserveFetch records the duration of one upstream fetch.
func (m *Metrics) ObserveFetch(mode, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.fetchDuration.WithLabelValues(mode, status).Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
