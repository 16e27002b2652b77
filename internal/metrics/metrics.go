// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for request latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Failure stages for RelayFailures.
const (
	StageConnect   = "connect"
	StageResponse  = "response"
	StageMidstream = "midstream"
)

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec

	StreamsActive   prometheus.Gauge
	RelayedBytes    *prometheus.CounterVec
	RelayFailures   *prometheus.CounterVec
	SelectionsTotal *prometheus.CounterVec
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nomad_proxy_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nomad_proxy_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nomad_proxy_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nomad_proxy_upstream_header_duration_seconds",
			Help:    "Time from backend dial to response headers, in seconds.",
			Buckets: defaultBuckets,
		}, []string{"scheme"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nomad_proxy_upstream_responses_total",
			Help: "Total backend responses by status code.",
		}, []string{"status_code"}),

		StreamsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nomad_proxy_streams_active",
			Help: "Number of multipart streams currently being relayed.",
		}),

		RelayedBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nomad_proxy_relayed_bytes_total",
			Help: "Response body bytes relayed to clients.",
		}, []string{"mode"}),

		RelayFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nomad_proxy_relay_failures_total",
			Help: "Backend failures by stage (connect: no response headers; response: first body read; midstream: after bytes were sent).",
		}, []string{"stage"}),

		SelectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nomad_proxy_selections_total",
			Help: "Target selections submitted through the form.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.StreamsActive,
		m.RelayedBytes,
		m.RelayFailures,
		m.SelectionsTotal,
	)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// knownPrefixes lists the proxy's own routes; everything else is relayed.
var knownPrefixes = []string{"/reset", "/_proxy/healthz", "/_proxy/status", "/_proxy/metrics"}

// NormalizePath returns a bounded path label for Prometheus metrics.
// Relayed paths are collapsed into "proxied" since they are chosen by clients.
func NormalizePath(path string) string {
	if path == "/" || path == "" {
		return "/"
	}
	for _, prefix := range knownPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	return "proxied"
}
