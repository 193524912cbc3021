// Package metrics exposes Prometheus counters for pipeline diagnostics.
//
// The pipeline degrades silently when the collection endpoint is slow or
// unreachable, so these counters are the only way to observe dropped spans
// and failed exports from the outside.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var registry = prometheus.NewRegistry()

var (
	// SpansExported counts spans successfully delivered to the endpoint.
	SpansExported = promauto.With(registry).NewCounter(prometheus.CounterOpts{
		Name: "agenttrace_spans_exported_total",
		Help: "Number of spans successfully exported to the collection endpoint.",
	})

	// SpansDropped counts spans discarded because the export queue was
	// full, labelled by the drop policy in effect.
	SpansDropped = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Name: "agenttrace_spans_dropped_total",
		Help: "Number of spans dropped due to a full export queue.",
	}, []string{"policy"})

	// ExportFailures counts failed batch deliveries by kind (spans, logs).
	ExportFailures = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Name: "agenttrace_export_failures_total",
		Help: "Number of failed batch deliveries to the collection endpoint.",
	}, []string{"kind"})
)

// Registry returns the package registry, for tests and embedding.
func Registry() *prometheus.Registry {
	return registry
}

// Handler returns an HTTP handler serving the pipeline diagnostics, for
// hosts that want to scrape them.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
