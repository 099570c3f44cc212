// Package metrics owns the process Prometheus registry. Domain packages
// register their own collectors against it.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the registry served on /metrics.
type Registry struct {
	*prometheus.Registry
	events *prometheus.CounterVec
}

// New creates a registry with the Go runtime and process collectors.
func New() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &Registry{
		Registry: reg,
		events: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "dte_events_published_total",
			Help: "Tracking events forwarded to external sinks",
		}, []string{"sink", "type"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.Registry, promhttp.HandlerOpts{Registry: r.Registry})
}

// IncEventPublished counts an event handed to sink.
func (r *Registry) IncEventPublished(sink, eventType string) {
	if r == nil {
		return
	}
	r.events.WithLabelValues(sink, eventType).Inc()
}
