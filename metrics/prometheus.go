package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type PrometheusRecorder struct {
	registry  *prometheus.Registry
	counters  *prometheus.CounterVec
	histogram *prometheus.HistogramVec
}

// NewPrometheusRecorder registers the gateway collectors, plus the Go and
// process collectors, on a private registry.
func NewPrometheusRecorder() *PrometheusRecorder {
	registry := prometheus.NewRegistry()

	counters := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "x402",
			Subsystem: "gateway",
			Name:      "events_total",
			Help:      "Gateway events by type and outcome.",
		},
		[]string{"type", "network", "outcome"},
	)

	histogram := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "x402",
			Subsystem: "gateway",
			Name:      "latency_seconds",
			Help:      "Latency of gateway operations such as facilitator settlement.",
			// Settlement waits on block inclusion, so the tail runs to the
			// facilitator timeout.
			Buckets: []float64{.005, .025, .1, .25, .5, 1, 2.5, 5, 10, 20, 30},
		},
		[]string{"operation", "network"},
	)

	registry.MustRegister(
		counters,
		histogram,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &PrometheusRecorder{
		registry:  registry,
		counters:  counters,
		histogram: histogram,
	}
}

func (p *PrometheusRecorder) IncCounter(name string, labels map[string]string) {
	p.counters.With(prometheus.Labels{
		"type":    name,
		"network": labels["network"],
		"outcome": labels["outcome"],
	}).Inc()
}

func (p *PrometheusRecorder) ObserveLatency(name string, d time.Duration, labels map[string]string) {
	p.histogram.With(prometheus.Labels{
		"operation": name,
		"network":   labels["network"],
	}).Observe(d.Seconds())
}

// Registry exposes the underlying registry, e.g. for tests.
func (p *PrometheusRecorder) Registry() *prometheus.Registry {
	return p.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (p *PrometheusRecorder) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}
