// Package metrics exposes worker counters and timings for Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Metrics holds the worker's collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	requests   *prometheus.CounterVec
	assemblies *prometheus.CounterVec
	stages     *prometheus.HistogramVec
	insights   *prometheus.CounterVec
	tableRows  prometheus.Histogram
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tableanalyst",
			Name:      "requests_total",
			Help:      "Analysis requests by source and outcome.",
		}, []string{"source", "outcome"}),
		assemblies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tableanalyst",
			Name:      "assemblies_total",
			Help:      "Reconstructed tables by assembly kind.",
		}, []string{"kind"}),
		stages: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tableanalyst",
			Name:      "stage_duration_seconds",
			Help:      "Time spent in each pipeline stage.",
			Buckets:   []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"stage"}),
		insights: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tableanalyst",
			Name:      "insights_total",
			Help:      "Insights emitted by severity.",
		}, []string{"severity"}),
		tableRows: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "tableanalyst",
			Name:      "table_rows",
			Help:      "Data rows per reconstructed table.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}),
	}

	reg.MustRegister(
		m.requests, m.assemblies, m.stages, m.insights, m.tableRows,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveRequest counts one finished request.
func (m *Metrics) ObserveRequest(source, outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(source, outcome).Inc()
}

// ObserveAssembly counts one reconstructed table.
func (m *Metrics) ObserveAssembly(kind string, rows int) {
	if m == nil {
		return
	}
	m.assemblies.WithLabelValues(kind).Inc()
	m.tableRows.Observe(float64(rows))
}

// ObserveStage records how long a stage took.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stages.WithLabelValues(stage).Observe(d.Seconds())
}

// ObserveInsight counts one emitted insight.
func (m *Metrics) ObserveInsight(severity string) {
	if m == nil {
		return
	}
	m.insights.WithLabelValues(severity).Inc()
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
