// Package metrics holds the Prometheus collectors of the change pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "modelshift"

// Metrics groups the pipeline collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	Runs       *prometheus.CounterVec
	Operations *prometheus.CounterVec
	Duration   prometheus.Histogram
	Tokens     *prometheus.CounterVec
	Reduction  prometheus.Histogram
	Commits    prometheus.Counter
}

// New registers the collectors, plus Go and process collectors, on a fresh
// registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "change_runs_total",
			Help:      "Change requests processed, by result status.",
		}, []string{"status"}),
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Proposed operations dispatched, by name and outcome.",
		}, []string{"operation", "outcome"}),
		Duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "change_duration_seconds",
			Help:      "Wall time of a change request.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		Tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Estimated tokens, by kind (input_approach, input_naive, output).",
		}, []string{"kind"}),
		Reduction: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "context_reduction_percent",
			Help:      "Input size saved by the retrieval context over the full model dump.",
			Buckets:   prometheus.LinearBuckets(0, 10, 11),
		}),
		Commits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commits_total",
			Help:      "Commits pushed to the model repository.",
		}),
	}
	m.registry.MustRegister(
		m.Runs, m.Operations, m.Duration, m.Tokens, m.Reduction, m.Commits,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveRun records one finished change request.
func (m *Metrics) ObserveRun(status string, seconds float64) {
	if m == nil {
		return
	}
	m.Runs.WithLabelValues(status).Inc()
	m.Duration.Observe(seconds)
}

// ObserveOperation records the outcome of one dispatched operation.
func (m *Metrics) ObserveOperation(name, outcome string) {
	if m == nil {
		return
	}
	m.Operations.WithLabelValues(name, outcome).Inc()
}

// ObserveTokens records the token metrics of a successful run.
func (m *Metrics) ObserveTokens(approach, naive, output int, reduction float64) {
	if m == nil {
		return
	}
	m.Tokens.WithLabelValues("input_approach").Add(float64(approach))
	m.Tokens.WithLabelValues("input_naive").Add(float64(naive))
	m.Tokens.WithLabelValues("output").Add(float64(output))
	m.Reduction.Observe(reduction)
}

// ObserveCommit records a pushed commit.
func (m *Metrics) ObserveCommit() {
	if m == nil {
		return
	}
	m.Commits.Inc()
}
