// Package metrics provides Prometheus metrics for the workflow engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the engine.
type Metrics struct {
	BuildsTotal        *prometheus.CounterVec
	BuildDuration      *prometheus.HistogramVec
	ReviewVerdicts     *prometheus.CounterVec
	GateRequestsTotal  *prometheus.CounterVec
	IterationsPerCycle prometheus.Histogram
	CircuitTrips       prometheus.Counter
	EscalationsTotal   *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates and registers all metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		BuildsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "phasedrive_builds_total",
				Help: "Build attempts by phase and outcome.",
			},
			[]string{"phase", "outcome"},
		),
		BuildDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "phasedrive_build_duration_seconds",
				Help:    "Build duration by phase.",
				Buckets: prometheus.ExponentialBuckets(10, 2, 10),
			},
			[]string{"phase"},
		),
		ReviewVerdicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "phasedrive_review_verdicts_total",
				Help: "Review verdicts by reviewer and verdict.",
			},
			[]string{"reviewer", "verdict"},
		),
		GateRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "phasedrive_gate_requests_total",
				Help: "Gate requests by gate name.",
			},
			[]string{"gate"},
		),
		IterationsPerCycle: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "phasedrive_iterations_per_cycle",
				Help:    "Iterations spent before a cycle resolved.",
				Buckets: []float64{1, 2, 3, 4, 5, 7, 10},
			},
		),
		CircuitTrips: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "phasedrive_circuit_trips_total",
				Help: "Build circuit breaker trips.",
			},
		),
		EscalationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "phasedrive_escalations_total",
				Help: "Iteration-budget escalations by resolution.",
			},
			[]string{"resolution"},
		),
		registry: reg,
	}

	reg.MustRegister(m.BuildsTotal)
	reg.MustRegister(m.BuildDuration)
	reg.MustRegister(m.ReviewVerdicts)
	reg.MustRegister(m.GateRequestsTotal)
	reg.MustRegister(m.IterationsPerCycle)
	reg.MustRegister(m.CircuitTrips)
	reg.MustRegister(m.EscalationsTotal)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
