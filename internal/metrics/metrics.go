// Package metrics provides Prometheus metrics for the refresh scheduler.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dailyspread/internal/spread"
)

const namespace = "dailyspread"

// Recorder owns a registry and the scheduler metrics registered on it. It implements
// spread.Observer.
type Recorder struct {
	registry *prometheus.Registry

	// DecisionsTotal counts gate decisions by decision and follow-up eligibility.
	DecisionsTotal *prometheus.CounterVec
	// PendingFollowups is the current follow-up queue length.
	PendingFollowups prometheus.Gauge
	// FetchesTotal counts fetch attempts in refresh cycles by result.
	FetchesTotal *prometheus.CounterVec
	// CycleDuration measures refresh cycle duration.
	CycleDuration prometheus.Histogram
}

// NewRecorder registers the metrics on a fresh registry together with the Go and process
// collectors.
func NewRecorder() *Recorder {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	factory := promauto.With(registry)

	return &Recorder{
		registry: registry,
		DecisionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gate_decisions_total",
				Help:      "Total number of refresh gate decisions",
			},
			[]string{"decision", "followup_eligible"},
		),
		PendingFollowups: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pending_followups",
				Help:      "Number of queued follow-up fetches",
			},
		),
		FetchesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fetches_total",
				Help:      "Total number of feed fetches by result",
			},
			[]string{"result"},
		),
		CycleDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "cycle_duration_seconds",
				Help:      "Duration of refresh cycles in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
			},
		),
	}
}

// ObserveDecision is part of the spread.Observer contract.
func (r *Recorder) ObserveDecision(decision spread.Decision, followupEligible bool) {
	eligible := "false"
	if followupEligible {
		eligible = "true"
	}

	r.DecisionsTotal.WithLabelValues(decision.String(), eligible).Inc()
}

// ObservePending is part of the spread.Observer contract.
func (r *Recorder) ObservePending(pending int) {
	r.PendingFollowups.Set(float64(pending))
}

// ObserveCycle records the outcome of one refresh cycle.
func (r *Recorder) ObserveCycle(fetched, failed int, duration time.Duration) {
	r.FetchesTotal.WithLabelValues("ok").Add(float64(fetched))
	r.FetchesTotal.WithLabelValues("error").Add(float64(failed))
	r.CycleDuration.Observe(duration.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}
