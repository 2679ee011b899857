// Package metrics provides Prometheus metrics for workflow execution.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the controller's Prometheus collectors.
type Metrics struct {
	// PhaseExecutions counts runner invocations.
	// Labels: phase, outcome (accepted, rejected, blocked, error, waiting)
	PhaseExecutions *prometheus.CounterVec

	// PhaseDuration tracks runner call latency.
	// Labels: phase
	PhaseDuration *prometheus.HistogramVec

	// Verdicts counts guardrail decisions.
	// Labels: check, decision
	Verdicts *prometheus.CounterVec

	// Finished counts workflows reaching a terminal phase.
	// Labels: result (DONE, or the failure kind)
	Finished *prometheus.CounterVec

	// Active tracks workflows currently executing in this process.
	Active prometheus.Gauge
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// Default returns metrics registered on the default registry. Safe to call
// repeatedly.
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultMetrics = New(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		PhaseExecutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "patchflow",
				Subsystem: "phase",
				Name:      "executions_total",
				Help:      "Total phase executions by phase and outcome",
			},
			[]string{"phase", "outcome"},
		),
		PhaseDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "patchflow",
				Subsystem: "phase",
				Name:      "duration_seconds",
				Help:      "Duration of runner calls in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800},
			},
			[]string{"phase"},
		),
		Verdicts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "patchflow",
				Subsystem: "guardrail",
				Name:      "verdicts_total",
				Help:      "Guardrail verdicts by check and decision",
			},
			[]string{"check", "decision"},
		),
		Finished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "patchflow",
				Subsystem: "workflow",
				Name:      "finished_total",
				Help:      "Workflows reaching a terminal phase by result",
			},
			[]string{"result"},
		),
		Active: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "patchflow",
				Subsystem: "workflow",
				Name:      "active",
				Help:      "Workflows currently executing",
			},
		),
	}
}

// ObservePhase records one phase execution.
func (m *Metrics) ObservePhase(phase, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.PhaseExecutions.WithLabelValues(phase, outcome).Inc()
	m.PhaseDuration.WithLabelValues(phase).Observe(d.Seconds())
}

// ObserveVerdict records a guardrail decision.
func (m *Metrics) ObserveVerdict(check, decision string) {
	if m == nil {
		return
	}
	m.Verdicts.WithLabelValues(check, decision).Inc()
}

// ObserveFinished records a terminal outcome.
func (m *Metrics) ObserveFinished(result string) {
	if m == nil {
		return
	}
	m.Finished.WithLabelValues(result).Inc()
}

// Track increments Active and returns a func that decrements it.
func (m *Metrics) Track() func() {
	if m == nil {
		return func() {}
	}
	m.Active.Inc()
	return m.Active.Dec
}
