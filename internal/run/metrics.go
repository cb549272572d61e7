package run

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the engine's run-loop instruments.
type Metrics struct {
	Iterations    prometheus.Counter
	PhaseDuration *prometheus.HistogramVec
	PhaseFailures *prometheus.CounterVec
	ActiveWorkers prometheus.Gauge
	RunsCompleted *prometheus.CounterVec
}

// MustNewMetrics builds and registers the instruments, panicking on
// registration conflicts.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Iterations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "jeeves",
			Name:      "iterations_total",
			Help:      "Workflow iterations executed.",
		}),
		PhaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "jeeves",
			Name:      "phase_duration_seconds",
			Help:      "Wallclock duration of phase executions.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"phase", "outcome"}),
		PhaseFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jeeves",
			Name:      "phase_failures_total",
			Help:      "Phase executions that did not succeed.",
		}, []string{"phase"}),
		ActiveWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "jeeves",
			Name:      "active_workers",
			Help:      "Worker sandboxes currently executing.",
		}),
		RunsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jeeves",
			Name:      "runs_completed_total",
			Help:      "Completed runs by completion reason.",
		}, []string{"reason"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Iterations,
			m.PhaseDuration,
			m.PhaseFailures,
			m.ActiveWorkers,
			m.RunsCompleted,
		)
	}
	return m
}
