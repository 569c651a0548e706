// Package metrics defines the hub's Prometheus collectors.
//
// Collectors live on a dedicated registry exposed on GET /metrics, so tests
// never collide with the global default registry.
//
// Metric naming follows Prometheus conventions:
//   - caphub_ prefix for all metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every hub collector.
var Registry = prometheus.NewRegistry()

var (
	// RunsTotal counts runs by agent and terminal status.
	RunsTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "caphub_runs_total",
			Help: "Total runs reaching a terminal status, by agent and status.",
		},
		[]string{"agent", "status"},
	)

	// RunDurationSeconds is a histogram of run wall-clock duration by agent.
	RunDurationSeconds = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "caphub_run_duration_seconds",
			Help:    "Duration of runs from start to terminal status.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"agent"},
	)

	// ActiveRuns gauges runs currently executing on this process.
	ActiveRuns = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "caphub_active_runs",
			Help: "Runs currently held by this process's workers.",
		},
	)

	// InterruptsTotal counts interrupt transitions by type and status.
	InterruptsTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "caphub_interrupts_total",
			Help: "Total interrupt transitions, by interrupt type and status.",
		},
		[]string{"type", "status"},
	)

	// StepsTotal counts executed steps by type and status.
	StepsTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "caphub_steps_total",
			Help: "Total steps reaching a terminal status, by type and status.",
		},
		[]string{"type", "status"},
	)
)

func init() {
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// RunFinished records a run's terminal outcome.
func RunFinished(agentID, status string, duration time.Duration) {
	RunsTotal.WithLabelValues(agentID, status).Inc()
	if duration > 0 {
		RunDurationSeconds.WithLabelValues(agentID).Observe(duration.Seconds())
	}
}

// InterruptTransition records one interrupt status transition.
func InterruptTransition(interruptType, status string) {
	InterruptsTotal.WithLabelValues(interruptType, status).Inc()
}

// StepFinished records a step's terminal outcome.
func StepFinished(stepType, status string) {
	StepsTotal.WithLabelValues(stepType, status).Inc()
}

// RegisterQueueDepth exposes the queue backlog through a gauge backed by the
// given sampler. Re-registration (a harness booting the hub twice in one
// process) keeps the earlier sampler.
func RegisterQueueDepth(sample func() float64) {
	_ = Registry.Register(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "caphub_queue_depth",
			Help: "Runs waiting in the queue.",
		},
		sample,
	))
}

// RegisterDroppedEvents exposes the bus's dropped-event counter. Duplicate
// registration is tolerated like RegisterQueueDepth.
func RegisterDroppedEvents(sample func() float64) {
	_ = Registry.Register(prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Name: "caphub_events_dropped_total",
			Help: "Events dropped by bounded subscriber buffers.",
		},
		sample,
	))
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
