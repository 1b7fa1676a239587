package orchestrator

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"evolved/internal/health"
)

// Metrics tracks cycle and task counters. Counters are mirrored into a
// private Prometheus registry for exposition and into atomics so snapshots
// can read them without gathering.
type Metrics struct {
	registry *prometheus.Registry

	cyclesTotal   prometheus.Counter
	cycleDuration prometheus.Histogram
	tasksExecuted prometheus.Counter
	tasksFailed   prometheus.Counter
	tasksDeferred prometheus.Counter

	cycles        atomic.Uint64
	executed      atomic.Uint64
	failed        atomic.Uint64
	deferred      atomic.Uint64
	lastCycleNano atomic.Int64
}

// NewMetrics builds the metric set on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cyclesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "evolved_orchestration_cycles_total",
			Help: "Completed coordination cycles.",
		}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "evolved_orchestration_cycle_duration_seconds",
			Help:    "Coordination cycle duration.",
			Buckets: prometheus.DefBuckets,
		}),
		tasksExecuted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "evolved_component_tasks_executed_total",
			Help: "Plan actions executed successfully.",
		}),
		tasksFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "evolved_component_tasks_failed_total",
			Help: "Plan actions that failed after retries.",
		}),
		tasksDeferred: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "evolved_component_tasks_deferred_total",
			Help: "Plan actions deferred by resource ceilings.",
		}),
	}
	m.registry.MustRegister(m.cyclesTotal, m.cycleDuration, m.tasksExecuted, m.tasksFailed, m.tasksDeferred)
	return m
}

// Registry exposes the private registry for scraping or testing.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveCycle records one completed coordination cycle.
func (m *Metrics) ObserveCycle(d time.Duration) {
	m.cycles.Add(1)
	m.lastCycleNano.Store(int64(d))
	m.cyclesTotal.Inc()
	m.cycleDuration.Observe(d.Seconds())
}

// TaskExecuted records a successful plan action.
func (m *Metrics) TaskExecuted() {
	m.executed.Add(1)
	m.tasksExecuted.Inc()
}

// TaskFailed records a plan action failure.
func (m *Metrics) TaskFailed() {
	m.failed.Add(1)
	m.tasksFailed.Inc()
}

// TaskDeferred records a resource-ceiling deferral.
func (m *Metrics) TaskDeferred() {
	m.deferred.Add(1)
	m.tasksDeferred.Inc()
}

// Perf snapshots the counters for inclusion in a system snapshot.
func (m *Metrics) Perf() health.PerformanceMetrics {
	return health.PerformanceMetrics{
		CycleCount:        m.cycles.Load(),
		LastCycleDuration: time.Duration(m.lastCycleNano.Load()),
		TasksExecuted:     m.executed.Load(),
		TasksFailed:       m.failed.Load(),
		TasksDeferred:     m.deferred.Load(),
	}
}
