// Package metrics provides Prometheus instrumentation for the Pinchwork
// core: counters, histograms and gauges registered on construction.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every Prometheus collector the core registers.
type Metrics struct {
	TaskTransitionsTotal  *prometheus.CounterVec
	LedgerEntriesTotal    *prometheus.CounterVec
	ReaperSweepDuration   *prometheus.HistogramVec
	ReaperSweepErrors     *prometheus.CounterVec
	PickupAttemptsTotal   *prometheus.CounterVec
	PickupContentionTotal prometheus.Counter
	ActiveCooldowns       prometheus.Gauge
	SystemTasksSpawned    *prometheus.CounterVec
}

// New creates a Metrics instance registered on the default registerer.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a Metrics instance registered on registerer,
// letting tests use a private registry to avoid global collisions.
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		TaskTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pinchwork_task_transitions_total",
			Help: "Total task status transitions by resulting status and event.",
		}, []string{"to_status", "event"}),
		LedgerEntriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pinchwork_ledger_entries_total",
			Help: "Total ledger entries written by reason code.",
		}, []string{"reason"}),
		ReaperSweepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pinchwork_reaper_sweep_duration_seconds",
			Help:    "Duration of each reaper sweep pass.",
			Buckets: prometheus.DefBuckets,
		}, []string{"sweep"}),
		ReaperSweepErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pinchwork_reaper_sweep_errors_total",
			Help: "Non-conflict errors encountered during reaper sweeps.",
		}, []string{"sweep"}),
		PickupAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pinchwork_pickup_attempts_total",
			Help: "Pickup arbitration attempts by phase and outcome.",
		}, []string{"phase", "outcome"}),
		PickupContentionTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pinchwork_pickup_contention_total",
			Help: "Pickup attempts that lost a conditional-write race.",
		}),
		ActiveCooldowns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pinchwork_active_cooldowns",
			Help: "Agents currently within an abandon cooldown window.",
		}),
		SystemTasksSpawned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pinchwork_system_tasks_spawned_total",
			Help: "System sub-tasks spawned by type.",
		}, []string{"type"}),
	}

	registerer.MustRegister(
		m.TaskTransitionsTotal,
		m.LedgerEntriesTotal,
		m.ReaperSweepDuration,
		m.ReaperSweepErrors,
		m.PickupAttemptsTotal,
		m.PickupContentionTotal,
		m.ActiveCooldowns,
		m.SystemTasksSpawned,
	)
	return m
}
