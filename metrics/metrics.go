// Package metrics holds talkarr's Prometheus metrics.
//
// Metrics are registered with the default registry and served by the ops HTTP API at /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Task outcomes
const (
	OutcomeSuccess    = "success"
	OutcomeError      = "error"
	OutcomeLockHeld   = "lock_held"
	OutcomeCircuitOff = "circuit_open"
)

var (
	// TaskRunsTotal counts worker task executions by task and outcome.
	TaskRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "talkarr_task_runs_total",
			Help: "Total number of worker task runs",
		},
		[]string{"task", "outcome"},
	)

	// TaskDuration tracks how long worker tasks take.
	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "talkarr_task_duration_seconds",
			Help:    "Duration of worker task runs in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
		},
		[]string{"task"},
	)

	// LockContentionTotal counts lock acquisitions that found the lock already held.
	LockContentionTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "talkarr_lock_contention_total",
			Help: "Total number of lock acquisitions that found the lock held",
		},
		[]string{"lock"},
	)

	// LocksHeld is the number of unexpired locks in the database, as of this process's last lock change.
	LocksHeld = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "talkarr_locks_held",
			Help: "Number of unexpired locks in the database",
		},
	)

	// ScannedFilesTotal counts files seen by scans, by kind (video, other, imported, skipped_low_confidence, ...).
	ScannedFilesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "talkarr_scanned_files_total",
			Help: "Total number of files seen by filesystem scans",
		},
		[]string{"kind"},
	)

	// EventProblems is the number of events with each problem after the last problem check.
	EventProblems = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "talkarr_event_problems",
			Help: "Number of events with each problem",
		},
		[]string{"problem"},
	)

	// TalksRequestsTotal counts talks API requests by endpoint and outcome.
	TalksRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "talkarr_talks_api_requests_total",
			Help: "Total number of talks API requests",
		},
		[]string{"endpoint", "outcome"},
	)

	// TalksBreakerState is the talks API circuit breaker state (0 closed, 1 half-open, 2 open).
	TalksBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "talkarr_talks_api_breaker_state",
			Help: "Talks API circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
	)
)

// RecordTask records the outcome and duration of a worker task run
func RecordTask(task, outcome string, d time.Duration) {
	TaskRunsTotal.WithLabelValues(task, outcome).Inc()
	if outcome != OutcomeLockHeld {
		TaskDuration.WithLabelValues(task).Observe(d.Seconds())
	}
}
