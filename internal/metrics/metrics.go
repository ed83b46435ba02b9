// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TicksTotal counts tick outcomes: sent, failed, completed, rejected.
	TicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vdev_ticks_total",
		Help: "Session ticks by device kind and outcome.",
	}, []string{"kind", "outcome"})

	TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "vdev_tick_duration_seconds",
		Help:    "Wall time of a single session tick including emission.",
		Buckets: prometheus.DefBuckets,
	})

	SessionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vdev_session_transitions_total",
		Help: "Session state transitions by target status.",
	}, []string{"to"})

	BatchRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vdev_batch_runs_total",
		Help: "Batch tick runs by trigger and final status.",
	}, []string{"trigger", "status"})

	BatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "vdev_batch_duration_seconds",
		Help:    "Duration of batch tick runs.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	SchedulerCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vdev_scheduler_calls_total",
		Help: "Scheduler provider calls by operation and outcome.",
	}, []string{"op", "outcome"})

	SyncActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vdev_sync_actions_total",
		Help: "Corrective actions taken by reconciliation.",
	}, []string{"action"})

	AlertsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vdev_alerts_created_total",
		Help: "Stream health alerts raised by type.",
	}, []string{"type"})

	LiveSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vdev_ws_subscribers",
		Help: "Open WebSocket event subscribers.",
	})
)

// Outcome labels.
const (
	OutcomeOK       = "ok"
	OutcomeError    = "error"
	OutcomeSent     = "sent"
	OutcomeFailed   = "failed"
	OutcomeComplete = "completed"
	OutcomeRejected = "rejected"
)
