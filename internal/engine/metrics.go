package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TasksFinished counts tasks by final status.
	// Labels: status (committed, failed, cancelled)
	TasksFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cogflow",
			Subsystem: "engine",
			Name:      "tasks_finished_total",
			Help:      "Tasks that reached a final status",
		},
		[]string{"status"},
	)

	// TasksRunning is the number of tasks currently executing.
	TasksRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "cogflow",
			Subsystem: "engine",
			Name:      "tasks_running",
			Help:      "Tasks currently executing",
		},
	)

	// StageDuration tracks handler latency.
	// Labels: stage, outcome (ok, error)
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "cogflow",
			Subsystem: "engine",
			Name:      "stage_duration_seconds",
			Help:      "Duration of stage handlers in seconds",
			Buckets:   []float64{.01, .05, .1, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"stage", "outcome"},
	)

	// RouteDecisions counts router decisions.
	// Labels: from, to, anomalous
	RouteDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cogflow",
			Subsystem: "engine",
			Name:      "route_decisions_total",
			Help:      "Stage transitions chosen by the router",
		},
		[]string{"from", "to", "anomalous"},
	)

	// CheckpointOutcomes counts escalation checkpoint outcomes.
	// Labels: stage, outcome
	CheckpointOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cogflow",
			Subsystem: "engine",
			Name:      "checkpoint_outcomes_total",
			Help:      "Escalation checkpoint outcomes by stage",
		},
		[]string{"stage", "outcome"},
	)

	// TokensConsumed counts generator tokens charged to task budgets.
	TokensConsumed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "cogflow",
			Subsystem: "engine",
			Name:      "tokens_consumed_total",
			Help:      "Generator tokens charged to task budgets",
		},
	)
)
