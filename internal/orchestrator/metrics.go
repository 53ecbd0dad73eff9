package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	tasksSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tantra_tasks_submitted_total",
			Help: "Total number of tasks accepted into the queue.",
		},
		[]string{"priority"},
	)

	tasksFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tantra_tasks_finished_total",
			Help: "Total number of tasks that reached a terminal status.",
		},
		[]string{"status"},
	)

	taskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tantra_task_duration_seconds",
			Help:    "Execution time of tasks that reached a worker.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"status"},
	)

	dispatchFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tantra_dispatch_failures_total",
			Help: "Tasks failed before execution, by reason.",
		},
		[]string{"reason"},
	)

	queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tantra_queue_depth",
		Help: "Number of tasks waiting in the pending queue.",
	})

	tasksInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tantra_tasks_in_flight",
		Help: "Number of tasks currently executing.",
	})
)

func init() {
	prometheus.MustRegister(tasksSubmitted)
	prometheus.MustRegister(tasksFinished)
	prometheus.MustRegister(taskDuration)
	prometheus.MustRegister(dispatchFailures)
	prometheus.MustRegister(queueDepth)
	prometheus.MustRegister(tasksInFlight)
}
