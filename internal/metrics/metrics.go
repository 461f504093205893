// Package metrics exposes the daemon's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SchedulerTicks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lunasched_scheduler_ticks_total",
			Help: "Total number of scheduler ticks",
		},
	)

	RunningJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lunasched_running_jobs",
			Help: "Number of currently running job executions",
		},
	)

	JobExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lunasched_job_executions_total",
			Help: "Total number of job executions",
		},
		[]string{"job_id"},
	)

	JobSuccesses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lunasched_job_successes_total",
			Help: "Total number of successful job executions",
		},
		[]string{"job_id"},
	)

	JobFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lunasched_job_failures_total",
			Help: "Total number of failed job executions",
		},
		[]string{"job_id"},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lunasched_job_duration_seconds",
			Help:    "Job execution duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 1800},
		},
		[]string{"job_id"},
	)

	JobTimeouts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lunasched_job_timeouts_total",
			Help: "Total number of executions killed by their timeout",
		},
		[]string{"job_id"},
	)

	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lunasched_notifications_total",
			Help: "Total notifications attempted",
		},
		[]string{"channel", "status"}, // status: success, failure
	)
)
