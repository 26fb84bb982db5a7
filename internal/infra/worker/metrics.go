package worker

import (
	"feed-relay/internal/pkg/config"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// WorkerMetrics provides Prometheus metrics for the worker component.
// It embeds the standard ConfigMetrics for configuration monitoring and adds
// job pool metrics.
//
// Worker-specific metrics:
//   - worker_job_runs_total: job runs by job name and status (success/failure/panic)
//   - worker_job_duration_seconds: handler duration by job name
//   - worker_jobs_promoted_total: repeat schedules turned into job occurrences
//   - worker_jobs_requeued_total: stale active jobs returned to waiting
//   - worker_jobs_pruned_total: finished jobs deleted by maintenance
//
// Metrics are registered with the default registry via promauto, so create
// one instance per process.
type WorkerMetrics struct {
	*config.ConfigMetrics

	JobRunsTotal       *prometheus.CounterVec
	JobDurationSeconds *prometheus.HistogramVec
	JobsPromotedTotal  prometheus.Counter
	JobsRequeuedTotal  prometheus.Counter
	JobsPrunedTotal    prometheus.Counter
}

// NewWorkerMetrics creates and registers the worker metrics.
func NewWorkerMetrics() *WorkerMetrics {
	return &WorkerMetrics{
		ConfigMetrics: config.NewConfigMetrics("worker"),

		JobRunsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "worker_job_runs_total",
			Help: "Total number of job runs by job name and status",
		}, []string{"job", "status"}),

		JobDurationSeconds: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "worker_job_duration_seconds",
			Help:    "Duration of job handlers in seconds",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120},
		}, []string{"job"}),

		JobsPromotedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "worker_jobs_promoted_total",
			Help: "Total number of repeat schedules promoted to job occurrences",
		}),

		JobsRequeuedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "worker_jobs_requeued_total",
			Help: "Total number of stale active jobs returned to waiting",
		}),

		JobsPrunedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "worker_jobs_pruned_total",
			Help: "Total number of finished jobs deleted",
		}),
	}
}

// RecordJobRun counts one job run. Status is success, failure or panic.
func (m *WorkerMetrics) RecordJobRun(job, status string) {
	if m == nil || m.JobRunsTotal == nil {
		return
	}
	m.JobRunsTotal.WithLabelValues(job, status).Inc()
}

// RecordJobDuration observes a handler duration in seconds.
func (m *WorkerMetrics) RecordJobDuration(job string, seconds float64) {
	if m == nil || m.JobDurationSeconds == nil {
		return
	}
	m.JobDurationSeconds.WithLabelValues(job).Observe(seconds)
}

// RecordMaintenance adds the results of one promoter pass.
func (m *WorkerMetrics) RecordMaintenance(promoted, requeued, pruned int) {
	if m == nil {
		return
	}
	if m.JobsPromotedTotal != nil {
		m.JobsPromotedTotal.Add(float64(promoted))
	}
	if m.JobsRequeuedTotal != nil {
		m.JobsRequeuedTotal.Add(float64(requeued))
	}
	if m.JobsPrunedTotal != nil {
		m.JobsPrunedTotal.Add(float64(pruned))
	}
}
