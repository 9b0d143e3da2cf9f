// Package telemetry exposes the gateway's Prometheus metrics. All
// metric mutation goes through this package so the rest of the code
// never imports the prometheus client directly.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricTasksRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "warden",
		Name:      "tasks_running",
		Help:      "Number of tasks currently executing.",
	})
	metricTasksAdmitted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "warden",
		Name:      "tasks_admitted_total",
		Help:      "Requests admitted and turned into tasks.",
	})
	metricTasksRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "warden",
		Name:      "tasks_rejected_total",
		Help:      "Requests rejected at admission, by rejection code.",
	}, []string{"code"})
	metricTasksFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "warden",
		Name:      "tasks_finished_total",
		Help:      "Tasks reaching a terminal state, by state.",
	}, []string{"state"})
	metricTaskDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "warden",
		Name:      "task_duration_seconds",
		Help:      "Wall-clock execution time of finished tasks.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
	})
	metricAuditQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "warden",
		Name:      "audit_queue_depth",
		Help:      "Audit records queued and not yet durable.",
	})
	metricSecurityAlerts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "warden",
		Name:      "security_alerts_total",
		Help:      "Security violations detected at validation.",
	})
)

// TaskStarted records a task entering Running.
func TaskStarted() {
	metricTasksRunning.Inc()
}

// TaskAdmitted records an accepted submission.
func TaskAdmitted() {
	metricTasksAdmitted.Inc()
}

// TaskRejected records a rejected submission by code.
func TaskRejected(code string) {
	metricTasksRejected.WithLabelValues(code).Inc()
}

// TaskFinished records a task reaching a terminal state.
func TaskFinished(state string, seconds float64) {
	metricTasksRunning.Dec()
	metricTasksFinished.WithLabelValues(state).Inc()
	metricTaskDuration.Observe(seconds)
}

// SecurityAlert records one detected violation.
func SecurityAlert() {
	metricSecurityAlerts.Inc()
}

// SetAuditQueueDepth publishes the audit writer's backlog.
func SetAuditQueueDepth(depth int) {
	metricAuditQueueDepth.Set(float64(depth))
}
