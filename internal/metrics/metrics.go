// Package metrics exposes the runner's own operational instrumentation via
// promauto-registered collectors, scraped through internal/adminapi's
// /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Polling / dispatch
	PollTickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "runner_poll_tick_duration_seconds",
			Help:    "Duration of a single polling tick",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		},
	)

	TasksClaimed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runner_tasks_claimed_total",
			Help: "Total number of tasks successfully claimed",
		},
		[]string{"project"},
	)

	ClaimConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runner_claim_conflicts_total",
			Help: "Total number of claim attempts that lost to another runner",
		},
		[]string{"project"},
	)

	TasksSpawned = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runner_tasks_spawned_total",
			Help: "Total number of worker processes/sessions spawned",
		},
		[]string{"project"},
	)

	TasksCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runner_tasks_completed_total",
			Help: "Total number of tasks that finished, by terminal outcome",
		},
		[]string{"project", "outcome"},
	)

	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "runner_task_duration_seconds",
			Help:    "Task wall-clock duration from spawn to terminal completion",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 18),
		},
		[]string{"project"},
	)

	ActiveTasks = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "runner_active_tasks",
			Help: "Current number of tasks consuming the shared parallelism budget",
		},
	)

	IdleTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runner_idle_transitions_total",
			Help: "Total number of live sessions marked blocked after sustained idle",
		},
		[]string{"project"},
	)

	AutoResumes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runner_auto_resumes_total",
			Help: "Total number of blocked sessions automatically resumed after going busy again",
		},
		[]string{"project"},
	)

	OrphansRecovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runner_orphans_recovered_total",
			Help: "Total number of in-progress tasks resumed after a crash",
		},
		[]string{"project"},
	)

	ProjectsPaused = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "runner_projects_paused",
			Help: "Current number of paused projects",
		},
	)

	// Admin HTTP surface
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "runner_admin_http_request_duration_seconds",
			Help:    "Admin HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runner_admin_http_requests_total",
			Help: "Total number of admin HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "runner_admin_websocket_connections",
			Help: "Current number of admin event-stream WebSocket connections",
		},
	)

	WebSocketMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runner_admin_websocket_messages_total",
			Help: "Total number of RunnerEvents sent over admin WebSocket connections",
		},
		[]string{"type"},
	)
)

func RecordPollTick(durationSeconds float64) {
	PollTickDuration.Observe(durationSeconds)
}

func RecordClaim(project string) {
	TasksClaimed.WithLabelValues(project).Inc()
}

func RecordClaimConflict(project string) {
	ClaimConflicts.WithLabelValues(project).Inc()
}

func RecordSpawn(project string) {
	TasksSpawned.WithLabelValues(project).Inc()
}

func RecordCompletion(project, outcome string, durationSeconds float64) {
	TasksCompleted.WithLabelValues(project, outcome).Inc()
	TaskDuration.WithLabelValues(project).Observe(durationSeconds)
}

func SetActiveTasks(count float64) {
	ActiveTasks.Set(count)
}

func RecordIdleTransition(project string) {
	IdleTransitions.WithLabelValues(project).Inc()
}

func RecordAutoResume(project string) {
	AutoResumes.WithLabelValues(project).Inc()
}

func RecordOrphanRecovered(project string) {
	OrphansRecovered.WithLabelValues(project).Inc()
}

func SetProjectsPaused(count float64) {
	ProjectsPaused.Set(count)
}

func RecordHTTPRequest(method, path, status string, durationSeconds float64) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(durationSeconds)
	HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
}

func SetWebSocketConnections(count float64) {
	WebSocketConnections.Set(count)
}

func RecordWebSocketMessage(eventType string) {
	WebSocketMessages.WithLabelValues(eventType).Inc()
}
