// Package taskservice is a thin, typed adapter over the external task
// service's HTTP+JSON API. It owns no task state of its own — every method
// is a single request/response round trip, or in the health case a short
// TTL cache over one.
package taskservice

import "time"

// Priority mirrors the task service's finite priority union. ParsePriority
// maps any value outside the union to PriorityMedium; a Task decoded from
// JSON carries the server's value as is.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

func ParsePriority(s string) Priority {
	switch Priority(s) {
	case PriorityHigh, PriorityMedium, PriorityLow:
		return Priority(s)
	default:
		return PriorityMedium
	}
}

// Status is the task service's status union.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusBlocked    Status = "blocked"
	StatusCancelled  Status = "cancelled"
	StatusValidated  Status = "validated"
	// StatusFailed is not part of the server's documented status union but
	// is accepted as an alternative crash/timeout terminal status by
	// runners configured with RUNNER_CRASH_STATUS=failed.
	StatusFailed Status = "failed"
)

func ParseStatus(s string) (Status, bool) {
	switch Status(s) {
	case StatusPending, StatusInProgress, StatusCompleted, StatusBlocked, StatusCancelled, StatusValidated, StatusFailed:
		return Status(s), true
	default:
		return "", false
	}
}

// Classification is the server-computed readiness union. A classification
// of Ready means every transitive prerequisite already satisfies its
// dependency; a task in a dependency cycle is always Blocked.
type Classification string

const (
	ClassificationReady   Classification = "ready"
	ClassificationWaiting Classification = "waiting"
	ClassificationBlocked Classification = "blocked"
)

func ParseClassification(s string) (Classification, bool) {
	switch Classification(s) {
	case ClassificationReady, ClassificationWaiting, ClassificationBlocked:
		return Classification(s), true
	default:
		return "", false
	}
}

// Task is the core's read-only projection of the server-owned task record.
type Task struct {
	ID                  string         `json:"id"`
	Path                string         `json:"path"`
	Title               string         `json:"title"`
	Priority            Priority       `json:"priority"`
	Status              Status         `json:"status"`
	Classification       Classification `json:"classification"`
	DependsOn           []string       `json:"depends_on,omitempty"`
	WaitingOn           []string       `json:"waiting_on,omitempty"`
	BlockedBy           []string       `json:"blocked_by,omitempty"`
	InCycle             bool           `json:"in_cycle"`
	Workdir             string         `json:"workdir,omitempty"`
	Worktree            string         `json:"worktree,omitempty"`
	GitRemote           string         `json:"git_remote,omitempty"`
	GitBranch           string         `json:"git_branch,omitempty"`
	FeatureID           string         `json:"feature_id,omitempty"`
	FeatureDependsOn    []string       `json:"feature_depends_on,omitempty"`
	ResolvedWorkdir     string         `json:"resolved_workdir,omitempty"`
	UserOriginalRequest string         `json:"user_original_request,omitempty"`
}

// HealthState is the task service's coarse health union.
type HealthState string

const (
	HealthHealthy   HealthState = "healthy"
	HealthDegraded  HealthState = "degraded"
	HealthUnhealthy HealthState = "unhealthy"
)

// Health is the result of a health probe. Any I/O error collapses to
// HealthUnhealthy — the caller only ever uses this to decide whether to
// skip a poll tick, never to distinguish failure causes.
type Health struct {
	Status     HealthState
	FeatureAOk bool
	FeatureBOk bool
}

// ClaimResult is the outcome of a claim attempt.
type ClaimResult struct {
	Success    bool
	ClaimedAt  time.Time
	ClaimedBy  string
	IsStale    bool
}

// WaitFor selects the long-poll termination condition.
type WaitFor string

const (
	WaitForCompleted WaitFor = "completed"
	WaitForAny       WaitFor = "any"
)

// WaitResult is the outcome of a status long-poll.
type WaitResult struct {
	Changed   bool
	TimedOut  bool
	Tasks     []Task
	NotFound  []string
}

const defaultAPITimeout = 5 * time.Second
const maxWaitTimeoutMs = 300000
