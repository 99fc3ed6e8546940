package runner

import (
	"time"

	"github.com/maumercado/taskrunner/internal/state"
)

// Snapshot is an immutable point-in-time view of Runner state, safe to hand
// to readers outside the scheduler thread (the admin API) — it is built
// under the lock and never shares mutable fields with the live Runner.
type Snapshot struct {
	RunnerID       string                 `json:"runner_id"`
	StartedAt      time.Time              `json:"started_at"`
	Status         state.RunnerStatus     `json:"status"`
	Projects       []string               `json:"projects"`
	PausedProjects []string               `json:"paused_projects"`
	RunningTasks   []state.RunningTask    `json:"running_tasks"`
	Stats          map[string]state.Stats `json:"stats"`
}

// Status returns an immutable snapshot of the Runner's current state for
// consumption by readers that are not the scheduler thread (admin API,
// status endpoint). Every field is copied, not referenced.
func (r *Runner) Status() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := Snapshot{
		RunnerID:  r.runnerID,
		StartedAt: r.startedAt,
		Stats:     make(map[string]state.Stats, len(r.stats)),
	}

	for _, p := range r.projects {
		snap.Projects = append(snap.Projects, p)
	}
	for p := range r.pausedProjects {
		snap.PausedProjects = append(snap.PausedProjects, p)
	}
	for key := range r.sessions {
		snap.RunningTasks = append(snap.RunningTasks, r.sessions[key].task)
	}
	for p, s := range r.stats {
		snap.Stats[p] = *s
	}

	if len(r.sessions) > 0 {
		snap.Status = state.StatusProcessing
	} else {
		snap.Status = state.StatusIdle
	}
	return snap
}
