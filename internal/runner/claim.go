package runner

import (
	"context"
	"time"

	"github.com/maumercado/taskrunner/internal/eventbus"
	"github.com/maumercado/taskrunner/internal/launcher"
	"github.com/maumercado/taskrunner/internal/logger"
	"github.com/maumercado/taskrunner/internal/metrics"
	"github.com/maumercado/taskrunner/internal/process"
	"github.com/maumercado/taskrunner/internal/state"
	"github.com/maumercado/taskrunner/internal/taskservice"
)

// claimAndSpawn attempts to claim task and, on success, spawn its worker.
// Returns true if a worker was spawned. Every failure path returns false so
// the caller moves on to the next candidate — a lost claim or a spawn failure
// is not escalated beyond this tick. Failures are logged, except a lost claim,
// which only records a claim-conflict metric.
func (r *Runner) claimAndSpawn(ctx context.Context, projectID string, task taskservice.Task) bool {
	claim, err := r.client.Claim(ctx, projectID, task.ID, r.runnerID)
	if err != nil {
		logger.Warn().Err(err).Str("project_id", projectID).Str("task_id", task.ID).Msg("claim request failed")
		return false
	}
	if !claim.Success {
		metrics.RecordClaimConflict(projectID)
		return false
	}
	metrics.RecordClaim(projectID)

	if err := r.client.UpdateStatus(ctx, task.Path, taskservice.StatusInProgress); err != nil {
		logger.Warn().Err(err).Str("project_id", projectID).Str("task_id", task.ID).Msg("failed to mark task in_progress after claim, releasing")
		_ = r.client.Release(ctx, projectID, task.ID)
		return false
	}

	spawned, err := r.launcher.Spawn(launcher.Options{
		Task:      task,
		ProjectID: projectID,
		Mode:      launcher.ModeBackground,
	})
	if err != nil {
		logger.Warn().Err(err).Str("project_id", projectID).Str("task_id", task.ID).Msg("spawn failed, releasing claim")
		_ = r.client.Release(ctx, projectID, task.ID)
		return false
	}

	key := sessionKey(projectID, task.ID)
	rt := state.RunningTask{
		TaskID:    task.ID,
		ProjectID: projectID,
		Path:      task.Path,
		Title:     task.Title,
		Priority:  string(task.Priority),
		PID:       spawned.PID,
		StartedAt: time.Now(),
		Workdir:   task.ResolvedWorkdir,
		WindowName: spawned.WindowName,
		PaneID:     spawned.PaneID,
	}

	owned := spawned.Cmd != nil
	if owned {
		if err := r.procMgr.Add(process.TaskRef{TaskID: key, ProjectID: projectID}, spawned.Cmd, spawned.PID, spawned.LogFile); err != nil {
			logger.Error().Err(err).Str("task_id", task.ID).Msg("failed to register spawned process")
		}
	}

	r.mu.Lock()
	r.sessions[key] = &trackedSession{task: rt, owned: owned}
	r.mu.Unlock()

	metrics.RecordSpawn(projectID)
	r.emit(eventbus.EventTaskStarted, projectID, task.ID, map[string]interface{}{"priority": string(task.Priority)})
	return true
}
