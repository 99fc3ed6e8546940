package runner

import (
	"context"
	"time"

	"github.com/maumercado/taskrunner/internal/launcher"
	"github.com/maumercado/taskrunner/internal/logger"
	"github.com/maumercado/taskrunner/internal/metrics"
	"github.com/maumercado/taskrunner/internal/process"
	"github.com/maumercado/taskrunner/internal/state"
	"github.com/maumercado/taskrunner/internal/taskservice"
)

// crashRecovery runs once at startup, before the first poll tick. It first
// performs orphan recovery — resuming any task the task service still
// reports in_progress that this instance is not already tracking — then
// resumes anything named in the persisted RunnerState snapshot that orphan
// recovery did not already pick up. Stats are restored separately, by
// Start, before crashRecovery runs.
func (r *Runner) crashRecovery(ctx context.Context) error {
	for _, projectID := range r.projects {
		inProgress, err := r.client.ListInProgress(ctx, projectID)
		if err != nil {
			logger.Warn().Err(err).Str("project_id", projectID).Msg("failed to list in-progress tasks during crash recovery")
			continue
		}

		for _, task := range inProgress {
			key := sessionKey(projectID, task.ID)
			r.mu.Lock()
			_, tracked := r.sessions[key]
			r.mu.Unlock()
			if tracked {
				continue
			}
			r.resumeOrphan(projectID, task)
		}

		snapshot, err := r.store.LoadState(projectID)
		if err != nil || snapshot == nil {
			continue
		}
		for _, rt := range snapshot.RunningTasks {
			key := sessionKey(projectID, rt.TaskID)
			r.mu.Lock()
			_, tracked := r.sessions[key]
			r.mu.Unlock()
			if tracked {
				continue
			}
			r.resumeOrphan(projectID, taskservice.Task{
				ID:              rt.TaskID,
				Path:            rt.Path,
				Title:           rt.Title,
				Priority:        taskservice.ParsePriority(rt.Priority),
				ResolvedWorkdir: rt.Workdir,
			})
		}
	}
	return nil
}

// resumeOrphan re-spawns a task in resume mode and adopts it into the
// session map under the new process's PID, as owned when the launcher
// returned a process handle.
func (r *Runner) resumeOrphan(projectID string, task taskservice.Task) {
	spawned, err := r.launcher.Spawn(launcher.Options{
		Task:      task,
		ProjectID: projectID,
		Mode:      launcher.ModeBackground,
		Resume:    true,
	})
	if err != nil {
		logger.Warn().Err(err).Str("project_id", projectID).Str("task_id", task.ID).Msg("failed to resume orphaned task")
		return
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
		IsResume:  true,
		Workdir:   task.ResolvedWorkdir,
	}

	owned := spawned.Cmd != nil
	if owned {
		if err := r.procMgr.Add(process.TaskRef{TaskID: key, ProjectID: projectID}, spawned.Cmd, spawned.PID, spawned.LogFile); err != nil {
			logger.Error().Err(err).Str("task_id", task.ID).Msg("failed to register resumed process")
		}
	}

	r.mu.Lock()
	r.sessions[key] = &trackedSession{task: rt, owned: owned}
	r.mu.Unlock()

	metrics.RecordOrphanRecovered(projectID)
	logger.Info().Str("project_id", projectID).Str("task_id", task.ID).Msg("resumed orphaned task after restart")
}
