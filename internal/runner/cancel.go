package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/maumercado/taskrunner/internal/eventbus"
	"github.com/maumercado/taskrunner/internal/logger"
	"github.com/maumercado/taskrunner/internal/state"
	"github.com/maumercado/taskrunner/internal/taskservice"
)

// CancelTask is the externally-invoked cancellation entry point (admin
// surface). If the session is owned, its process is killed; if not, the
// external session is left to the worker-session host to tear down
// (best-effort — the runner has no owned handle to terminate directly).
func (r *Runner) CancelTask(ctx context.Context, projectID, taskID string) error {
	key := sessionKey(projectID, taskID)

	r.mu.Lock()
	sess, ok := r.sessions[key]
	if ok {
		delete(r.sessions, key)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("no in-flight task %s/%s to cancel", projectID, taskID)
	}

	if sess.owned {
		r.procMgr.Kill(key)
		r.procMgr.Remove(key)
	}

	if err := r.client.UpdateStatus(ctx, sess.task.Path, taskservice.StatusCancelled); err != nil {
		logger.Warn().Err(err).Str("task_id", taskID).Msg("failed to mark task cancelled")
	}
	if err := r.client.Release(ctx, projectID, taskID); err != nil {
		logger.Warn().Err(err).Str("task_id", taskID).Msg("failed to release claim for cancelled task")
	}
	note := fmt.Sprintf("\n\n---\nRunner: task cancelled at %s.\n", time.Now().Format(time.RFC3339))
	if err := r.client.AppendBody(ctx, sess.task.Path, note); err != nil {
		logger.Warn().Err(err).Str("task_id", taskID).Msg("failed to append cancellation note")
	}

	r.mu.Lock()
	stats := r.stats[projectID]
	if stats == nil {
		stats = &state.Stats{}
		r.stats[projectID] = stats
	}
	stats.Failed++
	r.mu.Unlock()

	r.launcher.Cleanup(projectID, taskID)
	r.emit(eventbus.EventTaskCancelled, projectID, taskID, nil)

	return r.persistState(projectID, r.currentStatus())
}
