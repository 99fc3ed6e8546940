package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/maumercado/taskrunner/internal/eventbus"
	"github.com/maumercado/taskrunner/internal/logger"
	"github.com/maumercado/taskrunner/internal/metrics"
	"github.com/maumercado/taskrunner/internal/process"
	"github.com/maumercado/taskrunner/internal/state"
	"github.com/maumercado/taskrunner/internal/taskservice"
)

// reapOwnedWork checks every owned session's process for completion and
// routes terminal outcomes through handleTaskCompletion.
func (r *Runner) reapOwnedWork(ctx context.Context) {
	for _, key := range r.ownedKeys() {
		status := r.procMgr.CheckCompletion(key)
		switch status {
		case process.Completed:
			r.handleTaskCompletion(ctx, key, true, "", 0)
		case process.Timeout, process.Crashed, process.Failed, process.Blocked:
			result := r.procMgr.CreateTaskResult(key, status)
			exitCode := 0
			if result.ExitCode != nil {
				exitCode = *result.ExitCode
			}
			r.handleTaskCompletion(ctx, key, false, string(status), exitCode)
		case process.Running:
			// still in flight, nothing to do this tick
		}
	}
}

func (r *Runner) ownedKeys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var keys []string
	for key, sess := range r.sessions {
		if sess.owned {
			keys = append(keys, key)
		}
	}
	return keys
}

// reapExternalSessions polls the task service for each un-owned session's
// current status. completed/cancelled finalize; blocked is transient and
// left alone — the session remains live in the map.
func (r *Runner) reapExternalSessions(ctx context.Context) {
	for _, key := range r.externalKeys() {
		r.mu.Lock()
		sess, ok := r.sessions[key]
		r.mu.Unlock()
		if !ok {
			continue
		}

		tasks, err := r.client.ListAll(ctx, sess.task.ProjectID)
		if err != nil {
			logger.Warn().Err(err).Str("project_id", sess.task.ProjectID).Msg("failed to poll external session status")
			continue
		}

		var current *taskservice.Task
		for i := range tasks {
			if tasks[i].ID == sess.task.TaskID {
				current = &tasks[i]
				break
			}
		}
		if current == nil {
			continue
		}

		switch current.Status {
		case taskservice.StatusCompleted:
			r.handleTaskCompletion(ctx, key, true, "", 0)
		case taskservice.StatusCancelled:
			r.finalizeCancelled(ctx, key)
		default:
			// blocked and every other status are transient for a live,
			// externally-hosted session.
		}
	}
}

func (r *Runner) externalKeys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var keys []string
	for key, sess := range r.sessions {
		if !sess.owned {
			keys = append(keys, key)
		}
	}
	return keys
}

// handleTaskCompletion is the shared finalization path for both owned and
// un-owned sessions. success selects the completed/failed branch;
// failureKind and exitCode are only meaningful when success is false.
func (r *Runner) handleTaskCompletion(ctx context.Context, key string, success bool, failureKind string, exitCode int) {
	r.mu.Lock()
	sess, ok := r.sessions[key]
	if ok {
		delete(r.sessions, key)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	duration := time.Since(sess.task.StartedAt)
	projectID := sess.task.ProjectID
	taskID := sess.task.TaskID

	r.mu.Lock()
	stats := r.stats[projectID]
	if stats == nil {
		stats = &state.Stats{}
		r.stats[projectID] = stats
	}
	if success {
		stats.Completed++
	} else {
		stats.Failed++
	}
	stats.TotalRuntime += duration
	r.mu.Unlock()

	if !success {
		crashStatus := taskservice.Status(r.cfg.CrashStatus)
		if err := r.client.UpdateStatus(ctx, sess.task.Path, crashStatus); err != nil {
			logger.Warn().Err(err).Str("task_id", taskID).Msg("failed to mark task status after failure, best-effort")
		}
		note := failureNote(failureKind, exitCode)
		if err := r.client.AppendBody(ctx, sess.task.Path, note); err != nil {
			logger.Warn().Err(err).Str("task_id", taskID).Msg("failed to append failure note, best-effort")
		}
	}

	if err := r.client.Release(ctx, projectID, taskID); err != nil {
		logger.Warn().Err(err).Str("task_id", taskID).Msg("failed to release claim, best-effort")
	}

	r.launcher.Cleanup(projectID, taskID)
	if sess.owned {
		r.procMgr.Remove(key)
	}

	outcome := "completed"
	eventType := eventbus.EventTaskCompleted
	if !success {
		outcome = "failed"
		eventType = eventbus.EventTaskFailed
	}
	metrics.RecordCompletion(projectID, outcome, duration.Seconds())
	r.emit(eventType, projectID, taskID, map[string]interface{}{"duration_seconds": duration.Seconds()})

	if err := r.persistState(projectID, r.currentStatus()); err != nil {
		logger.Error().Err(err).Str("project_id", projectID).Msg("failed to persist state after completion")
	}
}

func (r *Runner) finalizeCancelled(ctx context.Context, key string) {
	r.mu.Lock()
	sess, ok := r.sessions[key]
	if ok {
		delete(r.sessions, key)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	r.mu.Lock()
	stats := r.stats[sess.task.ProjectID]
	if stats == nil {
		stats = &state.Stats{}
		r.stats[sess.task.ProjectID] = stats
	}
	stats.Failed++
	r.mu.Unlock()

	if err := r.client.Release(ctx, sess.task.ProjectID, sess.task.TaskID); err != nil {
		logger.Warn().Err(err).Str("task_id", sess.task.TaskID).Msg("failed to release claim for cancelled task")
	}
	r.launcher.Cleanup(sess.task.ProjectID, sess.task.TaskID)

	r.emit(eventbus.EventTaskCancelled, sess.task.ProjectID, sess.task.TaskID, nil)
	if err := r.persistState(sess.task.ProjectID, r.currentStatus()); err != nil {
		logger.Error().Err(err).Str("project_id", sess.task.ProjectID).Msg("failed to persist state after cancellation")
	}
}

func failureNote(kind string, exitCode int) string {
	if kind == "" {
		return "\n\n---\nRunner: task failed.\n"
	}
	return fmt.Sprintf("\n\n---\nRunner: task finalized as %s (exit code %d).\n", kind, exitCode)
}
