package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/maumercado/taskrunner/internal/logger"
	"github.com/maumercado/taskrunner/internal/metrics"
	"github.com/maumercado/taskrunner/internal/session"
	"github.com/maumercado/taskrunner/internal/taskservice"
)

// runIdleDetection implements the idle state machine over every
// externally-hosted live session: discover its status endpoint if unknown,
// probe busy/idle/unavailable, and mark sustained idle as blocked without
// killing the worker.
func (r *Runner) runIdleDetection(ctx context.Context) {
	for _, key := range r.externalKeys() {
		r.mu.Lock()
		sess, ok := r.sessions[key]
		r.mu.Unlock()
		if !ok {
			continue
		}

		if !r.isPidAlive(sess.task.PID) {
			continue
		}

		if sess.task.WorkerEndpointPort == 0 {
			port, found := r.prober.DiscoverEndpoint(sess.task.PID)
			if !found {
				continue
			}
			r.mu.Lock()
			if current, stillTracked := r.sessions[key]; stillTracked {
				current.task.WorkerEndpointPort = port
			}
			r.mu.Unlock()
			continue
		}

		status := r.prober.CheckStatus(ctx, sess.task.WorkerEndpointPort)
		switch status {
		case session.StatusBusy:
			r.mu.Lock()
			if current, stillTracked := r.sessions[key]; stillTracked {
				current.task.IdleSince = nil
			}
			r.mu.Unlock()

		case session.StatusIdle:
			r.handleIdleObservation(ctx, key)

		case session.StatusUnavailable:
			// Transient; no state change.
		}
	}
}

func (r *Runner) handleIdleObservation(ctx context.Context, key string) {
	r.mu.Lock()
	sess, ok := r.sessions[key]
	if !ok {
		r.mu.Unlock()
		return
	}
	if sess.task.IdleSince == nil {
		now := time.Now()
		sess.task.IdleSince = &now
		r.mu.Unlock()
		return
	}
	idleSince := *sess.task.IdleSince
	elapsed := time.Since(idleSince)
	r.mu.Unlock()

	if elapsed < r.cfg.IdleThreshold {
		return
	}

	r.mu.Lock()
	sess, ok = r.sessions[key]
	if !ok {
		r.mu.Unlock()
		return
	}
	path := sess.task.Path
	projectID := sess.task.ProjectID
	taskID := sess.task.TaskID
	sess.task.IdleSince = nil
	r.mu.Unlock()

	if err := r.client.UpdateStatus(ctx, path, taskservice.StatusBlocked); err != nil {
		logger.Warn().Err(err).Str("task_id", taskID).Msg("failed to mark idle session blocked")
		return
	}
	note := fmt.Sprintf("\n\n---\nRunner: worker idle for %s, marked blocked at %s. Interact with the worker session to resume.\n",
		r.cfg.IdleThreshold, time.Now().Format(time.RFC3339))
	if err := r.client.AppendBody(ctx, path, note); err != nil {
		logger.Warn().Err(err).Str("task_id", taskID).Msg("failed to append idle note")
	}

	metrics.RecordIdleTransition(projectID)
	logger.Info().Str("project_id", projectID).Str("task_id", taskID).Msg("session marked blocked after sustained idle")
}

// runAutoResumeSweep reverses the idle-blocked transition once a live
// session becomes busy again.
func (r *Runner) runAutoResumeSweep(ctx context.Context) {
	for _, key := range r.externalKeys() {
		r.mu.Lock()
		sess, ok := r.sessions[key]
		r.mu.Unlock()
		if !ok {
			continue
		}

		if !r.isPidAlive(sess.task.PID) {
			// Dead process awaiting manual intervention or orphan recovery.
			continue
		}

		tasks, err := r.client.ListAll(ctx, sess.task.ProjectID)
		if err != nil {
			continue
		}
		var current *taskservice.Task
		for i := range tasks {
			if tasks[i].ID == sess.task.TaskID {
				current = &tasks[i]
				break
			}
		}
		if current == nil || current.Status != taskservice.StatusBlocked {
			continue
		}

		if sess.task.WorkerEndpointPort == 0 {
			continue
		}
		if r.prober.CheckStatus(ctx, sess.task.WorkerEndpointPort) != session.StatusBusy {
			continue
		}

		if err := r.client.UpdateStatus(ctx, sess.task.Path, taskservice.StatusInProgress); err != nil {
			logger.Warn().Err(err).Str("task_id", sess.task.TaskID).Msg("failed to auto-resume blocked session")
			continue
		}
		note := fmt.Sprintf("\n\n---\nRunner: worker active again, auto-resumed at %s.\n", time.Now().Format(time.RFC3339))
		if err := r.client.AppendBody(ctx, sess.task.Path, note); err != nil {
			logger.Warn().Err(err).Str("task_id", sess.task.TaskID).Msg("failed to append auto-resume note")
		}

		r.mu.Lock()
		if current, stillTracked := r.sessions[key]; stillTracked {
			current.task.IdleSince = nil
		}
		r.mu.Unlock()

		metrics.RecordAutoResume(sess.task.ProjectID)
	}
}
