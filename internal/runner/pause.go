package runner

import (
	"context"
	"fmt"

	"github.com/maumercado/taskrunner/internal/eventbus"
	"github.com/maumercado/taskrunner/internal/logger"
	"github.com/maumercado/taskrunner/internal/metrics"
	"github.com/maumercado/taskrunner/internal/taskservice"
)

// Pause persists a paused state for projectID by writing "blocked" to its
// root task (the task whose title equals the project id with no
// prerequisites) and updates the local pausedProjects cache. Already
// running tasks are unaffected — they complete naturally.
func (r *Runner) Pause(ctx context.Context, projectID string) error {
	root, err := r.findRootTask(ctx, projectID)
	if err != nil {
		return fmt.Errorf("find root task for %s: %w", projectID, err)
	}
	if root != nil {
		if err := r.client.UpdateStatus(ctx, root.Path, taskservice.StatusBlocked); err != nil {
			return fmt.Errorf("persist pause for %s: %w", projectID, err)
		}
	} else {
		logger.Warn().Str("project_id", projectID).Msg("no root task found, pause recorded locally only")
	}

	r.mu.Lock()
	r.pausedProjects[projectID] = true
	metrics.SetProjectsPaused(float64(len(r.pausedProjects)))
	r.mu.Unlock()

	r.emit(eventbus.EventProjectPaused, projectID, "", nil)
	return nil
}

// Resume reverses Pause.
func (r *Runner) Resume(ctx context.Context, projectID string) error {
	root, err := r.findRootTask(ctx, projectID)
	if err != nil {
		return fmt.Errorf("find root task for %s: %w", projectID, err)
	}
	if root != nil {
		if err := r.client.UpdateStatus(ctx, root.Path, taskservice.StatusPending); err != nil {
			return fmt.Errorf("persist resume for %s: %w", projectID, err)
		}
	}

	r.mu.Lock()
	delete(r.pausedProjects, projectID)
	metrics.SetProjectsPaused(float64(len(r.pausedProjects)))
	r.mu.Unlock()

	r.emit(eventbus.EventProjectResumed, projectID, "", nil)
	return nil
}

// PauseAll fans Pause out over every configured project.
func (r *Runner) PauseAll(ctx context.Context) error {
	var firstErr error
	for _, p := range r.projects {
		if err := r.Pause(ctx, p); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.emit(eventbus.EventAllPaused, "", "", nil)
	return firstErr
}

// ResumeAll fans Resume out over every configured project.
func (r *Runner) ResumeAll(ctx context.Context) error {
	var firstErr error
	for _, p := range r.projects {
		if err := r.Resume(ctx, p); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.emit(eventbus.EventAllResumed, "", "", nil)
	return firstErr
}

// IsPaused reports the local pausedProjects cache for projectID.
func (r *Runner) IsPaused(projectID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pausedProjects[projectID]
}

// findRootTask locates the project's root task: the one whose title equals
// the project id and which has no prerequisites of its own.
func (r *Runner) findRootTask(ctx context.Context, projectID string) (*taskservice.Task, error) {
	tasks, err := r.client.ListAll(ctx, projectID)
	if err != nil {
		return nil, err
	}
	for i := range tasks {
		t := &tasks[i]
		if t.Title == projectID && len(t.DependsOn) == 0 {
			return t, nil
		}
	}
	return nil, nil
}
