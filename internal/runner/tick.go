package runner

import (
	"context"
	"sync"

	"github.com/maumercado/taskrunner/internal/eventbus"
	"github.com/maumercado/taskrunner/internal/logger"
	"github.com/maumercado/taskrunner/internal/metrics"
	"github.com/maumercado/taskrunner/internal/taskservice"
)

// Tick runs one polling iteration: health check, reaping, idle detection,
// auto-resume, capacity check, fan-out listReady, claim+spawn, persist.
func (r *Runner) Tick(ctx context.Context) error {
	r.mu.Lock()
	stopped := r.stopped
	r.mu.Unlock()
	if stopped {
		return nil
	}

	// Step 1: health gate.
	health := r.client.Health(ctx)
	if health.Status == taskservice.HealthUnhealthy {
		r.emit(eventbus.EventPollComplete, "", "", map[string]interface{}{"ready": 0, "running": r.RunningCount()})
		return nil
	}

	// Step 2: reap completed owned work.
	r.reapOwnedWork(ctx)

	// Step 3: reap externally-hosted sessions whose server status finalized.
	r.reapExternalSessions(ctx)

	// Step 4: idle detection over externally-hosted live sessions.
	r.runIdleDetection(ctx)

	// Step 5: auto-resume sweep over blocked live sessions.
	r.runAutoResumeSweep(ctx)

	// Step 6: shared capacity.
	capacity := r.cfg.MaxParallel - r.RunningCount()
	metrics.SetActiveTasks(float64(r.RunningCount()))
	if capacity <= 0 {
		r.emit(eventbus.EventPollComplete, "", "", map[string]interface{}{"ready": 0, "running": r.RunningCount()})
		return nil
	}

	// Step 7: active projects = configured - paused.
	activeProjects := r.activeProjects()
	if len(activeProjects) == 0 {
		r.emit(eventbus.EventPollComplete, "", "", map[string]interface{}{"ready": 0, "running": r.RunningCount()})
		return nil
	}

	// Step 8: fan out listReady concurrently, tolerating partial failure.
	ready := r.fanOutListReady(ctx, activeProjects)

	// Step 9: filter out tasks already in-flight locally.
	candidates := r.filterInFlight(ready)

	// Step 10: take the first `capacity` tasks; server already priority-sorted.
	if len(candidates) > capacity {
		candidates = candidates[:capacity]
	}

	// Step 11: claim and spawn each selected task.
	for _, c := range candidates {
		r.claimAndSpawn(ctx, c.project, c.task)
	}

	// Step 12: persist and emit.
	status := r.currentStatus()
	for _, p := range r.projects {
		if err := r.persistState(p, status); err != nil {
			return err
		}
	}
	r.emit(eventbus.EventPollComplete, "", "", map[string]interface{}{
		"ready":   len(ready),
		"running": r.RunningCount(),
	})
	return nil
}

type projectTask struct {
	project string
	task    taskservice.Task
}

func (r *Runner) activeProjects() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var active []string
	for _, p := range r.projects {
		if !r.pausedProjects[p] {
			active = append(active, p)
		}
	}
	return active
}

// fanOutListReady fetches ready tasks for every active project concurrently,
// then merges the per-project lists round-robin (one task per project per
// pass) instead of flattening in configured-project order: a project whose
// ready queue is deeper than capacity must never starve every
// later-configured project out of a slot on every tick. A failed project
// contributes an empty list for this tick and is logged, not propagated.
func (r *Runner) fanOutListReady(ctx context.Context, projects []string) []projectTask {
	type result struct {
		index int
		tasks []taskservice.Task
	}
	results := make([]result, len(projects))

	var wg sync.WaitGroup
	for i, p := range projects {
		wg.Add(1)
		go func(i int, project string) {
			defer wg.Done()
			tasks, err := r.client.ListReady(ctx, project)
			if err != nil {
				logger.Warn().Err(err).Str("project_id", project).Msg("failed to list ready tasks, skipping project this tick")
				return
			}
			results[i] = result{index: i, tasks: tasks}
		}(i, p)
	}
	wg.Wait()

	var merged []projectTask
	for round := 0; ; round++ {
		added := false
		for i, p := range projects {
			if round >= len(results[i].tasks) {
				continue
			}
			merged = append(merged, projectTask{project: p, task: results[i].tasks[round]})
			added = true
		}
		if !added {
			break
		}
	}
	return merged
}

func (r *Runner) filterInFlight(candidates []projectTask) []projectTask {
	r.mu.Lock()
	defer r.mu.Unlock()

	var filtered []projectTask
	for _, c := range candidates {
		key := sessionKey(c.project, c.task.ID)
		if _, inFlight := r.sessions[key]; inFlight {
			continue
		}
		filtered = append(filtered, c)
	}
	return filtered
}
