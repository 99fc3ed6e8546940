// Package runner implements the polling/dispatch orchestrator: the single
// logical scheduler thread that claims ready work, spawns workers, reaps
// completions, detects idle or blocked sessions, and survives restarts by
// reconciling against the task service and its own persisted state.
package runner

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/maumercado/taskrunner/internal/config"
	"github.com/maumercado/taskrunner/internal/eventbus"
	"github.com/maumercado/taskrunner/internal/launcher"
	"github.com/maumercado/taskrunner/internal/logger"
	"github.com/maumercado/taskrunner/internal/metrics"
	"github.com/maumercado/taskrunner/internal/process"
	"github.com/maumercado/taskrunner/internal/session"
	"github.com/maumercado/taskrunner/internal/state"
	"github.com/maumercado/taskrunner/internal/taskservice"
)

// TaskServiceClient is the subset of taskservice.Client the Runner depends
// on — narrowed to an interface so tests can substitute a fake.
type TaskServiceClient interface {
	Health(ctx context.Context) taskservice.Health
	ListAll(ctx context.Context, project string) ([]taskservice.Task, error)
	ListReady(ctx context.Context, project string) ([]taskservice.Task, error)
	ListInProgress(ctx context.Context, project string) ([]taskservice.Task, error)
	Claim(ctx context.Context, project, taskID, runnerID string) (*taskservice.ClaimResult, error)
	Release(ctx context.Context, project, taskID string) error
	UpdateStatus(ctx context.Context, taskPath string, status taskservice.Status) error
	AppendBody(ctx context.Context, taskPath, markdown string) error
}

// Launcher is the subset of launcher.Launcher the Runner depends on.
type Launcher interface {
	Spawn(opts launcher.Options) (*launcher.Spawned, error)
	Cleanup(projectID, taskID string)
}

// ProcessManager is the subset of process.Manager the Runner depends on.
type ProcessManager interface {
	Add(ref process.TaskRef, cmd *exec.Cmd, pid int, logFile *os.File) error
	Remove(taskID string)
	IsRunning(taskID string) bool
	RunningCount() int
	CheckCompletion(taskID string) process.CompletionStatus
	CreateTaskResult(taskID string, status process.CompletionStatus) process.TaskResult
	Kill(taskID string) bool
	KillAll()
	ToJSON() ([]byte, error)
	RestoreFromState(data []byte) ([]process.TaskRef, error)
}

// SessionProber is the subset of session.Prober the Runner depends on.
type SessionProber interface {
	DiscoverEndpoint(pid int) (int, bool)
	CheckStatus(ctx context.Context, port int) session.Status
}

// trackedSession is the Runner's unified view of one in-flight unit of
// work, whether owned (spawned directly, tracked in ProcessManager) or
// un-owned (hosted by an external session, tracked only here).
type trackedSession struct {
	task  state.RunningTask
	owned bool
}

// Runner is the polling/dispatch orchestrator for one or more projects
// sharing a single parallelism budget.
type Runner struct {
	runnerID string
	cfg      config.RunnerConfig
	projects []string

	client    TaskServiceClient
	store     *state.Store
	procMgr   ProcessManager
	launcher  Launcher
	prober    SessionProber
	bus       *eventbus.Bus
	isPidAlive func(pid int) bool

	startedAt time.Time

	mu             sync.Mutex
	sessions       map[string]*trackedSession // composite key -> session
	pausedProjects map[string]bool
	stats          map[string]*state.Stats
	stopped        bool
}

// Option configures a Runner at construction time.
type Option func(*Runner)

// WithRunnerID overrides the generated random runner identity (useful in tests).
func WithRunnerID(id string) Option {
	return func(r *Runner) { r.runnerID = id }
}

// WithIsPidAlive overrides the liveness check (useful in tests).
func WithIsPidAlive(fn func(pid int) bool) Option {
	return func(r *Runner) { r.isPidAlive = fn }
}

// New constructs a Runner. projects is the configured project-id list —
// single-project mode simply passes a one-element slice.
func New(cfg config.RunnerConfig, projects []string, client TaskServiceClient, store *state.Store, procMgr ProcessManager, l Launcher, prober SessionProber, bus *eventbus.Bus, opts ...Option) *Runner {
	r := &Runner{
		runnerID:       newRunnerID(),
		cfg:            cfg,
		projects:       projects,
		client:         client,
		store:          store,
		procMgr:        procMgr,
		launcher:       l,
		prober:         prober,
		bus:            bus,
		isPidAlive:     session.IsPidAlive,
		startedAt:      time.Now(),
		sessions:       make(map[string]*trackedSession),
		pausedProjects: make(map[string]bool),
		stats:          make(map[string]*state.Stats),
	}
	for _, opt := range opts {
		opt(r)
	}
	for _, p := range r.projects {
		r.stats[p] = &state.Stats{}
	}
	return r
}

func newRunnerID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func sessionKey(projectID, taskID string) string {
	return projectID + "/" + taskID
}

// currentStatus reports the coarse operational status for persistence:
// processing while any session is in flight, idle otherwise.
func (r *Runner) currentStatus() state.RunnerStatus {
	if r.RunningCount() > 0 {
		return state.StatusProcessing
	}
	return state.StatusIdle
}

// Start runs initialization (pause-set seeding, crash recovery) and then
// the polling loop until ctx is cancelled. It returns the reason the loop
// stopped, if any.
func (r *Runner) Start(ctx context.Context, startPaused bool) error {
	if startPaused {
		for _, p := range r.projects {
			if err := r.Pause(ctx, p); err != nil {
				logger.Warn().Err(err).Str("project_id", p).Msg("failed to persist initial pause state")
			}
		}
	}

	r.restoreStats()
	r.writePIDs()

	if err := r.crashRecovery(ctx); err != nil {
		logger.Warn().Err(err).Msg("crash recovery encountered an error, continuing with partial state")
	}

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.runTickSafely(ctx)
		}
	}
}

// runTickSafely wraps one poll tick so a panic or unexpected error is
// caught at the loop boundary, logged, and never takes down the process —
// only startup and shutdown-internal failures are allowed to surface as a
// non-zero exit code.
func (r *Runner) runTickSafely(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error().Interface("panic", rec).Msg("poll tick panicked, continuing on next interval")
		}
	}()

	start := time.Now()
	if err := r.Tick(ctx); err != nil {
		logger.Error().Err(err).Msg("poll tick returned an error, continuing on next interval")
	}
	metrics.RecordPollTick(time.Since(start).Seconds())
}

// RunningCount is the total number of in-flight sessions, owned or not,
// across all projects — the figure capacity accounting (§4.6) needs, since
// an externally-hosted session still occupies a slot in the shared
// parallelism budget even though this runner holds no process for it.
func (r *Runner) RunningCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// KillAll kills every owned process. External sessions have no process
// this runner can force-kill; they are left in r.sessions to terminate on
// their own or be reaped on a later tick.
func (r *Runner) KillAll() {
	r.procMgr.KillAll()

	r.mu.Lock()
	defer r.mu.Unlock()
	for key, sess := range r.sessions {
		if !sess.owned {
			// External sessions have no owned process to kill; they are
			// left to terminate on their own or be reaped on a later tick.
			continue
		}
		delete(r.sessions, key)
	}
}

// ShutdownCapability adapts a Runner for the Signal Supervisor. Its
// RunningCount reports only owned, killable work (procMgr.RunningCount()),
// not the full session map: an external session has no process this
// runner can force-kill, so one left running at shutdown must never block
// the drain-wait from converging to zero (see KillAll).
type ShutdownCapability struct {
	r *Runner
}

// NewShutdownCapability wraps r for signalsupervisor.Capability.
func NewShutdownCapability(r *Runner) *ShutdownCapability {
	return &ShutdownCapability{r: r}
}

func (c *ShutdownCapability) RunningCount() int { return c.r.procMgr.RunningCount() }

func (c *ShutdownCapability) KillAll() { c.r.KillAll() }

// GracefulStop is the Teardown hook passed to the Signal Supervisor. It
// marks the Runner stopped, so every later Tick returns at once, and emits
// a shutdown event. The final status=stopped snapshot is written by
// PersistFinal, not here.
func (r *Runner) GracefulStop(ctx context.Context, reason string) error {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()

	r.emit(eventbus.EventShutdown, "", "", map[string]interface{}{"reason": reason})
	return nil
}

// PersistFinal writes a final RunnerState snapshot per project with
// status=stopped, then removes each project's PID file: this process no
// longer owns the work it was tracking. Passed to the Signal Supervisor as
// its PersistFinal hook.
func (r *Runner) PersistFinal() {
	for _, p := range r.projects {
		if err := r.persistState(p, state.StatusStopped); err != nil {
			logger.Error().Err(err).Str("project_id", p).Msg("failed to persist final state")
		}
		if err := r.store.RemovePID(p); err != nil {
			logger.Warn().Err(err).Str("project_id", p).Msg("failed to remove pid file")
		}
	}
}

// writePIDs records this process's OS PID for every configured project so
// operators (and RemoveStaleSnapshots on a future run) can tell whether the
// runner that owns a snapshot is still alive.
func (r *Runner) writePIDs() {
	pid := os.Getpid()
	for _, p := range r.projects {
		if err := r.store.WritePID(p, pid); err != nil {
			logger.Warn().Err(err).Str("project_id", p).Msg("failed to write pid file")
		}
	}
}

func (r *Runner) emit(eventType eventbus.EventType, projectID, taskID string, data map[string]interface{}) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(eventbus.NewEvent(eventType, projectID, taskID, data))
}

func (r *Runner) restoreStats() {
	for _, p := range r.projects {
		snapshot, err := r.store.LoadState(p)
		if err != nil {
			logger.Warn().Err(err).Str("project_id", p).Msg("failed to load persisted runner state")
			continue
		}
		if snapshot == nil {
			continue
		}
		r.mu.Lock()
		r.stats[p] = &state.Stats{
			Completed:    snapshot.Stats.Completed,
			Failed:       snapshot.Stats.Failed,
			TotalRuntime: snapshot.Stats.TotalRuntime,
		}
		r.mu.Unlock()
	}
}

func (r *Runner) persistState(projectID string, status state.RunnerStatus) error {
	r.mu.Lock()
	stats := *r.stats[projectID]
	var tasks []state.RunningTask
	for key, sess := range r.sessions {
		if sess.task.ProjectID != projectID {
			continue
		}
		_ = key
		tasks = append(tasks, sess.task)
	}
	r.mu.Unlock()

	snapshot := state.RunnerState{
		ProjectID:    projectID,
		Status:       status,
		RunningTasks: tasks,
		Stats:        stats,
		StartedAt:    r.startedAt,
	}
	if err := r.store.SaveState(projectID, snapshot); err != nil {
		return fmt.Errorf("persist runner state for %s: %w", projectID, err)
	}
	if err := r.store.SaveRunningTasks(projectID, tasks); err != nil {
		logger.Warn().Err(err).Str("project_id", projectID).Msg("failed to persist running tasks snapshot")
	}
	r.emit(eventbus.EventStateSaved, projectID, "", nil)
	return nil
}
