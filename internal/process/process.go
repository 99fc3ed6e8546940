// Package process manages worker subprocesses spawned directly by this
// runner (mode=background). Externally-hosted sessions (tui/dashboard) are
// never registered here — they live in the Runner's session map instead.
package process

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/maumercado/taskrunner/internal/logger"
)

// CompletionStatus is the outcome of checkCompletion for one ProcessEntry.
type CompletionStatus string

const (
	Running   CompletionStatus = "running"
	Completed CompletionStatus = "completed"
	Failed    CompletionStatus = "failed"
	Blocked   CompletionStatus = "blocked"
	Cancelled CompletionStatus = "cancelled"
	Timeout   CompletionStatus = "timeout"
	Crashed   CompletionStatus = "crashed"
)

// TaskResult is the materialized outcome of a finished ProcessEntry.
type TaskResult struct {
	TaskID      string           `json:"taskId"`
	Status      CompletionStatus `json:"status"`
	StartedAt   time.Time        `json:"startedAt"`
	CompletedAt time.Time        `json:"completedAt"`
	Duration    time.Duration    `json:"duration"`
	ExitCode    *int             `json:"exitCode,omitempty"`
}

// TaskRef is the minimal task identity a ProcessEntry needs to remember —
// the Runner owns the full Task record, the Process Manager only needs
// enough to report back on exit.
type TaskRef struct {
	TaskID    string
	ProjectID string
}

// ProcessEntry tracks one owned OS child process.
type ProcessEntry struct {
	Task      TaskRef
	Cmd       *exec.Cmd
	StartedAt time.Time
	PID       int

	// logFile is the child's stdout/stderr sink, opened by the launcher. It
	// is owned by this entry from Add onward and closed once exited is set.
	logFile *os.File

	exited   bool
	exitCode int
	exitedAt time.Time
}

// SnapshotEntry is the serializable form of a ProcessEntry, used by
// toJSON/restoreFromState for crash-resume.
type SnapshotEntry struct {
	TaskID    string     `json:"taskId"`
	ProjectID string     `json:"projectId"`
	PID       int        `json:"pid"`
	StartedAt time.Time  `json:"startedAt"`
	Exited    bool       `json:"exited"`
	ExitCode  *int       `json:"exitCode,omitempty"`
	ExitedAt  *time.Time `json:"exitedAt,omitempty"`
}

// Manager owns every worker process this runner instance spawned directly.
// At most one non-exited entry may exist per taskId at any time.
type Manager struct {
	mu          sync.Mutex
	entries     map[string]*ProcessEntry
	taskTimeout time.Duration
	killGrace   time.Duration
}

// Option configures a Manager.
type Option func(*Manager)

// WithTaskTimeout overrides the per-task wall-clock timeout (default 30m).
func WithTaskTimeout(d time.Duration) Option {
	return func(m *Manager) { m.taskTimeout = d }
}

// WithKillGrace overrides the SIGTERM-to-SIGKILL grace window (default 500ms).
func WithKillGrace(d time.Duration) Option {
	return func(m *Manager) { m.killGrace = d }
}

// New constructs an empty Manager.
func New(opts ...Option) *Manager {
	m := &Manager{
		entries:     make(map[string]*ProcessEntry),
		taskTimeout: 30 * time.Minute,
		killGrace:   500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Add registers a freshly spawned process under taskId. Duplicate add for a
// still-tracked, non-exited taskId is an error. logFile, if non-nil, is the
// child's stdout/stderr sink; it is closed by the exit-watching goroutine
// once cmd.Wait() returns, so the caller must not close it itself.
func (m *Manager) Add(ref TaskRef, cmd *exec.Cmd, pid int, logFile *os.File) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.entries[ref.TaskID]; ok && !existing.exited {
		return fmt.Errorf("process manager: task %s already has a live entry", ref.TaskID)
	}

	entry := &ProcessEntry{Task: ref, Cmd: cmd, StartedAt: time.Now(), PID: pid, logFile: logFile}
	m.entries[ref.TaskID] = entry

	go func() {
		err := cmd.Wait()
		code := 0
		if err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				code = exitErr.ExitCode()
			} else {
				code = -1
			}
		}
		m.mu.Lock()
		entry.exited = true
		entry.exitCode = code
		entry.exitedAt = time.Now()
		m.mu.Unlock()
		if entry.logFile != nil {
			_ = entry.logFile.Close()
		}
	}()

	return nil
}

// Remove drops a taskId's entry. Idempotent.
func (m *Manager) Remove(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, taskID)
}

// IsRunning reports whether taskId is tracked and not yet exited.
func (m *Manager) IsRunning(taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[taskID]
	return ok && !entry.exited
}

// Count returns the total number of tracked entries, exited or not.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// RunningCount excludes exited-but-unreaped entries.
func (m *Manager) RunningCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.entries {
		if !e.exited {
			n++
		}
	}
	return n
}

// CheckCompletion implements the four-step reconciliation algorithm. It
// decides Running, Timeout, Completed or Crashed purely from process state —
// CheckCompletion itself never calls out to the task service; more precise
// status reconciliation against the server happens in the Runner.
func (m *Manager) CheckCompletion(taskID string) CompletionStatus {
	m.mu.Lock()
	entry, ok := m.entries[taskID]
	m.mu.Unlock()

	if !ok {
		return Crashed
	}

	// Restored entries (crash-resume) have no exit-watching goroutine
	// attached since we are not their parent process; liveness must be
	// polled directly instead of waiting on entry.exited.
	if entry.Cmd == nil && !entry.exited {
		if !isAlive(entry.PID) {
			m.mu.Lock()
			entry.exited = true
			entry.exitCode = -1
			entry.exitedAt = time.Now()
			m.mu.Unlock()
			return Crashed
		}
	}

	if !entry.exited {
		if time.Since(entry.StartedAt) > m.taskTimeout {
			return Timeout
		}
		return Running
	}
	if entry.exitCode == 0 {
		return Completed
	}
	return Crashed
}

// CreateTaskResult materializes the outcome of a finished entry. Running is
// an illegal finalization state and maps to Crashed.
func (m *Manager) CreateTaskResult(taskID string, status CompletionStatus) TaskResult {
	if status == Running {
		status = Crashed
	}

	m.mu.Lock()
	entry, ok := m.entries[taskID]
	m.mu.Unlock()

	result := TaskResult{TaskID: taskID, Status: status}
	if !ok {
		result.CompletedAt = time.Now()
		return result
	}

	result.StartedAt = entry.StartedAt
	if entry.exited {
		result.CompletedAt = entry.exitedAt
		code := entry.exitCode
		result.ExitCode = &code
	} else {
		result.CompletedAt = time.Now()
	}
	result.Duration = result.CompletedAt.Sub(result.StartedAt)
	return result
}

// Kill sends termination to taskId's process, escalating to force-kill after
// the grace window. Returns true if the process was alive or the entry was
// present.
func (m *Manager) Kill(taskID string) bool {
	m.mu.Lock()
	entry, ok := m.entries[taskID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	if entry.exited {
		return true
	}

	pid := entry.PID
	pgid, err := syscall.Getpgid(pid)
	target := pid
	// Signal the whole group only when the process leads its own group;
	// otherwise -pgid would also reach the group this process was born into.
	if err == nil && pgid == pid {
		target = -pgid
	}

	_ = syscall.Kill(target, syscall.SIGTERM)

	deadline := time.Now().Add(m.killGrace)
	for time.Now().Before(deadline) {
		if !isAlive(pid) {
			return true
		}
		time.Sleep(25 * time.Millisecond)
	}

	_ = syscall.Kill(target, syscall.SIGKILL)
	return true
}

// KillAll kills every tracked, non-exited entry.
func (m *Manager) KillAll() {
	m.mu.Lock()
	taskIDs := make([]string, 0, len(m.entries))
	for id, e := range m.entries {
		if !e.exited {
			taskIDs = append(taskIDs, id)
		}
	}
	m.mu.Unlock()

	for _, id := range taskIDs {
		m.Kill(id)
	}
}

// ToJSON snapshots every tracked entry for persistence.
func (m *Manager) ToJSON() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshots := make([]SnapshotEntry, 0, len(m.entries))
	for _, e := range m.entries {
		s := SnapshotEntry{
			TaskID:    e.Task.TaskID,
			ProjectID: e.Task.ProjectID,
			PID:       e.PID,
			StartedAt: e.StartedAt,
			Exited:    e.exited,
		}
		if e.exited {
			code := e.exitCode
			s.ExitCode = &code
			exitedAt := e.exitedAt
			s.ExitedAt = &exitedAt
		}
		snapshots = append(snapshots, s)
	}
	return json.Marshal(snapshots)
}

// RestoreFromState re-attaches to PIDs that are still alive and not already
// tracked. It returns the TaskRefs the Runner must re-adopt into the
// RunningTask set (resume mode) — processes whose PID has died are not
// restored and are not returned.
func (m *Manager) RestoreFromState(data []byte) ([]TaskRef, error) {
	var snapshots []SnapshotEntry
	if err := json.Unmarshal(data, &snapshots); err != nil {
		return nil, fmt.Errorf("restore process snapshot: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var adopted []TaskRef
	for _, s := range snapshots {
		if s.Exited {
			continue
		}
		if _, tracked := m.entries[s.TaskID]; tracked {
			continue
		}
		if !isAlive(s.PID) {
			logger.Warn().Str("task_id", s.TaskID).Int("pid", s.PID).Msg("restored process no longer alive, treating as crashed")
			continue
		}

		ref := TaskRef{TaskID: s.TaskID, ProjectID: s.ProjectID}
		m.entries[s.TaskID] = &ProcessEntry{Task: ref, StartedAt: s.StartedAt, PID: s.PID}
		adopted = append(adopted, ref)
	}
	return adopted, nil
}

func isAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}
