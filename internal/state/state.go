// Package state persists per-project runner snapshots to disk so a crashed
// runner can reconcile its view of in-flight work on restart. Every write
// is atomic (write-temp-then-rename); every read tolerates a missing or
// corrupt file rather than treating either as fatal.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/maumercado/taskrunner/internal/logger"
)

// RunnerStatus is the persisted project-level operational state.
type RunnerStatus string

const (
	StatusIdle       RunnerStatus = "idle"
	StatusPolling    RunnerStatus = "polling"
	StatusProcessing RunnerStatus = "processing"
	StatusStopped    RunnerStatus = "stopped"
)

// Stats accumulates terminal-outcome counters across the runner's lifetime
// for one project.
type Stats struct {
	Completed   int           `json:"completed"`
	Failed      int           `json:"failed"`
	TotalRuntime time.Duration `json:"totalRuntime"`
}

// RunningTask is the core-owned record of one in-flight unit of work. The
// composite key (ProjectID, TaskID) is the only globally unique local
// identifier — taskIds may collide across projects.
type RunningTask struct {
	TaskID             string    `json:"taskId"`
	ProjectID          string    `json:"projectId"`
	Path               string    `json:"path"`
	Title              string    `json:"title"`
	Priority           string    `json:"priority"`
	PID                int       `json:"pid"`
	StartedAt          time.Time `json:"startedAt"`
	IsResume           bool      `json:"isResume"`
	Workdir            string    `json:"workdir"`
	WindowName         string    `json:"windowName,omitempty"`
	PaneID             string    `json:"paneId,omitempty"`
	WorkerEndpointPort int       `json:"workerEndpointPort,omitempty"`
	IdleSince          *time.Time `json:"idleSince,omitempty"`
}

// Key returns the composite identity key of this RunningTask.
func (rt RunningTask) Key() string {
	return rt.ProjectID + "/" + rt.TaskID
}

// RunnerState is the persisted snapshot for one project.
type RunnerState struct {
	ProjectID    string        `json:"projectId"`
	Status       RunnerStatus  `json:"status"`
	RunningTasks []RunningTask `json:"runningTasks"`
	Stats        Stats         `json:"stats"`
	StartedAt    time.Time     `json:"startedAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
}

// Store manages the per-project snapshot files under one runner instance's
// state directory.
type Store struct {
	dir string
}

// New constructs a Store rooted at dir, creating it if necessary.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) stateFile(projectID string) string {
	return filepath.Join(s.dir, fmt.Sprintf("runner-%s.json", projectID))
}

func (s *Store) pidFile(projectID string) string {
	return filepath.Join(s.dir, fmt.Sprintf("runner-%s.pid", projectID))
}

func (s *Store) runningFile(projectID string) string {
	return filepath.Join(s.dir, fmt.Sprintf("running-%s.json", projectID))
}

// SaveState atomically replaces the RunnerState snapshot for a project.
func (s *Store) SaveState(projectID string, st RunnerState) error {
	st.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal runner state: %w", err)
	}
	return atomicWrite(s.stateFile(projectID), data)
}

// LoadState reads the RunnerState snapshot for a project. A missing file
// returns (nil, nil). A corrupt file is logged and also returns (nil, nil)
// — corruption must never crash the runner.
func (s *Store) LoadState(projectID string) (*RunnerState, error) {
	data, err := os.ReadFile(s.stateFile(projectID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read runner state: %w", err)
	}

	var st RunnerState
	if err := json.Unmarshal(data, &st); err != nil {
		logger.Warn().Err(err).Str("project_id", projectID).Msg("corrupt runner state file, treating as absent")
		return nil, nil
	}
	return &st, nil
}

// SaveRunningTasks atomically replaces the RunningTask list for a project.
// Kept separate from the full snapshot so readers can see in-flight work
// without parsing the whole state file.
func (s *Store) SaveRunningTasks(projectID string, tasks []RunningTask) error {
	if tasks == nil {
		tasks = []RunningTask{}
	}
	data, err := json.MarshalIndent(tasks, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal running tasks: %w", err)
	}
	return atomicWrite(s.runningFile(projectID), data)
}

// LoadRunningTasks reads the RunningTask list for a project, tolerating a
// missing or corrupt file the same way LoadState does.
func (s *Store) LoadRunningTasks(projectID string) ([]RunningTask, error) {
	data, err := os.ReadFile(s.runningFile(projectID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read running tasks: %w", err)
	}

	var tasks []RunningTask
	if err := json.Unmarshal(data, &tasks); err != nil {
		logger.Warn().Err(err).Str("project_id", projectID).Msg("corrupt running tasks file, treating as absent")
		return nil, nil
	}
	return tasks, nil
}

// WritePID records the runner's own OS PID for a project.
func (s *Store) WritePID(projectID string, pid int) error {
	return atomicWrite(s.pidFile(projectID), []byte(strconv.Itoa(pid)))
}

// ReadPID returns the runner PID recorded for a project, or 0 if absent.
func (s *Store) ReadPID(projectID string) (int, error) {
	data, err := os.ReadFile(s.pidFile(projectID))
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read pid file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, nil
	}
	return pid, nil
}

// RemovePID deletes a project's runner PID file.
func (s *Store) RemovePID(projectID string) error {
	err := os.Remove(s.pidFile(projectID))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Projects lists the project IDs with an existing state snapshot, inferred
// from stateFile names present in the directory.
func (s *Store) Projects() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read state dir: %w", err)
	}

	var projects []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, "runner-") && strings.HasSuffix(name, ".json") {
			projects = append(projects, strings.TrimSuffix(strings.TrimPrefix(name, "runner-"), ".json"))
		}
	}
	return projects, nil
}

// RemoveStaleSnapshots deletes the snapshot files for any project whose PID
// file references a no-longer-running process, per isAlive. This is a
// best-effort cleanup helper, not part of crash recovery itself (crash
// recovery reconciles against the task service, not the PID file).
func (s *Store) RemoveStaleSnapshots(isAlive func(pid int) bool) error {
	projects, err := s.Projects()
	if err != nil {
		return err
	}

	for _, projectID := range projects {
		pid, err := s.ReadPID(projectID)
		if err != nil || pid == 0 {
			continue
		}
		if !isAlive(pid) {
			_ = os.Remove(s.stateFile(projectID))
			_ = os.Remove(s.pidFile(projectID))
			_ = os.Remove(s.runningFile(projectID))
		}
	}
	return nil
}

func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
