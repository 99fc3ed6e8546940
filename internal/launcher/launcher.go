// Package launcher composes worker invocations and spawns them, resolving
// working directories and persisting the prompt payload the worker reads on
// startup.
package launcher

import (
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"syscall"

	"github.com/maumercado/taskrunner/internal/taskservice"
)

// Mode selects how a worker process is hosted.
type Mode string

const (
	ModeBackground Mode = "background"
	ModeTUI        Mode = "tui"
	ModeDashboard  Mode = "dashboard"
)

// Spawned is the result of a launch. Cmd is nil for non-background modes —
// the PID is best-effort and procHandle is unavailable. LogFile is the
// child's stdout/stderr sink for mode=background launches; ownership passes
// to whoever registers the process with the Process Manager, which closes
// it on exit.
type Spawned struct {
	PID        int
	Cmd        *exec.Cmd
	LogFile    *os.File
	WindowName string
	PaneID     string
}

// Options carries per-launch parameters.
type Options struct {
	Task           taskservice.Task
	ProjectID      string
	Mode           Mode
	WorkdirOverride string
	Resume         bool
	SessionHint    string
}

// Launcher composes and spawns worker invocations.
type Launcher struct {
	stateDir    string
	logDir      string
	defaultWork string
	workerBin   string
	homeDir     string
}

// New constructs a Launcher. workerBin is the executable invoked for
// mode=background launches (e.g. the external worker program's path).
func New(stateDir, logDir, defaultWorkDir, workerBin string) *Launcher {
	home, err := os.UserHomeDir()
	if err != nil {
		if u, uerr := user.Current(); uerr == nil {
			home = u.HomeDir
		}
	}
	return &Launcher{
		stateDir:    stateDir,
		logDir:      logDir,
		defaultWork: defaultWorkDir,
		workerBin:   workerBin,
		homeDir:     home,
	}
}

const newPromptTemplate = `Begin work on the task at %s.

Read the task file, perform the work it describes, and update its status
as you make progress.
`

const resumePromptTemplate = `Resume work on the task at %s.

If prior work exists (partial edits, notes, in-progress changes), continue
from where it left off. If no prior work is found, restart the task from
the beginning.
`

// promptPath returns the deterministic prompt file path for (projectId, taskId).
func (l *Launcher) promptPath(projectID, taskID string) string {
	return filepath.Join(l.stateDir, fmt.Sprintf("prompt_%s_%s.txt", projectID, taskID))
}

func (l *Launcher) logPath(projectID, taskID string) string {
	return filepath.Join(l.stateDir, fmt.Sprintf("output_%s_%s.log", projectID, taskID))
}

// composePrompt writes the invocation payload for the given task and returns
// its path.
func (l *Launcher) composePrompt(opts Options) (string, error) {
	tmpl := newPromptTemplate
	if opts.Resume {
		tmpl = resumePromptTemplate
	}
	payload := fmt.Sprintf(tmpl, opts.Task.Path)

	path := l.promptPath(opts.ProjectID, opts.Task.ID)
	if err := os.MkdirAll(l.stateDir, 0o755); err != nil {
		return "", fmt.Errorf("create state dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(payload), 0o644); err != nil {
		return "", fmt.Errorf("write prompt file: %w", err)
	}
	return path, nil
}

// resolveWorkdir applies the priority order from the task record, stopping
// at the first path that exists on disk. Never fails — falls back to the
// configured default.
func (l *Launcher) resolveWorkdir(opts Options) string {
	if opts.WorkdirOverride != "" && pathExists(opts.WorkdirOverride) {
		return opts.WorkdirOverride
	}

	candidates := []string{}
	if opts.Task.Worktree != "" {
		candidates = append(candidates, l.resolveRelativeToHome(opts.Task.Worktree))
	}
	if opts.Task.Workdir != "" {
		candidates = append(candidates, l.resolveRelativeToHome(opts.Task.Workdir))
	}
	if opts.Task.ResolvedWorkdir != "" {
		candidates = append(candidates, opts.Task.ResolvedWorkdir)
	}

	for _, c := range candidates {
		if pathExists(c) {
			return c
		}
	}
	return l.defaultWork
}

func (l *Launcher) resolveRelativeToHome(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	if l.homeDir == "" {
		return path
	}
	return filepath.Join(l.homeDir, path)
}

func pathExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

// Spawn composes the prompt, resolves the workdir, and launches the worker
// according to opts.Mode.
func (l *Launcher) Spawn(opts Options) (*Spawned, error) {
	promptPath, err := l.composePrompt(opts)
	if err != nil {
		return nil, err
	}
	workdir := l.resolveWorkdir(opts)

	switch opts.Mode {
	case ModeTUI, ModeDashboard:
		// External session host owns the process; PID is best-effort and
		// there is no owned procHandle to track.
		return &Spawned{
			WindowName: opts.SessionHint,
			PaneID:     opts.SessionHint,
		}, nil
	default:
		return l.spawnBackground(opts, promptPath, workdir)
	}
}

func (l *Launcher) spawnBackground(opts Options, promptPath, workdir string) (*Spawned, error) {
	if err := os.MkdirAll(l.logDir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(l.logPath(opts.ProjectID, opts.Task.ID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open task log file: %w", err)
	}

	cmd := exec.Command(l.workerBin, "--prompt-file", promptPath)
	cmd.Dir = workdir
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		return nil, fmt.Errorf("spawn worker for task %s: %w", opts.Task.ID, err)
	}

	return &Spawned{PID: cmd.Process.Pid, Cmd: cmd, LogFile: logFile}, nil
}

// Cleanup removes the prompt file, any generated runner script, and the
// per-task log file. Never raises on files that do not exist.
func (l *Launcher) Cleanup(projectID, taskID string) {
	paths := []string{
		l.promptPath(projectID, taskID),
		l.logPath(projectID, taskID),
		filepath.Join(l.stateDir, fmt.Sprintf("run_%s_%s.sh", projectID, taskID)),
	}
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			// Best-effort cleanup; a stray file here is not worth failing the task for.
			_ = err
		}
	}
}
