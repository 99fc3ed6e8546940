package runner

import (
	"context"
	"os"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/maumercado/taskrunner/internal/config"
	"github.com/maumercado/taskrunner/internal/eventbus"
	"github.com/maumercado/taskrunner/internal/launcher"
	"github.com/maumercado/taskrunner/internal/process"
	"github.com/maumercado/taskrunner/internal/session"
	"github.com/maumercado/taskrunner/internal/state"
	"github.com/maumercado/taskrunner/internal/taskservice"
	"github.com/stretchr/testify/require"
)

// fakeClient is an in-memory stand-in for TaskServiceClient.
type fakeClient struct {
	mu sync.Mutex

	health    taskservice.Health
	ready     map[string][]taskservice.Task
	all       map[string][]taskservice.Task
	inProgress map[string][]taskservice.Task

	claimResult *taskservice.ClaimResult
	claimErr    error

	statusUpdates []string
	released      []string
	appended      []string
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		health:      taskservice.Health{Status: taskservice.HealthHealthy},
		ready:       map[string][]taskservice.Task{},
		all:         map[string][]taskservice.Task{},
		inProgress:  map[string][]taskservice.Task{},
		claimResult: &taskservice.ClaimResult{Success: true, ClaimedAt: time.Now()},
	}
}

func (f *fakeClient) Health(ctx context.Context) taskservice.Health {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.health
}

func (f *fakeClient) ListAll(ctx context.Context, project string) ([]taskservice.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.all[project], nil
}

func (f *fakeClient) ListReady(ctx context.Context, project string) ([]taskservice.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready[project], nil
}

func (f *fakeClient) ListInProgress(ctx context.Context, project string) ([]taskservice.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inProgress[project], nil
}

func (f *fakeClient) Claim(ctx context.Context, project, taskID, runnerID string) (*taskservice.ClaimResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimErr != nil {
		return nil, f.claimErr
	}
	return f.claimResult, nil
}

func (f *fakeClient) Release(ctx context.Context, project, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, project+"/"+taskID)
	return nil
}

func (f *fakeClient) UpdateStatus(ctx context.Context, taskPath string, status taskservice.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusUpdates = append(f.statusUpdates, taskPath+":"+string(status))
	for project, tasks := range f.all {
		for i := range tasks {
			if tasks[i].Path == taskPath {
				f.all[project][i].Status = status
			}
		}
	}
	return nil
}

func (f *fakeClient) AppendBody(ctx context.Context, taskPath, markdown string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appended = append(f.appended, taskPath)
	return nil
}

// fakeLauncher is an in-memory stand-in for Launcher.
type fakeLauncher struct {
	mu       sync.Mutex
	spawnErr error
	cleaned  []string
	nextPID  int
}

func (f *fakeLauncher) Spawn(opts launcher.Options) (*launcher.Spawned, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.spawnErr != nil {
		return nil, f.spawnErr
	}
	f.nextPID++
	return &launcher.Spawned{PID: f.nextPID, Cmd: &exec.Cmd{}}, nil
}

func (f *fakeLauncher) Cleanup(projectID, taskID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleaned = append(f.cleaned, projectID+"/"+taskID)
}

// fakeProcessManager is an in-memory stand-in for ProcessManager.
type fakeProcessManager struct {
	mu         sync.Mutex
	running    map[string]bool
	completion map[string]process.CompletionStatus
	killed     []string
	killedAll  bool
}

func newFakeProcessManager() *fakeProcessManager {
	return &fakeProcessManager{
		running:    map[string]bool{},
		completion: map[string]process.CompletionStatus{},
	}
}

func (f *fakeProcessManager) Add(ref process.TaskRef, cmd *exec.Cmd, pid int, logFile *os.File) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running[ref.TaskID] = true
	return nil
}

func (f *fakeProcessManager) Remove(taskID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.running, taskID)
}

func (f *fakeProcessManager) IsRunning(taskID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[taskID]
}

func (f *fakeProcessManager) RunningCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, v := range f.running {
		if v {
			n++
		}
	}
	return n
}

func (f *fakeProcessManager) CheckCompletion(taskID string) process.CompletionStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	if status, ok := f.completion[taskID]; ok {
		return status
	}
	return process.Running
}

func (f *fakeProcessManager) CreateTaskResult(taskID string, status process.CompletionStatus) process.TaskResult {
	return process.TaskResult{TaskID: taskID, Status: status}
}

func (f *fakeProcessManager) Kill(taskID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, taskID)
	delete(f.running, taskID)
	return true
}

func (f *fakeProcessManager) KillAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killedAll = true
	f.running = map[string]bool{}
}

func (f *fakeProcessManager) ToJSON() ([]byte, error) { return []byte("[]"), nil }

func (f *fakeProcessManager) RestoreFromState(data []byte) ([]process.TaskRef, error) {
	return nil, nil
}

func (f *fakeProcessManager) setCompletion(taskID string, status process.CompletionStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completion[taskID] = status
}

// fakeProber is an in-memory stand-in for SessionProber.
type fakeProber struct {
	mu       sync.Mutex
	ports    map[int]int
	statuses map[int]session.Status
}

func newFakeProber() *fakeProber {
	return &fakeProber{ports: map[int]int{}, statuses: map[int]session.Status{}}
}

func (f *fakeProber) DiscoverEndpoint(pid int) (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	port, ok := f.ports[pid]
	return port, ok
}

func (f *fakeProber) CheckStatus(ctx context.Context, port int) session.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	if status, ok := f.statuses[port]; ok {
		return status
	}
	return session.StatusUnavailable
}

func testConfig() config.RunnerConfig {
	return config.RunnerConfig{
		PollInterval:     10 * time.Millisecond,
		MaxParallel:      2,
		IdleThreshold:    50 * time.Millisecond,
		TaskTimeout:      time.Minute,
		GracefulTimeout:  time.Second,
		ForceKillTimeout: time.Second,
		CrashStatus:      config.CrashStatusBlocked,
	}
}

type harness struct {
	runner  *Runner
	client  *fakeClient
	launch  *fakeLauncher
	procMgr *fakeProcessManager
	prober  *fakeProber
	store   *state.Store
	bus     *eventbus.Bus
}

func newHarness(t *testing.T, projects []string) *harness {
	t.Helper()
	store, err := state.New(t.TempDir())
	require.NoError(t, err)

	client := newFakeClient()
	launch := &fakeLauncher{}
	procMgr := newFakeProcessManager()
	prober := newFakeProber()
	bus := eventbus.New(nil)

	r := New(testConfig(), projects, client, store, procMgr, launch, prober, bus,
		WithRunnerID("test-runner"),
		WithIsPidAlive(func(pid int) bool { return true }),
	)

	return &harness{runner: r, client: client, launch: launch, procMgr: procMgr, prober: prober, store: store, bus: bus}
}

func sampleTask(id, project string) taskservice.Task {
	return taskservice.Task{
		ID:       id,
		Path:     "/tasks/" + project + "/" + id + ".md",
		Title:    id,
		Priority: taskservice.PriorityMedium,
		Status:   taskservice.StatusPending,
	}
}

func TestTick_ClaimsAndSpawnsReadyTask(t *testing.T) {
	h := newHarness(t, []string{"proj1"})
	h.client.ready["proj1"] = []taskservice.Task{sampleTask("t1", "proj1")}

	err := h.runner.Tick(context.Background())
	require.NoError(t, err)

	require.Equal(t, 1, h.runner.RunningCount())
	require.Len(t, h.client.statusUpdates, 1)
	require.Contains(t, h.client.statusUpdates[0], "in_progress")
}

func TestTick_RespectsCapacity(t *testing.T) {
	h := newHarness(t, []string{"proj1"})
	h.client.ready["proj1"] = []taskservice.Task{
		sampleTask("t1", "proj1"),
		sampleTask("t2", "proj1"),
		sampleTask("t3", "proj1"),
	}

	err := h.runner.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, h.runner.RunningCount())
}

func TestTick_FanOutRoundRobinsAcrossProjects(t *testing.T) {
	h := newHarness(t, []string{"proj1", "proj2"})
	// proj1 alone has more ready work than capacity; a static flatten-then-
	// slice would claim both of capacity's slots from proj1 and starve
	// proj2 on every tick.
	h.client.ready["proj1"] = []taskservice.Task{
		sampleTask("t1", "proj1"),
		sampleTask("t2", "proj1"),
		sampleTask("t3", "proj1"),
	}
	h.client.ready["proj2"] = []taskservice.Task{sampleTask("t1", "proj2")}

	err := h.runner.Tick(context.Background())
	require.NoError(t, err)

	h.runner.mu.Lock()
	_, proj2Claimed := h.runner.sessions[sessionKey("proj2", "t1")]
	h.runner.mu.Unlock()
	require.True(t, proj2Claimed, "proj2's only ready task must get one of capacity's two slots")
}

func TestTick_UnhealthySkipsPoll(t *testing.T) {
	h := newHarness(t, []string{"proj1"})
	h.client.health = taskservice.Health{Status: taskservice.HealthUnhealthy}
	h.client.ready["proj1"] = []taskservice.Task{sampleTask("t1", "proj1")}

	err := h.runner.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, h.runner.RunningCount())
}

func TestTick_PausedProjectSkipped(t *testing.T) {
	h := newHarness(t, []string{"proj1"})
	h.client.ready["proj1"] = []taskservice.Task{sampleTask("t1", "proj1")}
	require.NoError(t, h.runner.Pause(context.Background(), "proj1"))

	err := h.runner.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, h.runner.RunningCount())
}

func TestClaimAndSpawn_ConflictSkips(t *testing.T) {
	h := newHarness(t, []string{"proj1"})
	h.client.claimResult = &taskservice.ClaimResult{Success: false}

	ok := h.runner.claimAndSpawn(context.Background(), "proj1", sampleTask("t1", "proj1"))
	require.False(t, ok)
	require.Equal(t, 0, h.runner.RunningCount())
}

func TestClaimAndSpawn_SpawnFailureReleasesClaim(t *testing.T) {
	h := newHarness(t, []string{"proj1"})
	h.launch.spawnErr = assertErr{"boom"}

	ok := h.runner.claimAndSpawn(context.Background(), "proj1", sampleTask("t1", "proj1"))
	require.False(t, ok)
	require.Contains(t, h.client.released, "proj1/t1")
}

type assertErr struct{ msg string }

func (e assertErr) Error() string { return e.msg }

func TestHandleTaskCompletion_Success(t *testing.T) {
	h := newHarness(t, []string{"proj1"})
	task := sampleTask("t1", "proj1")
	ok := h.runner.claimAndSpawn(context.Background(), "proj1", task)
	require.True(t, ok)

	key := sessionKey("proj1", "t1")
	h.runner.handleTaskCompletion(context.Background(), key, true, "", 0)

	require.Equal(t, 0, h.runner.RunningCount())
	require.Contains(t, h.client.released, "proj1/t1")
	snap := h.runner.Status()
	require.Equal(t, 1, snap.Stats["proj1"].Completed)
}

func TestHandleTaskCompletion_FailureMarksCrashStatus(t *testing.T) {
	h := newHarness(t, []string{"proj1"})
	task := sampleTask("t1", "proj1")
	h.runner.claimAndSpawn(context.Background(), "proj1", task)

	key := sessionKey("proj1", "t1")
	h.runner.handleTaskCompletion(context.Background(), key, false, "timeout", 1)

	snap := h.runner.Status()
	require.Equal(t, 1, snap.Stats["proj1"].Failed)
	require.Contains(t, h.client.statusUpdates[len(h.client.statusUpdates)-1], "blocked")
}

func TestReapOwnedWork_RoutesCompletionByStatus(t *testing.T) {
	h := newHarness(t, []string{"proj1"})
	h.runner.claimAndSpawn(context.Background(), "proj1", sampleTask("t1", "proj1"))
	key := sessionKey("proj1", "t1")
	h.procMgr.setCompletion(key, process.Completed)

	h.runner.reapOwnedWork(context.Background())
	require.Equal(t, 0, h.runner.RunningCount())
}

func TestCancelTask_OwnedKillsProcess(t *testing.T) {
	h := newHarness(t, []string{"proj1"})
	h.runner.claimAndSpawn(context.Background(), "proj1", sampleTask("t1", "proj1"))

	err := h.runner.CancelTask(context.Background(), "proj1", "t1")
	require.NoError(t, err)
	require.Equal(t, 0, h.runner.RunningCount())
	require.Contains(t, h.procMgr.killed, sessionKey("proj1", "t1"))
	require.Contains(t, h.client.statusUpdates[len(h.client.statusUpdates)-1], "cancelled")
}

func TestCancelTask_UnknownReturnsError(t *testing.T) {
	h := newHarness(t, []string{"proj1"})
	err := h.runner.CancelTask(context.Background(), "proj1", "missing")
	require.Error(t, err)
}

func TestPauseResume_RoundTrip(t *testing.T) {
	h := newHarness(t, []string{"proj1"})
	h.client.all["proj1"] = []taskservice.Task{{ID: "root", Path: "/tasks/proj1/root.md", Title: "proj1"}}

	require.NoError(t, h.runner.Pause(context.Background(), "proj1"))
	require.True(t, h.runner.IsPaused("proj1"))

	require.NoError(t, h.runner.Resume(context.Background(), "proj1"))
	require.False(t, h.runner.IsPaused("proj1"))
}

func TestIdleDetection_MarksBlockedAfterThreshold(t *testing.T) {
	h := newHarness(t, []string{"proj1"})
	h.client.ready["proj1"] = []taskservice.Task{sampleTask("t1", "proj1")}
	h.launch.spawnErr = nil

	// Force an external (un-owned) session by directly registering one.
	key := sessionKey("proj1", "t1")
	h.runner.mu.Lock()
	h.runner.sessions[key] = &trackedSession{task: state.RunningTask{
		TaskID: "t1", ProjectID: "proj1", Path: "/tasks/proj1/t1.md", PID: 999,
	}, owned: false}
	h.runner.mu.Unlock()

	h.prober.ports[999] = 8080
	h.prober.statuses[8080] = session.StatusIdle

	ctx := context.Background()
	h.runner.runIdleDetection(ctx) // discovers endpoint
	h.runner.runIdleDetection(ctx) // first idle observation
	time.Sleep(60 * time.Millisecond)
	h.runner.runIdleDetection(ctx) // crosses threshold

	require.Contains(t, h.client.statusUpdates[len(h.client.statusUpdates)-1], "blocked")
}

func TestAutoResumeSweep_ResumesBusySession(t *testing.T) {
	h := newHarness(t, []string{"proj1"})
	h.client.all["proj1"] = []taskservice.Task{{ID: "t1", Path: "/tasks/proj1/t1.md", Status: taskservice.StatusBlocked}}

	key := sessionKey("proj1", "t1")
	h.runner.mu.Lock()
	h.runner.sessions[key] = &trackedSession{task: state.RunningTask{
		TaskID: "t1", ProjectID: "proj1", Path: "/tasks/proj1/t1.md", PID: 999, WorkerEndpointPort: 8080,
	}, owned: false}
	h.runner.mu.Unlock()
	h.prober.statuses[8080] = session.StatusBusy

	h.runner.runAutoResumeSweep(context.Background())
	require.Contains(t, h.client.statusUpdates[len(h.client.statusUpdates)-1], "in_progress")
}

func TestCrashRecovery_ResumesInProgressTask(t *testing.T) {
	h := newHarness(t, []string{"proj1"})
	h.client.inProgress["proj1"] = []taskservice.Task{sampleTask("t1", "proj1")}

	err := h.runner.crashRecovery(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, h.runner.RunningCount())
}

func TestStatus_SnapshotIsImmutable(t *testing.T) {
	h := newHarness(t, []string{"proj1"})
	h.runner.claimAndSpawn(context.Background(), "proj1", sampleTask("t1", "proj1"))

	snap := h.runner.Status()
	require.Len(t, snap.RunningTasks, 1)

	snap.RunningTasks[0].TaskID = "mutated"
	snap2 := h.runner.Status()
	require.Equal(t, "t1", snap2.RunningTasks[0].TaskID)
}

func TestKillAll_RemovesOwnedLeavesExternal(t *testing.T) {
	h := newHarness(t, []string{"proj1"})
	h.runner.claimAndSpawn(context.Background(), "proj1", sampleTask("t1", "proj1"))

	key := sessionKey("proj1", "t2")
	h.runner.mu.Lock()
	h.runner.sessions[key] = &trackedSession{task: state.RunningTask{TaskID: "t2", ProjectID: "proj1"}, owned: false}
	h.runner.mu.Unlock()

	h.runner.KillAll()
	require.Equal(t, 1, h.runner.RunningCount())
	require.True(t, h.procMgr.killedAll)
}

func TestShutdownCapability_RunningCountIgnoresExternalSessions(t *testing.T) {
	h := newHarness(t, []string{"proj1"})
	h.runner.claimAndSpawn(context.Background(), "proj1", sampleTask("t1", "proj1"))

	key := sessionKey("proj1", "t2")
	h.runner.mu.Lock()
	h.runner.sessions[key] = &trackedSession{task: state.RunningTask{TaskID: "t2", ProjectID: "proj1"}, owned: false}
	h.runner.mu.Unlock()

	cap := NewShutdownCapability(h.runner)
	require.Equal(t, 2, h.runner.RunningCount())
	require.Equal(t, h.procMgr.RunningCount(), cap.RunningCount())

	cap.KillAll()
	require.Equal(t, 0, cap.RunningCount())
	require.Equal(t, 1, h.runner.RunningCount())
}
