package state

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveAndLoadState_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)

	idle := time.Now().UTC().Truncate(time.Second)
	want := RunnerState{
		ProjectID: "proj-1",
		Status:    StatusProcessing,
		RunningTasks: []RunningTask{
			{TaskID: "t1", ProjectID: "proj-1", Path: "tasks/t1.md", Title: "Do thing", Priority: "high", PID: 4242, StartedAt: idle, Workdir: "/work/proj-1"},
		},
		Stats:     Stats{Completed: 3, Failed: 1},
		StartedAt: idle,
	}

	require.NoError(t, s.SaveState("proj-1", want))

	got, err := s.LoadState("proj-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want.ProjectID, got.ProjectID)
	assert.Equal(t, want.Status, got.Status)
	assert.Equal(t, want.Stats, got.Stats)
	require.Len(t, got.RunningTasks, 1)
	assert.Equal(t, want.RunningTasks[0].TaskID, got.RunningTasks[0].TaskID)
	assert.Equal(t, want.RunningTasks[0].PID, got.RunningTasks[0].PID)
	assert.True(t, got.UpdatedAt.After(idle) || got.UpdatedAt.Equal(idle))
}

func TestLoadState_MissingFileReturnsNil(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)

	got, err := s.LoadState("nonexistent")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestLoadState_CorruptFileReturnsNilNotError(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "runner-proj-1.json"), []byte("{not json"), 0o644))

	got, err := s.LoadState("proj-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSaveAndLoadRunningTasks_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)

	tasks := []RunningTask{
		{TaskID: "t1", ProjectID: "proj-1", PID: 100},
		{TaskID: "t2", ProjectID: "proj-1", PID: 101},
	}
	require.NoError(t, s.SaveRunningTasks("proj-1", tasks))

	got, err := s.LoadRunningTasks("proj-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "t1", got[0].TaskID)
}

func TestLoadRunningTasks_CorruptFileReturnsNilNotError(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "running-proj-1.json"), []byte("not json at all"), 0o644))

	got, err := s.LoadRunningTasks("proj-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestWriteAndReadPID_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)

	require.NoError(t, s.WritePID("proj-1", 9999))

	pid, err := s.ReadPID("proj-1")
	require.NoError(t, err)
	assert.Equal(t, 9999, pid)
}

func TestReadPID_MissingReturnsZero(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)

	pid, err := s.ReadPID("nonexistent")
	require.NoError(t, err)
	assert.Equal(t, 0, pid)
}

func TestRemovePID_IdempotentOnMissing(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)

	assert.NoError(t, s.RemovePID("nonexistent"))
}

func TestProjects_ListsKnownProjects(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)

	require.NoError(t, s.SaveState("proj-a", RunnerState{ProjectID: "proj-a"}))
	require.NoError(t, s.SaveState("proj-b", RunnerState{ProjectID: "proj-b"}))

	projects, err := s.Projects()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"proj-a", "proj-b"}, projects)
}

func TestRemoveStaleSnapshots_DeletesOnlyDeadPIDs(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)

	require.NoError(t, s.SaveState("alive", RunnerState{ProjectID: "alive"}))
	require.NoError(t, s.WritePID("alive", 1))
	require.NoError(t, s.SaveState("dead", RunnerState{ProjectID: "dead"}))
	require.NoError(t, s.WritePID("dead", 2))

	err = s.RemoveStaleSnapshots(func(pid int) bool {
		return pid == 1
	})
	require.NoError(t, err)

	got, err := s.LoadState("alive")
	require.NoError(t, err)
	assert.NotNil(t, got)

	got, err = s.LoadState("dead")
	require.NoError(t, err)
	assert.Nil(t, got)
}
