package adminapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maumercado/taskrunner/internal/config"
	"github.com/maumercado/taskrunner/internal/eventbus"
	"github.com/maumercado/taskrunner/internal/runner"
)

type fakeControl struct {
	snapshot    runner.Snapshot
	pauseErr    error
	resumeErr   error
	pauseAllErr error
	cancelErr   error

	pausedProject  string
	resumedProject string
	cancelled      [2]string
}

func (f *fakeControl) Status() runner.Snapshot { return f.snapshot }

func (f *fakeControl) Pause(ctx context.Context, projectID string) error {
	f.pausedProject = projectID
	return f.pauseErr
}

func (f *fakeControl) Resume(ctx context.Context, projectID string) error {
	f.resumedProject = projectID
	return f.resumeErr
}

func (f *fakeControl) PauseAll(ctx context.Context) error  { return f.pauseAllErr }
func (f *fakeControl) ResumeAll(ctx context.Context) error { return nil }

func (f *fakeControl) CancelTask(ctx context.Context, projectID, taskID string) error {
	f.cancelled = [2]string{projectID, taskID}
	return f.cancelErr
}

func newTestServer(control *fakeControl) *Server {
	return NewServer(config.AdminConfig{}, control, eventbus.New(nil))
}

func TestGetStatus(t *testing.T) {
	control := &fakeControl{snapshot: runner.Snapshot{RunnerID: "r1"}}
	s := newTestServer(control)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body runner.Snapshot
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "r1", body.RunnerID)
}

func TestPauseProject(t *testing.T) {
	control := &fakeControl{}
	s := newTestServer(control)

	req := httptest.NewRequest(http.MethodPost, "/projects/proj1/pause", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "proj1", control.pausedProject)
}

func TestResumeProject(t *testing.T) {
	control := &fakeControl{}
	s := newTestServer(control)

	req := httptest.NewRequest(http.MethodPost, "/projects/proj1/resume", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "proj1", control.resumedProject)
}

func TestPauseAll(t *testing.T) {
	control := &fakeControl{}
	s := newTestServer(control)

	req := httptest.NewRequest(http.MethodPost, "/pause", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
}

func TestCancelTask(t *testing.T) {
	control := &fakeControl{}
	s := newTestServer(control)

	req := httptest.NewRequest(http.MethodPost, "/tasks/proj1/t1/cancel", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, [2]string{"proj1", "t1"}, control.cancelled)
}

func TestCancelTask_NotFound(t *testing.T) {
	control := &fakeControl{cancelErr: assertErr{"no such task"}}
	s := newTestServer(control)

	req := httptest.NewRequest(http.MethodPost, "/tasks/proj1/missing/cancel", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	require.Equal(t, http.StatusNotFound, w.Code)
}

type assertErr struct{ msg string }

func (e assertErr) Error() string { return e.msg }

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(&fakeControl{})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}
