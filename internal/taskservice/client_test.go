package taskservice

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealth_HealthyResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":       "healthy",
			"featureA_ok":  true,
			"featureB_ok":  true,
		})
	}))
	defer server.Close()

	c := New(server.URL, WithHealthTTL(time.Millisecond))
	h := c.Health(context.Background())
	assert.Equal(t, HealthHealthy, h.Status)
	assert.True(t, h.FeatureAOk)
}

func TestHealth_IOErrorCollapsesToUnhealthy(t *testing.T) {
	c := New("http://127.0.0.1:1") // nothing listening
	h := c.Health(context.Background())
	assert.Equal(t, HealthUnhealthy, h.Status)
}

func TestHealth_CachedWithinTTL(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		json.NewEncoder(w).Encode(map[string]interface{}{"status": "healthy"})
	}))
	defer server.Close()

	c := New(server.URL, WithHealthTTL(time.Minute))
	c.Health(context.Background())
	c.Health(context.Background())
	assert.Equal(t, 1, calls)
}

func TestListReady_ReturnsTasks(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/tasks/my-project/ready", r.URL.Path)
		json.NewEncoder(w).Encode(listEnvelope{
			Tasks: []Task{{ID: "t1", Priority: PriorityHigh, Status: StatusPending, Classification: ClassificationReady}},
			Count: 1,
		})
	}))
	defer server.Close()

	c := New(server.URL)
	tasks, err := c.ListReady(context.Background(), "my-project")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "t1", tasks[0].ID)
}

func TestListReady_NonOKRaisesTransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	c := New(server.URL)
	_, err := c.ListReady(context.Background(), "my-project")
	require.Error(t, err)
	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.Equal(t, http.StatusInternalServerError, transportErr.StatusCode)
}

func TestNext_404MapsToNil(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	c := New(server.URL)
	task, err := c.Next(context.Background(), "my-project")
	require.NoError(t, err)
	assert.Nil(t, task)
}

func TestClaim_SuccessAndConflict(t *testing.T) {
	var status int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(claimResponse{ClaimedBy: "other-runner", IsStale: false})
	}))
	defer server.Close()

	c := New(server.URL)

	status = http.StatusOK
	result, err := c.Claim(context.Background(), "proj", "t1", "runner-a")
	require.NoError(t, err)
	assert.True(t, result.Success)

	status = http.StatusConflict
	result, err = c.Claim(context.Background(), "proj", "t1", "runner-a")
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, "other-runner", result.ClaimedBy)
}

func TestUpdateStatus_URLEncodesPath(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := New(server.URL)
	err := c.UpdateStatus(context.Background(), "projects/a/tasks/t1.md", StatusBlocked)
	require.NoError(t, err)
	assert.Contains(t, gotPath, "%2F")
}

func TestWaitForStatus_EmptySetVacuouslySatisfied(t *testing.T) {
	c := New("http://unused.invalid")
	result, err := c.WaitForStatus(context.Background(), "proj", nil, WaitForCompleted, 1000)
	require.NoError(t, err)
	assert.True(t, result.Changed)
	assert.False(t, result.TimedOut)
	assert.Empty(t, result.Tasks)
}

func TestWaitForStatus_TimeoutAtOrAboveMaxRejected(t *testing.T) {
	c := New("http://unused.invalid")
	_, err := c.WaitForStatus(context.Background(), "proj", []string{"t1"}, WaitForCompleted, maxWaitTimeoutMs)
	assert.Error(t, err)
}

func TestTimeout_MapsToTimeoutError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := New(server.URL, WithTimeout(5*time.Millisecond))
	_, err := c.ListReady(context.Background(), "proj")
	require.Error(t, err)
	var timeoutErr *TimeoutError
	assert.ErrorAs(t, err, &timeoutErr)
}
