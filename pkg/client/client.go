package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// Client is a thin, typed wrapper over the runner's admin HTTP API, plus an
// optional WebSocket event stream.
type Client struct {
	baseURL string
	opts    *options
	ws      *WebSocketClient
}

// New constructs a Client against baseURL (e.g. "http://localhost:9090").
func New(baseURL string, opts ...Option) *Client {
	baseURL = strings.TrimSuffix(baseURL, "/")

	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	return &Client{baseURL: baseURL, opts: o}
}

// Snapshot mirrors the admin API's status response shape.
type Snapshot struct {
	RunnerID       string                 `json:"runner_id"`
	StartedAt      string                 `json:"started_at"`
	Status         string                 `json:"status"`
	Projects       []string               `json:"projects"`
	PausedProjects []string               `json:"paused_projects"`
	RunningTasks   []RunningTask          `json:"running_tasks"`
	Stats          map[string]interface{} `json:"stats"`
}

// RunningTask mirrors one in-flight task as reported by the status endpoint.
type RunningTask struct {
	TaskID    string `json:"taskId"`
	ProjectID string `json:"projectId"`
	Path      string `json:"path"`
	Title     string `json:"title"`
	Priority  string `json:"priority"`
	PID       int    `json:"pid"`
}

// Status fetches the runner's current snapshot.
func (c *Client) Status(ctx context.Context) (*Snapshot, error) {
	var snap Snapshot
	if err := c.do(ctx, http.MethodGet, "/status", nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// PauseProject pauses a single project.
func (c *Client) PauseProject(ctx context.Context, projectID string) error {
	return c.do(ctx, http.MethodPost, "/projects/"+projectID+"/pause", nil, nil)
}

// ResumeProject resumes a single project.
func (c *Client) ResumeProject(ctx context.Context, projectID string) error {
	return c.do(ctx, http.MethodPost, "/projects/"+projectID+"/resume", nil, nil)
}

// PauseAll pauses every configured project.
func (c *Client) PauseAll(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/pause", nil, nil)
}

// ResumeAll resumes every configured project.
func (c *Client) ResumeAll(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/resume", nil, nil)
}

// CancelTask cancels one in-flight task.
func (c *Client) CancelTask(ctx context.Context, projectID, taskID string) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/tasks/%s/%s/cancel", projectID, taskID), nil, nil)
}

// apiError is the admin API's error envelope.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	reqBody := bytes.NewBuffer(nil)
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reqBody = bytes.NewBuffer(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.opts.applyHeaders(req)

	resp, err := c.opts.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr apiError
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Message != "" {
			return fmt.Errorf("%s %s: %s", method, path, apiErr.Message)
		}
		return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response for %s %s: %w", method, path, err)
	}
	return nil
}
