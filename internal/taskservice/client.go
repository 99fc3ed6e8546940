package taskservice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Client is a thin, typed wrapper over the task service's HTTP+JSON API.
// It holds no task state; the health cache is its only mutable field.
type Client struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration

	healthMu    sync.Mutex
	healthAt    time.Time
	health      Health
	healthTTL   time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the default http.Client (e.g. for tests).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout overrides the per-call timeout (default 5s).
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithHealthTTL overrides the health-cache TTL (default 5s).
func WithHealthTTL(d time.Duration) Option {
	return func(c *Client) { c.healthTTL = d }
}

// New constructs a Client against baseURL (e.g. BRAIN_API_URL).
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		timeout:   defaultAPITimeout,
		healthTTL: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: c.timeout}
	}
	return c
}

type listEnvelope struct {
	Tasks  []Task `json:"tasks"`
	Count  int    `json:"count"`
}

type projectsEnvelope struct {
	Projects []string `json:"projects"`
}

type claimRequest struct {
	RunnerID string `json:"runnerId"`
}

type claimResponse struct {
	ClaimedAt time.Time `json:"claimedAt"`
	ClaimedBy string    `json:"claimedBy"`
	IsStale   bool      `json:"isStale"`
}

type statusBody struct {
	Status string `json:"status"`
}

type appendBody struct {
	Append string `json:"append"`
}

type waitRequest struct {
	TaskIDs   []string `json:"taskIds"`
	WaitFor   WaitFor  `json:"waitFor,omitempty"`
	TimeoutMs int      `json:"timeout,omitempty"`
}

type waitResponse struct {
	Changed  bool     `json:"changed"`
	TimedOut bool     `json:"timedOut"`
	Tasks    []Task   `json:"tasks"`
	NotFound []string `json:"notFound"`
}

// Health returns the cached health result if within TTL, else performs a
// fresh probe. Any I/O error collapses to HealthUnhealthy rather than
// propagating — callers only use this to decide whether to skip a tick.
func (c *Client) Health(ctx context.Context) Health {
	c.healthMu.Lock()
	if time.Since(c.healthAt) < c.healthTTL {
		h := c.health
		c.healthMu.Unlock()
		return h
	}
	c.healthMu.Unlock()

	h := c.probeHealth(ctx)

	c.healthMu.Lock()
	c.health = h
	c.healthAt = time.Now()
	c.healthMu.Unlock()

	return h
}

func (c *Client) probeHealth(ctx context.Context) Health {
	var body struct {
		Status     string `json:"status"`
		FeatureAOk bool   `json:"featureA_ok"`
		FeatureBOk bool   `json:"featureB_ok"`
	}
	if err := c.do(ctx, http.MethodGet, "/health", nil, &body, nil); err != nil {
		return Health{Status: HealthUnhealthy}
	}
	state := HealthState(body.Status)
	if state != HealthHealthy && state != HealthDegraded && state != HealthUnhealthy {
		state = HealthUnhealthy
	}
	return Health{Status: state, FeatureAOk: body.FeatureAOk, FeatureBOk: body.FeatureBOk}
}

func (c *Client) ListProjects(ctx context.Context) ([]string, error) {
	var body projectsEnvelope
	if err := c.do(ctx, http.MethodGet, "/api/v1/tasks", nil, &body, nil); err != nil {
		return nil, err
	}
	return body.Projects, nil
}

func (c *Client) listFiltered(ctx context.Context, project, filter string) ([]Task, error) {
	path := fmt.Sprintf("/api/v1/tasks/%s", url.PathEscape(project))
	if filter != "" {
		path = fmt.Sprintf("%s/%s", path, filter)
	}
	var body listEnvelope
	if err := c.do(ctx, http.MethodGet, path, nil, &body, nil); err != nil {
		return nil, err
	}
	return body.Tasks, nil
}

func (c *Client) ListAll(ctx context.Context, project string) ([]Task, error) {
	return c.listFiltered(ctx, project, "")
}

func (c *Client) ListReady(ctx context.Context, project string) ([]Task, error) {
	return c.listFiltered(ctx, project, "ready")
}

func (c *Client) ListWaiting(ctx context.Context, project string) ([]Task, error) {
	return c.listFiltered(ctx, project, "waiting")
}

func (c *Client) ListBlocked(ctx context.Context, project string) ([]Task, error) {
	return c.listFiltered(ctx, project, "blocked")
}

func (c *Client) ListInProgress(ctx context.Context, project string) ([]Task, error) {
	return c.listFiltered(ctx, project, "in_progress")
}

// Next returns the highest-priority ready task, or nil if none is ready.
func (c *Client) Next(ctx context.Context, project string) (*Task, error) {
	path := fmt.Sprintf("/api/v1/tasks/%s/next", url.PathEscape(project))
	var task Task
	notFound := false
	if err := c.do(ctx, http.MethodGet, path, nil, &task, &notFound); err != nil {
		return nil, err
	}
	if notFound {
		return nil, nil
	}
	return &task, nil
}

// Claim attempts to claim taskId for runnerID. A 409 conflict is mapped to
// a non-success ClaimResult, not an error — it is informational: the task
// is someone else's for now.
func (c *Client) Claim(ctx context.Context, project, taskID, runnerID string) (*ClaimResult, error) {
	path := fmt.Sprintf("/api/v1/tasks/%s/%s/claim", url.PathEscape(project), url.PathEscape(taskID))
	var resp claimResponse
	conflict := false
	if err := c.doWithConflict(ctx, http.MethodPost, path, claimRequest{RunnerID: runnerID}, &resp, &conflict); err != nil {
		return nil, err
	}
	if conflict {
		return &ClaimResult{Success: false, ClaimedBy: resp.ClaimedBy, IsStale: resp.IsStale}, nil
	}
	return &ClaimResult{Success: true, ClaimedAt: resp.ClaimedAt}, nil
}

func (c *Client) Release(ctx context.Context, project, taskID string) error {
	path := fmt.Sprintf("/api/v1/tasks/%s/%s/release", url.PathEscape(project), url.PathEscape(taskID))
	return c.do(ctx, http.MethodPost, path, nil, nil, nil)
}

// UpdateStatus mutates a task's status, addressed by its URL-encoded path.
func (c *Client) UpdateStatus(ctx context.Context, taskPath string, status Status) error {
	path := fmt.Sprintf("/api/v1/entries/%s", url.PathEscape(taskPath))
	return c.do(ctx, http.MethodPatch, path, statusBody{Status: string(status)}, nil, nil)
}

// AppendBody appends markdown content to a task's body.
func (c *Client) AppendBody(ctx context.Context, taskPath, markdown string) error {
	path := fmt.Sprintf("/api/v1/entries/%s", url.PathEscape(taskPath))
	return c.do(ctx, http.MethodPatch, path, appendBody{Append: markdown}, nil, nil)
}

// WaitForStatus long-polls until every listed task satisfies waitFor or the
// deadline elapses. An empty taskIDs set satisfies "completed" vacuously.
func (c *Client) WaitForStatus(ctx context.Context, project string, taskIDs []string, waitFor WaitFor, timeoutMs int) (*WaitResult, error) {
	if timeoutMs >= maxWaitTimeoutMs {
		return nil, fmt.Errorf("wait timeout %dms rejected client-side: must be < %dms", timeoutMs, maxWaitTimeoutMs)
	}
	if len(taskIDs) == 0 {
		return &WaitResult{Changed: true, TimedOut: false, Tasks: nil, NotFound: nil}, nil
	}

	path := fmt.Sprintf("/api/v1/tasks/%s/status", url.PathEscape(project))
	req := waitRequest{TaskIDs: taskIDs, WaitFor: waitFor, TimeoutMs: timeoutMs}
	var resp waitResponse
	if err := c.do(ctx, http.MethodPost, path, req, &resp, nil); err != nil {
		return nil, err
	}
	return &WaitResult{Changed: resp.Changed, TimedOut: resp.TimedOut, Tasks: resp.Tasks, NotFound: resp.NotFound}, nil
}

// do performs a request and decodes a 2xx JSON body into out (if non-nil).
// If notFound is non-nil, a 404 sets *notFound=true and returns nil instead
// of raising — used by the endpoints the contract documents as
// none-on-404 (next, single-entity reads).
func (c *Client) do(ctx context.Context, method, path string, body interface{}, out interface{}, notFound *bool) error {
	return c.request(ctx, method, path, body, out, notFound, nil)
}

// doWithConflict is like do but maps HTTP 409 to *conflict=true with the
// body still decoded into out, rather than raising.
func (c *Client) doWithConflict(ctx context.Context, method, path string, body interface{}, out interface{}, conflict *bool) error {
	return c.request(ctx, method, path, body, out, nil, conflict)
}

func (c *Client) request(ctx context.Context, method, path string, body interface{}, out interface{}, notFound, conflict *bool) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return &TimeoutError{Path: path}
		}
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound && notFound != nil {
		*notFound = true
		return nil
	}
	if resp.StatusCode == http.StatusConflict && conflict != nil {
		*conflict = true
		if out != nil {
			_ = json.NewDecoder(resp.Body).Decode(out)
		}
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &TransportError{StatusCode: resp.StatusCode, Path: path}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response for %s: %w", path, err)
		}
	}
	return nil
}
