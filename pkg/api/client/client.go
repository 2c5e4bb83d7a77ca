package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Client provides typed access to the forge API for interactive tools.
type Client struct {
	baseURL    string
	httpClient *http.Client
	dialer     *websocket.Dialer
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:8080"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
		dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Message string
	Field   string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

// IsConflict reports whether err is a 409 from the API.
func IsConflict(err error) bool {
	var apiErr APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

func (c *Client) do(ctx context.Context, method, path string, body any, token string, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	endpoint := c.baseURL + path
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.TrimSpace(token) != "" {
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(token))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return extractError(resp.StatusCode, resp.Body)
	}

	if v == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(status int, body io.Reader) APIError {
	out := APIError{Status: status}
	if body == nil {
		return out
	}
	data, err := io.ReadAll(io.LimitReader(body, 64<<10))
	if err != nil || len(data) == 0 {
		return out
	}
	var payload struct {
		Error string `json:"error"`
		Field string `json:"field"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		out.Message = strings.TrimSpace(string(data))
		return out
	}
	out.Message = strings.TrimSpace(payload.Error)
	out.Field = payload.Field
	return out
}

// Stack is the technology combination of a project.
type Stack struct {
	Backend             string `json:"backend"`
	Frontend            string `json:"frontend"`
	Database            string `json:"database,omitempty"`
	UseContainerization *bool  `json:"use_containerization,omitempty"`
}

// Project describes a generated project.
type Project struct {
	ID            string    `json:"id"`
	OwnerID       string    `json:"owner_id"`
	Name          string    `json:"name"`
	Description   string    `json:"description"`
	Stack         Stack     `json:"stack"`
	Status        string    `json:"status"`
	RepositoryURL string    `json:"repository_url"`
	CloneURL      string    `json:"clone_url"`
	DeployURL     *string   `json:"deploy_url"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// CreateProjectInput captures the payload for project creation.
type CreateProjectInput struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Stack       Stack  `json:"stack"`
}

// ProjectSummary counts projects by lifecycle status.
type ProjectSummary struct {
	Total      int `json:"total"`
	Created    int `json:"created"`
	Developing int `json:"developing"`
	Deployed   int `json:"deployed"`
	Failed     int `json:"failed"`
}

// CreateProject provisions a new project.
func (c *Client) CreateProject(ctx context.Context, token string, input CreateProjectInput) (Project, error) {
	var project Project
	if err := c.do(ctx, http.MethodPost, "/projects", input, token, &project); err != nil {
		return Project{}, err
	}
	return project, nil
}

// ListProjects returns the caller's projects in creation order. owner may name another
// owner or "*" for all.
func (c *Client) ListProjects(ctx context.Context, token, owner string, limit int) ([]Project, error) {
	query := url.Values{}
	if owner != "" {
		query.Set("owner", owner)
	}
	if limit > 0 {
		query.Set("limit", fmt.Sprint(limit))
	}
	path := "/projects"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	var projects []Project
	if err := c.do(ctx, http.MethodGet, path, nil, token, &projects); err != nil {
		return nil, err
	}
	return projects, nil
}

// GetProject fetches detailed information about a project.
func (c *Client) GetProject(ctx context.Context, token, projectID string) (Project, error) {
	path := fmt.Sprintf("/projects/%s", url.PathEscape(projectID))
	var project Project
	if err := c.do(ctx, http.MethodGet, path, nil, token, &project); err != nil {
		return Project{}, err
	}
	return project, nil
}

// DeleteProject removes a project. Its pipeline history is kept.
func (c *Client) DeleteProject(ctx context.Context, token, projectID string) error {
	path := fmt.Sprintf("/projects/%s", url.PathEscape(projectID))
	return c.do(ctx, http.MethodDelete, path, nil, token, nil)
}

// Summary returns project counts for the caller.
func (c *Client) Summary(ctx context.Context, token string) (ProjectSummary, error) {
	var summary ProjectSummary
	if err := c.do(ctx, http.MethodGet, "/projects/summary", nil, token, &summary); err != nil {
		return ProjectSummary{}, err
	}
	return summary, nil
}

// Stage is one step of a pipeline run.
type Stage struct {
	Name       string     `json:"name"`
	Status     string     `json:"status"`
	Error      string     `json:"error,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// PipelineRun is one execution attempt of a project's pipeline.
type PipelineRun struct {
	ID             string     `json:"id"`
	ProjectID      string     `json:"project_id"`
	Kind           string     `json:"kind"`
	TriggeredBy    string     `json:"triggered_by"`
	Status         string     `json:"status"`
	Stages         []Stage    `json:"stages"`
	DeployURL      string     `json:"deploy_url,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	LastProgressAt time.Time  `json:"last_progress_at"`
}

// Terminal reports whether the run can no longer change.
func (r PipelineRun) Terminal() bool {
	switch r.Status {
	case "success", "failed", "canceled":
		return true
	}
	return false
}

// Pipeline actions accepted by Trigger.
const (
	ActionBuild  = "build"
	ActionDeploy = "deploy"
	ActionScan   = "scan"
)

// Trigger starts a run of the given action for the project.
func (c *Client) Trigger(ctx context.Context, token, projectID, action string) (PipelineRun, error) {
	switch action {
	case ActionBuild, ActionDeploy, ActionScan:
	default:
		return PipelineRun{}, fmt.Errorf("unknown pipeline action %q", action)
	}
	path := fmt.Sprintf("/projects/%s/%s", url.PathEscape(projectID), action)
	var run PipelineRun
	if err := c.do(ctx, http.MethodPost, path, nil, token, &run); err != nil {
		return PipelineRun{}, err
	}
	return run, nil
}

// CancelPipeline cancels the active run. The returned run is nil when none was active.
func (c *Client) CancelPipeline(ctx context.Context, token, projectID string) (*PipelineRun, error) {
	path := fmt.Sprintf("/projects/%s/cancel", url.PathEscape(projectID))
	var resp struct {
		Canceled bool         `json:"canceled"`
		Run      *PipelineRun `json:"run"`
	}
	if err := c.do(ctx, http.MethodPost, path, nil, token, &resp); err != nil {
		return nil, err
	}
	return resp.Run, nil
}

// PipelineStatus returns the current or latest run of the project.
func (c *Client) PipelineStatus(ctx context.Context, token, projectID string) (PipelineRun, error) {
	path := fmt.Sprintf("/projects/%s/pipeline", url.PathEscape(projectID))
	var run PipelineRun
	if err := c.do(ctx, http.MethodGet, path, nil, token, &run); err != nil {
		return PipelineRun{}, err
	}
	return run, nil
}

// PipelineHistory returns up to limit runs, newest first.
func (c *Client) PipelineHistory(ctx context.Context, token, projectID string, limit int) ([]PipelineRun, error) {
	query := ""
	if limit > 0 {
		query = fmt.Sprintf("?limit=%d", limit)
	}
	path := fmt.Sprintf("/projects/%s/pipeline/history%s", url.PathEscape(projectID), query)
	var runs []PipelineRun
	if err := c.do(ctx, http.MethodGet, path, nil, token, &runs); err != nil {
		return nil, err
	}
	return runs, nil
}

// WatchPipeline streams run snapshots for the project over the websocket endpoint and
// calls fn for each. It returns when fn returns false, the connection drops or ctx ends.
func (c *Client) WatchPipeline(ctx context.Context, token, projectID string, fn func(PipelineRun) bool) error {
	endpoint, err := url.Parse(c.baseURL + "/ws/pipelines")
	if err != nil {
		return fmt.Errorf("build stream url: %w", err)
	}
	switch endpoint.Scheme {
	case "https":
		endpoint.Scheme = "wss"
	default:
		endpoint.Scheme = "ws"
	}
	endpoint.RawQuery = url.Values{"project_id": []string{projectID}}.Encode()

	header := http.Header{}
	if strings.TrimSpace(token) != "" {
		header.Set("Authorization", "Bearer "+strings.TrimSpace(token))
	}
	conn, resp, err := c.dialer.DialContext(ctx, endpoint.String(), header)
	if err != nil {
		if resp != nil && resp.StatusCode >= http.StatusBadRequest {
			defer resp.Body.Close()
			return extractError(resp.StatusCode, resp.Body)
		}
		return fmt.Errorf("open pipeline stream: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		var event struct {
			Type string      `json:"type"`
			Run  PipelineRun `json:"run"`
		}
		if err := conn.ReadJSON(&event); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read pipeline stream: %w", err)
		}
		if !fn(event.Run) {
			return nil
		}
	}
}
