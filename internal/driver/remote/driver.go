// Package remote drives an external CI runner over HTTP.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/chudopalovba/diplom/internal/driver"
)

const maxErrorBodySize = 4096

// ErrUnauthorized indicates the runner rejected the configured token.
var ErrUnauthorized = errors.New("runner rejected credentials")

// Driver talks to a runner exposing POST /dispatch, POST /runs/{id}/cancel and
// GET /runs/{id}/events.
type Driver struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *slog.Logger

	mu      sync.Mutex
	cursors map[string]time.Time
}

var (
	_ driver.Driver = (*Driver)(nil)
	_ driver.Poller = (*Driver)(nil)
)

// New constructs a remote driver. timeout bounds each runner request.
func New(baseURL, token string, timeout time.Duration, logger *slog.Logger) (*Driver, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, errors.New("runner url required")
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid runner url: %w", err)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		baseURL: trimmed,
		token:   strings.TrimSpace(token),
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With("component", "remote_driver"),
		cursors: make(map[string]time.Time),
	}, nil
}

// Name identifies the driver in logs.
func (d *Driver) Name() string { return "remote" }

// Dispatch asks the runner to start a stage.
func (d *Driver) Dispatch(ctx context.Context, req driver.DispatchRequest) error {
	if err := d.do(ctx, http.MethodPost, "/dispatch", req, nil); err != nil {
		d.logger.Error("dispatch failed", "run_id", req.RunID, "stage", req.Stage, "error", err)
		return err
	}
	d.logger.Info("stage dispatched", "run_id", req.RunID, "stage", req.Stage)
	return nil
}

// Cancel asks the runner to stop the run.
func (d *Driver) Cancel(ctx context.Context, runID string) error {
	d.mu.Lock()
	delete(d.cursors, runID)
	d.mu.Unlock()
	return d.do(ctx, http.MethodPost, "/runs/"+url.PathEscape(runID)+"/cancel", nil, nil)
}

// Poll fetches events newer than the last one seen for runID.
func (d *Driver) Poll(ctx context.Context, runID string) ([]driver.ProgressEvent, error) {
	path := "/runs/" + url.PathEscape(runID) + "/events"
	d.mu.Lock()
	since, ok := d.cursors[runID]
	d.mu.Unlock()
	if ok {
		path += "?since=" + url.QueryEscape(since.Format(time.RFC3339Nano))
	}

	var resp struct {
		Events []driver.ProgressEvent `json:"events"`
	}
	if err := d.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	latest := since
	for i := range resp.Events {
		if resp.Events[i].RunID == "" {
			resp.Events[i].RunID = runID
		}
		if resp.Events[i].Timestamp.After(latest) {
			latest = resp.Events[i].Timestamp
		}
	}
	if latest.After(since) {
		d.mu.Lock()
		d.cursors[runID] = latest
		d.mu.Unlock()
	}
	return resp.Events, nil
}

// Forget drops the poll cursor of a finished run.
func (d *Driver) Forget(runID string) {
	d.mu.Lock()
	delete(d.cursors, runID)
	d.mu.Unlock()
}

func (d *Driver) do(ctx context.Context, method, path string, body, v any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode runner request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, d.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build runner request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if d.token != "" {
		req.Header.Set("Authorization", "Bearer "+d.token)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("contact runner: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return errorForStatus(resp)
	}
	if v == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode runner response: %w", err)
	}
	return nil
}

func errorForStatus(resp *http.Response) error {
	buf, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	summary := strings.TrimSpace(string(buf))
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(buf, &payload) == nil && payload.Error != "" {
		summary = payload.Error
	}
	if summary == "" {
		summary = resp.Status
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, summary)
	default:
		return fmt.Errorf("runner returned %d: %s", resp.StatusCode, summary)
	}
}
