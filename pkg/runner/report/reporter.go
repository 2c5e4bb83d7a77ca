// Package report lets CI runners push stage progress to the API callback endpoint.
package report

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultTimeout   = 5 * time.Second
	defaultAttempts  = 3
	defaultBackoff   = 500 * time.Millisecond
	maxErrorBodySize = 4096
)

// ErrUnauthorized indicates the API rejected the runner token.
var ErrUnauthorized = errors.New("progress report unauthorized")

// ErrInvalidArgument indicates the API rejected the event as malformed.
var ErrInvalidArgument = errors.New("progress report invalid argument")

// ErrNotFound indicates the API does not know the run yet.
var ErrNotFound = errors.New("progress report run not found")

// Stage statuses a runner may report.
const (
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Event is one stage status report.
type Event struct {
	RunID      string
	Stage      string
	Status     string
	Message    string
	DeployURL  string
	OccurredAt time.Time
}

// Reporter posts events to POST /runner/callback.
type Reporter struct {
	baseURL  string
	token    string
	client   *http.Client
	now      func() time.Time
	attempts int
	backoff  time.Duration
}

// NewReporter creates a reporter for the API at baseURL authenticated with token.
func NewReporter(baseURL, token string, client *http.Client) (*Reporter, error) {
	trimmed := strings.TrimSpace(baseURL)
	if trimmed == "" {
		return nil, errors.New("progress report base url required")
	}
	trimmed = strings.TrimRight(trimmed, "/")
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	} else if client.Timeout == 0 {
		client.Timeout = defaultTimeout
	}
	return &Reporter{
		baseURL:  trimmed,
		token:    strings.TrimSpace(token),
		client:   client,
		now:      time.Now,
		attempts: defaultAttempts,
		backoff:  defaultBackoff,
	}, nil
}

// Report delivers the event, retrying transport failures, 404s (the API may not have
// persisted the run yet) and 5xx responses with linear backoff. It returns the outcome
// the API assigned: applied, duplicate or discarded.
func (r *Reporter) Report(ctx context.Context, event Event) (string, error) {
	if r == nil {
		return "", errors.New("progress reporter not initialised")
	}
	if strings.TrimSpace(event.RunID) == "" {
		return "", errors.New("progress report requires run_id")
	}
	if strings.TrimSpace(event.Stage) == "" {
		return "", errors.New("progress report requires stage")
	}
	body, err := json.Marshal(buildPayload(event, r.now))
	if err != nil {
		return "", fmt.Errorf("marshal progress event: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		outcome, err := r.send(ctx, body)
		if err == nil {
			return outcome, nil
		}
		lastErr = err
		if !retryable(err) || attempt == r.attempts {
			break
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(time.Duration(attempt) * r.backoff):
		}
	}
	return "", lastErr
}

type retryableError struct{ err error }

func (e retryableError) Error() string { return e.err.Error() }
func (e retryableError) Unwrap() error { return e.err }

func retryable(err error) bool {
	var re retryableError
	return errors.As(err, &re)
}

func (r *Reporter) send(ctx context.Context, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/runner/callback", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build progress request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.token != "" {
		req.Header.Set("X-Runner-Token", r.token)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", retryableError{fmt.Errorf("send progress request: %w", err)}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return "", r.errorForStatus(resp)
	}
	var payload struct {
		Outcome string `json:"outcome"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, maxErrorBodySize)).Decode(&payload)
	return payload.Outcome, nil
}

func (r *Reporter) errorForStatus(resp *http.Response) error {
	limited := io.LimitReader(resp.Body, maxErrorBodySize)
	buf, _ := io.ReadAll(limited)
	summary := strings.TrimSpace(string(buf))
	if summary == "" {
		summary = resp.Status
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, summary)
	case resp.StatusCode == http.StatusBadRequest:
		return fmt.Errorf("%w: %s", ErrInvalidArgument, summary)
	case resp.StatusCode == http.StatusNotFound:
		return retryableError{fmt.Errorf("%w: %s", ErrNotFound, summary)}
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError:
		return retryableError{fmt.Errorf("progress request failed: %s", summary)}
	default:
		return fmt.Errorf("progress request failed: %s", summary)
	}
}

func buildPayload(event Event, nowFn func() time.Time) map[string]any {
	occurred := event.OccurredAt
	if occurred.IsZero() {
		occurred = nowFn().UTC()
	} else {
		occurred = occurred.UTC()
	}
	payload := map[string]any{
		"run_id":    strings.TrimSpace(event.RunID),
		"stage":     strings.TrimSpace(event.Stage),
		"status":    strings.TrimSpace(event.Status),
		"timestamp": occurred.Format(time.RFC3339Nano),
	}
	if msg := strings.TrimSpace(event.Message); msg != "" {
		payload["message"] = msg
	}
	if u := strings.TrimSpace(event.DeployURL); u != "" {
		payload["deploy_url"] = u
	}
	return payload
}
