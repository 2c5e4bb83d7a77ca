// Package driver declares the contract between the pipeline core and the external CI
// runner. One implementation is chosen when the API is composed and passed to the
// pipeline and sync services explicitly.
package driver

import (
	"context"
	"time"

	"github.com/chudopalovba/diplom/internal/domain"
)

// DispatchRequest asks the runner to start one stage of a run.
type DispatchRequest struct {
	RunID         string           `json:"run_id"`
	ProjectID     string           `json:"project_id"`
	ProjectName   string           `json:"project_name"`
	Kind          domain.RunKind   `json:"kind"`
	Stage         domain.StageName `json:"stage"`
	Stack         domain.Stack     `json:"stack"`
	RepositoryURL string           `json:"repository_url"`
	CloneURL      string           `json:"clone_url"`
}

// ProgressEvent is one status report for a stage, delivered at least once.
type ProgressEvent struct {
	RunID     string           `json:"run_id"`
	Stage     domain.StageName `json:"stage"`
	Status    domain.RunStatus `json:"status"`
	Timestamp time.Time        `json:"timestamp"`
	Message   string           `json:"message,omitempty"`
	DeployURL string           `json:"deploy_url,omitempty"`
}

// Driver dispatches stages to a CI runner and relays cancellations.
type Driver interface {
	Name() string
	Dispatch(ctx context.Context, req DispatchRequest) error
	// Cancel asks the runner to stop a run. It does not wait for acknowledgment.
	Cancel(ctx context.Context, runID string) error
}

// Poller is implemented by drivers whose runner exposes progress for pulling.
type Poller interface {
	Poll(ctx context.Context, runID string) ([]ProgressEvent, error)
}

// Forgetter is implemented by pollers that keep per-run state between polls.
type Forgetter interface {
	Forget(runID string)
}
