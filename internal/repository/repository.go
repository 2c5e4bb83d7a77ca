package repository

import (
	"context"

	"github.com/chudopalovba/diplom/internal/domain"
)

// ProjectRepository persists project records.
type ProjectRepository interface {
	// CreateProject inserts the project and assigns Seq. Returns ErrConflict when the
	// owner already has a project with the same name.
	CreateProject(ctx context.Context, project *domain.Project) error
	GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error)
	// ListProjects returns up to limit projects with Seq > afterSeq in insertion order.
	// An empty ownerID lists every owner.
	ListProjects(ctx context.Context, ownerID string, afterSeq int64, limit int) ([]domain.Project, error)
	CountProjects(ctx context.Context, ownerID string, status domain.LifecycleStatus) (int, error)
	DeleteProject(ctx context.Context, projectID string) error
	UpdateLifecycleStatus(ctx context.Context, projectID string, status domain.LifecycleStatus, deployURL *string) error
}

// PipelineRepository persists pipeline runs. Runs are never deleted.
type PipelineRepository interface {
	// CreateRun inserts the run and assigns Seq. Returns ErrConflict when the project
	// already has a non-terminal run.
	CreateRun(ctx context.Context, run *domain.PipelineRun) error
	// UpdateRun replaces status, stages and timestamps of an existing run.
	UpdateRun(ctx context.Context, run *domain.PipelineRun) error
	GetRun(ctx context.Context, runID string) (*domain.PipelineRun, error)
	GetLatestRun(ctx context.Context, projectID string) (*domain.PipelineRun, error)
	GetActiveRun(ctx context.Context, projectID string) (*domain.PipelineRun, error)
	// ListRunsByProject returns up to limit runs with Seq < beforeSeq, newest first.
	ListRunsByProject(ctx context.Context, projectID string, beforeSeq int64, limit int) ([]domain.PipelineRun, error)
	ListActiveRuns(ctx context.Context) ([]domain.PipelineRun, error)
}
