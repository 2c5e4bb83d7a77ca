// Package memory keeps projects and pipeline runs in process memory. It backs tests and
// database-less development runs and follows the same contracts as the postgres store.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chudopalovba/diplom/internal/domain"
	"github.com/chudopalovba/diplom/internal/repository"
)

// Repository implements the project and pipeline repositories.
type Repository struct {
	mu       sync.RWMutex
	seq      int64
	projects map[string]domain.Project
	runs     map[string]domain.PipelineRun
}

var (
	_ repository.ProjectRepository  = (*Repository)(nil)
	_ repository.PipelineRepository = (*Repository)(nil)
)

// New constructs an empty Repository.
func New() *Repository {
	return &Repository{
		projects: make(map[string]domain.Project),
		runs:     make(map[string]domain.PipelineRun),
	}
}

// CreateProject stores a project.
func (r *Repository) CreateProject(ctx context.Context, project *domain.Project) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.projects {
		if existing.OwnerID == project.OwnerID && strings.EqualFold(existing.Name, project.Name) {
			return repository.ErrConflict
		}
	}
	r.seq++
	project.Seq = r.seq
	r.projects[project.ID] = cloneProject(*project)
	return nil
}

// GetProjectByID returns a project.
func (r *Repository) GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	project, ok := r.projects[projectID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := cloneProject(project)
	return &out, nil
}

// ListProjects pages projects in insertion order.
func (r *Repository) ListProjects(ctx context.Context, ownerID string, afterSeq int64, limit int) ([]domain.Project, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Project, 0)
	for _, project := range r.projects {
		if ownerID != "" && project.OwnerID != ownerID {
			continue
		}
		if project.Seq <= afterSeq {
			continue
		}
		out = append(out, cloneProject(project))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CountProjects counts projects for an owner, optionally filtered by status.
func (r *Repository) CountProjects(ctx context.Context, ownerID string, status domain.LifecycleStatus) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for _, project := range r.projects {
		if ownerID != "" && project.OwnerID != ownerID {
			continue
		}
		if status != "" && project.LifecycleStatus != status {
			continue
		}
		count++
	}
	return count, nil
}

// DeleteProject removes the project record. Its runs stay in history.
func (r *Repository) DeleteProject(ctx context.Context, projectID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.projects[projectID]; !ok {
		return repository.ErrNotFound
	}
	delete(r.projects, projectID)
	return nil
}

// UpdateLifecycleStatus sets the derived status and, when non-nil, the deploy URL.
func (r *Repository) UpdateLifecycleStatus(ctx context.Context, projectID string, status domain.LifecycleStatus, deployURL *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	project, ok := r.projects[projectID]
	if !ok {
		return repository.ErrNotFound
	}
	project.LifecycleStatus = status
	if deployURL != nil {
		url := *deployURL
		project.DeployURL = &url
	}
	project.UpdatedAt = time.Now().UTC()
	r.projects[projectID] = project
	return nil
}

// CreateRun stores a run, rejecting a second active run for the project.
func (r *Repository) CreateRun(ctx context.Context, run *domain.PipelineRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !run.Status.Terminal() {
		for _, existing := range r.runs {
			if existing.ProjectID == run.ProjectID && !existing.Status.Terminal() {
				return repository.ErrConflict
			}
		}
	}
	r.seq++
	run.Seq = r.seq
	r.runs[run.ID] = run.Clone()
	return nil
}

// UpdateRun replaces the stored run.
func (r *Repository) UpdateRun(ctx context.Context, run *domain.PipelineRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.runs[run.ID]
	if !ok {
		return repository.ErrNotFound
	}
	updated := run.Clone()
	updated.Seq = existing.Seq
	r.runs[run.ID] = updated
	return nil
}

// GetRun returns a run by id.
func (r *Repository) GetRun(ctx context.Context, runID string) (*domain.PipelineRun, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	run, ok := r.runs[runID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := run.Clone()
	return &out, nil
}

// GetLatestRun returns the most recently created run of the project.
func (r *Repository) GetLatestRun(ctx context.Context, projectID string) (*domain.PipelineRun, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var latest *domain.PipelineRun
	for _, run := range r.runs {
		if run.ProjectID != projectID {
			continue
		}
		if latest == nil || run.Seq > latest.Seq {
			candidate := run
			latest = &candidate
		}
	}
	if latest == nil {
		return nil, repository.ErrNotFound
	}
	out := latest.Clone()
	return &out, nil
}

// GetActiveRun returns the non-terminal run of the project.
func (r *Repository) GetActiveRun(ctx context.Context, projectID string) (*domain.PipelineRun, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, run := range r.runs {
		if run.ProjectID == projectID && !run.Status.Terminal() {
			out := run.Clone()
			return &out, nil
		}
	}
	return nil, repository.ErrNotFound
}

// ListRunsByProject pages runs newest first.
func (r *Repository) ListRunsByProject(ctx context.Context, projectID string, beforeSeq int64, limit int) ([]domain.PipelineRun, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.PipelineRun, 0)
	for _, run := range r.runs {
		if run.ProjectID != projectID {
			continue
		}
		if beforeSeq > 0 && run.Seq >= beforeSeq {
			continue
		}
		out = append(out, run.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq > out[j].Seq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListActiveRuns returns every non-terminal run ordered by creation.
func (r *Repository) ListActiveRuns(ctx context.Context) ([]domain.PipelineRun, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.PipelineRun, 0)
	for _, run := range r.runs {
		if !run.Status.Terminal() {
			out = append(out, run.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func cloneProject(p domain.Project) domain.Project {
	if p.DeployURL != nil {
		url := *p.DeployURL
		p.DeployURL = &url
	}
	return p
}
