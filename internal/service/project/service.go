package project

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"regexp"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/chudopalovba/diplom/internal/apperr"
	"github.com/chudopalovba/diplom/internal/domain"
	"github.com/chudopalovba/diplom/internal/lock"
	"github.com/chudopalovba/diplom/internal/repository"
	"github.com/chudopalovba/diplom/pkg/config"
)

const (
	listPageSize      = 50
	minNameLength     = 2
	maxNameLength     = 100
	maxDescriptionLen = 1000
)

var namePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// CreateInput encapsulates project creation attributes.
type CreateInput struct {
	Name                string
	Description         string
	Backend             string
	Frontend            string
	Database            string
	UseContainerization *bool
}

// Summary aggregates project counts for the dashboard.
type Summary struct {
	Total      int `json:"total"`
	Created    int `json:"created"`
	Developing int `json:"developing"`
	Deployed   int `json:"deployed"`
	Failed     int `json:"failed"`
}

// Service owns project records and their stack descriptors.
type Service struct {
	projects repository.ProjectRepository
	runs     repository.PipelineRepository
	locks    *lock.Keyed
	logger   *slog.Logger
	cfg      config.APIConfig
	now      func() time.Time
}

// New returns a project service. locks must be the same set the pipeline service uses.
func New(projects repository.ProjectRepository, runs repository.PipelineRepository, locks *lock.Keyed, logger *slog.Logger, cfg config.APIConfig) Service {
	if logger == nil {
		logger = slog.Default()
	}
	return Service{
		projects: projects,
		runs:     runs,
		locks:    locks,
		logger:   logger.With("component", "project"),
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Create registers a new project for actor with lifecycle status created.
func (s Service) Create(ctx context.Context, actor domain.Actor, input CreateInput) (*domain.Project, error) {
	if strings.TrimSpace(actor.ID) == "" {
		return nil, apperr.NewValidationError("actor", "authenticated actor required")
	}
	name := strings.TrimSpace(input.Name)
	if err := validateName(name); err != nil {
		return nil, err
	}
	description := strings.TrimSpace(input.Description)
	if utf8.RuneCountInString(description) > maxDescriptionLen {
		return nil, apperr.NewValidationError("description", fmt.Sprintf("must be at most %d characters", maxDescriptionLen))
	}
	stack, err := parseStack(input)
	if err != nil {
		return nil, err
	}

	now := s.now()
	owner := ownerSegment(actor)
	slug := strings.ToLower(name)
	base := strings.TrimRight(s.cfg.RepositoryBaseURL, "/")
	project := &domain.Project{
		ID:              uuid.NewString(),
		OwnerID:         actor.ID,
		Name:            name,
		Description:     description,
		Stack:           stack,
		LifecycleStatus: domain.LifecycleCreated,
		RepositoryURL:   fmt.Sprintf("%s/%s/%s", base, owner, slug),
		CloneURL:        fmt.Sprintf("%s/%s/%s.git", base, owner, slug),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.projects.CreateProject(ctx, project); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, apperr.NewConflictError("project", name, "name already exists for this owner")
		}
		return nil, err
	}
	s.logger.Info("project created", "project_id", project.ID, "owner_id", project.OwnerID, "backend", stack.Backend, "frontend", stack.Frontend)
	return project, nil
}

// Get returns project details by identifier.
func (s Service) Get(ctx context.Context, projectID string) (*domain.Project, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, apperr.NewValidationError("project_id", "project id required")
	}
	project, err := s.projects.GetProjectByID(ctx, projectID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.NewNotFoundError("project", projectID)
		}
		return nil, err
	}
	return project, nil
}

// List yields projects in insertion order, optionally restricted to ownerID. Pages are
// fetched lazily as the caller ranges; each range starts from the beginning.
func (s Service) List(ctx context.Context, ownerID string) iter.Seq2[domain.Project, error] {
	ownerID = strings.TrimSpace(ownerID)
	return func(yield func(domain.Project, error) bool) {
		var after int64
		for {
			page, err := s.projects.ListProjects(ctx, ownerID, after, listPageSize)
			if err != nil {
				yield(domain.Project{}, fmt.Errorf("list projects: %w", err))
				return
			}
			for _, p := range page {
				if !yield(p, nil) {
					return
				}
				after = p.Seq
			}
			if len(page) < listPageSize {
				return
			}
		}
	}
}

// Summary counts projects of ownerID by lifecycle status.
func (s Service) Summary(ctx context.Context, ownerID string) (Summary, error) {
	var (
		out Summary
		err error
	)
	counts := []struct {
		status domain.LifecycleStatus
		dst    *int
	}{
		{"", &out.Total},
		{domain.LifecycleCreated, &out.Created},
		{domain.LifecycleDeveloping, &out.Developing},
		{domain.LifecycleDeployed, &out.Deployed},
		{domain.LifecycleFailed, &out.Failed},
	}
	for _, c := range counts {
		if *c.dst, err = s.projects.CountProjects(ctx, ownerID, c.status); err != nil {
			return Summary{}, fmt.Errorf("count projects: %w", err)
		}
	}
	return out, nil
}

// Delete removes the project. It fails with a conflict while a run is active; past runs
// are kept.
func (s Service) Delete(ctx context.Context, projectID string) error {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return apperr.NewValidationError("project_id", "project id required")
	}
	unlock := s.locks.Lock(projectID)
	defer unlock()

	if _, err := s.Get(ctx, projectID); err != nil {
		return err
	}
	active, err := s.runs.GetActiveRun(ctx, projectID)
	switch {
	case err == nil:
		return apperr.NewConflictError("project", projectID, fmt.Sprintf("run %s is still %s; cancel it first", active.ID, active.Status))
	case !errors.Is(err, repository.ErrNotFound):
		return err
	}
	if err := s.projects.DeleteProject(ctx, projectID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return apperr.NewNotFoundError("project", projectID)
		}
		return err
	}
	s.logger.Info("project deleted", "project_id", projectID)
	return nil
}

// UpdateLifecycleStatus writes the status derived from a finished run. The caller must
// already hold the project's write lock.
func (s Service) UpdateLifecycleStatus(ctx context.Context, projectID string, status domain.LifecycleStatus, deployURL *string) error {
	if err := s.projects.UpdateLifecycleStatus(ctx, projectID, status, deployURL); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return apperr.NewNotFoundError("project", projectID)
		}
		return err
	}
	s.logger.Info("project lifecycle updated", "project_id", projectID, "status", status)
	return nil
}

func validateName(name string) error {
	n := utf8.RuneCountInString(name)
	if n < minNameLength || n > maxNameLength {
		return apperr.NewValidationError("name", fmt.Sprintf("must be between %d and %d characters", minNameLength, maxNameLength)).WithValue(name)
	}
	if !namePattern.MatchString(name) {
		return apperr.NewValidationError("name", "may contain only letters, digits, hyphens and underscores").WithValue(name)
	}
	return nil
}

func parseStack(input CreateInput) (domain.Stack, error) {
	backend := domain.BackendTechnology(normalize(input.Backend))
	if !slices.Contains(domain.SupportedBackends(), backend) {
		return domain.Stack{}, apperr.NewValidationError("stack.backend", "unsupported backend").WithValue(input.Backend)
	}
	frontend := domain.FrontendTechnology(normalize(input.Frontend))
	if !slices.Contains(domain.SupportedFrontends(), frontend) {
		return domain.Stack{}, apperr.NewValidationError("stack.frontend", "unsupported frontend").WithValue(input.Frontend)
	}
	database := domain.Database(normalize(input.Database))
	if database == "" {
		database = domain.DatabasePostgres
	}
	if !slices.Contains(domain.SupportedDatabases(), database) {
		return domain.Stack{}, apperr.NewValidationError("stack.database", "unsupported database").WithValue(input.Database)
	}
	useContainers := true
	if input.UseContainerization != nil {
		useContainers = *input.UseContainerization
	}
	return domain.Stack{
		Backend:             backend,
		Frontend:            frontend,
		Database:            database,
		UseContainerization: useContainers,
	}, nil
}

func ownerSegment(actor domain.Actor) string {
	if u := strings.TrimSpace(actor.Username); u != "" {
		return strings.ToLower(u)
	}
	return actor.ID
}

func normalize(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}
