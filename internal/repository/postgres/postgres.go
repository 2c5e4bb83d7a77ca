package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chudopalovba/diplom/internal/domain"
	"github.com/chudopalovba/diplom/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.ProjectRepository  = (*Repository)(nil)
	_ repository.PipelineRepository = (*Repository)(nil)
)

const projectColumns = `id, seq, owner_id, name, description, backend, frontend, database, use_containers,
	status, repository_url, clone_url, deploy_url, created_at, updated_at`

// CreateProject inserts a project and fills its sequence number.
func (r *Repository) CreateProject(ctx context.Context, project *domain.Project) error {
	if project == nil {
		return fmt.Errorf("project required")
	}
	const query = `INSERT INTO projects (id, owner_id, name, description, backend, frontend, database, use_containers,
			status, repository_url, clone_url, deploy_url, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING seq`
	err := r.pool.QueryRow(ctx, query,
		project.ID,
		project.OwnerID,
		project.Name,
		project.Description,
		project.Stack.Backend,
		project.Stack.Frontend,
		project.Stack.Database,
		project.Stack.UseContainerization,
		project.LifecycleStatus,
		project.RepositoryURL,
		project.CloneURL,
		project.DeployURL,
		project.CreatedAt,
		project.UpdatedAt,
	).Scan(&project.Seq)
	if err != nil {
		return translate(err)
	}
	return nil
}

// GetProjectByID returns a live project.
func (r *Repository) GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects WHERE id = $1 AND deleted_at IS NULL`
	project, err := scanProject(r.pool.QueryRow(ctx, query, projectID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, translate(err)
	}
	return project, nil
}

// ListProjects returns up to limit live projects with seq greater than afterSeq.
func (r *Repository) ListProjects(ctx context.Context, ownerID string, afterSeq int64, limit int) ([]domain.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects
		WHERE deleted_at IS NULL
			AND ($1 = '' OR owner_id = $1)
			AND seq > $2
		ORDER BY seq ASC
		LIMIT $3`
	rows, err := r.pool.Query(ctx, query, ownerID, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	projects := make([]domain.Project, 0, limit)
	for rows.Next() {
		project, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, *project)
	}
	return projects, rows.Err()
}

// CountProjects counts live projects, optionally filtered by owner and status.
func (r *Repository) CountProjects(ctx context.Context, ownerID string, status domain.LifecycleStatus) (int, error) {
	const query = `SELECT COUNT(1) FROM projects
		WHERE deleted_at IS NULL
			AND ($1 = '' OR owner_id = $1)
			AND ($2 = '' OR status = $2)`
	var count int
	if err := r.pool.QueryRow(ctx, query, ownerID, string(status)).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// DeleteProject soft deletes the project so its runs remain referenced.
func (r *Repository) DeleteProject(ctx context.Context, projectID string) error {
	const query = `UPDATE projects SET deleted_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL`
	tag, err := r.pool.Exec(ctx, query, projectID)
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// UpdateLifecycleStatus writes the derived status and, when provided, the deploy URL.
func (r *Repository) UpdateLifecycleStatus(ctx context.Context, projectID string, status domain.LifecycleStatus, deployURL *string) error {
	const query = `UPDATE projects
		SET status = $2,
			deploy_url = COALESCE($3, deploy_url),
			updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL`
	tag, err := r.pool.Exec(ctx, query, projectID, status, deployURL)
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

const runColumns = `id, seq, project_id, kind, triggered_by, status, stages, deploy_url,
	started_at, finished_at, last_progress_at`

// CreateRun inserts a run. The partial unique index on active runs maps to ErrConflict.
func (r *Repository) CreateRun(ctx context.Context, run *domain.PipelineRun) error {
	if run == nil {
		return fmt.Errorf("run required")
	}
	stages, err := json.Marshal(run.Stages)
	if err != nil {
		return fmt.Errorf("encode stages: %w", err)
	}
	const query = `INSERT INTO pipeline_runs (id, project_id, kind, triggered_by, status, stages, deploy_url,
			started_at, finished_at, last_progress_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING seq`
	err = r.pool.QueryRow(ctx, query,
		run.ID,
		run.ProjectID,
		run.Kind,
		run.TriggeredBy,
		run.Status,
		stages,
		run.DeployURL,
		run.StartedAt,
		run.FinishedAt,
		run.LastProgressAt,
	).Scan(&run.Seq)
	if err != nil {
		return translate(err)
	}
	return nil
}

// UpdateRun persists the mutable columns of a run.
func (r *Repository) UpdateRun(ctx context.Context, run *domain.PipelineRun) error {
	if run == nil {
		return fmt.Errorf("run required")
	}
	stages, err := json.Marshal(run.Stages)
	if err != nil {
		return fmt.Errorf("encode stages: %w", err)
	}
	const query = `UPDATE pipeline_runs
		SET status = $2,
			stages = $3,
			deploy_url = $4,
			finished_at = $5,
			last_progress_at = $6
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, run.ID, run.Status, stages, run.DeployURL, run.FinishedAt, run.LastProgressAt)
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// GetRun fetches a run by id.
func (r *Repository) GetRun(ctx context.Context, runID string) (*domain.PipelineRun, error) {
	query := `SELECT ` + runColumns + ` FROM pipeline_runs WHERE id = $1`
	return r.queryRun(ctx, query, runID)
}

// GetLatestRun returns the newest run of a project.
func (r *Repository) GetLatestRun(ctx context.Context, projectID string) (*domain.PipelineRun, error) {
	query := `SELECT ` + runColumns + ` FROM pipeline_runs WHERE project_id = $1 ORDER BY seq DESC LIMIT 1`
	return r.queryRun(ctx, query, projectID)
}

// GetActiveRun returns the non-terminal run of a project.
func (r *Repository) GetActiveRun(ctx context.Context, projectID string) (*domain.PipelineRun, error) {
	query := `SELECT ` + runColumns + ` FROM pipeline_runs
		WHERE project_id = $1 AND status IN ('pending', 'running')
		LIMIT 1`
	return r.queryRun(ctx, query, projectID)
}

// listRunsByProjectQuery casts the cursor so a zero literal does not type it as int4
// against the BIGSERIAL seq column.
const listRunsByProjectQuery = `SELECT ` + runColumns + ` FROM pipeline_runs
		WHERE project_id = $1 AND ($2::bigint = 0 OR seq < $2::bigint)
		ORDER BY seq DESC
		LIMIT $3`

// ListRunsByProject pages runs newest first. beforeSeq of zero starts at the newest run.
func (r *Repository) ListRunsByProject(ctx context.Context, projectID string, beforeSeq int64, limit int) ([]domain.PipelineRun, error) {
	return r.queryRuns(ctx, listRunsByProjectQuery, projectID, beforeSeq, limit)
}

// ListActiveRuns returns all non-terminal runs.
func (r *Repository) ListActiveRuns(ctx context.Context) ([]domain.PipelineRun, error) {
	query := `SELECT ` + runColumns + ` FROM pipeline_runs
		WHERE status IN ('pending', 'running')
		ORDER BY seq ASC`
	return r.queryRuns(ctx, query)
}

func (r *Repository) queryRun(ctx context.Context, query string, args ...any) (*domain.PipelineRun, error) {
	run, err := scanRun(r.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, translate(err)
	}
	return run, nil
}

func (r *Repository) queryRuns(ctx context.Context, query string, args ...any) ([]domain.PipelineRun, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := make([]domain.PipelineRun, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

func scanProject(row pgx.Row) (*domain.Project, error) {
	var (
		p         domain.Project
		deployURL sql.NullString
	)
	if err := row.Scan(
		&p.ID,
		&p.Seq,
		&p.OwnerID,
		&p.Name,
		&p.Description,
		&p.Stack.Backend,
		&p.Stack.Frontend,
		&p.Stack.Database,
		&p.Stack.UseContainerization,
		&p.LifecycleStatus,
		&p.RepositoryURL,
		&p.CloneURL,
		&deployURL,
		&p.CreatedAt,
		&p.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if deployURL.Valid {
		url := deployURL.String
		p.DeployURL = &url
	}
	return &p, nil
}

func scanRun(row pgx.Row) (*domain.PipelineRun, error) {
	var (
		run        domain.PipelineRun
		stages     []byte
		finishedAt sql.NullTime
	)
	if err := row.Scan(
		&run.ID,
		&run.Seq,
		&run.ProjectID,
		&run.Kind,
		&run.TriggeredBy,
		&run.Status,
		&stages,
		&run.DeployURL,
		&run.StartedAt,
		&finishedAt,
		&run.LastProgressAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(stages, &run.Stages); err != nil {
		return nil, fmt.Errorf("decode stages for run %s: %w", run.ID, err)
	}
	if finishedAt.Valid {
		t := finishedAt.Time.UTC()
		run.FinishedAt = &t
	}
	run.StartedAt = run.StartedAt.UTC()
	run.LastProgressAt = run.LastProgressAt.UTC()
	return &run, nil
}

func translate(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return repository.ErrConflict
		case "23503":
			return repository.ErrNotFound
		case "22P02":
			// malformed uuid literal
			return repository.ErrNotFound
		}
	}
	return err
}
