package pipeline

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/chudopalovba/diplom/internal/apperr"
	"github.com/chudopalovba/diplom/internal/domain"
	"github.com/chudopalovba/diplom/internal/driver"
	"github.com/chudopalovba/diplom/internal/lock"
	"github.com/chudopalovba/diplom/internal/repository"
	"github.com/chudopalovba/diplom/pkg/config"
)

const (
	historyPageSize        = 20
	defaultDispatchTimeout = 10 * time.Second
	cancelTimeout          = 5 * time.Second
)

// LifecycleWriter is the slice of the project registry the orchestrator depends on.
// UpdateLifecycleStatus is invoked with the project lock already held.
type LifecycleWriter interface {
	Get(ctx context.Context, projectID string) (*domain.Project, error)
	UpdateLifecycleStatus(ctx context.Context, projectID string, status domain.LifecycleStatus, deployURL *string) error
}

// Notifier receives a snapshot after every accepted change to a run.
type Notifier interface {
	PublishRun(run domain.PipelineRun)
}

// AdvanceOptions carries the optional parts of a progress report.
type AdvanceOptions struct {
	// At is the runner's timestamp for the change; zero means receipt time.
	At        time.Time
	Reason    string
	DeployURL string
	// StaleBefore, when set, applies the change only if the run is still running and
	// has not progressed since this instant. Reconciliation uses it to lose cleanly to
	// a concurrent progress report.
	StaleBefore time.Time
}

// Option customises a Service.
type Option func(*Service)

// WithNotifier publishes run snapshots to n.
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithMetrics records pipeline metrics on m.
func WithMetrics(m *Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock overrides the receipt clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// Service is the pipeline orchestrator. It owns run records, enforces the stage state
// machine and keeps at most one non-terminal run per project.
type Service struct {
	runs     repository.PipelineRepository
	projects LifecycleWriter
	driver   driver.Driver
	locks    *lock.Keyed
	notifier Notifier
	metrics  *Metrics
	logger   *slog.Logger
	cfg      config.APIConfig
	now      func() time.Time
}

// New returns a pipeline service. drv is chosen once at composition time.
func New(runs repository.PipelineRepository, projects LifecycleWriter, drv driver.Driver, locks *lock.Keyed, logger *slog.Logger, cfg config.APIConfig, opts ...Option) Service {
	if logger == nil {
		logger = slog.Default()
	}
	svc := Service{
		runs:     runs,
		projects: projects,
		driver:   drv,
		locks:    locks,
		logger:   logger.With("component", "pipeline", "driver", drv.Name()),
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(&svc)
	}
	return svc
}

// TriggerBuild starts a build and test run.
func (s Service) TriggerBuild(ctx context.Context, actor domain.Actor, projectID string) (*domain.PipelineRun, error) {
	return s.trigger(ctx, actor, projectID, domain.RunKindBuild)
}

// TriggerDeploy starts a full build, test, analysis and deploy run.
func (s Service) TriggerDeploy(ctx context.Context, actor domain.Actor, projectID string) (*domain.PipelineRun, error) {
	return s.trigger(ctx, actor, projectID, domain.RunKindDeploy)
}

// TriggerQualityScan starts a static analysis run.
func (s Service) TriggerQualityScan(ctx context.Context, actor domain.Actor, projectID string) (*domain.PipelineRun, error) {
	return s.trigger(ctx, actor, projectID, domain.RunKindScan)
}

// trigger checks for an active run, dispatches the first stage and persists the run in
// one critical section. A dispatch failure leaves no run behind.
func (s Service) trigger(ctx context.Context, actor domain.Actor, projectID string, kind domain.RunKind) (*domain.PipelineRun, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, apperr.NewValidationError("project_id", "project id required")
	}
	if strings.TrimSpace(actor.ID) == "" {
		return nil, apperr.NewValidationError("actor", "authenticated actor required")
	}

	unlock := s.locks.Lock(projectID)
	defer unlock()

	project, err := s.projects.Get(ctx, projectID)
	if err != nil {
		return nil, err
	}
	active, err := s.runs.GetActiveRun(ctx, projectID)
	switch {
	case err == nil:
		s.metrics.triggered(kind, "conflict")
		return nil, apperr.NewConflictError("project", projectID, fmt.Sprintf("run %s is still %s", active.ID, active.Status))
	case !errors.Is(err, repository.ErrNotFound):
		return nil, err
	}

	run := NewRun(uuid.NewString(), projectID, kind, actor.ID, s.now())
	if err := s.dispatch(ctx, project, run, 0); err != nil {
		s.metrics.triggered(kind, "dispatch_failed")
		return nil, err
	}
	if err := s.runs.CreateRun(ctx, &run); err != nil {
		s.cancelRemote(run.ID)
		if errors.Is(err, repository.ErrConflict) {
			s.metrics.triggered(kind, "conflict")
			return nil, apperr.NewConflictError("project", projectID, "another run became active")
		}
		return nil, fmt.Errorf("persist run: %w", err)
	}

	s.metrics.triggered(kind, "accepted")
	s.metrics.transitions(domain.PipelineRun{}, run)
	s.publish(run)
	s.logger.Info("pipeline triggered", "run_id", run.ID, "project_id", projectID, "kind", kind, "actor_id", actor.ID)
	out := run.Clone()
	return &out, nil
}

// Cancel cancels the project's active run. It returns nil and no error when nothing is
// active. The runner is asked to stop afterwards on a best-effort basis.
func (s Service) Cancel(ctx context.Context, projectID string) (*domain.PipelineRun, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, apperr.NewValidationError("project_id", "project id required")
	}
	run, err := s.cancelLocked(ctx, projectID)
	if err != nil || run == nil {
		return run, err
	}
	s.cancelRemote(run.ID)
	return run, nil
}

func (s Service) cancelLocked(ctx context.Context, projectID string) (*domain.PipelineRun, error) {
	unlock := s.locks.Lock(projectID)
	defer unlock()

	if _, err := s.projects.Get(ctx, projectID); err != nil {
		return nil, err
	}
	active, err := s.runs.GetActiveRun(ctx, projectID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.logger.Debug("cancel without active run", "project_id", projectID)
			return nil, nil
		}
		return nil, err
	}
	tr := CancelRun(*active, s.now())
	if tr.Outcome != OutcomeApplied {
		return nil, nil
	}
	if err := s.runs.UpdateRun(ctx, &tr.Run); err != nil {
		return nil, fmt.Errorf("persist canceled run: %w", err)
	}
	s.metrics.transitions(*active, tr.Run)
	s.publish(tr.Run)
	s.logger.Info("pipeline canceled", "run_id", tr.Run.ID, "project_id", projectID)
	return &tr.Run, nil
}

// Status returns the current or most recent run of the project. The snapshot may lag
// a transition that is being applied concurrently.
func (s Service) Status(ctx context.Context, projectID string) (*domain.PipelineRun, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, apperr.NewValidationError("project_id", "project id required")
	}
	unlock := s.locks.RLock(projectID)
	defer unlock()

	run, err := s.runs.GetLatestRun(ctx, projectID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.NewNotFoundError("pipeline run", projectID)
		}
		return nil, err
	}
	return run, nil
}

// History yields the project's runs newest first. The sequence is bounded by the newest
// run that exists when ranging starts, and every range starts over. Each page is read
// under the project read lock, so pages may lag one in-flight transition.
func (s Service) History(ctx context.Context, projectID string) iter.Seq2[domain.PipelineRun, error] {
	projectID = strings.TrimSpace(projectID)
	return func(yield func(domain.PipelineRun, error) bool) {
		var before int64
		for {
			page, err := s.historyPage(ctx, projectID, before)
			if err != nil {
				yield(domain.PipelineRun{}, err)
				return
			}
			for _, run := range page {
				if !yield(run, nil) {
					return
				}
				before = run.Seq
			}
			if len(page) < historyPageSize {
				return
			}
		}
	}
}

func (s Service) historyPage(ctx context.Context, projectID string, before int64) ([]domain.PipelineRun, error) {
	unlock := s.locks.RLock(projectID)
	defer unlock()
	page, err := s.runs.ListRunsByProject(ctx, projectID, before, historyPageSize)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return page, nil
}

// ActiveRuns returns every non-terminal run.
func (s Service) ActiveRuns(ctx context.Context) ([]domain.PipelineRun, error) {
	return s.runs.ListActiveRuns(ctx)
}

// Run returns a run by id.
func (s Service) Run(ctx context.Context, runID string) (*domain.PipelineRun, error) {
	run, err := s.runs.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.NewNotFoundError("pipeline run", runID)
		}
		return nil, err
	}
	return run, nil
}

// AdvanceStage folds one stage status change into a run. It is the only mutation path
// for runner progress. Duplicates and reports that would regress a stage or touch a
// terminal run are not errors; they come back as OutcomeDuplicate or OutcomeDiscarded.
func (s Service) AdvanceStage(ctx context.Context, runID string, stage domain.StageName, status domain.RunStatus, opts AdvanceOptions) (Outcome, error) {
	if strings.TrimSpace(runID) == "" {
		return "", apperr.NewValidationError("run_id", "run id required")
	}
	if !status.Valid() {
		return "", apperr.NewValidationError("status", "unknown status").WithValue(status)
	}
	snapshot, err := s.Run(ctx, runID)
	if err != nil {
		return "", err
	}

	unlock := s.locks.Lock(snapshot.ProjectID)
	defer unlock()

	current, err := s.Run(ctx, runID)
	if err != nil {
		return "", err
	}
	if !current.Includes(stage) {
		return "", apperr.NewNotFoundError("stage", runID+"/"+string(stage))
	}
	if !opts.StaleBefore.IsZero() && (current.Status != domain.StatusRunning || !current.LastProgressAt.Before(opts.StaleBefore)) {
		s.metrics.progress(OutcomeDiscarded)
		return OutcomeDiscarded, nil
	}

	receivedAt := s.now()
	tr := ApplyProgress(*current, Progress{
		Stage:     stage,
		Status:    status,
		At:        opts.At,
		Reason:    opts.Reason,
		DeployURL: opts.DeployURL,
	}, receivedAt)
	s.metrics.progress(tr.Outcome)
	switch tr.Outcome {
	case OutcomeDuplicate:
		s.logger.Debug("duplicate progress ignored", "run_id", runID, "stage", stage, "status", status)
		if !current.Status.Terminal() {
			if err := s.touch(ctx, *current, receivedAt); err != nil {
				return "", err
			}
		}
		return tr.Outcome, nil
	case OutcomeDiscarded:
		s.logger.Warn("progress discarded", "run_id", runID, "stage", stage, "status", status, "reason", tr.Reason)
		return tr.Outcome, nil
	}

	run := tr.Run
	var project *domain.Project
	if tr.Next >= 0 || run.Status.Terminal() {
		if project, err = s.projects.Get(ctx, run.ProjectID); err != nil {
			return "", err
		}
	}
	if tr.Next >= 0 {
		if err := s.dispatch(ctx, project, run, tr.Next); err != nil {
			failed := ApplyProgress(run, Progress{
				Stage:  run.Stages[tr.Next].Name,
				Status: domain.StatusFailed,
				At:     receivedAt,
				Reason: err.Error(),
			}, receivedAt)
			run = failed.Run
		}
	}
	if run.Status == domain.StatusSuccess && run.Includes(domain.StageDeploy) && run.DeployURL == "" {
		run.DeployURL = s.defaultDeployURL(project)
	}
	// The project status goes first: if it fails the run stays active, and the
	// redelivered report derives it again.
	if run.Status.Terminal() {
		if err := s.writeLifecycle(ctx, project, run); err != nil {
			s.logger.Error("lifecycle update failed", "run_id", run.ID, "project_id", run.ProjectID, "error", err)
			return "", fmt.Errorf("update project lifecycle: %w", err)
		}
	}
	if err := s.runs.UpdateRun(ctx, &run); err != nil {
		return "", fmt.Errorf("persist run: %w", err)
	}
	s.metrics.transitions(*current, run)
	s.publish(run)
	s.logger.Info("stage advanced", "run_id", runID, "stage", stage, "status", status, "run_status", run.Status)
	return OutcomeApplied, nil
}

// touch records a liveness report on an active run. Nothing else changes, so
// subscribers are not notified.
func (s Service) touch(ctx context.Context, run domain.PipelineRun, receivedAt time.Time) error {
	if !receivedAt.After(run.LastProgressAt) {
		return nil
	}
	run.LastProgressAt = receivedAt
	if err := s.runs.UpdateRun(ctx, &run); err != nil {
		return fmt.Errorf("persist run: %w", err)
	}
	return nil
}

func (s Service) writeLifecycle(ctx context.Context, project *domain.Project, run domain.PipelineRun) error {
	next, changed := DeriveLifecycle(run, project.LifecycleStatus)
	var deployURL *string
	if next == domain.LifecycleDeployed && run.DeployURL != "" {
		url := run.DeployURL
		deployURL = &url
		changed = changed || project.DeployURL == nil || *project.DeployURL != url
	}
	if !changed {
		return nil
	}
	return s.projects.UpdateLifecycleStatus(ctx, project.ID, next, deployURL)
}

func (s Service) dispatch(ctx context.Context, project *domain.Project, run domain.PipelineRun, stageIdx int) error {
	timeout := s.cfg.DispatchTimeout
	if timeout <= 0 {
		timeout = defaultDispatchTimeout
	}
	dispatchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stage := run.Stages[stageIdx].Name
	req := driver.DispatchRequest{
		RunID:         run.ID,
		ProjectID:     project.ID,
		ProjectName:   project.Name,
		Kind:          run.Kind,
		Stage:         stage,
		Stack:         project.Stack,
		RepositoryURL: project.RepositoryURL,
		CloneURL:      project.CloneURL,
	}
	if err := s.driver.Dispatch(dispatchCtx, req); err != nil {
		s.logger.Error("stage dispatch failed", "run_id", run.ID, "stage", stage, "error", err)
		return apperr.NewExternalSystemError(s.driver.Name()+" runner", "dispatch "+string(stage), err)
	}
	return nil
}

// cancelRemote tells the runner to stop. Failures are logged only: the core's own state
// is already final.
func (s Service) cancelRemote(runID string) {
	ctx, cancel := context.WithTimeout(context.Background(), cancelTimeout)
	defer cancel()
	if err := s.driver.Cancel(ctx, runID); err != nil {
		s.logger.Warn("runner cancel failed", "run_id", runID, "error", err)
	}
}

func (s Service) defaultDeployURL(project *domain.Project) string {
	suffix := s.cfg.DeployDomainSuffix
	if suffix == "" {
		suffix = ".apps.local"
	}
	return fmt.Sprintf("http://%s%s", strings.ToLower(project.Name), suffix)
}

func (s Service) publish(run domain.PipelineRun) {
	if s.notifier == nil {
		return
	}
	s.notifier.PublishRun(run.Clone())
}
