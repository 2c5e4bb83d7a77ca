// Package statussync bridges runner progress into the pipeline orchestrator. Progress
// arrives pushed (Ingest from the callback endpoint) or pulled (the poll pass of Run);
// both feed the same idempotent path. Reconcile fails stages the runner stopped
// reporting on.
package statussync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/chudopalovba/diplom/internal/apperr"
	"github.com/chudopalovba/diplom/internal/domain"
	"github.com/chudopalovba/diplom/internal/driver"
	"github.com/chudopalovba/diplom/internal/service/pipeline"
	"github.com/chudopalovba/diplom/pkg/config"
)

const (
	defaultInterval  = 30 * time.Second
	defaultStaleness = 15 * time.Minute
	defaultPollLimit = 8
	iterationTimeout = 15 * time.Second
)

// Orchestrator is the slice of the pipeline service the synchronizer drives.
type Orchestrator interface {
	AdvanceStage(ctx context.Context, runID string, stage domain.StageName, status domain.RunStatus, opts pipeline.AdvanceOptions) (pipeline.Outcome, error)
	Run(ctx context.Context, runID string) (*domain.PipelineRun, error)
	ActiveRuns(ctx context.Context) ([]domain.PipelineRun, error)
}

// Service ingests progress events and reconciles stale runs.
type Service struct {
	orchestrator Orchestrator
	poller       driver.Poller
	logger       *slog.Logger

	interval  time.Duration
	staleness time.Duration
	pollLimit int
	timeouts  prometheus.Counter

	now func() time.Time
}

// New constructs a synchronizer. Polling is enabled when drv implements driver.Poller.
// reg may be nil.
func New(orchestrator Orchestrator, drv driver.Driver, logger *slog.Logger, cfg config.APIConfig, reg prometheus.Registerer) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	svc := &Service{
		orchestrator: orchestrator,
		logger:       logger.With("component", "statussync"),
		interval:     cfg.ReconcileInterval,
		staleness:    cfg.StalenessWindow,
		pollLimit:    cfg.PollConcurrency,
		now:          func() time.Time { return time.Now().UTC() },
		timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "forge",
			Subsystem: "pipeline",
			Name:      "reconcile_timeouts_total",
			Help:      "Stages failed because the runner stopped reporting",
		}),
	}
	if p, ok := drv.(driver.Poller); ok {
		svc.poller = p
	}
	if svc.interval <= 0 {
		svc.interval = defaultInterval
	}
	if svc.staleness <= 0 {
		svc.staleness = defaultStaleness
	}
	if svc.pollLimit <= 0 {
		svc.pollLimit = defaultPollLimit
	}
	if reg != nil {
		if err := reg.Register(svc.timeouts); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
					svc.timeouts = existing
				}
			}
		}
	}
	return svc
}

// Ingest validates a progress event and forwards it to the orchestrator. Duplicate and
// regressing events are accepted as no-ops. A runner may not cancel a live run; a
// canceled report is only tolerated once the run is already terminal.
func (s *Service) Ingest(ctx context.Context, event driver.ProgressEvent) (pipeline.Outcome, error) {
	runID := strings.TrimSpace(event.RunID)
	if runID == "" {
		return "", apperr.NewValidationError("run_id", "run id required")
	}
	if strings.TrimSpace(string(event.Stage)) == "" {
		return "", apperr.NewValidationError("stage", "stage required")
	}
	if !event.Status.Valid() {
		return "", apperr.NewValidationError("status", "unknown status").WithValue(event.Status)
	}
	if event.Status == domain.StatusCanceled {
		run, err := s.orchestrator.Run(ctx, runID)
		if err != nil {
			return "", err
		}
		if !run.Status.Terminal() {
			return "", apperr.NewValidationError("status", "runner cannot cancel an active run; cancel through the API").WithValue(event.Status)
		}
		s.logger.Info("canceled report for finished run ignored", "run_id", runID, "stage", event.Stage, "run_status", run.Status)
		return pipeline.OutcomeDiscarded, nil
	}

	opts := pipeline.AdvanceOptions{At: event.Timestamp, DeployURL: event.DeployURL}
	if event.Status == domain.StatusFailed {
		opts.Reason = event.Message
	}
	outcome, err := s.orchestrator.AdvanceStage(ctx, runID, event.Stage, event.Status, opts)
	if err != nil {
		return "", err
	}
	if outcome != pipeline.OutcomeApplied {
		s.logger.Debug("progress event was a no-op", "run_id", runID, "stage", event.Stage, "status", event.Status, "outcome", outcome)
	}
	return outcome, nil
}

// Reconcile fails the active stage of runID with a timeout when the run is running and
// has not progressed within the staleness window. It reports whether it did so. A
// progress event that lands concurrently wins; the timeout is then discarded.
func (s *Service) Reconcile(ctx context.Context, runID string) (bool, error) {
	run, err := s.orchestrator.Run(ctx, runID)
	if err != nil {
		return false, err
	}
	now := s.now()
	cutoff := now.Add(-s.staleness)
	if run.Status != domain.StatusRunning || !run.LastProgressAt.Before(cutoff) {
		return false, nil
	}
	idx := run.ActiveStage()
	if idx < 0 {
		return false, nil
	}
	stage := run.Stages[idx].Name
	reason := apperr.NewTimeoutError(fmt.Sprintf("stage %s", stage), s.staleness)
	outcome, err := s.orchestrator.AdvanceStage(ctx, runID, stage, domain.StatusFailed, pipeline.AdvanceOptions{
		At:          now,
		Reason:      reason.Error(),
		StaleBefore: cutoff,
	})
	if err != nil {
		return false, err
	}
	if outcome != pipeline.OutcomeApplied {
		return false, nil
	}
	s.timeouts.Inc()
	s.logger.Warn("stage timed out", "run_id", runID, "stage", stage, "last_progress_at", run.LastProgressAt, "window", s.staleness)
	return true, nil
}

// Run polls and reconciles active runs until ctx is canceled.
func (s *Service) Run(ctx context.Context) {
	if s == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("status synchronizer started", "interval", s.interval, "staleness", s.staleness, "polling", s.poller != nil)
	s.runIteration(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("status synchronizer stopped")
			return
		case <-ticker.C:
			s.runIteration(ctx)
		}
	}
}

func (s *Service) runIteration(parent context.Context) {
	timeout := iterationTimeout
	if s.interval > 0 && s.interval < timeout {
		timeout = s.interval
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	active, err := s.orchestrator.ActiveRuns(ctx)
	if err != nil {
		s.logger.Warn("failed to list active runs", "error", err)
		return
	}
	if len(active) == 0 {
		return
	}
	if s.poller != nil {
		s.pollAll(ctx, active)
	}
	for _, run := range active {
		if _, err := s.Reconcile(ctx, run.ID); err != nil {
			s.logger.Warn("reconcile failed", "run_id", run.ID, "error", err)
		}
	}
}

// pollAll pulls events for every active run with bounded concurrency. Failures are
// logged per run and never abort the pass.
func (s *Service) pollAll(ctx context.Context, runs []domain.PipelineRun) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.pollLimit)
	for _, run := range runs {
		runID := run.ID
		g.Go(func() error {
			s.pollRun(gctx, runID)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Service) pollRun(ctx context.Context, runID string) {
	events, err := s.poller.Poll(ctx, runID)
	if err != nil {
		s.logger.Warn("poll failed", "run_id", runID, "error", err)
		return
	}
	for _, event := range events {
		if event.RunID == "" {
			event.RunID = runID
		}
		if _, err := s.Ingest(ctx, event); err != nil {
			s.logger.Warn("polled event rejected", "run_id", runID, "stage", event.Stage, "status", event.Status, "error", err)
		}
	}
	forgetter, ok := s.poller.(driver.Forgetter)
	if !ok {
		return
	}
	run, err := s.orchestrator.Run(ctx, runID)
	if err == nil && run.Status.Terminal() {
		forgetter.Forget(runID)
	}
}
