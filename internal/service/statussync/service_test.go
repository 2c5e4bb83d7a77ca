package statussync

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/chudopalovba/diplom/internal/apperr"
	"github.com/chudopalovba/diplom/internal/domain"
	"github.com/chudopalovba/diplom/internal/driver"
	memdriver "github.com/chudopalovba/diplom/internal/driver/memory"
	"github.com/chudopalovba/diplom/internal/lock"
	"github.com/chudopalovba/diplom/internal/repository/memory"
	"github.com/chudopalovba/diplom/internal/service/pipeline"
	"github.com/chudopalovba/diplom/internal/service/project"
	"github.com/chudopalovba/diplom/pkg/config"
)

var actor = domain.Actor{ID: "user-1", Username: "alice"}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	sync      *Service
	pipelines pipeline.Service
	projects  project.Service
	driver    *memdriver.Driver
	clock     *fakeClock
}

func newTestEnv(t *testing.T, simulate bool) *testEnv {
	t.Helper()
	repo := memory.New()
	locks := lock.NewKeyed()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.APIConfig{
		DeployDomainSuffix: ".apps.local",
		StalenessWindow:    10 * time.Minute,
		ReconcileInterval:  time.Second,
		PollConcurrency:    2,
	}
	clock := &fakeClock{now: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)}
	drv := memdriver.New(memdriver.Options{Simulate: simulate, Now: clock.Now})
	projects := project.New(repo, repo, locks, log, cfg)
	pipelines := pipeline.New(repo, projects, drv, locks, log, cfg, pipeline.WithClock(clock.Now))
	svc := New(pipelines, drv, log, cfg, prometheus.NewRegistry())
	svc.now = clock.Now
	return &testEnv{sync: svc, pipelines: pipelines, projects: projects, driver: drv, clock: clock}
}

func (e *testEnv) startBuild(t *testing.T) (*domain.Project, *domain.PipelineRun) {
	t.Helper()
	p, err := e.projects.Create(context.Background(), actor, project.CreateInput{Name: "svc", Backend: "csharp", Frontend: "angular"})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	run, err := e.pipelines.TriggerBuild(context.Background(), actor, p.ID)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	return p, run
}

func TestReconcileFailsStaleRun(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()
	p, run := env.startBuild(t)

	env.clock.Advance(11 * time.Minute)
	timedOut, err := env.sync.Reconcile(ctx, run.ID)
	if err != nil {
		t.Fatalf("Reconcile returned error: %v", err)
	}
	if !timedOut {
		t.Fatal("expected stale run to time out")
	}

	got, _ := env.pipelines.Status(ctx, p.ID)
	if got.Status != domain.StatusFailed {
		t.Fatalf("expected failed run, got %s", got.Status)
	}
	if got.Stages[0].Status != domain.StatusFailed || !strings.Contains(got.Stages[0].Error, "timeout") {
		t.Fatalf("expected build to fail with a timeout reason, got %+v", got.Stages[0])
	}
	if got.Stages[1].Status != domain.StatusCanceled {
		t.Fatalf("expected test to be canceled, got %s", got.Stages[1].Status)
	}
	proj, _ := env.projects.Get(ctx, p.ID)
	if proj.LifecycleStatus != domain.LifecycleFailed {
		t.Fatalf("expected failed project, got %s", proj.LifecycleStatus)
	}
}

func TestReconcileSkipsFreshRun(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()
	_, run := env.startBuild(t)

	env.clock.Advance(9 * time.Minute)
	if _, err := env.sync.Ingest(ctx, driver.ProgressEvent{RunID: run.ID, Stage: domain.StageBuild, Status: domain.StatusSuccess}); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	env.clock.Advance(9 * time.Minute)
	timedOut, err := env.sync.Reconcile(ctx, run.ID)
	if err != nil {
		t.Fatalf("Reconcile returned error: %v", err)
	}
	if timedOut {
		t.Fatal("run with recent progress must not time out")
	}
}

func TestRunningReportsKeepLongStageAlive(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()
	p, run := env.startBuild(t)

	for i := 0; i < 4; i++ {
		env.clock.Advance(4 * time.Minute)
		outcome, err := env.sync.Ingest(ctx, driver.ProgressEvent{RunID: run.ID, Stage: domain.StageBuild, Status: domain.StatusRunning})
		if err != nil {
			t.Fatalf("ingest heartbeat %d: %v", i, err)
		}
		if outcome != pipeline.OutcomeDuplicate {
			t.Fatalf("heartbeat %d: expected duplicate, got %s", i, outcome)
		}
	}

	timedOut, err := env.sync.Reconcile(ctx, run.ID)
	if err != nil {
		t.Fatalf("Reconcile returned error: %v", err)
	}
	if timedOut {
		t.Fatal("a stage that keeps reporting must not time out")
	}
	if got, _ := env.pipelines.Status(ctx, p.ID); got.Status != domain.StatusRunning {
		t.Fatalf("expected running run, got %s", got.Status)
	}

	env.clock.Advance(11 * time.Minute)
	if timedOut, err := env.sync.Reconcile(ctx, run.ID); err != nil || !timedOut {
		t.Fatalf("expected timeout once reports stop, got %v, %v", timedOut, err)
	}
}

func TestIngestDuplicateIsNoop(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()
	_, run := env.startBuild(t)
	event := driver.ProgressEvent{RunID: run.ID, Stage: domain.StageBuild, Status: domain.StatusSuccess, Timestamp: env.clock.Now()}

	first, err := env.sync.Ingest(ctx, event)
	if err != nil || first != pipeline.OutcomeApplied {
		t.Fatalf("first ingest: %s, %v", first, err)
	}
	second, err := env.sync.Ingest(ctx, event)
	if err != nil || second != pipeline.OutcomeDuplicate {
		t.Fatalf("second ingest: %s, %v", second, err)
	}
}

func TestIngestValidation(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()
	_, run := env.startBuild(t)

	cases := map[string]driver.ProgressEvent{
		"missing run":    {Stage: domain.StageBuild, Status: domain.StatusRunning},
		"missing stage":  {RunID: run.ID, Status: domain.StatusRunning},
		"unknown status": {RunID: run.ID, Stage: domain.StageBuild, Status: "exploded"},
		"runner cancel":  {RunID: run.ID, Stage: domain.StageBuild, Status: domain.StatusCanceled},
	}
	for name, event := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := env.sync.Ingest(ctx, event); !errors.Is(err, apperr.ErrValidation) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
		})
	}

	if _, err := env.sync.Ingest(ctx, driver.ProgressEvent{RunID: "missing", Stage: domain.StageBuild, Status: domain.StatusRunning}); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected NotFoundError for unknown run, got %v", err)
	}
}

func TestIngestCanceledAfterTerminalIsDiscarded(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()
	p, run := env.startBuild(t)
	if _, err := env.pipelines.Cancel(ctx, p.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	outcome, err := env.sync.Ingest(ctx, driver.ProgressEvent{RunID: run.ID, Stage: domain.StageBuild, Status: domain.StatusCanceled})
	if err != nil {
		t.Fatalf("Ingest returned error: %v", err)
	}
	if outcome != pipeline.OutcomeDiscarded {
		t.Fatalf("expected discarded, got %s", outcome)
	}
}

func TestIterationPollsSimulatedRunnerToCompletion(t *testing.T) {
	env := newTestEnv(t, true)
	ctx := context.Background()
	p, _ := env.startBuild(t)

	for i := 0; i < 3; i++ {
		env.sync.runIteration(ctx)
	}

	got, err := env.pipelines.Status(ctx, p.ID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if got.Status != domain.StatusSuccess {
		t.Fatalf("expected successful run, got %s (%+v)", got.Status, got.Stages)
	}
	proj, _ := env.projects.Get(ctx, p.ID)
	if proj.LifecycleStatus != domain.LifecycleDeveloping {
		t.Fatalf("expected developing project, got %s", proj.LifecycleStatus)
	}
}

func TestIterationReconcilesStaleRuns(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()
	p, _ := env.startBuild(t)

	env.sync.runIteration(ctx)
	if got, _ := env.pipelines.Status(ctx, p.ID); got.Status != domain.StatusRunning {
		t.Fatalf("fresh run should still be running, got %s", got.Status)
	}

	env.clock.Advance(time.Hour)
	env.sync.runIteration(ctx)
	if got, _ := env.pipelines.Status(ctx, p.ID); got.Status != domain.StatusFailed {
		t.Fatalf("stale run should be failed, got %s", got.Status)
	}
}

func TestConcurrentReconcileAndProgressSettleOnce(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()
	p, run := env.startBuild(t)
	env.clock.Advance(time.Hour)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if _, err := env.sync.Reconcile(ctx, run.ID); err != nil {
			t.Errorf("reconcile: %v", err)
		}
	}()
	go func() {
		defer wg.Done()
		if _, err := env.sync.Ingest(ctx, driver.ProgressEvent{RunID: run.ID, Stage: domain.StageBuild, Status: domain.StatusFailed, Message: "compile error"}); err != nil {
			t.Errorf("ingest: %v", err)
		}
	}()
	wg.Wait()

	got, _ := env.pipelines.Status(ctx, p.ID)
	if got.Status != domain.StatusFailed || got.Stages[0].Status != domain.StatusFailed {
		t.Fatalf("expected a single failure to win, got %+v", got)
	}
	if got.Stages[1].Status != domain.StatusCanceled {
		t.Fatalf("expected test canceled, got %s", got.Stages[1].Status)
	}
}
