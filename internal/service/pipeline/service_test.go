package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/chudopalovba/diplom/internal/apperr"
	"github.com/chudopalovba/diplom/internal/domain"
	memdriver "github.com/chudopalovba/diplom/internal/driver/memory"
	"github.com/chudopalovba/diplom/internal/lock"
	"github.com/chudopalovba/diplom/internal/repository/memory"
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

type recordingNotifier struct {
	mu   sync.Mutex
	runs []domain.PipelineRun
}

func (n *recordingNotifier) PublishRun(run domain.PipelineRun) {
	n.mu.Lock()
	n.runs = append(n.runs, run)
	n.mu.Unlock()
}

type testEnv struct {
	svc      Service
	projects project.Service
	driver   *memdriver.Driver
	clock    *fakeClock
	notifier *recordingNotifier
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	repo := memory.New()
	locks := lock.NewKeyed()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.APIConfig{RepositoryBaseURL: "http://gitlab.local:8929", DeployDomainSuffix: ".apps.local", DispatchTimeout: time.Second}
	clock := &fakeClock{now: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)}
	drv := memdriver.New(memdriver.Options{Now: clock.Now})
	notifier := &recordingNotifier{}
	projects := project.New(repo, repo, locks, log, cfg)
	base := []Option{WithClock(clock.Now), WithNotifier(notifier), WithMetrics(NewMetrics(prometheus.NewRegistry()))}
	svc := New(repo, projects, drv, locks, log, cfg, append(base, opts...)...)
	return &testEnv{svc: svc, projects: projects, driver: drv, clock: clock, notifier: notifier}
}

func (e *testEnv) createProject(t *testing.T, name string) *domain.Project {
	t.Helper()
	p, err := e.projects.Create(context.Background(), actor, project.CreateInput{Name: name, Backend: "python", Frontend: "vue"})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	return p
}

func (e *testEnv) advance(t *testing.T, runID string, stage domain.StageName, status domain.RunStatus) Outcome {
	t.Helper()
	e.clock.Advance(time.Second)
	outcome, err := e.svc.AdvanceStage(context.Background(), runID, stage, status, AdvanceOptions{})
	if err != nil {
		t.Fatalf("advance %s %s: %v", stage, status, err)
	}
	return outcome
}

func TestTriggerBuildStartsFirstStage(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "svc")
	ctx := context.Background()

	run, err := env.svc.TriggerBuild(ctx, actor, p.ID)
	if err != nil {
		t.Fatalf("TriggerBuild returned error: %v", err)
	}
	if run.ID == "" {
		t.Fatal("expected run id")
	}
	status, err := env.svc.Status(ctx, p.ID)
	if err != nil {
		t.Fatalf("Status returned error: %v", err)
	}
	if status.Status != domain.StatusRunning {
		t.Fatalf("expected running run, got %s", status.Status)
	}
	if !equalStatuses(statuses(*status), domain.StatusRunning, domain.StatusPending) {
		t.Fatalf("unexpected stages %v", statuses(*status))
	}
	dispatched := env.driver.Dispatched()
	if len(dispatched) != 1 || dispatched[0].Stage != domain.StageBuild || dispatched[0].RunID != run.ID {
		t.Fatalf("unexpected dispatches %+v", dispatched)
	}
	if dispatched[0].Stack.Backend != domain.BackendPython {
		t.Fatalf("dispatch should carry the project stack, got %+v", dispatched[0].Stack)
	}
}

func TestTriggerUnknownProject(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.svc.TriggerDeploy(context.Background(), actor, "missing"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestConcurrentTriggersAdmitExactlyOneRun(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "svc")

	const attempts = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		accepted  int
		conflicts int
	)
	start := make(chan struct{})
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := env.svc.TriggerDeploy(context.Background(), actor, p.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				accepted++
			case errors.Is(err, apperr.ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if accepted != 1 || conflicts != attempts-1 {
		t.Fatalf("expected 1 accepted and %d conflicts, got %d and %d", attempts-1, accepted, conflicts)
	}
	active, err := env.svc.ActiveRuns(context.Background())
	if err != nil {
		t.Fatalf("ActiveRuns: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("expected exactly one active run, got %d", len(active))
	}
}

func TestTestFailureFailsRunAndProject(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "svc")
	ctx := context.Background()
	run, err := env.svc.TriggerDeploy(ctx, actor, p.ID)
	if err != nil {
		t.Fatalf("TriggerDeploy: %v", err)
	}

	env.advance(t, run.ID, domain.StageBuild, domain.StatusSuccess)
	env.advance(t, run.ID, domain.StageTest, domain.StatusFailed)

	got, _ := env.svc.Status(ctx, p.ID)
	if got.Status != domain.StatusFailed {
		t.Fatalf("expected failed run, got %s", got.Status)
	}
	if !equalStatuses(statuses(*got), domain.StatusSuccess, domain.StatusFailed, domain.StatusCanceled, domain.StatusCanceled) {
		t.Fatalf("unexpected stages %v", statuses(*got))
	}
	proj, _ := env.projects.Get(ctx, p.ID)
	if proj.LifecycleStatus != domain.LifecycleFailed {
		t.Fatalf("expected failed project, got %s", proj.LifecycleStatus)
	}
	for _, d := range env.driver.Dispatched() {
		if d.Stage == domain.StageStaticAnalysis || d.Stage == domain.StageDeploy {
			t.Fatalf("stage %s must not be dispatched after a failure", d.Stage)
		}
	}
}

func TestCancelDuringTestLeavesLifecycleUnchanged(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "svc")
	ctx := context.Background()
	run, _ := env.svc.TriggerDeploy(ctx, actor, p.ID)
	env.advance(t, run.ID, domain.StageBuild, domain.StatusSuccess)

	canceled, err := env.svc.Cancel(ctx, p.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if canceled == nil || canceled.Status != domain.StatusCanceled {
		t.Fatalf("expected canceled run, got %+v", canceled)
	}
	if !equalStatuses(statuses(*canceled), domain.StatusSuccess, domain.StatusCanceled, domain.StatusCanceled, domain.StatusCanceled) {
		t.Fatalf("unexpected stages %v", statuses(*canceled))
	}
	proj, _ := env.projects.Get(ctx, p.ID)
	if proj.LifecycleStatus != domain.LifecycleCreated {
		t.Fatalf("lifecycle should be unchanged, got %s", proj.LifecycleStatus)
	}
	if ids := env.driver.Canceled(); len(ids) != 1 || ids[0] != run.ID {
		t.Fatalf("runner should be told to stop, got %v", ids)
	}

	again, err := env.svc.Cancel(ctx, p.ID)
	if err != nil || again != nil {
		t.Fatalf("second cancel should be a no-op, got %+v, %v", again, err)
	}
	if outcome := env.advance(t, run.ID, domain.StageTest, domain.StatusSuccess); outcome != OutcomeDiscarded {
		t.Fatalf("late progress after cancel should be discarded, got %s", outcome)
	}
}

func TestDuplicateProgressIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "svc")
	run, _ := env.svc.TriggerBuild(context.Background(), actor, p.ID)

	if outcome := env.advance(t, run.ID, domain.StageBuild, domain.StatusSuccess); outcome != OutcomeApplied {
		t.Fatalf("first event should apply, got %s", outcome)
	}
	published := len(env.notifier.runs)
	if outcome := env.advance(t, run.ID, domain.StageBuild, domain.StatusSuccess); outcome != OutcomeDuplicate {
		t.Fatalf("second event should be a duplicate, got %s", outcome)
	}
	got, _ := env.svc.Status(context.Background(), p.ID)
	if got.Stages[0].Status != domain.StatusSuccess {
		t.Fatalf("expected build success, got %s", got.Stages[0].Status)
	}
	testDispatches := 0
	for _, d := range env.driver.Dispatched() {
		if d.Stage == domain.StageTest {
			testDispatches++
		}
	}
	if testDispatches != 1 {
		t.Fatalf("test stage should be dispatched once, got %d", testDispatches)
	}
	if len(env.notifier.runs) != published {
		t.Fatal("duplicates must not publish snapshots")
	}
}

func TestSuccessfulDeploySetsDeployedAndURL(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "Shop")
	ctx := context.Background()
	run, _ := env.svc.TriggerDeploy(ctx, actor, p.ID)
	for _, stage := range domain.RunKindDeploy.Stages() {
		env.advance(t, run.ID, stage, domain.StatusSuccess)
	}

	got, _ := env.svc.Status(ctx, p.ID)
	if got.Status != domain.StatusSuccess || got.FinishedAt == nil {
		t.Fatalf("expected finished successful run, got %+v", got)
	}
	proj, _ := env.projects.Get(ctx, p.ID)
	if proj.LifecycleStatus != domain.LifecycleDeployed {
		t.Fatalf("expected deployed, got %s", proj.LifecycleStatus)
	}
	if proj.DeployURL == nil || *proj.DeployURL != "http://shop.apps.local" {
		t.Fatalf("unexpected deploy url %v", proj.DeployURL)
	}
}

func TestReportedDeployURLWins(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "svc")
	ctx := context.Background()
	run, _ := env.svc.TriggerDeploy(ctx, actor, p.ID)
	for _, stage := range []domain.StageName{domain.StageBuild, domain.StageTest, domain.StageStaticAnalysis} {
		env.advance(t, run.ID, stage, domain.StatusSuccess)
	}
	if _, err := env.svc.AdvanceStage(ctx, run.ID, domain.StageDeploy, domain.StatusSuccess, AdvanceOptions{DeployURL: "https://svc.example.test"}); err != nil {
		t.Fatalf("advance deploy: %v", err)
	}
	proj, _ := env.projects.Get(ctx, p.ID)
	if proj.DeployURL == nil || *proj.DeployURL != "https://svc.example.test" {
		t.Fatalf("unexpected deploy url %v", proj.DeployURL)
	}
}

func TestBuildSuccessMarksDeveloping(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "svc")
	run, _ := env.svc.TriggerBuild(context.Background(), actor, p.ID)
	env.advance(t, run.ID, domain.StageBuild, domain.StatusSuccess)
	env.advance(t, run.ID, domain.StageTest, domain.StatusSuccess)

	proj, _ := env.projects.Get(context.Background(), p.ID)
	if proj.LifecycleStatus != domain.LifecycleDeveloping {
		t.Fatalf("expected developing, got %s", proj.LifecycleStatus)
	}
}

func TestTriggerDispatchFailureCreatesNoRun(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "svc")
	env.driver.SetUnavailable(memdriver.ErrRunnerDown)

	_, err := env.svc.TriggerQualityScan(context.Background(), actor, p.ID)
	if !errors.Is(err, apperr.ErrExternalSystem) {
		t.Fatalf("expected ExternalSystemError, got %v", err)
	}
	if !errors.Is(err, memdriver.ErrRunnerDown) {
		t.Fatalf("expected cause to be preserved, got %v", err)
	}
	if _, err := env.svc.Status(context.Background(), p.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("no run should exist, got %v", err)
	}

	env.driver.SetUnavailable(nil)
	if _, err := env.svc.TriggerQualityScan(context.Background(), actor, p.ID); err != nil {
		t.Fatalf("trigger after recovery: %v", err)
	}
}

func TestNextStageDispatchFailureFailsRun(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "svc")
	run, _ := env.svc.TriggerBuild(context.Background(), actor, p.ID)
	env.driver.SetUnavailable(memdriver.ErrRunnerDown)

	env.advance(t, run.ID, domain.StageBuild, domain.StatusSuccess)

	got, _ := env.svc.Status(context.Background(), p.ID)
	if got.Status != domain.StatusFailed {
		t.Fatalf("expected failed run, got %s", got.Status)
	}
	if got.Stages[1].Status != domain.StatusFailed || got.Stages[1].Error == "" {
		t.Fatalf("expected test stage to fail with a reason, got %+v", got.Stages[1])
	}
}

func TestAdvanceUnknownRunAndStage(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if _, err := env.svc.AdvanceStage(ctx, "missing", domain.StageBuild, domain.StatusSuccess, AdvanceOptions{}); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected NotFoundError for run, got %v", err)
	}
	p := env.createProject(t, "svc")
	run, _ := env.svc.TriggerQualityScan(ctx, actor, p.ID)
	if _, err := env.svc.AdvanceStage(ctx, run.ID, domain.StageDeploy, domain.StatusSuccess, AdvanceOptions{}); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected NotFoundError for stage, got %v", err)
	}
	if _, err := env.svc.AdvanceStage(ctx, run.ID, domain.StageStaticAnalysis, "done", AdvanceOptions{}); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected ValidationError for status, got %v", err)
	}
}

func TestStaleBeforeLosesToFreshProgress(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "svc")
	ctx := context.Background()
	run, _ := env.svc.TriggerBuild(ctx, actor, p.ID)
	cutoff := env.clock.Now()
	env.advance(t, run.ID, domain.StageBuild, domain.StatusRunning)
	env.advance(t, run.ID, domain.StageBuild, domain.StatusSuccess)

	outcome, err := env.svc.AdvanceStage(ctx, run.ID, domain.StageTest, domain.StatusFailed, AdvanceOptions{StaleBefore: cutoff})
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if outcome != OutcomeDiscarded {
		t.Fatalf("expected discarded, got %s", outcome)
	}
}

func TestHistoryNewestFirstBoundedAndRestartable(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "svc")
	ctx := context.Background()

	total := historyPageSize + 3
	ids := make([]string, 0, total)
	for i := 0; i < total; i++ {
		run, err := env.svc.TriggerBuild(ctx, actor, p.ID)
		if err != nil {
			t.Fatalf("trigger %d: %v", i, err)
		}
		if _, err := env.svc.Cancel(ctx, p.ID); err != nil {
			t.Fatalf("cancel %d: %v", i, err)
		}
		ids = append(ids, run.ID)
	}

	history := env.svc.History(ctx, p.ID)
	seen := 0
	for run, err := range history {
		if err != nil {
			t.Fatalf("history: %v", err)
		}
		if want := ids[total-1-seen]; run.ID != want {
			t.Fatalf("position %d: got %s want %s", seen, run.ID, want)
		}
		if seen == 0 {
			// a run created mid-iteration is not part of this pass
			if _, err := env.svc.TriggerQualityScan(ctx, actor, p.ID); err != nil {
				t.Fatalf("trigger during iteration: %v", err)
			}
		}
		seen++
	}
	if seen != total {
		t.Fatalf("expected %d runs, got %d", total, seen)
	}

	restarted := 0
	for _, err := range history {
		if err != nil {
			t.Fatalf("history: %v", err)
		}
		restarted++
	}
	if restarted != total+1 {
		t.Fatalf("restarted pass should include the new run, got %d", restarted)
	}
}

func TestRepeatedRunningReportRefreshesLiveness(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "svc")
	ctx := context.Background()
	run, _ := env.svc.TriggerBuild(ctx, actor, p.ID)
	published := len(env.notifier.runs)

	if outcome := env.advance(t, run.ID, domain.StageBuild, domain.StatusRunning); outcome != OutcomeDuplicate {
		t.Fatalf("expected duplicate, got %s", outcome)
	}
	got, _ := env.svc.Status(ctx, p.ID)
	if !got.LastProgressAt.Equal(env.clock.Now()) {
		t.Fatalf("expected last progress %s, got %s", env.clock.Now(), got.LastProgressAt)
	}
	if got.Status != domain.StatusRunning || got.Stages[0].Status != domain.StatusRunning {
		t.Fatalf("liveness report must not change the run, got %+v", got)
	}
	if len(env.notifier.runs) != published {
		t.Fatal("liveness reports must not publish snapshots")
	}
}

func TestDuplicateOnTerminalRunKeepsLastProgress(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "svc")
	ctx := context.Background()
	run, _ := env.svc.TriggerQualityScan(ctx, actor, p.ID)
	env.advance(t, run.ID, domain.StageStaticAnalysis, domain.StatusSuccess)
	finished, _ := env.svc.Status(ctx, p.ID)

	if outcome := env.advance(t, run.ID, domain.StageStaticAnalysis, domain.StatusSuccess); outcome != OutcomeDuplicate {
		t.Fatalf("expected duplicate, got %s", outcome)
	}
	got, _ := env.svc.Status(ctx, p.ID)
	if !got.LastProgressAt.Equal(finished.LastProgressAt) {
		t.Fatal("terminal runs must not be touched")
	}
}

type flakyLifecycle struct {
	project.Service
	mu       sync.Mutex
	failures int
}

func (f *flakyLifecycle) UpdateLifecycleStatus(ctx context.Context, projectID string, status domain.LifecycleStatus, deployURL *string) error {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return errors.New("connection reset")
	}
	f.mu.Unlock()
	return f.Service.UpdateLifecycleStatus(ctx, projectID, status, deployURL)
}

func TestLifecycleWriteFailureIsRetriedOnRedelivery(t *testing.T) {
	repo := memory.New()
	locks := lock.NewKeyed()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.APIConfig{DeployDomainSuffix: ".apps.local"}
	projects := project.New(repo, repo, locks, log, cfg)
	writer := &flakyLifecycle{Service: projects, failures: 1}
	svc := New(repo, writer, memdriver.New(memdriver.Options{}), locks, log, cfg)
	ctx := context.Background()

	p, err := projects.Create(ctx, actor, project.CreateInput{Name: "svc", Backend: "java", Frontend: "react"})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	run, err := svc.TriggerBuild(ctx, actor, p.ID)
	if err != nil {
		t.Fatalf("TriggerBuild: %v", err)
	}
	if _, err := svc.AdvanceStage(ctx, run.ID, domain.StageBuild, domain.StatusFailed, AdvanceOptions{Reason: "compile error"}); err == nil {
		t.Fatal("expected the lifecycle failure to surface")
	}
	if got, _ := svc.Status(ctx, p.ID); got.Status != domain.StatusRunning {
		t.Fatalf("run must stay active until the project is updated, got %s", got.Status)
	}

	outcome, err := svc.AdvanceStage(ctx, run.ID, domain.StageBuild, domain.StatusFailed, AdvanceOptions{Reason: "compile error"})
	if err != nil || outcome != OutcomeApplied {
		t.Fatalf("redelivery: %s, %v", outcome, err)
	}
	proj, _ := projects.Get(ctx, p.ID)
	if proj.LifecycleStatus != domain.LifecycleFailed {
		t.Fatalf("expected failed project, got %s", proj.LifecycleStatus)
	}
	if got, _ := svc.Status(ctx, p.ID); got.Status != domain.StatusFailed {
		t.Fatalf("expected failed run, got %s", got.Status)
	}
}
