package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chudopalovba/diplom/internal/domain"
	"github.com/chudopalovba/diplom/internal/driver"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func TestSimulatedStageReportsRunningThenSuccess(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	d := New(Options{Simulate: true, StepDelay: time.Second, Now: clock.Now})
	ctx := context.Background()
	if err := d.Dispatch(ctx, driver.DispatchRequest{RunID: "r1", Stage: domain.StageBuild}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	events, _ := d.Poll(ctx, "r1")
	if len(events) != 1 || events[0].Status != domain.StatusRunning {
		t.Fatalf("expected running event, got %+v", events)
	}

	clock.now = clock.now.Add(2 * time.Second)
	events, _ = d.Poll(ctx, "r1")
	if len(events) != 1 || events[0].Status != domain.StatusSuccess {
		t.Fatalf("expected success event, got %+v", events)
	}
	if events, _ = d.Poll(ctx, "r1"); len(events) != 0 {
		t.Fatalf("queue should be drained, got %+v", events)
	}
}

func TestFailStageAndCancel(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	d := New(Options{Simulate: true, Now: clock.Now})
	d.FailStage(domain.StageTest, "unit tests failed")
	ctx := context.Background()
	_ = d.Dispatch(ctx, driver.DispatchRequest{RunID: "r1", Stage: domain.StageTest})
	events, _ := d.Poll(ctx, "r1")
	if len(events) != 2 || events[1].Status != domain.StatusFailed || events[1].Message != "unit tests failed" {
		t.Fatalf("unexpected events %+v", events)
	}

	_ = d.Dispatch(ctx, driver.DispatchRequest{RunID: "r2", Stage: domain.StageBuild})
	_ = d.Cancel(ctx, "r2")
	if events, _ := d.Poll(ctx, "r2"); len(events) != 0 {
		t.Fatalf("canceled run should have no queued events, got %+v", events)
	}
	if got := d.Canceled(); len(got) != 1 || got[0] != "r2" {
		t.Fatalf("unexpected canceled list %v", got)
	}
}

func TestSetUnavailableRejectsDispatch(t *testing.T) {
	d := New(Options{})
	d.SetUnavailable(ErrRunnerDown)
	err := d.Dispatch(context.Background(), driver.DispatchRequest{RunID: "r1", Stage: domain.StageBuild})
	if !errors.Is(err, ErrRunnerDown) {
		t.Fatalf("expected ErrRunnerDown, got %v", err)
	}
	if len(d.Dispatched()) != 0 {
		t.Fatal("failed dispatch must not be recorded")
	}
}
