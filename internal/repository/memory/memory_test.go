package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chudopalovba/diplom/internal/domain"
	"github.com/chudopalovba/diplom/internal/repository"
)

func TestCreateProjectRejectsDuplicateNamePerOwner(t *testing.T) {
	repo := New()
	ctx := context.Background()
	if err := repo.CreateProject(ctx, &domain.Project{ID: "p1", OwnerID: "u1", Name: "shop"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := repo.CreateProject(ctx, &domain.Project{ID: "p2", OwnerID: "u1", Name: "Shop"}); !errors.Is(err, repository.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := repo.CreateProject(ctx, &domain.Project{ID: "p3", OwnerID: "u2", Name: "shop"}); err != nil {
		t.Fatalf("other owner should be allowed: %v", err)
	}
}

func TestCreateRunRejectsSecondActiveRun(t *testing.T) {
	repo := New()
	ctx := context.Background()
	first := &domain.PipelineRun{ID: "r1", ProjectID: "p1", Status: domain.StatusRunning, StartedAt: time.Now()}
	if err := repo.CreateRun(ctx, first); err != nil {
		t.Fatalf("create: %v", err)
	}
	second := &domain.PipelineRun{ID: "r2", ProjectID: "p1", Status: domain.StatusRunning}
	if err := repo.CreateRun(ctx, second); !errors.Is(err, repository.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestListRunsByProjectNewestFirstWithCursor(t *testing.T) {
	repo := New()
	ctx := context.Background()
	for _, id := range []string{"r1", "r2", "r3"} {
		if err := repo.CreateRun(ctx, &domain.PipelineRun{ID: id, ProjectID: "p1", Status: domain.StatusSuccess}); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	page, err := repo.ListRunsByProject(ctx, "p1", 0, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page) != 2 || page[0].ID != "r3" || page[1].ID != "r2" {
		t.Fatalf("unexpected first page: %+v", page)
	}
	rest, err := repo.ListRunsByProject(ctx, "p1", page[1].Seq, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rest) != 1 || rest[0].ID != "r1" {
		t.Fatalf("unexpected second page: %+v", rest)
	}
}

func TestStoredRunsAreIsolatedFromCallers(t *testing.T) {
	repo := New()
	ctx := context.Background()
	run := &domain.PipelineRun{ID: "r1", ProjectID: "p1", Status: domain.StatusRunning, Stages: []domain.Stage{{Name: domain.StageBuild, Status: domain.StatusRunning}}}
	if err := repo.CreateRun(ctx, run); err != nil {
		t.Fatalf("create: %v", err)
	}
	run.Stages[0].Status = domain.StatusFailed

	stored, err := repo.GetRun(ctx, "r1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Stages[0].Status != domain.StatusRunning {
		t.Fatalf("caller mutation leaked into store: %s", stored.Stages[0].Status)
	}
}
