package pipeline

import (
	"time"

	"github.com/chudopalovba/diplom/internal/domain"
)

// Outcome reports what AdvanceStage did with a progress report.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeDiscarded Outcome = "discarded"
)

// Progress is one stage status change to fold into a run.
type Progress struct {
	Stage     domain.StageName
	Status    domain.RunStatus
	At        time.Time
	Reason    string
	DeployURL string
}

// Transition is the result of folding progress into a run snapshot.
type Transition struct {
	Run     domain.PipelineRun
	Outcome Outcome
	// Reason explains a discarded report.
	Reason string
	// Next is the index of the stage that became running and needs dispatch, or -1.
	Next int
}

// NewRun builds a run of kind whose first stage is running.
func NewRun(id, projectID string, kind domain.RunKind, triggeredBy string, now time.Time) domain.PipelineRun {
	names := kind.Stages()
	stages := make([]domain.Stage, len(names))
	for i, name := range names {
		stages[i] = domain.Stage{Name: name, Status: domain.StatusPending}
	}
	if len(stages) > 0 {
		started := now
		stages[0].Status = domain.StatusRunning
		stages[0].StartedAt = &started
	}
	return domain.PipelineRun{
		ID:             id,
		ProjectID:      projectID,
		Kind:           kind,
		TriggeredBy:    triggeredBy,
		Status:         domain.StatusRunning,
		Stages:         stages,
		StartedAt:      now,
		LastProgressAt: now,
	}
}

// ApplyProgress folds p into run. It never mutates run. Terminal stages and runs are
// never changed; reports that would move a stage backwards or that target a stage other
// than the active one are discarded. receivedAt becomes the run's LastProgressAt.
func ApplyProgress(run domain.PipelineRun, p Progress, receivedAt time.Time) Transition {
	out := run.Clone()
	idx := out.StageIndex(p.Stage)
	if idx < 0 {
		return discard(out, "stage not part of run")
	}
	st := out.Stages[idx]
	if st.Status == p.Status {
		return Transition{Run: out, Outcome: OutcomeDuplicate, Next: -1}
	}
	if out.Status.Terminal() {
		return discard(out, "run already "+string(out.Status))
	}
	if st.Status.Terminal() {
		return discard(out, "stage already "+string(st.Status))
	}
	if p.Status.Rank() < st.Status.Rank() {
		return discard(out, "status regression from "+string(st.Status)+" to "+string(p.Status))
	}
	if idx != out.ActiveStage() {
		return discard(out, "stage is not active")
	}

	at := p.At
	if at.IsZero() {
		at = receivedAt
	}
	next := -1
	switch p.Status {
	case domain.StatusRunning:
		st.Status = domain.StatusRunning
		if st.StartedAt == nil {
			st.StartedAt = timePtr(at)
		}
		out.Stages[idx] = st
	case domain.StatusSuccess:
		finishStage(&st, domain.StatusSuccess, at)
		out.Stages[idx] = st
		if idx+1 < len(out.Stages) {
			next = idx + 1
			out.Stages[next].Status = domain.StatusRunning
			out.Stages[next].StartedAt = timePtr(receivedAt)
		} else {
			out.Status = domain.StatusSuccess
			out.FinishedAt = timePtr(at)
			if p.DeployURL != "" {
				out.DeployURL = p.DeployURL
			}
		}
	case domain.StatusFailed:
		finishStage(&st, domain.StatusFailed, at)
		st.Error = p.Reason
		out.Stages[idx] = st
		for i := idx + 1; i < len(out.Stages); i++ {
			finishStage(&out.Stages[i], domain.StatusCanceled, at)
		}
		out.Status = domain.StatusFailed
		out.FinishedAt = timePtr(at)
	default:
		return discard(out, "status "+string(p.Status)+" cannot be reported by the runner")
	}
	out.LastProgressAt = receivedAt
	return Transition{Run: out, Outcome: OutcomeApplied, Next: next}
}

// CancelRun cancels every non-terminal stage of run. Canceling a terminal run is a
// duplicate.
func CancelRun(run domain.PipelineRun, at time.Time) Transition {
	out := run.Clone()
	if out.Status.Terminal() {
		return Transition{Run: out, Outcome: OutcomeDuplicate, Next: -1}
	}
	for i := range out.Stages {
		if !out.Stages[i].Status.Terminal() {
			finishStage(&out.Stages[i], domain.StatusCanceled, at)
		}
	}
	out.Status = domain.StatusCanceled
	out.FinishedAt = timePtr(at)
	out.LastProgressAt = at
	return Transition{Run: out, Outcome: OutcomeApplied, Next: -1}
}

// DeriveLifecycle returns the project status implied by a terminal run and whether it
// differs from current.
func DeriveLifecycle(run domain.PipelineRun, current domain.LifecycleStatus) (domain.LifecycleStatus, bool) {
	next := current
	switch run.Status {
	case domain.StatusSuccess:
		switch {
		case run.Includes(domain.StageDeploy):
			next = domain.LifecycleDeployed
		case run.Kind == domain.RunKindBuild:
			next = domain.LifecycleDeveloping
		}
	case domain.StatusFailed:
		next = domain.LifecycleFailed
	}
	return next, next != current
}

func finishStage(st *domain.Stage, status domain.RunStatus, at time.Time) {
	st.Status = status
	st.FinishedAt = timePtr(at)
}

func discard(run domain.PipelineRun, reason string) Transition {
	return Transition{Run: run, Outcome: OutcomeDiscarded, Reason: reason, Next: -1}
}

func timePtr(t time.Time) *time.Time {
	return &t
}
