package domain

import "time"

// RunStatus is shared by runs and stages.
type RunStatus string

const (
	StatusPending  RunStatus = "pending"
	StatusRunning  RunStatus = "running"
	StatusSuccess  RunStatus = "success"
	StatusFailed   RunStatus = "failed"
	StatusCanceled RunStatus = "canceled"
)

// Valid reports whether s is one of the enumerated statuses.
func (s RunStatus) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusSuccess, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s RunStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusCanceled
}

// Rank orders statuses along pending -> running -> terminal.
func (s RunStatus) Rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusRunning:
		return 1
	default:
		return 2
	}
}

// StageName identifies one unit of pipeline work.
type StageName string

const (
	StageBuild          StageName = "build"
	StageTest           StageName = "test"
	StageStaticAnalysis StageName = "staticAnalysis"
	StageDeploy         StageName = "deploy"
)

// RunKind selects the stage set of a run.
type RunKind string

const (
	RunKindBuild  RunKind = "build"
	RunKindDeploy RunKind = "deploy"
	RunKindScan   RunKind = "scan"
)

// Stages returns the fixed, ordered stage list for the kind.
func (k RunKind) Stages() []StageName {
	switch k {
	case RunKindBuild:
		return []StageName{StageBuild, StageTest}
	case RunKindDeploy:
		return []StageName{StageBuild, StageTest, StageStaticAnalysis, StageDeploy}
	case RunKindScan:
		return []StageName{StageStaticAnalysis}
	}
	return nil
}

// Stage is one step of a run with its own state machine.
type Stage struct {
	Name       StageName  `json:"name"`
	Status     RunStatus  `json:"status"`
	Error      string     `json:"error,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// PipelineRun is one execution attempt of an ordered stage sequence.
type PipelineRun struct {
	ID             string     `json:"id"`
	ProjectID      string     `json:"project_id"`
	Kind           RunKind    `json:"kind"`
	TriggeredBy    string     `json:"triggered_by"`
	Status         RunStatus  `json:"status"`
	Stages         []Stage    `json:"stages"`
	DeployURL      string     `json:"deploy_url,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	LastProgressAt time.Time  `json:"last_progress_at"`
	Seq            int64      `json:"-"`
}

// Clone returns a deep copy so callers never share stage slices or time pointers.
func (r PipelineRun) Clone() PipelineRun {
	out := r
	out.Stages = make([]Stage, len(r.Stages))
	for i, st := range r.Stages {
		st.StartedAt = cloneTime(st.StartedAt)
		st.FinishedAt = cloneTime(st.FinishedAt)
		out.Stages[i] = st
	}
	out.FinishedAt = cloneTime(r.FinishedAt)
	return out
}

// StageIndex returns the position of name in the run, or -1.
func (r PipelineRun) StageIndex(name StageName) int {
	for i, st := range r.Stages {
		if st.Name == name {
			return i
		}
	}
	return -1
}

// ActiveStage returns the index of the first non-terminal stage, or -1.
func (r PipelineRun) ActiveStage() int {
	for i, st := range r.Stages {
		if !st.Status.Terminal() {
			return i
		}
	}
	return -1
}

// Includes reports whether the run contains the stage.
func (r PipelineRun) Includes(name StageName) bool {
	return r.StageIndex(name) >= 0
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
