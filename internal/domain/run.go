package domain

import "time"

// RunStatus represents the lifecycle state of a workflow run
type RunStatus string

const (
	RunCreated     RunStatus = "created"
	RunPlanning    RunStatus = "planning"
	RunValidating  RunStatus = "validating"
	RunBuilding    RunStatus = "building"
	RunLinting     RunStatus = "linting"
	RunTesting     RunStatus = "testing"
	RunReviewing   RunStatus = "reviewing"
	RunDocumenting RunStatus = "documenting"
	RunShipping    RunStatus = "shipping"
	RunCleaningUp  RunStatus = "cleaning_up"
	RunVerified    RunStatus = "verified"
	RunPaused      RunStatus = "paused"
	RunAborted     RunStatus = "aborted"
)

// phaseStatuses maps each phase to the run status while that phase executes
var phaseStatuses = map[Phase]RunStatus{
	PhasePlan:     RunPlanning,
	PhaseValidate: RunValidating,
	PhaseBuild:    RunBuilding,
	PhaseLint:     RunLinting,
	PhaseTest:     RunTesting,
	PhaseReview:   RunReviewing,
	PhaseDocument: RunDocumenting,
	PhaseShip:     RunShipping,
	PhaseCleanup:  RunCleaningUp,
	PhaseVerify:   RunVerified,
}

// StatusForPhase returns the run status corresponding to executing the
// given phase.
func StatusForPhase(p Phase) RunStatus {
	return phaseStatuses[p]
}

// IsTerminal reports whether the status is terminal (Verified or Aborted)
func (s RunStatus) IsTerminal() bool {
	return s == RunVerified || s == RunAborted
}

// Run represents one pipeline execution for one issue
type Run struct {
	ID           string
	IssueID      int
	Status       RunStatus
	CurrentPhase Phase // last phase started (empty before the first phase)
	Branch       string
	ResultRef    string // e.g. a PR URL once the ship phase posted one
	AbortReason  string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// PhaseRecord represents the execution of one phase within a run.
// Its tool call list is append-only while the phase runs and frozen once
// the phase ends.
type PhaseRecord struct {
	RunID      string
	Phase      Phase
	Status     PhaseStatus
	StartedAt  time.Time
	FinishedAt *time.Time
	Detail     string // failure cause or operator skip reason
	ToolCalls  []ToolCall
}

// ToolCall represents one external command invocation. Finalized entries
// are never mutated.
type ToolCall struct {
	Tool       string
	Args       []string
	Dir        string
	StartedAt  time.Time
	Duration   time.Duration
	ExitStatus int
	Summary    string // bounded tail of combined output
}

// Allocation is the isolation grant for a run: an exclusive working copy
// and one port from each of two disjoint pools.
type Allocation struct {
	RunID         string
	WorkingCopy   string
	Branch        string
	PrimaryPort   int
	SecondaryPort int
}
