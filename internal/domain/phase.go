package domain

// Phase is one named stage of the delivery pipeline
type Phase string

const (
	PhasePlan     Phase = "plan"
	PhaseValidate Phase = "validate"
	PhaseBuild    Phase = "build"
	PhaseLint     Phase = "lint"
	PhaseTest     Phase = "test"
	PhaseReview   Phase = "review"
	PhaseDocument Phase = "document"
	PhaseShip     Phase = "ship"
	PhaseCleanup  Phase = "cleanup"
	PhaseVerify   Phase = "verify"
)

// PhaseSequence is the canonical pipeline order. Phases always execute in
// this order; a skipped phase still gets a record with an operator reason.
var PhaseSequence = []Phase{
	PhasePlan,
	PhaseValidate,
	PhaseBuild,
	PhaseLint,
	PhaseTest,
	PhaseReview,
	PhaseDocument,
	PhaseShip,
	PhaseCleanup,
	PhaseVerify,
}

// PhaseIndex returns the position of a phase in the canonical sequence,
// or -1 if the phase is unknown.
func PhaseIndex(p Phase) int {
	for i, ph := range PhaseSequence {
		if ph == p {
			return i
		}
	}
	return -1
}

// NextPhase returns the phase following p, or "" if p is the last phase
// or unknown.
func NextPhase(p Phase) Phase {
	idx := PhaseIndex(p)
	if idx < 0 || idx+1 >= len(PhaseSequence) {
		return ""
	}
	return PhaseSequence[idx+1]
}

// FailureClass determines how the coordinator reacts to a phase failure
type FailureClass string

const (
	// FailureBlocking stops the pipeline and aborts the run
	FailureBlocking FailureClass = "blocking"
	// FailureNonBlocking records a warning and continues to the next phase
	FailureNonBlocking FailureClass = "non_blocking"
)

// PhaseStatus represents the outcome of one phase execution
type PhaseStatus string

const (
	PhaseRunning           PhaseStatus = "running"
	PhaseCompleted         PhaseStatus = "completed"
	PhaseFailedBlocking    PhaseStatus = "failed_blocking"
	PhaseFailedNonBlocking PhaseStatus = "failed_non_blocking"
	PhaseSkipped           PhaseStatus = "skipped"
)
