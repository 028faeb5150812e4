package domain

import "time"

type Outcome string

const (
	OutcomeSuccess          Outcome = "success"
	OutcomeTransientFailure Outcome = "transient_failure"
	OutcomePermanentFailure Outcome = "permanent_failure"
)

// Attempt is the ephemeral result of publishing one post. It is never persisted
// directly; the transition manager turns it into store and history writes.
type Attempt struct {
	PostID      string
	Outcome     Outcome
	PlatformID  string
	Detail      string
	AttemptedAt time.Time

	// Followup results are reported separately and never revert the primary outcome.
	FollowupID  string
	FollowupErr string
}

func (a Attempt) Succeeded() bool { return a.Outcome == OutcomeSuccess }

// FailureKind maps a failed outcome to the persisted failure kind.
func (a Attempt) FailureKind() FailureKind {
	if a.Outcome == OutcomePermanentFailure {
		return FailurePermanent
	}
	return FailureTransient
}
