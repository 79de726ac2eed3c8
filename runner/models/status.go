package models

type StatusKind string

var (
	StatusKindPending       StatusKind = "pending"
	StatusKindRunning       StatusKind = "running"
	StatusKindPassed        StatusKind = "passed"
	StatusKindFailed        StatusKind = "failed"
	StatusKindFailedAllowed StatusKind = "failed_allowed"
	StatusKindCancelled     StatusKind = "cancelled"

	StartStates = [...]StatusKind{
		StatusKindPending,
		StatusKindRunning,
	}
	FinishStates = [...]StatusKind{
		StatusKindPassed,
		StatusKindFailed,
		StatusKindFailedAllowed,
		StatusKindCancelled,
	}
)

func (s StatusKind) String() string {
	return string(s)
}

func (s StatusKind) IsStart() bool {
	for _, st := range StartStates {
		if s == st {
			return true
		}
	}
	return false
}

func (s StatusKind) IsFinish() bool {
	for _, st := range FinishStates {
		if s == st {
			return true
		}
	}
	return false
}

// FinishedStatus resolves the terminal status of a job that ran to
// completion.
func FinishedStatus(passed, allowedToFail bool) StatusKind {
	switch {
	case passed:
		return StatusKindPassed
	case allowedToFail:
		return StatusKindFailedAllowed
	default:
		return StatusKindFailed
	}
}

// IsFatal reports whether a job in this state makes the run fail.
// Cancelled jobs count as failures unless they were allowed to fail.
func IsFatal(s StatusKind, allowedToFail bool) bool {
	switch s {
	case StatusKindFailed:
		return true
	case StatusKindCancelled:
		return !allowedToFail
	default:
		return false
	}
}
