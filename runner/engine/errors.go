package engine

import "errors"

var (
	ErrTimedOut   = errors.New("timed out")
	ErrCancelled  = errors.New("cancelled")
	ErrStepFailed = errors.New("step failed")
	// ErrLaunch wraps failures to start a step's process at all, such as
	// a missing shell.
	ErrLaunch = errors.New("step could not be launched")
)
