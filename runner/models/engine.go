package models

import (
	"context"

	"tangled.sh/tangled.sh/matrix/matrix"
)

// Executor runs the steps of one job. Implementations must keep jobs
// isolated from each other: environment and working directory are
// job-scoped.
type Executor interface {
	SetupJob(ctx context.Context, jid JobId, job matrix.JobSpec) error
	// RunStep blocks until step idx of job has exited. A nonzero exit code
	// with a nil error is an ordinary failure; a non-nil error means the
	// step could not be run to completion.
	RunStep(ctx context.Context, jid JobId, job matrix.JobSpec, idx int, logger *JobLogger) (int, error)
	DestroyJob(ctx context.Context, jid JobId) error
}
