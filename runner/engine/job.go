package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"tangled.sh/tangled.sh/matrix/matrix"
	"tangled.sh/tangled.sh/matrix/runner/models"
)

var requiredPhases = []matrix.Phase{
	matrix.PhaseBeforeInstall,
	matrix.PhaseInstall,
	matrix.PhaseBeforeScript,
	matrix.PhaseScript,
}

// RunJob executes one job's steps in order and returns its outcome.
//
// The first failing step of a required phase stops the job. after_success
// runs only when every required step passed, after_failure only when one
// failed; after_script runs either way. Failures in those three phases
// are recorded but never change the job's status. Nothing runs after a
// cancellation or timeout.
func (e *Engine) RunJob(ctx context.Context, jid models.JobId, job matrix.JobSpec) (o models.JobOutcome) {
	l := e.l.With("job", job.Name, "index", job.Index)

	o = models.JobOutcome{
		Job:        job,
		Id:         jid,
		FailedStep: -1,
		StartedAt:  time.Now(),
	}

	var logger *models.JobLogger
	if e.logDir != "" {
		var err error
		logger, err = models.NewJobLogger(e.logDir, jid)
		if err != nil {
			l.Error("failed to create job logger", "error", err)
		}
	}
	defer func() {
		o.LogBytes = logger.Size()
		logger.Close()
	}()

	jobCtx := ctx
	if e.jobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, e.jobTimeout)
		defer cancel()
	}

	// setup can fail after creating resources; destroy releases them
	defer func() {
		if err := e.exec.DestroyJob(context.Background(), jid); err != nil {
			l.Error("failed to destroy job", "error", err)
		}
	}()

	if err := e.exec.SetupJob(jobCtx, jid, job); err != nil {
		cause := classify(ctx, jobCtx, err)
		l.Error("failed to set up job", "error", err)

		o.ExitCode = -1
		o.Error = fmt.Sprintf("setting up job: %s", err)
		o.Status = finalStatus(job, false, cause)
		o.FinishedAt = time.Now()
		return o
	}

	passed := true
	var cause error
	for _, phase := range requiredPhases {
		res, err := e.runPhase(ctx, jobCtx, l, jid, job, phase, logger, &o)
		if err != nil {
			passed = false
			cause = err
			o.FailedStep = res.Index
			o.ExitCode = res.ExitCode
			o.Error = res.Error
			break
		}
	}

	if jobCtx.Err() == nil {
		if passed {
			e.runPhase(ctx, jobCtx, l, jid, job, matrix.PhaseAfterSuccess, logger, &o)
		} else {
			e.runPhase(ctx, jobCtx, l, jid, job, matrix.PhaseAfterFailure, logger, &o)
		}
		e.runPhase(ctx, jobCtx, l, jid, job, matrix.PhaseAfterScript, logger, &o)
	}

	o.Status = finalStatus(job, passed, cause)
	o.FinishedAt = time.Now()
	return o
}

// runPhase runs a phase's steps until one fails, returning that step's
// result and cause.
func (e *Engine) runPhase(ctx, jobCtx context.Context, l *slog.Logger, jid models.JobId, job matrix.JobSpec, phase matrix.Phase, logger *models.JobLogger, o *models.JobOutcome) (models.StepResult, error) {
	for _, idx := range job.StepsIn(phase) {
		res, err := e.runStep(ctx, jobCtx, l, jid, job, idx, logger)
		o.Steps = append(o.Steps, res)
		if err != nil {
			return res, err
		}
	}
	return models.StepResult{Index: -1}, nil
}

func (e *Engine) runStep(ctx, jobCtx context.Context, l *slog.Logger, jid models.JobId, job matrix.JobSpec, idx int, logger *models.JobLogger) (models.StepResult, error) {
	step := job.Steps[idx]
	res := models.StepResult{
		Job:     jid,
		Index:   idx,
		Phase:   step.Phase,
		Command: step.Command,
	}

	if err := logger.StepStart(idx, step); err != nil {
		l.Warn("failed to write step start", "step", idx, "error", err)
	}

	start := time.Now()
	var (
		exitCode int
		err      error
	)
	if jobCtx.Err() != nil {
		exitCode, err = -1, jobCtx.Err()
	} else {
		l.Info("running step", "step", idx, "phase", step.Phase, "command", step.Command)
		exitCode, err = e.exec.RunStep(jobCtx, jid, job, idx, logger)
	}
	res.Duration = time.Since(start)

	cause := stepCause(ctx, jobCtx, exitCode, err)
	if cause != nil && !errors.Is(cause, ErrStepFailed) {
		if exitCode == 0 {
			exitCode = -1
		}
		res.Error = cause.Error()
	}
	res.ExitCode = exitCode

	if err := logger.StepEnd(idx, step, exitCode); err != nil {
		l.Warn("failed to write step end", "step", idx, "error", err)
	}
	if err := e.store.StepFinished(res); err != nil {
		l.Error("failed to record step result", "step", idx, "error", err)
	}

	if cause != nil {
		l.Warn("step failed", "step", idx, "phase", step.Phase, "exit_code", exitCode, "error", res.Error, "duration", res.Duration)
	} else {
		l.Debug("step passed", "step", idx, "phase", step.Phase, "duration", res.Duration)
	}

	return res, cause
}

// stepCause is nil for a clean exit, ErrStepFailed for an ordinary
// nonzero exit, and the classified error otherwise.
func stepCause(ctx, jobCtx context.Context, exitCode int, err error) error {
	if err == nil && exitCode == 0 {
		return nil
	}
	if cause := classify(ctx, jobCtx, err); cause != nil {
		return cause
	}
	return ErrStepFailed
}

// classify maps an executor error to ErrCancelled when the run was
// cancelled, ErrTimedOut when the job deadline passed, and ErrLaunch for
// anything else.
func classify(ctx, jobCtx context.Context, err error) error {
	switch {
	case ctx.Err() != nil:
		return ErrCancelled
	case errors.Is(jobCtx.Err(), context.DeadlineExceeded), errors.Is(err, ErrTimedOut):
		return ErrTimedOut
	case err == nil:
		return nil
	case errors.Is(err, ErrLaunch):
		return ErrLaunch
	default:
		return fmt.Errorf("%w: %w", ErrLaunch, err)
	}
}

func finalStatus(job matrix.JobSpec, passed bool, cause error) models.StatusKind {
	if !passed && errors.Is(cause, ErrCancelled) {
		return models.StatusKindCancelled
	}
	return models.FinishedStatus(passed, job.AllowedToFail)
}
