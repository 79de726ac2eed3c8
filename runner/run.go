package runner

import (
	"context"
	"errors"
	"fmt"
	"io"

	"tangled.sh/tangled.sh/matrix/log"
	"tangled.sh/tangled.sh/matrix/matrix"
	"tangled.sh/tangled.sh/matrix/runner/config"
	"tangled.sh/tangled.sh/matrix/runner/engine"
	"tangled.sh/tangled.sh/matrix/runner/models"
	"tangled.sh/tangled.sh/matrix/runner/report"
	"tangled.sh/tangled.sh/matrix/tid"
)

const (
	ExitSuccess     = 0
	ExitFailure     = 1
	ExitConfigError = 2
)

// LoadJobs parses and expands the document at path, logging any warnings.
func LoadJobs(ctx context.Context, path string) (*matrix.Matrix, []matrix.JobSpec, error) {
	l := log.FromContext(ctx)

	m, diags := matrix.Load(path)
	if diags.IsErr() {
		return nil, nil, diags.Err()
	}

	jobs, expandDiags := matrix.ExpandWithDiagnostics(m)
	diags.Combine(expandDiags)
	for _, w := range diags.Warnings {
		l.Warn(w.Reason, "path", w.Path, "kind", w.Type)
	}

	return m, jobs, nil
}

// RunFile runs every job of the document at path, writes the summary to
// out and returns the process exit code: ExitSuccess, ExitFailure, or
// ExitConfigError when the document could not be loaded. The error is set
// for ExitConfigError and when ctx was cancelled.
func RunFile(ctx context.Context, cfg *config.Config, path string, out io.Writer) (int, error) {
	l := log.FromContext(ctx)

	m, jobs, err := LoadJobs(ctx, path)
	if err != nil {
		return ExitConfigError, err
	}

	exec, err := NewExecutor(ctx, cfg, m.Language)
	if err != nil {
		return ExitConfigError, err
	}
	defer closeExecutor(l, exec)

	run := models.RunId(tid.TID())
	l.Info("running matrix", "path", path, "run", run, "jobs", len(jobs))

	eng := engine.New(ctx, exec, EngineOptions(cfg.Runner, cfg.Runner.LogDir, nil)...)
	res, runErr := eng.StartJobs(ctx, run, jobs, m.FastFinish)

	if err := report.Write(out, res); err != nil {
		return ExitFailure, fmt.Errorf("writing report: %w", err)
	}

	if runErr != nil {
		return ExitFailure, runErr
	}
	return res.ExitCode(), nil
}

// IsConfigError reports whether err came from loading a document.
func IsConfigError(err error) bool {
	return errors.Is(err, matrix.ErrConfigParse) || errors.Is(err, matrix.ErrAxisEmpty)
}
