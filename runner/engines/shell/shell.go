// Package shell runs each step as a local process under a POSIX shell.
package shell

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"tangled.sh/tangled.sh/matrix/log"
	"tangled.sh/tangled.sh/matrix/matrix"
	"tangled.sh/tangled.sh/matrix/runner/engine"
	"tangled.sh/tangled.sh/matrix/runner/models"
)

// waitDelay bounds how long a killed step may keep its output pipes open.
const waitDelay = 5 * time.Second

type Config struct {
	// Shell is invoked as `<Shell> -c <command>`.
	Shell string
	// Workspace is the root under which each job gets a working directory.
	// Empty means a temporary directory.
	Workspace string
	// KeepWorkdirs leaves job directories behind after the job.
	KeepWorkdirs bool
	// Env is the base environment; nil means the runner's own.
	Env []string
	// Source, if set, is cloned into each job's working directory.
	Source Source
}

type Engine struct {
	l   *slog.Logger
	cfg Config

	// set when New created the workspace root
	tempRoot bool

	mu   sync.Mutex
	dirs map[string]string
}

func New(ctx context.Context, cfg Config) (*Engine, error) {
	if cfg.Shell == "" {
		cfg.Shell = "sh"
	}
	tempRoot := false
	if cfg.Workspace == "" {
		dir, err := os.MkdirTemp("", "matrix-")
		if err != nil {
			return nil, fmt.Errorf("creating workspace: %w", err)
		}
		cfg.Workspace = dir
		tempRoot = true
	}
	if cfg.Env == nil {
		cfg.Env = os.Environ()
	}

	return &Engine{
		l:        log.FromContext(ctx).With("component", "shell"),
		cfg:      cfg,
		tempRoot: tempRoot,
		dirs:     make(map[string]string),
	}, nil
}

// Workspace is the root holding the job directories.
func (e *Engine) Workspace() string {
	return e.cfg.Workspace
}

// Close removes the workspace root if New created it. A configured
// workspace, or one kept with KeepWorkdirs, is left alone.
func (e *Engine) Close() error {
	if !e.tempRoot || e.cfg.KeepWorkdirs {
		return nil
	}
	return os.RemoveAll(e.cfg.Workspace)
}

// SetupJob creates the job's working directory.
func (e *Engine) SetupJob(ctx context.Context, jid models.JobId, job matrix.JobSpec) error {
	dir := filepath.Join(e.cfg.Workspace, jid.String())
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating workdir: %w", err)
	}

	if !e.cfg.Source.IsEmpty() {
		head, err := checkout(ctx, e.cfg.Source, dir)
		if err != nil {
			os.RemoveAll(dir)
			return err
		}
		e.l.Info("checked out source", "job", jid, "url", e.cfg.Source.URL, "commit", head)
	}

	e.mu.Lock()
	e.dirs[jid.String()] = dir
	e.mu.Unlock()

	e.l.Debug("set up job", "job", jid, "dir", dir)
	return nil
}

func (e *Engine) workdir(jid models.JobId) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	dir, ok := e.dirs[jid.String()]
	return dir, ok
}

func (e *Engine) RunStep(ctx context.Context, jid models.JobId, job matrix.JobSpec, idx int, logger *models.JobLogger) (int, error) {
	dir, ok := e.workdir(jid)
	if !ok {
		return -1, fmt.Errorf("job %s was not set up", jid)
	}
	step := job.Steps[idx]

	cmd := exec.CommandContext(ctx, e.cfg.Shell, "-c", step.Command)
	cmd.Dir = dir
	cmd.Env = append(append([]string(nil), e.cfg.Env...), job.Env()...)
	cmd.Env = append(cmd.Env, "MATRIX_WORKDIR="+dir)
	cmd.Stdout = logger.DataWriter(idx, "stdout")
	cmd.Stderr = logger.DataWriter(idx, "stderr")

	// the step runs in its own process group so cancellation also reaches
	// anything it spawned
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = waitDelay

	if err := cmd.Start(); err != nil {
		return -1, fmt.Errorf("%w: %w", engine.ErrLaunch, err)
	}

	err := cmd.Wait()
	if ctx.Err() != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return -1, engine.ErrTimedOut
		}
		return -1, ctx.Err()
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return 0, nil
	case errors.As(err, &exitErr):
		code := exitErr.ExitCode()
		if code < 0 {
			// killed by a signal we did not send
			return -1, fmt.Errorf("step terminated: %w", err)
		}
		return code, nil
	default:
		return -1, err
	}
}

// DestroyJob removes the job's working directory unless KeepWorkdirs is
// set.
func (e *Engine) DestroyJob(ctx context.Context, jid models.JobId) error {
	e.mu.Lock()
	dir, ok := e.dirs[jid.String()]
	delete(e.dirs, jid.String())
	e.mu.Unlock()

	if !ok || e.cfg.KeepWorkdirs {
		return nil
	}
	return os.RemoveAll(dir)
}
