// Package docker runs each step in a fresh container. Containers of the
// same job share a workspace volume and a bridge network, both removed
// when the job is destroyed.
package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"tangled.sh/tangled.sh/matrix/log"
	"tangled.sh/tangled.sh/matrix/matrix"
	"tangled.sh/tangled.sh/matrix/runner/engine"
	"tangled.sh/tangled.sh/matrix/runner/models"
)

const (
	workspaceDir = "/matrix/workspace"
)

type cleanupFunc func(context.Context) error

type Config struct {
	// Image is a template expanded against the job's axes, e.g.
	// python:${python}. Empty derives one from Language.
	Image    string
	Language string
	Shell    string

	PullRetries uint
	PullDelay   time.Duration

	// PullOutput receives the daemon's pull progress; nil discards it.
	PullOutput io.Writer
}

type Engine struct {
	docker client.APIClient
	l      *slog.Logger
	cfg    Config

	mu      sync.Mutex
	images  map[string]string
	cleanup map[string][]cleanupFunc
}

func New(ctx context.Context, cfg Config) (*Engine, error) {
	dcli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	return NewWithClient(ctx, dcli, cfg), nil
}

func NewWithClient(ctx context.Context, dcli client.APIClient, cfg Config) *Engine {
	if cfg.Shell == "" {
		cfg.Shell = "sh"
	}
	if cfg.PullRetries == 0 {
		cfg.PullRetries = 1
	}
	if cfg.PullOutput == nil {
		cfg.PullOutput = io.Discard
	}

	return &Engine{
		docker:  dcli,
		l:       log.FromContext(ctx).With("component", "docker"),
		cfg:     cfg,
		images:  make(map[string]string),
		cleanup: make(map[string][]cleanupFunc),
	}
}

// SetupJob pulls the job's image and creates its workspace volume and
// network.
func (e *Engine) SetupJob(ctx context.Context, jid models.JobId, job matrix.JobSpec) error {
	img := jobImage(e.cfg.Image, e.cfg.Language, job)
	e.l.Info("setting up job", "job", jid, "image", img)

	_, err := e.docker.VolumeCreate(ctx, volume.CreateOptions{
		Name:   workspaceVolume(jid),
		Driver: "local",
	})
	if err != nil {
		return fmt.Errorf("creating volume: %w", err)
	}
	e.registerCleanup(jid, func(ctx context.Context) error {
		return e.docker.VolumeRemove(ctx, workspaceVolume(jid), true)
	})

	_, err = e.docker.NetworkCreate(ctx, networkName(jid), network.CreateOptions{
		Driver: "bridge",
	})
	if err != nil {
		return fmt.Errorf("creating network: %w", err)
	}
	e.registerCleanup(jid, func(ctx context.Context) error {
		return e.docker.NetworkRemove(ctx, networkName(jid))
	})

	if err := e.pull(ctx, img); err != nil {
		e.l.Error("image pull failed", "image", img, "job", jid, "error", err)
		return fmt.Errorf("pulling image: %w", err)
	}

	e.mu.Lock()
	e.images[jid.String()] = img
	e.mu.Unlock()

	return nil
}

func (e *Engine) pull(ctx context.Context, img string) error {
	return retry.Do(func() error {
		reader, err := e.docker.ImagePull(ctx, img, image.PullOptions{})
		if err != nil {
			if errdefs.IsNotFound(err) {
				return retry.Unrecoverable(err)
			}
			return err
		}
		defer reader.Close()
		_, err = io.Copy(e.cfg.PullOutput, reader)
		return err
	},
		retry.Attempts(e.cfg.PullRetries),
		retry.DelayType(retry.BackOffDelay),
		retry.Delay(e.cfg.PullDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			e.l.Warn("retrying image pull", "image", img, "attempt", n+1, "error", err)
		}),
		retry.Context(ctx),
	)
}

func (e *Engine) RunStep(ctx context.Context, jid models.JobId, job matrix.JobSpec, idx int, logger *models.JobLogger) (int, error) {
	e.mu.Lock()
	img, ok := e.images[jid.String()]
	e.mu.Unlock()
	if !ok {
		return -1, fmt.Errorf("job %s was not set up", jid)
	}

	step := job.Steps[idx]

	envs := EnvVars(job.Env())
	envs.AddEnv("HOME", workspaceDir)
	envs.AddEnv("MATRIX_WORKDIR", workspaceDir)
	e.l.Debug("envs for step", "job", jid, "step", idx, "envs", envs.Slice())

	resp, err := e.docker.ContainerCreate(ctx, &container.Config{
		Image:      img,
		Cmd:        []string{e.cfg.Shell, "-c", step.Command},
		WorkingDir: workspaceDir,
		Tty:        false,
		Hostname:   "matrix",
		Env:        envs.Slice(),
	}, hostConfig(jid), nil, nil, "")
	if err != nil {
		return -1, fmt.Errorf("%w: creating container: %w", engine.ErrLaunch, err)
	}
	defer e.DestroyStep(context.Background(), resp.ID)

	err = e.docker.NetworkConnect(ctx, networkName(jid), resp.ID, nil)
	if err != nil {
		return -1, fmt.Errorf("%w: connecting network: %w", engine.ErrLaunch, err)
	}

	err = e.docker.ContainerStart(ctx, resp.ID, container.StartOptions{})
	if err != nil {
		return -1, fmt.Errorf("%w: starting container: %w", engine.ErrLaunch, err)
	}
	e.l.Info("started container", "name", resp.ID, "job", jid, "step", idx)

	tailDone := make(chan error, 1)
	go func() {
		tailDone <- e.tailStep(ctx, logger, resp.ID, idx)
	}()

	waitDone := make(chan struct{})
	var state *container.State
	var waitErr error

	go func() {
		defer close(waitDone)
		state, waitErr = e.WaitStep(ctx, resp.ID)
	}()

	select {
	case <-waitDone:
		if err := <-tailDone; err != nil {
			e.l.Warn("failed to tail step", "container", resp.ID, "error", err)
		}

	case <-ctx.Done():
		e.l.Warn("step interrupted; killing container", "container", resp.ID, "job", jid, "step", idx)
		err = e.DestroyStep(context.Background(), resp.ID)
		if err != nil {
			e.l.Error("failed to destroy step", "container", resp.ID, "error", err)
		}

		<-waitDone
		<-tailDone

		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return -1, engine.ErrTimedOut
		}
		return -1, ctx.Err()
	}

	if waitErr != nil {
		return -1, waitErr
	}

	if state.ExitCode != 0 {
		e.l.Warn("step exited nonzero", "job", jid, "step", idx, "error", state.Error, "exit_code", state.ExitCode, "oom_killed", state.OOMKilled)
	}

	return state.ExitCode, nil
}

func (e *Engine) WaitStep(ctx context.Context, containerID string) (*container.State, error) {
	wait, errCh := e.docker.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return nil, err
		}
	case <-wait:
	}

	info, err := e.docker.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, err
	}

	return info.State, nil
}

func (e *Engine) tailStep(ctx context.Context, logger *models.JobLogger, containerID string, idx int) error {
	if logger == nil {
		return nil
	}

	logs, err := e.docker.ContainerLogs(ctx, containerID, container.LogsOptions{
		Follow:     true,
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return err
	}
	defer logs.Close()

	_, err = stdcopy.StdCopy(
		&ansiStrippingWriter{underlying: logger.DataWriter(idx, "stdout")},
		&ansiStrippingWriter{underlying: logger.DataWriter(idx, "stderr")},
		logs,
	)
	if err != nil && err != io.EOF && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("failed to copy logs: %w", err)
	}

	return nil
}

func (e *Engine) DestroyStep(ctx context.Context, containerID string) error {
	err := e.docker.ContainerKill(ctx, containerID, "9") // SIGKILL
	if err != nil && !isErrContainerNotFoundOrNotRunning(err) {
		return err
	}

	if err := e.docker.ContainerRemove(ctx, containerID, container.RemoveOptions{
		RemoveVolumes: true,
		Force:         false,
	}); err != nil && !isErrContainerNotFoundOrNotRunning(err) && !errdefs.IsConflict(err) {
		return err
	}

	return nil
}

// DestroyJob runs the job's registered cleanups in reverse order.
func (e *Engine) DestroyJob(ctx context.Context, jid models.JobId) error {
	e.mu.Lock()
	key := jid.String()
	fns := e.cleanup[key]
	delete(e.cleanup, key)
	delete(e.images, key)
	e.mu.Unlock()

	var errs []error
	for i := len(fns) - 1; i >= 0; i-- {
		if err := fns[i](ctx); err != nil {
			e.l.Error("failed to clean up job resource", "job", jid, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) registerCleanup(jid models.JobId, fn cleanupFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := jid.String()
	e.cleanup[key] = append(e.cleanup[key], fn)
}

// jobImage expands tmpl against the job's axes. ${language} refers to the
// document's language.
func jobImage(tmpl, language string, job matrix.JobSpec) string {
	if tmpl == "" {
		tmpl = defaultImage(language, job)
	}
	return os.Expand(tmpl, func(key string) string {
		if key == "language" {
			return language
		}
		v, _ := job.Get(key)
		return v
	})
}

func defaultImage(language string, job matrix.JobSpec) string {
	if language == "" {
		return "alpine:latest"
	}
	if _, ok := job.Get(language); ok {
		return language + ":${" + language + "}"
	}
	return language + ":latest"
}

func workspaceVolume(jid models.JobId) string {
	return fmt.Sprintf("matrix-workspace-%s", jid)
}

func networkName(jid models.JobId) string {
	return fmt.Sprintf("matrix-network-%s", jid)
}

func hostConfig(jid models.JobId) *container.HostConfig {
	return &container.HostConfig{
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeVolume,
				Source: workspaceVolume(jid),
				Target: workspaceDir,
			},
		},
		ReadonlyRootfs: false,
		CapDrop:        []string{"ALL"},
		CapAdd:         []string{"CAP_DAC_OVERRIDE", "CAP_CHOWN", "CAP_FOWNER", "CAP_SETUID", "CAP_SETGID"},
		SecurityOpt:    []string{"no-new-privileges"},
	}
}

// thanks woodpecker
func isErrContainerNotFoundOrNotRunning(err error) bool {
	// Error response from daemon: Cannot kill container: ...: No such container: ...
	// Error response from daemon: Cannot kill container: ...: Container ... is not running"
	// Error response from podman daemon: can only kill running containers. ... is in state exited
	// Error: No such container: ...
	return err != nil && (strings.Contains(err.Error(), "No such container") || strings.Contains(err.Error(), "is not running") || strings.Contains(err.Error(), "can only kill running containers"))
}
