package runner

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"tangled.sh/tangled.sh/matrix/runner/config"
	"tangled.sh/tangled.sh/matrix/runner/engine"
	"tangled.sh/tangled.sh/matrix/runner/engines/docker"
	"tangled.sh/tangled.sh/matrix/runner/engines/shell"
	"tangled.sh/tangled.sh/matrix/runner/models"
)

const (
	ExecutorShell  = "shell"
	ExecutorDocker = "docker"
)

// NewExecutor builds the executor named by cfg.Runner.Executor. language
// is the document's language, used to pick a docker image.
func NewExecutor(ctx context.Context, cfg *config.Config, language string) (models.Executor, error) {
	switch cfg.Runner.Executor {
	case ExecutorShell, "":
		return shell.New(ctx, shell.Config{
			Shell:        cfg.Runner.Shell,
			Workspace:    cfg.Runner.Workspace,
			KeepWorkdirs: cfg.Runner.KeepWorkdirs,
			Source: shell.Source{
				URL:   cfg.Runner.Source,
				Ref:   cfg.Runner.SourceRef,
				Depth: cfg.Runner.SourceDepth,
			},
		})
	case ExecutorDocker:
		return docker.New(ctx, docker.Config{
			Image:       cfg.Docker.Image,
			Language:    language,
			Shell:       cfg.Docker.Shell,
			PullRetries: cfg.Docker.PullRetries,
			PullDelay:   cfg.Docker.PullDelay,
			PullOutput:  os.Stderr,
		})
	default:
		return nil, fmt.Errorf("unknown executor %q", cfg.Runner.Executor)
	}
}

// closeExecutor releases whatever the executor holds beyond its jobs,
// such as a temporary workspace root.
func closeExecutor(l *slog.Logger, exec models.Executor) {
	c, ok := exec.(io.Closer)
	if !ok {
		return
	}
	if err := c.Close(); err != nil {
		l.Error("failed to close executor", "error", err)
	}
}

// EngineOptions maps runner settings onto engine options.
func EngineOptions(cfg config.Runner, logDir string, store engine.StatusStore) []engine.Option {
	opts := []engine.Option{
		engine.WithParallelism(cfg.Parallelism),
		engine.WithJobTimeout(cfg.JobTimeout),
	}
	if logDir != "" {
		opts = append(opts, engine.WithLogDir(logDir))
	}
	if store != nil {
		opts = append(opts, engine.WithStore(store))
	}
	return opts
}
