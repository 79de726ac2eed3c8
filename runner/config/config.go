package config

import (
	"context"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Runner configures job execution. Log settings are global command flags
// (MATRIX_RUNNER_LOG_LEVEL, MATRIX_RUNNER_LOG_JSON) and live outside this
// struct.
type Runner struct {
	Parallelism  int           `env:"PARALLELISM, default=0"`
	JobTimeout   time.Duration `env:"JOB_TIMEOUT, default=0"`
	Executor     string        `env:"EXECUTOR, default=shell"`
	Shell        string        `env:"SHELL, default=sh"`
	Workspace    string        `env:"WORKSPACE"`
	LogDir       string        `env:"LOG_DIR"`
	KeepWorkdirs bool          `env:"KEEP_WORKDIRS, default=false"`
	Source       string        `env:"SOURCE"`
	SourceRef    string        `env:"SOURCE_REF"`
	SourceDepth  int           `env:"SOURCE_DEPTH, default=0"`
}

type Server struct {
	ListenAddr string `env:"LISTEN_ADDR, default=0.0.0.0:6556"`
	DBPath     string `env:"DB_PATH, default=matrix.db"`
	LogDir     string `env:"LOG_DIR, default=/var/log/matrix"`
	Workers    int    `env:"WORKERS, default=2"`
	QueueSize  int    `env:"QUEUE_SIZE, default=100"`
}

type Docker struct {
	// Image is expanded against the job's axes, so python:${python}
	// becomes python:3.7 for the python=3.7 job. Empty picks an image
	// from the job's language.
	Image       string        `env:"IMAGE"`
	Shell       string        `env:"SHELL, default=sh"`
	PullRetries uint          `env:"PULL_RETRIES, default=3"`
	PullDelay   time.Duration `env:"PULL_DELAY, default=2s"`
}

type Config struct {
	Runner Runner `env:",prefix=MATRIX_RUNNER_"`
	Server Server `env:",prefix=MATRIX_SERVER_"`
	Docker Docker `env:",prefix=MATRIX_DOCKER_"`
}

func Load(ctx context.Context) (*Config, error) {
	return load(ctx, envconfig.OsLookuper())
}

func load(ctx context.Context, l envconfig.Lookuper) (*Config, error) {
	var cfg Config
	err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: l,
	})
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}
