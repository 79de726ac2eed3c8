package main

import (
	"context"

	"github.com/urfave/cli/v3"
	"tangled.sh/tangled.sh/matrix/runner"
	"tangled.sh/tangled.sh/matrix/runner/config"
)

const defaultFile = ".travis.yml"

func fileFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "file",
		Aliases: []string{"f"},
		Usage:   "matrix document, YAML or .hcl",
		Value:   defaultFile,
	}
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "run every job of a matrix and report the result",
		Description: `
Exits 0 when the run succeeds, 1 when it fails and 2 when the document
cannot be loaded.

Environment variables:
	MATRIX_RUNNER_PARALLELISM   (default: 0, one worker per job)
	MATRIX_RUNNER_JOB_TIMEOUT   (default: 0, no timeout)
	MATRIX_RUNNER_EXECUTOR      (default: shell)
	MATRIX_RUNNER_SHELL         (default: sh)
	MATRIX_RUNNER_WORKSPACE     (default: a temporary directory)
	MATRIX_RUNNER_LOG_DIR       (default: none)
	MATRIX_RUNNER_KEEP_WORKDIRS (default: false)
	MATRIX_RUNNER_SOURCE        (default: none)
	MATRIX_RUNNER_SOURCE_REF    (default: remote HEAD)
	MATRIX_RUNNER_SOURCE_DEPTH  (default: 0, full history)
	MATRIX_DOCKER_IMAGE         (default: derived from language)
	MATRIX_DOCKER_SHELL         (default: sh)
	MATRIX_DOCKER_PULL_RETRIES  (default: 3)
	MATRIX_DOCKER_PULL_DELAY    (default: 2s)
`,
		Flags: []cli.Flag{
			fileFlag(),
			&cli.IntFlag{
				Name:    "parallel",
				Aliases: []string{"p"},
				Usage:   "maximum number of jobs running at once",
			},
			&cli.DurationFlag{
				Name:  "job-timeout",
				Usage: "fail jobs running longer than this",
			},
			&cli.StringFlag{
				Name:  "executor",
				Usage: "shell or docker",
			},
			&cli.StringFlag{
				Name:  "workspace",
				Usage: "directory holding per-job working directories",
			},
			&cli.StringFlag{
				Name:  "log-dir",
				Usage: "write per-job logs here",
			},
			&cli.BoolFlag{
				Name:  "keep-workdirs",
				Usage: "do not remove job working directories",
			},
			&cli.StringFlag{
				Name:  "source",
				Usage: "git repository cloned into each job's working directory (shell executor)",
			},
			&cli.StringFlag{
				Name:  "ref",
				Usage: "branch or tag of --source to check out",
			},
		},
		Action: run,
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load(ctx)
	if err != nil {
		return cli.Exit("failed to load config: "+err.Error(), runner.ExitConfigError)
	}
	applyFlags(cmd, cfg)

	code, err := runner.RunFile(ctx, cfg, cmd.String("file"), cmd.Root().Writer)
	if err != nil {
		return cli.Exit(err.Error(), code)
	}
	if code != runner.ExitSuccess {
		return cli.Exit("", code)
	}
	return nil
}

// applyFlags lets explicitly set flags override the environment.
func applyFlags(cmd *cli.Command, cfg *config.Config) {
	if cmd.IsSet("parallel") {
		cfg.Runner.Parallelism = int(cmd.Int("parallel"))
	}
	if cmd.IsSet("job-timeout") {
		cfg.Runner.JobTimeout = cmd.Duration("job-timeout")
	}
	if cmd.IsSet("executor") {
		cfg.Runner.Executor = cmd.String("executor")
	}
	if cmd.IsSet("workspace") {
		cfg.Runner.Workspace = cmd.String("workspace")
	}
	if cmd.IsSet("log-dir") {
		cfg.Runner.LogDir = cmd.String("log-dir")
	}
	if cmd.IsSet("keep-workdirs") {
		cfg.Runner.KeepWorkdirs = cmd.Bool("keep-workdirs")
	}
	if cmd.IsSet("source") {
		cfg.Runner.Source = cmd.String("source")
	}
	if cmd.IsSet("ref") {
		cfg.Runner.SourceRef = cmd.String("ref")
	}
}
