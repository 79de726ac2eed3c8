package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/carlmjohnson/versioninfo"
	"github.com/urfave/cli/v3"
	"tangled.sh/tangled.sh/matrix/log"
	"tangled.sh/tangled.sh/matrix/runner"
)

func main() {
	cmd := &cli.Command{
		Name:    "matrix",
		Usage:   "expand and run build matrices",
		Version: versioninfo.Short(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "debug, info, warn or error",
				Value:   "info",
				Sources: cli.EnvVars("MATRIX_RUNNER_LOG_LEVEL"),
			},
			&cli.BoolFlag{
				Name:    "log-json",
				Usage:   "log as JSON",
				Sources: cli.EnvVars("MATRIX_RUNNER_LOG_JSON"),
			},
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			logger := log.New("matrix", log.Options{
				Level: cmd.String("log-level"),
				JSON:  cmd.Bool("log-json"),
			})
			return log.IntoContext(ctx, logger.With("command", cmd.Name)), nil
		},
		Commands: []*cli.Command{
			runCommand(),
			expandCommand(),
			runner.Command(),
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.Run(ctx, os.Args); err != nil {
		log.FromContext(ctx).Error(err.Error())
		stop()
		os.Exit(-1)
	}
}
