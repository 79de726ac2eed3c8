package runner

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/dgraph-io/ristretto"
	"github.com/go-chi/chi/v5"
	"github.com/urfave/cli/v3"
	"tangled.sh/tangled.sh/matrix/log"
	"tangled.sh/tangled.sh/matrix/notifier"
	"tangled.sh/tangled.sh/matrix/runner/config"
	"tangled.sh/tangled.sh/matrix/runner/db"
	"tangled.sh/tangled.sh/matrix/runner/queue"
)

type Runner struct {
	db    *db.DB
	l     *slog.Logger
	n     *notifier.Notifier
	store *db.Store
	jq    *queue.Queue
	cfg   *config.Config

	// finished run records never change again
	finished *ristretto.Cache

	// ctx outlives requests; runs are bound to it rather than to the
	// request that submitted them.
	ctx context.Context
}

func Command() *cli.Command {
	return &cli.Command{
		Name:   "serve",
		Usage:  "accept runs over http and stream their status",
		Action: Run,
		Description: `
Environment variables:
	MATRIX_SERVER_LISTEN_ADDR     (default: 0.0.0.0:6556)
	MATRIX_SERVER_DB_PATH         (default: matrix.db)
	MATRIX_SERVER_LOG_DIR         (default: /var/log/matrix)
	MATRIX_SERVER_WORKERS         (default: 2)
	MATRIX_SERVER_QUEUE_SIZE      (default: 100)
	MATRIX_RUNNER_EXECUTOR        (default: shell)
	MATRIX_RUNNER_PARALLELISM     (default: 0, one worker per job)
	MATRIX_RUNNER_JOB_TIMEOUT     (default: 0, no timeout)
	MATRIX_DOCKER_IMAGE           (default: derived from language)
`,
	}
}

func Run(ctx context.Context, cmd *cli.Command) error {
	logger := log.FromContext(ctx)

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	d, err := db.Make(cfg.Server.DBPath)
	if err != nil {
		return fmt.Errorf("failed to setup db: %w", err)
	}
	defer d.Close()

	if n, err := d.MarkUnfinishedRuns("runner restarted"); err != nil {
		return fmt.Errorf("failed to clean up old runs: %w", err)
	} else if n > 0 {
		logger.Warn("marked unfinished runs as errored", "count", n)
	}

	r := New(ctx, cfg, d)

	// starts the run queue workers in the background
	r.jq.Start()
	defer r.jq.Stop()

	srv := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: r.Router(),
	}
	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	logger.Info("starting matrix server", "address", cfg.Server.ListenAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "error", err)
		return err
	}

	return nil
}

func New(ctx context.Context, cfg *config.Config, d *db.DB) *Runner {
	n := notifier.New()
	finished, _ := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     1 << 26,
		BufferItems: 64,
	})
	return &Runner{
		finished: finished,
		db:       d,
		l:        log.FromContext(ctx).With("component", "server"),
		n:        n,
		store:    db.NewStore(d, n),
		jq:       queue.NewQueue(cfg.Server.QueueSize, cfg.Server.Workers),
		cfg:      cfg,
		ctx:      ctx,
	}
}

func (s *Runner) Router() http.Handler {
	mux := chi.NewRouter()
	mux.Use(s.RequestLogger)

	mux.Post("/runs", s.SubmitRun)
	mux.Get("/runs/{id}", s.GetRun)
	mux.HandleFunc("/events", s.Events)
	mux.HandleFunc("/logs/{run}/{job}", s.Logs)
	return mux
}
