package engine

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"tangled.sh/tangled.sh/matrix/log"
	"tangled.sh/tangled.sh/matrix/matrix"
	"tangled.sh/tangled.sh/matrix/runner/aggregator"
	"tangled.sh/tangled.sh/matrix/runner/models"
)

type Engine struct {
	exec  models.Executor
	l     *slog.Logger
	store StatusStore

	logDir      string
	parallelism int
	jobTimeout  time.Duration
}

type Option func(*Engine)

// WithParallelism bounds how many jobs run at once. Zero or less means
// one worker per job.
func WithParallelism(n int) Option {
	return func(e *Engine) {
		e.parallelism = n
	}
}

// WithJobTimeout fails any job still running after d.
func WithJobTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.jobTimeout = d
	}
}

// WithLogDir enables per-job JSON-lines logs under dir.
func WithLogDir(dir string) Option {
	return func(e *Engine) {
		e.logDir = dir
	}
}

func WithStore(s StatusStore) Option {
	return func(e *Engine) {
		if s != nil {
			e.store = s
		}
	}
}

func New(ctx context.Context, exec models.Executor, opts ...Option) *Engine {
	e := &Engine{
		exec:  exec,
		l:     log.FromContext(ctx).With("component", "engine"),
		store: nopStore{},
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// StartJobs runs every job of a run and returns once the result is
// decided. With fastFinish, allowed-to-fail jobs still running at that
// point are cancelled and show up as CANCELLED. The returned error is
// non-nil only when ctx itself was cancelled.
func (e *Engine) StartJobs(ctx context.Context, run models.RunId, jobs []matrix.JobSpec, fastFinish bool) (models.RunResult, error) {
	l := e.l.With("run", run)
	l.Info("starting jobs", "count", len(jobs), "parallelism", e.parallelism, "fast_finish", fastFinish)

	agg := aggregator.New(run, jobs, fastFinish)

	for _, job := range jobs {
		if err := e.store.StatusPending(models.NewJobId(run, job)); err != nil {
			l.Error("failed to record pending status", "job", job.Name, "error", err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)

		g := errgroup.Group{}
		if e.parallelism > 0 {
			g.SetLimit(e.parallelism)
		}
		for _, job := range jobs {
			g.Go(func() error {
				e.runJob(runCtx, run, job, agg)
				return nil
			})
		}
		_ = g.Wait()
	}()

	select {
	case <-agg.Decided():
	case <-done:
	}

	select {
	case <-done:
	default:
		l.Info("result decided, cancelling remaining allowed-to-fail jobs")
		cancel()
		<-done
	}

	res := agg.Result()
	l.Info("run finished", "result", res.Overall)

	return res, ctx.Err()
}

func (e *Engine) runJob(ctx context.Context, run models.RunId, job matrix.JobSpec, agg *aggregator.Aggregator) {
	jid := models.NewJobId(run, job)
	l := e.l.With("run", run, "job", job.Name)

	var o models.JobOutcome
	if ctx.Err() != nil {
		o = models.JobOutcome{
			Job:        job,
			Id:         jid,
			Status:     models.StatusKindCancelled,
			FailedStep: -1,
			Error:      ErrCancelled.Error(),
		}
	} else {
		if err := agg.Start(job.Index); err != nil {
			l.Error("failed to start job", "error", err)
			return
		}
		if err := e.store.StatusRunning(jid); err != nil {
			l.Error("failed to record running status", "error", err)
		}
		o = e.RunJob(ctx, jid, job)
	}

	if err := agg.Report(o); err != nil {
		l.Error("failed to report job outcome", "error", err)
	}
	if err := e.store.StatusFinished(o); err != nil {
		l.Error("failed to record final status", "error", err)
	}

	l.Info("job finished", "status", o.Status, "duration", o.Duration())
}
