// Package aggregator folds per-job outcomes into a run result.
//
// Jobs report in any order and from any goroutine. Each job walks
// PENDING -> RUNNING -> {PASSED, FAILED, FAILED_ALLOWED, CANCELLED};
// a job that never started may go straight from PENDING to CANCELLED.
// Terminal states are final.
//
// The run is decided once every job is terminal, or, with fast_finish,
// once every job that is not allowed to fail is terminal. A run made only
// of allowed-to-fail jobs waits for all of them even with fast_finish.
package aggregator

import (
	"errors"
	"fmt"
	"sync"

	"tangled.sh/tangled.sh/matrix/matrix"
	"tangled.sh/tangled.sh/matrix/runner/models"
)

var (
	ErrUnknownJob        = errors.New("unknown job")
	ErrInvalidTransition = errors.New("invalid status transition")
)

type entry struct {
	job     matrix.JobSpec
	status  models.StatusKind
	outcome *models.JobOutcome
}

type Aggregator struct {
	mu         sync.Mutex
	run        models.RunId
	jobs       []*entry
	fastFinish bool
	required   int

	decided     chan struct{}
	decidedOnce sync.Once
	early       bool
}

func New(run models.RunId, jobs []matrix.JobSpec, fastFinish bool) *Aggregator {
	a := &Aggregator{
		run:        run,
		jobs:       make([]*entry, len(jobs)),
		fastFinish: fastFinish,
		decided:    make(chan struct{}),
	}
	for i, j := range jobs {
		a.jobs[i] = &entry{job: j, status: models.StatusKindPending}
		if !j.AllowedToFail {
			a.required++
		}
	}

	a.mu.Lock()
	a.checkDecided()
	a.mu.Unlock()

	return a
}

// Start moves a job from PENDING to RUNNING.
func (a *Aggregator) Start(idx int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	e, err := a.entry(idx)
	if err != nil {
		return err
	}
	if e.status != models.StatusKindPending {
		return fmt.Errorf("%w: job %d: %s -> %s", ErrInvalidTransition, idx, e.status, models.StatusKindRunning)
	}
	e.status = models.StatusKindRunning
	return nil
}

// Report records a job's terminal outcome. The outcome's status is
// normalised against the job's allow-failure flag: a FAILED report for an
// allowed job becomes FAILED_ALLOWED and vice versa.
func (a *Aggregator) Report(o models.JobOutcome) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	idx := o.Job.Index
	e, err := a.entry(idx)
	if err != nil {
		return err
	}

	switch o.Status {
	case models.StatusKindFailed, models.StatusKindFailedAllowed:
		o.Status = models.FinishedStatus(false, e.job.AllowedToFail)
	}

	if !allowed(e.status, o.Status) {
		return fmt.Errorf("%w: job %d: %s -> %s", ErrInvalidTransition, idx, e.status, o.Status)
	}

	e.status = o.Status
	e.outcome = &o
	a.checkDecided()
	return nil
}

func allowed(from, to models.StatusKind) bool {
	switch from {
	case models.StatusKindPending:
		return to == models.StatusKindCancelled
	case models.StatusKindRunning:
		return to.IsFinish()
	default:
		return false
	}
}

// Decided is closed once the overall result can no longer change.
func (a *Aggregator) Decided() <-chan struct{} {
	return a.decided
}

// Status returns a job's current state.
func (a *Aggregator) Status(idx int) (models.StatusKind, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	e, err := a.entry(idx)
	if err != nil {
		return "", err
	}
	return e.status, nil
}

// Result snapshots the run. Jobs that have not reported are included with
// their current state and no step results.
func (a *Aggregator) Result() models.RunResult {
	a.mu.Lock()
	defer a.mu.Unlock()

	res := models.RunResult{
		Run:     a.run,
		Overall: models.OverallSuccess,
		Early:   a.early,
	}

	for _, e := range a.jobs {
		var o models.JobOutcome
		if e.outcome != nil {
			o = *e.outcome
		} else {
			o = models.JobOutcome{
				Job:        e.job,
				Id:         models.NewJobId(a.run, e.job),
				Status:     e.status,
				FailedStep: -1,
			}
		}
		if models.IsFatal(o.Status, e.job.AllowedToFail) {
			res.Overall = models.OverallFailure
		}
		res.Outcomes = append(res.Outcomes, o)
	}

	return res
}

func (a *Aggregator) entry(idx int) (*entry, error) {
	if idx < 0 || idx >= len(a.jobs) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownJob, idx)
	}
	return a.jobs[idx], nil
}

// called with a.mu held
func (a *Aggregator) checkDecided() {
	inFlight := false
	for _, e := range a.jobs {
		if e.status.IsFinish() {
			continue
		}
		if a.fastFinish && a.required > 0 && e.job.AllowedToFail {
			inFlight = true
			continue
		}
		return
	}

	a.decidedOnce.Do(func() {
		a.early = inFlight
		close(a.decided)
	})
}
