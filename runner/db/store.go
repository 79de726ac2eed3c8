package db

import (
	"tangled.sh/tangled.sh/matrix/notifier"
	"tangled.sh/tangled.sh/matrix/runner/models"
)

// Store records engine status changes in the jobs table and as events,
// waking n's subscribers on every write.
type Store struct {
	db *DB
	n  *notifier.Notifier
}

func NewStore(d *DB, n *notifier.Notifier) *Store {
	return &Store{db: d, n: n}
}

func (s *Store) RunStarted(id models.RunId) error {
	if err := s.db.StartRun(id); err != nil {
		return err
	}
	return s.db.createEvent(EventKindRun, RunEvent{
		Run:       id,
		Status:    RunStatusRunning,
		CreatedAt: now(),
	}, s.n)
}

func (s *Store) RunFinished(id models.RunId, overall models.Overall, runErr string) error {
	var open []Job
	if runErr != "" {
		jobs, err := s.db.GetJobs(id)
		if err != nil {
			return err
		}
		for _, j := range jobs {
			if !j.Status.IsFinish() {
				open = append(open, j)
			}
		}
	}

	if err := s.db.FinishRun(id, overall, runErr); err != nil {
		return err
	}

	for _, j := range open {
		err := s.db.createEvent(EventKindJob, JobEvent{
			Run:       id,
			Job:       j.Name,
			Index:     j.Index,
			Status:    models.StatusKindCancelled,
			Error:     &runErr,
			CreatedAt: now(),
		}, s.n)
		if err != nil {
			return err
		}
	}

	r, err := s.db.GetRun(id)
	if err != nil {
		return err
	}
	return s.db.createEvent(EventKindRun, RunEvent{
		Run:       id,
		Status:    r.Status,
		Error:     runErr,
		CreatedAt: now(),
	}, s.n)
}

func (s *Store) StatusPending(jid models.JobId) error {
	return s.jobEvent(jid, models.StatusKindPending, nil)
}

func (s *Store) StatusRunning(jid models.JobId) error {
	_, err := s.db.Exec(
		`update jobs set status = ?, started = ? where run_id = ? and idx = ?`,
		models.StatusKindRunning, now(), string(jid.Run), jid.Index,
	)
	if err != nil {
		return err
	}
	return s.jobEvent(jid, models.StatusKindRunning, nil)
}

func (s *Store) StatusFinished(o models.JobOutcome) error {
	_, err := s.db.Exec(
		`update jobs
		set status = ?, failed_step = ?, exit_code = ?, error = nullif(?, ''), log_bytes = ?, finished = ?
		where run_id = ? and idx = ?`,
		o.Status, o.FailedStep, o.ExitCode, o.Error, o.LogBytes, now(),
		string(o.Id.Run), o.Id.Index,
	)
	if err != nil {
		return err
	}
	return s.jobEvent(o.Id, o.Status, &o)
}

func (s *Store) StepFinished(res models.StepResult) error {
	return s.db.createEvent(EventKindStep, StepEvent{
		Run:        res.Job.Run,
		Job:        res.Job.Name,
		Index:      res.Job.Index,
		Step:       res.Index,
		Phase:      res.Phase.String(),
		Command:    res.Command,
		ExitCode:   res.ExitCode,
		Error:      res.Error,
		DurationMs: res.Duration.Milliseconds(),
		CreatedAt:  now(),
	}, s.n)
}

func (s *Store) jobEvent(jid models.JobId, status models.StatusKind, o *models.JobOutcome) error {
	ev := JobEvent{
		Run:       jid.Run,
		Job:       jid.Name,
		Index:     jid.Index,
		Status:    status,
		CreatedAt: now(),
	}
	if o != nil && status.IsFinish() {
		ev.ExitCode = &o.ExitCode
		if o.FailedStep >= 0 {
			ev.FailedStep = &o.FailedStep
		}
		if o.Error != "" {
			ev.Error = &o.Error
		}
	}
	return s.db.createEvent(EventKindJob, ev, s.n)
}
