package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"tangled.sh/tangled.sh/matrix/matrix"
	"tangled.sh/tangled.sh/matrix/runner/models"
)

var ErrRunNotFound = errors.New("run not found")

type RunStatus string

const (
	RunStatusQueued  RunStatus = "queued"
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusFailure RunStatus = "failure"
	// RunStatusError marks runs that never produced a result, e.g. because
	// the runner shut down.
	RunStatusError RunStatus = "error"
)

type Run struct {
	Id       models.RunId `json:"id"`
	Name     string       `json:"name"`
	Status   RunStatus    `json:"status"`
	Document string       `json:"-"`
	Error    string       `json:"error,omitempty"`
	Created  time.Time    `json:"created"`
	Started  *time.Time   `json:"started,omitempty"`
	Finished *time.Time   `json:"finished,omitempty"`
	Jobs     []Job        `json:"jobs"`
}

func (r *Run) IsFinished() bool {
	switch r.Status {
	case RunStatusSuccess, RunStatusFailure, RunStatusError:
		return true
	}
	return false
}

type Job struct {
	Index         int               `json:"index"`
	Name          string            `json:"name"`
	AllowedToFail bool              `json:"allowed_to_fail"`
	Status        models.StatusKind `json:"status"`
	FailedStep    int               `json:"failed_step"`
	ExitCode      *int              `json:"exit_code,omitempty"`
	Error         string            `json:"error,omitempty"`
	LogBytes      int64             `json:"log_bytes"`
	Started       *time.Time        `json:"started,omitempty"`
	Finished      *time.Time        `json:"finished,omitempty"`
}

// CreateRun stores a queued run and its expanded jobs.
func (d *DB) CreateRun(id models.RunId, name string, document []byte, jobs []matrix.JobSpec) error {
	tx, err := d.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`insert into runs (id, name, status, document) values (?, ?, ?, ?)`,
		string(id), name, RunStatusQueued, string(document),
	)
	if err != nil {
		return fmt.Errorf("inserting run: %w", err)
	}

	for _, j := range jobs {
		_, err = tx.Exec(
			`insert into jobs (run_id, idx, name, allowed_to_fail, status) values (?, ?, ?, ?, ?)`,
			string(id), j.Index, j.Name, j.AllowedToFail, models.StatusKindPending,
		)
		if err != nil {
			return fmt.Errorf("inserting job %d: %w", j.Index, err)
		}
	}

	return tx.Commit()
}

func (d *DB) StartRun(id models.RunId) error {
	return d.setRunStatus(id, RunStatusRunning, "", "started")
}

// FinishRun records the overall result; a non-empty runErr marks the run
// as errored instead and cancels every job that had not finished.
func (d *DB) FinishRun(id models.RunId, overall models.Overall, runErr string) error {
	status := RunStatusSuccess
	switch {
	case runErr != "":
		status = RunStatusError
	case overall == models.OverallFailure:
		status = RunStatusFailure
	}

	tx, err := d.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := setRunStatus(tx, id, status, runErr, "finished"); err != nil {
		return err
	}
	if runErr != "" {
		_, err = tx.Exec(
			`update jobs set status = ?, error = ?, finished = ?
			where run_id = ? and status in (?, ?)`,
			models.StatusKindCancelled, runErr, now(),
			string(id), models.StatusKindPending, models.StatusKindRunning,
		)
		if err != nil {
			return fmt.Errorf("cancelling jobs: %w", err)
		}
	}

	return tx.Commit()
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func (d *DB) setRunStatus(id models.RunId, status RunStatus, runErr, column string) error {
	return setRunStatus(d, id, status, runErr, column)
}

func setRunStatus(e execer, id models.RunId, status RunStatus, runErr, column string) error {
	res, err := e.Exec(
		fmt.Sprintf(`update runs set status = ?, error = nullif(?, ''), %s = ? where id = ?`, column),
		status, runErr, now(), string(id),
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return nil
}

func (d *DB) GetRun(id models.RunId) (*Run, error) {
	var (
		r                 Run
		runErr            sql.NullString
		created           string
		started, finished sql.NullString
	)
	err := d.QueryRow(
		`select id, name, status, document, error, created, started, finished from runs where id = ?`,
		string(id),
	).Scan(&r.Id, &r.Name, &r.Status, &r.Document, &runErr, &created, &started, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	r.Error = runErr.String
	r.Created = parseTime(created)
	r.Started = parseNullTime(started)
	r.Finished = parseNullTime(finished)

	r.Jobs, err = d.GetJobs(id)
	if err != nil {
		return nil, err
	}

	return &r, nil
}

func (d *DB) GetJobs(id models.RunId) ([]Job, error) {
	rows, err := d.Query(
		`select idx, name, allowed_to_fail, status, failed_step, exit_code, error, log_bytes, started, finished
		from jobs where run_id = ? order by idx asc`,
		string(id),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		var (
			j                 Job
			exitCode          sql.NullInt64
			jobErr            sql.NullString
			started, finished sql.NullString
		)
		if err := rows.Scan(&j.Index, &j.Name, &j.AllowedToFail, &j.Status, &j.FailedStep, &exitCode, &jobErr, &j.LogBytes, &started, &finished); err != nil {
			return nil, err
		}
		if exitCode.Valid {
			code := int(exitCode.Int64)
			j.ExitCode = &code
		}
		j.Error = jobErr.String
		j.Started = parseNullTime(started)
		j.Finished = parseNullTime(finished)
		jobs = append(jobs, j)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return jobs, nil
}

// IsTerminal reports whether the job has reached a final status.
func (d *DB) IsTerminal(jid models.JobId) (bool, error) {
	var status string
	err := d.QueryRow(
		`select status from jobs where run_id = ? and idx = ?`,
		string(jid.Run), jid.Index,
	).Scan(&status)
	if err != nil {
		return false, err
	}
	return models.StatusKind(status).IsFinish(), nil
}

// MarkUnfinishedRuns errors every run left queued or running, typically
// by a previous process that exited mid-run, and cancels their unfinished
// jobs.
func (d *DB) MarkUnfinishedRuns(reason string) (int64, error) {
	tx, err := d.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	ts := now()
	_, err = tx.Exec(
		`update jobs set status = ?, error = ?, finished = ?
		where status in (?, ?)
		and run_id in (select id from runs where status in (?, ?))`,
		models.StatusKindCancelled, reason, ts,
		models.StatusKindPending, models.StatusKindRunning,
		RunStatusQueued, RunStatusRunning,
	)
	if err != nil {
		return 0, fmt.Errorf("cancelling jobs: %w", err)
	}

	res, err := tx.Exec(
		`update runs set status = ?, error = ?, finished = ? where status in (?, ?)`,
		RunStatusError, reason, ts, RunStatusQueued, RunStatusRunning,
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	return n, tx.Commit()
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := parseTime(s.String)
	return &t
}
