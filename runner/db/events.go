package db

import (
	"encoding/json"
	"fmt"
	"time"

	"tangled.sh/tangled.sh/matrix/notifier"
	"tangled.sh/tangled.sh/matrix/runner/models"
	"tangled.sh/tangled.sh/matrix/tid"
)

// EventPageSize is the most events GetEvents returns at once.
const EventPageSize = 100

type EventKind string

const (
	EventKindRun  EventKind = "run"
	EventKindJob  EventKind = "job"
	EventKindStep EventKind = "step"
)

type Event struct {
	Rkey      string    `json:"rkey"`
	Kind      EventKind `json:"kind"`
	Created   int64     `json:"created"`
	EventJson string    `json:"event"`
}

// RunEvent is the payload of a run event.
type RunEvent struct {
	Run       models.RunId `json:"run"`
	Status    RunStatus    `json:"status"`
	Error     string       `json:"error,omitempty"`
	CreatedAt string       `json:"createdAt"`
}

// JobEvent is the payload of a job status event.
type JobEvent struct {
	Run        models.RunId      `json:"run"`
	Job        string            `json:"job"`
	Index      int               `json:"index"`
	Status     models.StatusKind `json:"status"`
	FailedStep *int              `json:"failedStep,omitempty"`
	ExitCode   *int              `json:"exitCode,omitempty"`
	Error      *string           `json:"error,omitempty"`
	CreatedAt  string            `json:"createdAt"`
}

// StepEvent is the payload of a step result event.
type StepEvent struct {
	Run        models.RunId `json:"run"`
	Job        string       `json:"job"`
	Index      int          `json:"index"`
	Step       int          `json:"step"`
	Phase      string       `json:"phase"`
	Command    string       `json:"command"`
	ExitCode   int          `json:"exitCode"`
	Error      string       `json:"error,omitempty"`
	DurationMs int64        `json:"durationMs"`
	CreatedAt  string       `json:"createdAt"`
}

func (d *DB) InsertEvent(event Event, notifier *notifier.Notifier) error {
	_, err := d.Exec(
		`insert into events (rkey, kind, event, created) values (?, ?, ?, ?)`,
		event.Rkey,
		event.Kind,
		event.EventJson,
		event.Created,
	)

	notifier.NotifyAll()

	return err
}

func (d *DB) GetEvents(cursor int64) ([]Event, error) {
	whereClause := ""
	args := []any{}
	if cursor > 0 {
		whereClause = "where created > ?"
		args = append(args, cursor)
	}

	query := fmt.Sprintf(`
		select rkey, kind, event, created
		from events
		%s
		order by created asc, rkey asc
		limit %d
	`, whereClause, EventPageSize)

	rows, err := d.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var evts []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.Rkey, &ev.Kind, &ev.EventJson, &ev.Created); err != nil {
			return nil, err
		}
		evts = append(evts, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return evts, nil
}

func (d *DB) createEvent(kind EventKind, payload any, n *notifier.Notifier) error {
	eventJson, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	event := Event{
		Rkey:      tid.TID(),
		Kind:      kind,
		Created:   time.Now().UnixNano(),
		EventJson: string(eventJson),
	}

	return d.InsertEvent(event, n)
}
