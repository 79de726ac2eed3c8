package db

import (
	"database/sql"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

type DB struct {
	*sql.DB
}

func Make(dbPath string) (*DB, error) {
	// https://github.com/mattn/go-sqlite3#connection-string
	opts := []string{
		"_foreign_keys=1",
		"_journal_mode=WAL",
		"_synchronous=NORMAL",
		"_auto_vacuum=incremental",
	}

	db, err := sql.Open("sqlite3", dbPath+"?"+strings.Join(opts, "&"))
	if err != nil {
		return nil, err
	}

	// an in-memory database exists per connection
	if strings.HasPrefix(dbPath, ":memory:") {
		db.SetMaxOpenConns(1)
	}

	_, err = db.Exec(`
		create table if not exists runs (
			id text primary key,
			name text not null,
			status text not null,
			document text not null,
			error text,
			created text not null default (strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),
			started text,
			finished text
		);

		create table if not exists jobs (
			run_id text not null,
			idx integer not null,
			name text not null,
			allowed_to_fail integer not null default 0,
			status text not null,
			failed_step integer not null default -1,
			exit_code integer,
			error text,
			log_bytes integer not null default 0,
			started text,
			finished text,

			primary key (run_id, idx),
			foreign key (run_id) references runs(id) on delete cascade
		);

		-- status events for runs, jobs and steps
		create table if not exists events (
			rkey text not null,
			kind text not null,
			event text not null, -- json
			created integer not null -- unix nanos
		);
	`)
	if err != nil {
		return nil, err
	}

	return &DB{db}, nil
}
