package runner

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/hpcloud/tail"
	"tangled.sh/tangled.sh/matrix/runner/models"
)

const terminalPollInterval = time.Second

// Logs tails a job's log file over a websocket, one JSON log line per
// message. The stream ends once the job is terminal and the file has been
// read to the end.
func (s *Runner) Logs(w http.ResponseWriter, r *http.Request) {
	l := s.l.With("handler", "Logs")

	run := models.RunId(chi.URLParam(r, "run"))
	idx, err := strconv.Atoi(chi.URLParam(r, "job"))
	if err != nil {
		http.Error(w, "invalid job index", http.StatusBadRequest)
		return
	}

	jobs, err := s.db.GetJobs(run)
	if err != nil {
		l.Error("failed to get jobs", "run", run, "err", err)
		http.Error(w, "failed to get jobs", http.StatusInternalServerError)
		return
	}
	if idx < 0 || idx >= len(jobs) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	jid := models.JobId{Run: run, Index: idx, Name: jobs[idx].Name}
	l = l.With("job", jid)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.Error("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				cancel()
				return
			}
		}
	}()

	t, err := tail.TailFile(models.LogFilePath(s.cfg.Server.LogDir, jid), tail.Config{
		Follow:    true,
		ReOpen:    false,
		MustExist: false,
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		l.Error("failed to tail log", "err", err)
		return
	}
	defer t.Cleanup()
	defer t.Stop()

	go s.stopAtTerminal(ctx, t, jid)

	for {
		select {
		case <-ctx.Done():
			l.Debug("stopping log stream: client closed connection")
			return
		case line, ok := <-t.Lines:
			if !ok {
				conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished"), time.Now().Add(time.Second))
				return
			}
			if line.Err != nil {
				l.Error("failed to read log line", "err", line.Err)
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, []byte(line.Text)); err != nil {
				l.Error("failed to write log line", "err", err)
				return
			}
		}
	}
}

// stopAtTerminal lets t drain to EOF once the job has finished.
func (s *Runner) stopAtTerminal(ctx context.Context, t *tail.Tail, jid models.JobId) {
	ticker := time.NewTicker(terminalPollInterval)
	defer ticker.Stop()

	for {
		terminal, err := s.db.IsTerminal(jid)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			s.l.Error("failed to check job status", "job", jid, "err", err)
		}
		if terminal {
			t.StopAtEOF()
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
