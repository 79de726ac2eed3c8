package runner

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"tangled.sh/tangled.sh/matrix/matrix"
	"tangled.sh/tangled.sh/matrix/runner/db"
	"tangled.sh/tangled.sh/matrix/runner/engine"
	"tangled.sh/tangled.sh/matrix/runner/models"
	"tangled.sh/tangled.sh/matrix/runner/queue"
)

const maxDocumentSize = 1 << 20

type submittedJob struct {
	Index         int    `json:"index"`
	Name          string `json:"name"`
	AllowedToFail bool   `json:"allowed_to_fail"`
}

type submitResponse struct {
	Id       models.RunId   `json:"id"`
	Jobs     []submittedJob `json:"jobs"`
	Warnings []string       `json:"warnings,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// SubmitRun parses and expands the posted document, then queues the run.
// The document's format follows ?name=, defaulting to YAML.
func (s *Runner) SubmitRun(w http.ResponseWriter, r *http.Request) {
	l := s.l.With("handler", "SubmitRun")

	name := r.URL.Query().Get("name")
	if name == "" {
		name = "matrix.yml"
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxDocumentSize+1))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if len(body) > maxDocumentSize {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "document too large"})
		return
	}

	m, diags := matrix.ParseDocument(name, body)
	if diags.IsErr() {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: diags.Err().Error()})
		return
	}

	jobs, expandDiags := matrix.ExpandWithDiagnostics(m)
	diags.Combine(expandDiags)

	id := models.RunId(uuid.NewString())
	if err := s.db.CreateRun(id, name, body, jobs); err != nil {
		l.Error("failed to create run", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to create run"})
		return
	}
	for _, job := range jobs {
		if err := s.store.StatusPending(models.NewJobId(id, job)); err != nil {
			l.Error("failed to record pending status", "run", id, "job", job.Name, "error", err)
		}
	}

	ok := s.jq.Enqueue(queue.Job{
		Run: func() error {
			return s.execute(id, m, jobs)
		},
		OnFail: func(runErr error) {
			l.Error("run failed", "run", id, "error", runErr)
			if err := s.store.RunFinished(id, models.OverallFailure, runErr.Error()); err != nil {
				l.Error("failed to record run error", "run", id, "error", err)
			}
		},
	})
	if !ok {
		l.Error("failed to enqueue run: queue is full", "run", id)
		if err := s.store.RunFinished(id, models.OverallFailure, "queue is full"); err != nil {
			l.Error("failed to record run error", "run", id, "error", err)
		}
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "queue is full"})
		return
	}
	l.Info("run enqueued", "run", id, "jobs", len(jobs))

	resp := submitResponse{Id: id, Jobs: []submittedJob{}}
	for _, job := range jobs {
		resp.Jobs = append(resp.Jobs, submittedJob{
			Index:         job.Index,
			Name:          job.Name,
			AllowedToFail: job.AllowedToFail,
		})
	}
	for _, warn := range diags.Warnings {
		resp.Warnings = append(resp.Warnings, warn.String())
	}
	writeJSON(w, http.StatusAccepted, resp)
}

// execute runs a queued run to completion on the server's context.
func (s *Runner) execute(id models.RunId, m *matrix.Matrix, jobs []matrix.JobSpec) error {
	l := s.l.With("run", id)

	if err := s.store.RunStarted(id); err != nil {
		return fmt.Errorf("starting run: %w", err)
	}

	exec, err := NewExecutor(s.ctx, s.cfg, m.Language)
	if err != nil {
		return fmt.Errorf("creating executor: %w", err)
	}
	defer closeExecutor(l, exec)

	// pending events were written at submission
	eng := engine.New(s.ctx, exec, EngineOptions(s.cfg.Runner, s.cfg.Server.LogDir, pendingSkipper{s.store})...)

	res, err := eng.StartJobs(s.ctx, id, jobs, m.FastFinish)
	if err != nil {
		return err
	}

	l.Info("run finished", "result", res.Overall)
	return s.store.RunFinished(id, res.Overall, "")
}

type pendingSkipper struct {
	*db.Store
}

func (pendingSkipper) StatusPending(models.JobId) error { return nil }

func (s *Runner) GetRun(w http.ResponseWriter, r *http.Request) {
	id := models.RunId(chi.URLParam(r, "id"))

	if s.finished != nil {
		if run, ok := s.finished.Get(string(id)); ok {
			writeJSON(w, http.StatusOK, run)
			return
		}
	}

	run, err := s.db.GetRun(id)
	if errors.Is(err, db.ErrRunNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "run not found"})
		return
	}
	if err != nil {
		s.l.Error("failed to get run", "run", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to get run"})
		return
	}

	if s.finished != nil && run.IsFinished() {
		s.finished.Set(string(id), run, int64(len(run.Document))+1)
	}

	writeJSON(w, http.StatusOK, run)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
