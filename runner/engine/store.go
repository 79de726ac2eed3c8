package engine

import (
	"tangled.sh/tangled.sh/matrix/runner/models"
)

// StatusStore receives every state change of a run. runner/db implements
// it; the zero Engine uses a store that drops everything.
type StatusStore interface {
	StatusPending(jid models.JobId) error
	StatusRunning(jid models.JobId) error
	StatusFinished(o models.JobOutcome) error
	StepFinished(res models.StepResult) error
}

type nopStore struct{}

func (nopStore) StatusPending(models.JobId) error       { return nil }
func (nopStore) StatusRunning(models.JobId) error       { return nil }
func (nopStore) StatusFinished(models.JobOutcome) error { return nil }
func (nopStore) StepFinished(models.StepResult) error   { return nil }
