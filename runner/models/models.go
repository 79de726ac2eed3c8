package models

import (
	"fmt"
	"regexp"
	"time"

	"tangled.sh/tangled.sh/matrix/matrix"
)

var (
	re = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)
)

type RunId string

func (r RunId) String() string {
	return string(r)
}

type JobId struct {
	Run   RunId
	Index int
	Name  string
}

func NewJobId(run RunId, job matrix.JobSpec) JobId {
	return JobId{Run: run, Index: job.Index, Name: job.Name}
}

// String is filesystem and URL safe; it is used for log file names and
// docker resource names.
func (jid JobId) String() string {
	return fmt.Sprintf("%s-%d-%s", normalize(string(jid.Run)), jid.Index, normalize(jid.Name))
}

func normalize(name string) string {
	normalized := re.ReplaceAllString(name, "-")
	return normalized
}

// StepResult is emitted once per executed step.
type StepResult struct {
	Job      JobId
	Index    int
	Phase    matrix.Phase
	Command  string
	ExitCode int
	// Error is set when the step could not be launched, timed out or was
	// cancelled; a plain nonzero exit leaves it empty.
	Error    string
	Duration time.Duration
}

func (s StepResult) Passed() bool {
	return s.ExitCode == 0 && s.Error == ""
}

type JobOutcome struct {
	Job    matrix.JobSpec
	Id     JobId
	Status StatusKind
	// FailedStep is the index of the first failing required step, or -1.
	FailedStep int
	ExitCode   int
	Error      string
	Steps      []StepResult
	StartedAt  time.Time
	FinishedAt time.Time
	LogBytes   int64
}

func (o JobOutcome) Duration() time.Duration {
	if o.StartedAt.IsZero() || o.FinishedAt.IsZero() {
		return 0
	}
	return o.FinishedAt.Sub(o.StartedAt)
}

type Overall string

const (
	OverallSuccess Overall = "success"
	OverallFailure Overall = "failure"
)

type RunResult struct {
	Run      RunId
	Overall  Overall
	Outcomes []JobOutcome
	// Early is set when fast_finish decided the run while allowed-to-fail
	// jobs were still in flight.
	Early bool
}

func (r RunResult) Success() bool {
	return r.Overall == OverallSuccess
}

// ExitCode maps the overall result to a process exit status.
func (r RunResult) ExitCode() int {
	if r.Success() {
		return 0
	}
	return 1
}
