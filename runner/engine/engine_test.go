package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tangled.sh/tangled.sh/matrix/matrix"
	"tangled.sh/tangled.sh/matrix/runner/models"
)

// fakeExec interprets commands instead of running them:
//
//	"fail"    exits 1
//	"block"   waits for ctx and returns its error
//	"launch"  returns a launch error
//	anything else exits 0
type fakeExec struct {
	mu       sync.Mutex
	ran      map[string][]string
	setupErr error
	destroys atomic.Int32

	running    atomic.Int32
	maxRunning atomic.Int32
	delay      time.Duration
}

func newFakeExec() *fakeExec {
	return &fakeExec{ran: map[string][]string{}}
}

func (f *fakeExec) SetupJob(ctx context.Context, jid models.JobId, job matrix.JobSpec) error {
	return f.setupErr
}

func (f *fakeExec) RunStep(ctx context.Context, jid models.JobId, job matrix.JobSpec, idx int, logger *models.JobLogger) (int, error) {
	n := f.running.Add(1)
	defer f.running.Add(-1)
	for {
		m := f.maxRunning.Load()
		if n <= m || f.maxRunning.CompareAndSwap(m, n) {
			break
		}
	}

	cmd := job.Steps[idx].Command
	f.mu.Lock()
	f.ran[job.Name] = append(f.ran[job.Name], cmd)
	f.mu.Unlock()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	switch cmd {
	case "fail":
		return 1, nil
	case "block":
		<-ctx.Done()
		return -1, ctx.Err()
	case "launch":
		return -1, errors.New("exec: \"nope\": executable file not found")
	}
	return 0, nil
}

func (f *fakeExec) DestroyJob(ctx context.Context, jid models.JobId) error {
	f.destroys.Add(1)
	return nil
}

func (f *fakeExec) commands(job string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ran[job]...)
}

func job(idx int, name string, allowed bool, phases matrix.Phases) matrix.JobSpec {
	return matrix.JobSpec{
		Index:         idx,
		Name:          name,
		Steps:         phases.Steps(),
		AllowedToFail: allowed,
	}
}

func TestRunJobShortCircuits(t *testing.T) {
	f := newFakeExec()
	e := New(context.Background(), f)

	j := job(0, "a", false, matrix.Phases{
		matrix.PhaseScript:       {"fail", "b", "c"},
		matrix.PhaseAfterFailure: {"report"},
		matrix.PhaseAfterSuccess: {"deploy"},
		matrix.PhaseAfterScript:  {"cleanup"},
	})

	o := e.RunJob(context.Background(), models.NewJobId("r", j), j)

	assert.Equal(t, models.StatusKindFailed, o.Status)
	assert.Equal(t, 0, o.FailedStep)
	assert.Equal(t, 1, o.ExitCode)
	assert.Empty(t, o.Error)
	assert.Equal(t, []string{"fail", "report", "cleanup"}, f.commands("a"))
	assert.EqualValues(t, 1, f.destroys.Load())
}

func TestRunJobPostPhasesAreNonFatal(t *testing.T) {
	f := newFakeExec()
	e := New(context.Background(), f)

	j := job(0, "a", false, matrix.Phases{
		matrix.PhaseInstall:      {"pip install"},
		matrix.PhaseScript:       {"pytest"},
		matrix.PhaseAfterSuccess: {"fail", "codecov"},
		matrix.PhaseAfterFailure: {"report"},
		matrix.PhaseAfterScript:  {"fail"},
	})

	o := e.RunJob(context.Background(), models.NewJobId("r", j), j)

	assert.Equal(t, models.StatusKindPassed, o.Status)
	assert.Equal(t, -1, o.FailedStep)
	// after_success stops at its first failure; after_script still runs
	assert.Equal(t, []string{"pip install", "pytest", "fail", "fail"}, f.commands("a"))
	require.Len(t, o.Steps, 4)
	assert.Equal(t, 1, o.Steps[2].ExitCode)
}

func TestRunJobFailureAllowed(t *testing.T) {
	f := newFakeExec()
	e := New(context.Background(), f)

	j := job(0, "a", true, matrix.Phases{matrix.PhaseScript: {"fail"}})
	o := e.RunJob(context.Background(), models.NewJobId("r", j), j)

	assert.Equal(t, models.StatusKindFailedAllowed, o.Status)
}

func TestRunJobLaunchFailure(t *testing.T) {
	f := newFakeExec()
	e := New(context.Background(), f)

	j := job(0, "a", false, matrix.Phases{matrix.PhaseScript: {"launch", "b"}})
	o := e.RunJob(context.Background(), models.NewJobId("r", j), j)

	assert.Equal(t, models.StatusKindFailed, o.Status)
	assert.Equal(t, 0, o.FailedStep)
	assert.Equal(t, -1, o.ExitCode)
	assert.Contains(t, o.Error, ErrLaunch.Error())
	assert.Equal(t, []string{"launch"}, f.commands("a"))
}

func TestRunJobTimeout(t *testing.T) {
	f := newFakeExec()
	e := New(context.Background(), f, WithJobTimeout(20*time.Millisecond))

	j := job(0, "a", false, matrix.Phases{
		matrix.PhaseScript:      {"block", "b"},
		matrix.PhaseAfterScript: {"cleanup"},
	})
	o := e.RunJob(context.Background(), models.NewJobId("r", j), j)

	assert.Equal(t, models.StatusKindFailed, o.Status)
	assert.Equal(t, 0, o.FailedStep)
	assert.Equal(t, ErrTimedOut.Error(), o.Error)
	assert.Equal(t, []string{"block"}, f.commands("a"))
}

func TestRunJobSetupFailure(t *testing.T) {
	f := newFakeExec()
	f.setupErr = errors.New("no docker")
	e := New(context.Background(), f)

	j := job(0, "a", false, matrix.Phases{matrix.PhaseScript: {"b"}})
	o := e.RunJob(context.Background(), models.NewJobId("r", j), j)

	assert.Equal(t, models.StatusKindFailed, o.Status)
	assert.Contains(t, o.Error, "no docker")
	assert.Empty(t, f.commands("a"))
	assert.EqualValues(t, 1, f.destroys.Load(), "partial setup must still be torn down")
}

func TestRunJobWritesLog(t *testing.T) {
	dir := t.TempDir()
	f := newFakeExec()
	e := New(context.Background(), f, WithLogDir(dir))

	j := job(0, "a", false, matrix.Phases{matrix.PhaseScript: {"b"}})
	o := e.RunJob(context.Background(), models.NewJobId("r", j), j)

	assert.Equal(t, models.StatusKindPassed, o.Status)
	assert.FileExists(t, models.LogFilePath(dir, o.Id))
	assert.Positive(t, o.LogBytes)
}

func TestStartJobs(t *testing.T) {
	tests := []struct {
		name       string
		jobs       []matrix.JobSpec
		fastFinish bool
		want       models.Overall
		statuses   []models.StatusKind
	}{
		{
			name: "all pass",
			jobs: []matrix.JobSpec{
				job(0, "a", false, matrix.Phases{matrix.PhaseScript: {"ok"}}),
				job(1, "b", false, matrix.Phases{matrix.PhaseScript: {"ok"}}),
			},
			want:     models.OverallSuccess,
			statuses: []models.StatusKind{models.StatusKindPassed, models.StatusKindPassed},
		},
		{
			name: "one fatal failure",
			jobs: []matrix.JobSpec{
				job(0, "a", false, matrix.Phases{matrix.PhaseScript: {"ok"}}),
				job(1, "b", false, matrix.Phases{matrix.PhaseScript: {"fail"}}),
			},
			want:     models.OverallFailure,
			statuses: []models.StatusKind{models.StatusKindPassed, models.StatusKindFailed},
		},
		{
			name: "allowed failure",
			jobs: []matrix.JobSpec{
				job(0, "a", false, matrix.Phases{matrix.PhaseScript: {"ok"}}),
				job(1, "b", true, matrix.Phases{matrix.PhaseScript: {"fail"}}),
			},
			want:     models.OverallSuccess,
			statuses: []models.StatusKind{models.StatusKindPassed, models.StatusKindFailedAllowed},
		},
		{
			name: "fast finish cancels allowed job",
			jobs: []matrix.JobSpec{
				job(0, "a", false, matrix.Phases{matrix.PhaseScript: {"ok"}}),
				job(1, "b", true, matrix.Phases{matrix.PhaseScript: {"block"}}),
			},
			fastFinish: true,
			want:       models.OverallSuccess,
			statuses:   []models.StatusKind{models.StatusKindPassed, models.StatusKindCancelled},
		},
		{
			name:     "no jobs",
			want:     models.OverallSuccess,
			statuses: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := New(context.Background(), newFakeExec())

			res, err := e.StartJobs(context.Background(), "run", tt.jobs, tt.fastFinish)
			require.NoError(t, err)

			assert.Equal(t, tt.want, res.Overall)
			var got []models.StatusKind
			for _, o := range res.Outcomes {
				got = append(got, o.Status)
			}
			assert.Equal(t, tt.statuses, got)
		})
	}
}

func TestStartJobsFastFinishIsEarly(t *testing.T) {
	e := New(context.Background(), newFakeExec())
	jobs := []matrix.JobSpec{
		job(0, "a", false, matrix.Phases{matrix.PhaseScript: {"ok"}}),
		job(1, "b", true, matrix.Phases{matrix.PhaseScript: {"block"}}),
	}

	done := make(chan models.RunResult, 1)
	go func() {
		res, _ := e.StartJobs(context.Background(), "run", jobs, true)
		done <- res
	}()

	select {
	case res := <-done:
		assert.True(t, res.Early)
		assert.Equal(t, 0, res.ExitCode())
	case <-time.After(5 * time.Second):
		t.Fatal("fast_finish did not finish the run")
	}
}

func TestStartJobsFastFinishRunsAllowedOnlyMatrix(t *testing.T) {
	f := newFakeExec()
	e := New(context.Background(), f)
	jobs := []matrix.JobSpec{
		job(0, "a", true, matrix.Phases{matrix.PhaseScript: {"ok"}}),
		job(1, "b", true, matrix.Phases{matrix.PhaseScript: {"fail"}}),
	}

	res, err := e.StartJobs(context.Background(), "run", jobs, true)
	require.NoError(t, err)

	assert.False(t, res.Early)
	assert.Equal(t, models.OverallSuccess, res.Overall)
	assert.Equal(t, models.StatusKindPassed, res.Outcomes[0].Status)
	assert.Equal(t, models.StatusKindFailedAllowed, res.Outcomes[1].Status)
	assert.Equal(t, []string{"ok"}, f.commands("a"))
	assert.Equal(t, []string{"fail"}, f.commands("b"))
}

func TestStartJobsParallelism(t *testing.T) {
	f := newFakeExec()
	f.delay = 10 * time.Millisecond
	e := New(context.Background(), f, WithParallelism(2))

	var jobs []matrix.JobSpec
	for i := range 6 {
		jobs = append(jobs, job(i, string(rune('a'+i)), false, matrix.Phases{matrix.PhaseScript: {"ok"}}))
	}

	res, err := e.StartJobs(context.Background(), "run", jobs, false)
	require.NoError(t, err)

	assert.True(t, res.Success())
	assert.LessOrEqual(t, f.maxRunning.Load(), int32(2))
	assert.Len(t, res.Outcomes, 6)
}

func TestStartJobsCancelled(t *testing.T) {
	f := newFakeExec()
	e := New(context.Background(), f, WithParallelism(1))

	jobs := []matrix.JobSpec{
		job(0, "a", false, matrix.Phases{matrix.PhaseScript: {"block"}}),
		job(1, "b", false, matrix.Phases{matrix.PhaseScript: {"ok"}}),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	res, err := e.StartJobs(ctx, "run", jobs, false)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	assert.Equal(t, models.OverallFailure, res.Overall)
	assert.Equal(t, models.StatusKindCancelled, res.Outcomes[0].Status)
	assert.Equal(t, models.StatusKindCancelled, res.Outcomes[1].Status)
	assert.Empty(t, f.commands("b"))
}

type recordingStore struct {
	mu     sync.Mutex
	events []string
}

func (s *recordingStore) add(ev string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingStore) StatusPending(jid models.JobId) error { return s.add("pending " + jid.Name) }
func (s *recordingStore) StatusRunning(jid models.JobId) error { return s.add("running " + jid.Name) }
func (s *recordingStore) StatusFinished(o models.JobOutcome) error {
	return s.add(string(o.Status) + " " + o.Id.Name)
}
func (s *recordingStore) StepFinished(res models.StepResult) error {
	return s.add("step " + res.Command)
}

func TestStartJobsRecordsStatus(t *testing.T) {
	s := &recordingStore{}
	e := New(context.Background(), newFakeExec(), WithStore(s))

	jobs := []matrix.JobSpec{job(0, "a", false, matrix.Phases{matrix.PhaseScript: {"ok"}})}
	_, err := e.StartJobs(context.Background(), "run", jobs, false)
	require.NoError(t, err)

	assert.Equal(t, []string{"pending a", "running a", "step ok", "passed a"}, s.events)
}
