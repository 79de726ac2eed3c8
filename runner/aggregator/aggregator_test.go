package aggregator

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tangled.sh/tangled.sh/matrix/matrix"
	"tangled.sh/tangled.sh/matrix/runner/models"
)

func job(idx int, python string, allowed bool) matrix.JobSpec {
	return matrix.JobSpec{
		Index:         idx,
		Name:          "python=" + python,
		Values:        []matrix.Value{{Axis: "python", Value: python}},
		AllowedToFail: allowed,
	}
}

func finish(t *testing.T, a *Aggregator, j matrix.JobSpec, status models.StatusKind) {
	t.Helper()
	require.NoError(t, a.Start(j.Index))
	require.NoError(t, a.Report(models.JobOutcome{Job: j, Status: status, FailedStep: -1}))
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func TestAllowedFailureDoesNotFailRun(t *testing.T) {
	jobs := []matrix.JobSpec{job(0, "3.7", false), job(1, "nightly", true)}
	a := New("run", jobs, false)

	finish(t, a, jobs[0], models.StatusKindPassed)
	assert.False(t, isClosed(a.Decided()))

	finish(t, a, jobs[1], models.StatusKindFailed)
	assert.True(t, isClosed(a.Decided()))

	res := a.Result()
	assert.True(t, res.Success())
	assert.False(t, res.Early)
	assert.Equal(t, models.StatusKindFailedAllowed, res.Outcomes[1].Status)
}

func TestRequiredFailureFailsRun(t *testing.T) {
	jobs := []matrix.JobSpec{job(0, "3.6", false), job(1, "3.7", false)}
	a := New("run", jobs, false)

	finish(t, a, jobs[1], models.StatusKindPassed)
	finish(t, a, jobs[0], models.StatusKindFailed)

	res := a.Result()
	assert.Equal(t, models.OverallFailure, res.Overall)
	assert.Equal(t, 1, res.ExitCode())
}

func TestFastFinishDecidesWithoutAllowedJobs(t *testing.T) {
	jobs := []matrix.JobSpec{job(0, "3.6", false), job(1, "3.7", false), job(2, "nightly", true)}
	a := New("run", jobs, true)

	require.NoError(t, a.Start(2))
	finish(t, a, jobs[0], models.StatusKindPassed)
	assert.False(t, isClosed(a.Decided()))
	finish(t, a, jobs[1], models.StatusKindPassed)
	assert.True(t, isClosed(a.Decided()))

	res := a.Result()
	assert.True(t, res.Success())
	assert.True(t, res.Early)

	st, err := a.Status(2)
	require.NoError(t, err)
	assert.Equal(t, models.StatusKindRunning, st)
}

func TestFastFinishWithOnlyAllowedJobsWaitsForAll(t *testing.T) {
	jobs := []matrix.JobSpec{job(0, "nightly", true), job(1, "pypy", true)}
	a := New("run", jobs, true)
	assert.False(t, isClosed(a.Decided()))

	finish(t, a, jobs[0], models.StatusKindFailed)
	assert.False(t, isClosed(a.Decided()))
	finish(t, a, jobs[1], models.StatusKindPassed)
	assert.True(t, isClosed(a.Decided()))

	res := a.Result()
	assert.True(t, res.Success())
	assert.False(t, res.Early)
	assert.Equal(t, models.StatusKindFailedAllowed, res.Outcomes[0].Status)
	assert.Equal(t, models.StatusKindPassed, res.Outcomes[1].Status)
}

func TestWithoutFastFinishWaitsForAllowedJobs(t *testing.T) {
	jobs := []matrix.JobSpec{job(0, "3.6", false), job(1, "nightly", true)}
	a := New("run", jobs, false)

	require.NoError(t, a.Start(1))
	finish(t, a, jobs[0], models.StatusKindPassed)
	assert.False(t, isClosed(a.Decided()))
}

func TestCancelledCountsAsFailureUnlessAllowed(t *testing.T) {
	jobs := []matrix.JobSpec{job(0, "3.6", false), job(1, "nightly", true)}

	a := New("run", jobs, false)
	require.NoError(t, a.Report(models.JobOutcome{Job: jobs[1], Status: models.StatusKindCancelled}))
	finish(t, a, jobs[0], models.StatusKindPassed)
	assert.True(t, a.Result().Success())

	a = New("run", jobs, false)
	require.NoError(t, a.Report(models.JobOutcome{Job: jobs[0], Status: models.StatusKindCancelled}))
	finish(t, a, jobs[1], models.StatusKindPassed)
	assert.False(t, a.Result().Success())
}

func TestTerminalStatesAreFinal(t *testing.T) {
	jobs := []matrix.JobSpec{job(0, "3.6", false)}
	a := New("run", jobs, false)

	finish(t, a, jobs[0], models.StatusKindPassed)

	err := a.Report(models.JobOutcome{Job: jobs[0], Status: models.StatusKindFailed})
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.ErrorIs(t, a.Start(0), ErrInvalidTransition)
	assert.True(t, a.Result().Success())
}

func TestInvalidTransitions(t *testing.T) {
	jobs := []matrix.JobSpec{job(0, "3.6", false)}
	a := New("run", jobs, false)

	// must start before passing
	err := a.Report(models.JobOutcome{Job: jobs[0], Status: models.StatusKindPassed})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	assert.ErrorIs(t, a.Start(5), ErrUnknownJob)
}

func TestEmptyRunIsDecided(t *testing.T) {
	a := New("run", nil, false)
	assert.True(t, isClosed(a.Decided()))
	assert.True(t, a.Result().Success())
}

func TestConcurrentReports(t *testing.T) {
	var jobs []matrix.JobSpec
	for i := range 50 {
		jobs = append(jobs, job(i, "v", i%2 == 0))
	}
	a := New("run", jobs, false)

	var wg sync.WaitGroup
	for _, j := range jobs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = a.Start(j.Index)
			_ = a.Report(models.JobOutcome{Job: j, Status: models.StatusKindFailed})
		}()
	}
	wg.Wait()

	<-a.Decided()
	res := a.Result()
	assert.False(t, res.Success())
	assert.Len(t, res.Outcomes, 50)
	for i, o := range res.Outcomes {
		if i%2 == 0 {
			assert.Equal(t, models.StatusKindFailedAllowed, o.Status)
		} else {
			assert.Equal(t, models.StatusKindFailed, o.Status)
		}
	}
}
