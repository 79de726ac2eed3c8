package matrix

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandCrossProductSize(t *testing.T) {
	tests := []struct {
		sizes []int
	}{
		{[]int{1}},
		{[]int{3}},
		{[]int{2, 3}},
		{[]int{5, 1, 2}},
		{[]int{2, 2, 2, 2}},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.sizes), func(t *testing.T) {
			m := &Matrix{Defaults: Phases{PhaseScript: {"true"}}}
			want := 1
			for i, n := range tt.sizes {
				axis := Axis{Name: fmt.Sprintf("a%d", i)}
				for v := range n {
					axis.Values = append(axis.Values, fmt.Sprintf("v%d", v))
				}
				m.Axes = append(m.Axes, axis)
				want *= n
			}

			jobs := Expand(m)
			require.Len(t, jobs, want)

			seen := map[string]bool{}
			for i, j := range jobs {
				assert.Equal(t, i, j.Index)
				assert.Len(t, j.Values, len(tt.sizes))
				assert.False(t, seen[j.Name], "duplicate combination %s", j.Name)
				seen[j.Name] = true
			}
		})
	}
}

func TestExpandOrder(t *testing.T) {
	m := &Matrix{
		Axes: []Axis{
			{Name: "python", Values: []string{"3.6", "3.7"}},
			{Name: "os", Values: []string{"linux", "osx"}},
		},
	}

	var names []string
	for _, j := range Expand(m) {
		names = append(names, j.Name)
	}

	assert.Equal(t, []string{
		"python=3.6 os=linux",
		"python=3.6 os=osx",
		"python=3.7 os=linux",
		"python=3.7 os=osx",
	}, names)
}

func TestExpandIsDeterministic(t *testing.T) {
	m, d := Load("testdata/travis.yml")
	require.NoError(t, d.Err())

	first := Expand(m)
	for range 10 {
		assert.Equal(t, first, Expand(m))
	}
}

func TestExpandAllowFailures(t *testing.T) {
	m, d := Load("testdata/travis.yml")
	require.NoError(t, d.Err())

	allowed := map[string]bool{"3.8-dev": true, "nightly": true, "pypy3": true}
	for _, j := range Expand(m) {
		py, _ := j.Get("python")
		if j.Included {
			assert.False(t, j.AllowedToFail, j.Name)
			continue
		}
		assert.Equal(t, allowed[py], j.AllowedToFail, j.Name)
	}
}

func TestExpandStyleInclude(t *testing.T) {
	m, d := Load("testdata/travis.yml")
	require.NoError(t, d.Err())

	jobs := Expand(m)
	require.Len(t, jobs, 6)

	style := jobs[5]
	assert.Equal(t, "Style", style.Name)
	assert.True(t, style.Included)
	assert.Equal(t, []Step{
		{Phase: PhaseScript, Command: "flake8 tardis tests setup.py"},
		{Phase: PhaseScript, Command: "black tardis tests setup.py --diff --check --target-version py36"},
	}, style.Steps)

	// distinct from the python=3.7 cross-product job
	assert.Equal(t, "python=3.7 os=linux", jobs[1].Name)
	assert.NotEqual(t, jobs[1].Steps, style.Steps)
	assert.Len(t, jobs[1].Steps, 6)
}

func TestExpandIncludeInheritsDefaults(t *testing.T) {
	m := &Matrix{
		Defaults: Phases{PhaseScript: {"make test"}},
		Include:  []Include{{Values: []Value{{"python", "3.9"}}}},
	}

	jobs := Expand(m)
	require.Len(t, jobs, 1)
	assert.Equal(t, "python=3.9", jobs[0].Name)
	assert.Equal(t, []Step{{PhaseScript, "make test"}}, jobs[0].Steps)
}

func TestExpandNoAxes(t *testing.T) {
	m := &Matrix{Defaults: Phases{PhaseScript: {"make"}}}

	jobs := Expand(m)
	require.Len(t, jobs, 1)
	assert.Equal(t, "default", jobs[0].Name)
}

func TestExpandExclude(t *testing.T) {
	m := &Matrix{
		Axes: []Axis{
			{Name: "python", Values: []string{"3.6", "3.7"}},
			{Name: "os", Values: []string{"linux", "osx"}},
		},
		Include: []Include{{Name: "extra", Values: []Value{{"python", "3.6"}, {"os", "osx"}}}},
		Exclude: []Selector{
			{Values: []Value{{"python", "3.6"}, {"os", "osx"}}},
			{Values: []Value{{"python", "2.7"}}},
		},
		AllowFailures: []Selector{{Values: []Value{{"os", "osx"}}}},
	}

	jobs, d := ExpandWithDiagnostics(m)

	var names []string
	for _, j := range jobs {
		names = append(names, j.Name)
	}
	// include entries are added before exclude filtering
	assert.Equal(t, []string{"python=3.6 os=linux", "python=3.7 os=linux", "python=3.7 os=osx"}, names)
	assert.Equal(t, []bool{false, false, true}, []bool{jobs[0].AllowedToFail, jobs[1].AllowedToFail, jobs[2].AllowedToFail})
	assert.Equal(t, 2, jobs[2].Index)

	require.Len(t, d.Warnings, 1)
	assert.Equal(t, SelectorUnmatched, d.Warnings[0].Type)
}

func TestExpandAllowFailureByName(t *testing.T) {
	m := &Matrix{
		Axes:          []Axis{{Name: "python", Values: []string{"3.6"}}},
		Include:       []Include{{Name: "Docs", HasPhases: true, Phases: Phases{PhaseScript: {"make docs"}}}},
		AllowFailures: []Selector{{Name: "Docs"}},
	}

	jobs := Expand(m)
	require.Len(t, jobs, 2)
	assert.False(t, jobs[0].AllowedToFail)
	assert.True(t, jobs[1].AllowedToFail)
}

func TestSelectorMissingAxisDoesNotMatch(t *testing.T) {
	j := JobSpec{Name: "Style", Values: []Value{{"python", "3.7"}}}
	assert.False(t, j.Matches(Selector{Values: []Value{{"os", "linux"}}}))
	assert.False(t, j.Matches(Selector{}))
	assert.True(t, j.Matches(Selector{Values: []Value{{"python", "3.7"}}}))
}

func TestJobEnv(t *testing.T) {
	j := JobSpec{
		Index:  3,
		Name:   "python=3.7 env=A=1 B=2",
		Values: []Value{{"python", "3.7"}, {"env", "A=1 B=2"}},
	}

	env := j.Env()
	assert.Contains(t, env, "MATRIX_JOB_INDEX=3")
	assert.Contains(t, env, "MATRIX_PYTHON=3.7")
	assert.Contains(t, env, "MATRIX_ALLOW_FAILURE=false")
	assert.Contains(t, env, "A=1")
	assert.Contains(t, env, "B=2")
}

func TestValidate(t *testing.T) {
	assert.NoError(t, (&Matrix{Axes: []Axis{{Name: "python", Values: []string{"3.7"}}}}).Validate())
	assert.ErrorIs(t, (&Matrix{Axes: []Axis{{Name: "python"}}}).Validate(), ErrAxisEmpty)
	assert.ErrorIs(t, (&Matrix{Axes: []Axis{{Name: "a", Values: []string{"x"}}, {Name: "a", Values: []string{"y"}}}}).Validate(), ErrConfigParse)
}
