package matrix

import (
	"fmt"
	"strconv"
	"strings"
)

// - a document declares axes (python, os, env, ...) and default phases
// - the matrix is the cross-product of all axes, plus include entries,
//   minus exclude entries
// - each resulting job runs its phases serially, jobs run in parallel

type (
	Axis struct {
		Name   string
		Values []string
	}

	Value struct {
		Axis  string
		Value string
	}

	// Selector is a partial match against a job: every listed pair must
	// equal the job's value for that axis, and Name, if set, must equal the
	// job name.
	Selector struct {
		Name   string
		Values []Value
	}

	Include struct {
		Name   string
		Values []Value
		Phases Phases
		// HasPhases is set when the entry declared at least one phase key;
		// such a job runs only its own steps.
		HasPhases bool
	}

	Matrix struct {
		Name          string
		Language      string
		Axes          []Axis
		Defaults      Phases
		Include       []Include
		Exclude       []Selector
		AllowFailures []Selector
		FastFinish    bool
	}

	Step struct {
		Phase   Phase
		Command string
	}

	// JobSpec is one resolved combination of axis values and its steps.
	// It is created by Expand and must not be mutated afterwards.
	JobSpec struct {
		Index         int
		Name          string
		Values        []Value
		Steps         []Step
		AllowedToFail bool
		Included      bool
	}
)

type Phase int

const (
	PhaseBeforeInstall Phase = iota
	PhaseInstall
	PhaseBeforeScript
	PhaseScript
	PhaseAfterSuccess
	PhaseAfterFailure
	PhaseAfterScript
)

var phaseNames = [...]string{
	PhaseBeforeInstall: "before_install",
	PhaseInstall:       "install",
	PhaseBeforeScript:  "before_script",
	PhaseScript:        "script",
	PhaseAfterSuccess:  "after_success",
	PhaseAfterFailure:  "after_failure",
	PhaseAfterScript:   "after_script",
}

// AllPhases lists phases in execution order.
var AllPhases = []Phase{
	PhaseBeforeInstall,
	PhaseInstall,
	PhaseBeforeScript,
	PhaseScript,
	PhaseAfterSuccess,
	PhaseAfterFailure,
	PhaseAfterScript,
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return "phase(" + strconv.Itoa(int(p)) + ")"
	}
	return phaseNames[p]
}

// Required reports whether a failure in this phase fails the job.
func (p Phase) Required() bool {
	return p <= PhaseScript
}

func ParsePhase(s string) (Phase, bool) {
	for i, n := range phaseNames {
		if n == s {
			return Phase(i), true
		}
	}
	return 0, false
}

// Phases holds the command list for each phase.
type Phases map[Phase][]string

func (p Phases) Empty() bool {
	for _, cmds := range p {
		if len(cmds) > 0 {
			return false
		}
	}
	return true
}

// Steps flattens the phases into execution order.
func (p Phases) Steps() []Step {
	var steps []Step
	for _, ph := range AllPhases {
		for _, cmd := range p[ph] {
			steps = append(steps, Step{Phase: ph, Command: cmd})
		}
	}
	return steps
}

func (s Selector) IsEmpty() bool {
	return s.Name == "" && len(s.Values) == 0
}

func (s Selector) String() string {
	var parts []string
	if s.Name != "" {
		parts = append(parts, "name="+s.Name)
	}
	for _, v := range s.Values {
		parts = append(parts, v.String())
	}
	return strings.Join(parts, " ")
}

func (v Value) String() string {
	return fmt.Sprintf("%s=%s", v.Axis, v.Value)
}

// Get returns the job's value for an axis.
func (j JobSpec) Get(axis string) (string, bool) {
	for _, v := range j.Values {
		if v.Axis == axis {
			return v.Value, true
		}
	}
	return "", false
}

// Matches reports whether every constraint of the selector holds for j.
func (j JobSpec) Matches(s Selector) bool {
	if s.IsEmpty() {
		return false
	}
	if s.Name != "" && s.Name != j.Name {
		return false
	}
	for _, want := range s.Values {
		got, ok := j.Get(want.Axis)
		if !ok || got != want.Value {
			return false
		}
	}
	return true
}

// StepsIn returns the indexes of the job's steps belonging to phase.
func (j JobSpec) StepsIn(phase Phase) []int {
	var idx []int
	for i, s := range j.Steps {
		if s.Phase == phase {
			idx = append(idx, i)
		}
	}
	return idx
}

// Env is the job-scoped environment exported to every step.
func (j JobSpec) Env() []string {
	env := []string{
		"MATRIX_JOB_NAME=" + j.Name,
		"MATRIX_JOB_INDEX=" + strconv.Itoa(j.Index),
	}
	if j.AllowedToFail {
		env = append(env, "MATRIX_ALLOW_FAILURE=true")
	} else {
		env = append(env, "MATRIX_ALLOW_FAILURE=false")
	}

	for _, v := range j.Values {
		env = append(env, "MATRIX_"+envName(v.Axis)+"="+v.Value)

		// the env axis carries KEY=VALUE words
		if v.Axis == "env" {
			for _, word := range strings.Fields(v.Value) {
				if k, _, ok := strings.Cut(word, "="); ok && k != "" {
					env = append(env, word)
				}
			}
		}
	}
	return env
}

func envName(axis string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(axis) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

func jobName(values []Value) string {
	if len(values) == 0 {
		return "default"
	}
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = v.String()
	}
	return strings.Join(parts, " ")
}

// Validate checks invariants for matrices built in code rather than parsed.
func (m *Matrix) Validate() error {
	seen := map[string]bool{}
	for _, a := range m.Axes {
		if a.Name == "" {
			return parseErrorf("axis without a name")
		}
		if seen[a.Name] {
			return parseErrorf("duplicate axis %q", a.Name)
		}
		seen[a.Name] = true

		if len(a.Values) == 0 {
			return fmt.Errorf("%s: %w", a.Name, ErrAxisEmpty)
		}
		for _, v := range a.Values {
			if v == "" {
				return parseErrorf("axis %q has an empty value", a.Name)
			}
		}
	}
	return nil
}
