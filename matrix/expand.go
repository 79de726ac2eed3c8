package matrix

// Expand turns a Matrix into its ordered job list. It is a pure function
// of m: the cross-product comes first (last declared axis varying
// fastest), then include entries in declaration order. Exclude selectors
// are applied to both, and allow_failures marks what is left.
func Expand(m *Matrix) []JobSpec {
	jobs, _ := ExpandWithDiagnostics(m)
	return jobs
}

// ExpandWithDiagnostics is Expand, plus warnings for selectors that match
// nothing and for jobs that end up with identical assignments.
func ExpandWithDiagnostics(m *Matrix) ([]JobSpec, Diagnostics) {
	var d Diagnostics
	if m == nil {
		return nil, d
	}

	var candidates []JobSpec

	if len(m.Axes) > 0 || len(m.Include) == 0 {
		defaults := m.Defaults.Steps()
		for _, values := range crossProduct(m.Axes) {
			candidates = append(candidates, JobSpec{
				Name:   jobName(values),
				Values: values,
				Steps:  defaults,
			})
		}
	}

	for _, inc := range m.Include {
		job := JobSpec{
			Name:     inc.Name,
			Values:   append([]Value(nil), inc.Values...),
			Included: true,
		}
		if job.Name == "" {
			job.Name = jobName(job.Values)
		}
		if inc.HasPhases {
			job.Steps = inc.Phases.Steps()
		} else {
			job.Steps = m.Defaults.Steps()
		}
		candidates = append(candidates, job)
	}

	excluded := make([]bool, len(m.Exclude))
	var jobs []JobSpec
	for _, job := range candidates {
		drop := false
		for i, s := range m.Exclude {
			if job.Matches(s) {
				excluded[i] = true
				drop = true
			}
		}
		if !drop {
			jobs = append(jobs, job)
		}
	}
	for i, hit := range excluded {
		if !hit {
			d.AddWarning(m.Name, SelectorUnmatched, "exclude: "+m.Exclude[i].String())
		}
	}

	allowed := make([]bool, len(m.AllowFailures))
	seen := map[string]bool{}
	for i := range jobs {
		jobs[i].Index = i
		// each job gets its own step slice so callers can't alias defaults
		jobs[i].Steps = append([]Step(nil), jobs[i].Steps...)

		for p, s := range m.AllowFailures {
			if jobs[i].Matches(s) {
				allowed[p] = true
				jobs[i].AllowedToFail = true
			}
		}

		key := jobs[i].Name + "\x00" + jobName(jobs[i].Values)
		if seen[key] {
			d.AddWarning(m.Name, DuplicateJob, jobs[i].Name)
		}
		seen[key] = true
	}
	for i, hit := range allowed {
		if !hit {
			d.AddWarning(m.Name, SelectorUnmatched, "allow_failures: "+m.AllowFailures[i].String())
		}
	}

	return jobs, d
}

// crossProduct returns every combination of axis values. With no axes it
// returns a single empty assignment.
func crossProduct(axes []Axis) [][]Value {
	combos := [][]Value{{}}
	for _, axis := range axes {
		next := make([][]Value, 0, len(combos)*len(axis.Values))
		for _, prefix := range combos {
			for _, v := range axis.Values {
				combo := make([]Value, len(prefix), len(prefix)+1)
				copy(combo, prefix)
				combo = append(combo, Value{Axis: axis.Name, Value: v})
				next = append(next, combo)
			}
		}
		combos = next
	}
	return combos
}
