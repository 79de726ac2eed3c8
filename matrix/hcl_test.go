package matrix

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHCLMatchesYAML(t *testing.T) {
	fromYAML, d := Load("testdata/travis.yml")
	require.NoError(t, d.Err())

	fromHCL, d := Load("testdata/travis.hcl")
	require.NoError(t, d.Err())

	assert.Equal(t, fromYAML.Language, fromHCL.Language)
	assert.Equal(t, fromYAML.Axes, fromHCL.Axes)
	assert.Equal(t, fromYAML.Defaults, fromHCL.Defaults)
	assert.Equal(t, fromYAML.AllowFailures, fromHCL.AllowFailures)
	assert.Equal(t, fromYAML.Include, fromHCL.Include)
	assert.Equal(t, fromYAML.FastFinish, fromHCL.FastFinish)

	// the two documents describe the same jobs
	yamlJobs := Expand(fromYAML)
	hclJobs := Expand(fromHCL)
	require.Len(t, hclJobs, len(yamlJobs))
	for i := range yamlJobs {
		assert.Equal(t, yamlJobs[i].Name, hclJobs[i].Name)
		assert.Equal(t, yamlJobs[i].Steps, hclJobs[i].Steps)
		assert.Equal(t, yamlJobs[i].AllowedToFail, hclJobs[i].AllowedToFail)
	}
}

func TestHCLErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want error
	}{
		{"syntax", `axis "python" {`, ErrConfigParse},
		{"empty axis", `axis "python" { values = [] }`, ErrAxisEmpty},
		{"reserved axis", `axis "script" { values = ["a"] }`, ErrConfigParse},
		{"phase in selector", "matrix {\n allow_failure {\n script = [\"x\"]\n }\n}", ErrConfigParse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, d := ParseHCL("bad.hcl", []byte(tt.doc))
			assert.Nil(t, m)
			assert.ErrorIs(t, d.Err(), tt.want)
		})
	}
}

func TestHCLNumberLiteralsKeepSourceText(t *testing.T) {
	doc := `
axis "python" {
  values = [3.9, 3.10, "nightly"]
}
script = ["pytest"]

matrix {
  allow_failure {
    python = 3.10
  }
  exclude {
    python = 3.9
  }
  include {
    python = 3.10
    name   = "Style"
  }
}
`
	m, d := ParseHCL("ci.hcl", []byte(doc))
	require.NoError(t, d.Err())
	assert.Empty(t, d.Warnings)

	assert.Equal(t, []Axis{{Name: "python", Values: []string{"3.9", "3.10", "nightly"}}}, m.Axes)
	require.Len(t, m.AllowFailures, 1)
	assert.Equal(t, []Value{{Axis: "python", Value: "3.10"}}, m.AllowFailures[0].Values)
	require.Len(t, m.Include, 1)
	assert.Equal(t, []Value{{Axis: "python", Value: "3.10"}}, m.Include[0].Values)

	jobs, diags := ExpandWithDiagnostics(m)
	assert.Empty(t, diags.Warnings)

	var names []string
	for _, j := range jobs {
		names = append(names, j.Name)
		if v, _ := j.Get("python"); v == "3.10" {
			assert.True(t, j.AllowedToFail, j.Name)
		}
	}
	assert.Equal(t, []string{"python=3.10", "python=nightly", "Style"}, names)
}

func TestHCLAxisValuesRejectFunctionCalls(t *testing.T) {
	m, d := ParseHCL("ci.hcl", []byte(`axis "os" { values = concat(["linux"], ["osx"]) }`))
	// documents are evaluated without functions
	assert.Nil(t, m)
	assert.ErrorIs(t, d.Err(), ErrConfigParse)
}
