package matrix

import (
	"fmt"
	"sort"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
)

// hclFile is the top-level structure of an HCL matrix document:
//
//	language = "python"
//	axis "python" { values = ["3.6", "3.7", "nightly"] }
//	script = ["pytest"]
//	matrix {
//	  fast_finish = true
//	  allow_failure { python = "nightly" }
//	  include {
//	    name   = "Style"
//	    script = ["flake8", "black --check ."]
//	  }
//	}
type hclFile struct {
	Language      string     `hcl:"language,optional"`
	BeforeInstall []string   `hcl:"before_install,optional"`
	Install       []string   `hcl:"install,optional"`
	BeforeScript  []string   `hcl:"before_script,optional"`
	Script        []string   `hcl:"script,optional"`
	AfterSuccess  []string   `hcl:"after_success,optional"`
	AfterFailure  []string   `hcl:"after_failure,optional"`
	AfterScript   []string   `hcl:"after_script,optional"`
	Axes          []hclAxis  `hcl:"axis,block"`
	Matrix        *hclMatrix `hcl:"matrix,block"`
}

type hclAxis struct {
	Name   string         `hcl:"name,label"`
	Values hcl.Expression `hcl:"values"`
}

type hclMatrix struct {
	FastFinish    bool       `hcl:"fast_finish,optional"`
	AllowFailures []hclEntry `hcl:"allow_failure,block"`
	Exclude       []hclEntry `hcl:"exclude,block"`
	Include       []hclEntry `hcl:"include,block"`
}

// hclEntry bodies hold free-form attributes: axis values, a name and,
// for includes, phases.
type hclEntry struct {
	Remain hcl.Body `hcl:",remain"`
}

// ParseHCL decodes an HCL document into the same Matrix that Parse
// produces for YAML.
func ParseHCL(name string, contents []byte) (*Matrix, Diagnostics) {
	var d Diagnostics

	parser := hclparse.NewParser()
	f, diags := parser.ParseHCL(contents, name)
	if diags.HasErrors() {
		d.AddError(name, fmt.Errorf("%w: %w", ErrConfigParse, diags))
		return nil, d
	}

	var file hclFile
	diags = gohcl.DecodeBody(f.Body, nil, &file)
	if diags.HasErrors() {
		d.AddError(name, fmt.Errorf("%w: %w", ErrConfigParse, diags))
		return nil, d
	}

	m := &Matrix{
		Name:     name,
		Language: file.Language,
		Defaults: Phases{},
	}

	for ph, cmds := range map[Phase][]string{
		PhaseBeforeInstall: file.BeforeInstall,
		PhaseInstall:       file.Install,
		PhaseBeforeScript:  file.BeforeScript,
		PhaseScript:        file.Script,
		PhaseAfterSuccess:  file.AfterSuccess,
		PhaseAfterFailure:  file.AfterFailure,
		PhaseAfterScript:   file.AfterScript,
	} {
		if cmds != nil {
			m.Defaults[ph] = cmds
		}
	}

	seen := map[string]bool{}
	for _, a := range file.Axes {
		path := fmt.Sprintf("%s: axis %q", name, a.Name)
		if seen[a.Name] {
			d.AddError(path, parseErrorf("duplicate axis"))
			continue
		}
		seen[a.Name] = true

		if _, isPhase := ParsePhase(a.Name); isPhase || a.Name == keyLanguage || a.Name == keyName {
			d.AddError(path, parseErrorf("%q is a reserved key", a.Name))
			continue
		}
		values, err := axisValues(a.Values, contents)
		if err != nil {
			d.AddError(path, err)
			continue
		}
		if len(values) == 0 {
			d.AddError(path, ErrAxisEmpty)
			continue
		}
		for _, v := range values {
			if v == "" {
				d.AddError(path, parseErrorf("empty axis value"))
			}
		}
		m.Axes = append(m.Axes, Axis{Name: a.Name, Values: values})
	}

	if file.Matrix != nil {
		m.FastFinish = file.Matrix.FastFinish

		for i, e := range file.Matrix.AllowFailures {
			path := fmt.Sprintf("%s: allow_failure[%d]", name, i)
			if s, ok := hclSelector(path, e, contents, &d); ok {
				m.AllowFailures = append(m.AllowFailures, s)
			}
		}
		for i, e := range file.Matrix.Exclude {
			path := fmt.Sprintf("%s: exclude[%d]", name, i)
			if s, ok := hclSelector(path, e, contents, &d); ok {
				m.Exclude = append(m.Exclude, s)
			}
		}
		for i, e := range file.Matrix.Include {
			path := fmt.Sprintf("%s: include[%d]", name, i)
			inc, err := hclInclude(e, contents)
			if err != nil {
				d.AddError(path, err)
				continue
			}
			m.Include = append(m.Include, inc)
		}
	}

	if d.IsErr() {
		return nil, d
	}
	return m, d
}

func hclSelector(path string, e hclEntry, src []byte, d *Diagnostics) (Selector, bool) {
	var s Selector

	attrs, err := orderedAttributes(e.Remain)
	if err != nil {
		d.AddError(path, err)
		return s, false
	}

	for _, attr := range attrs {
		if _, isPhase := ParsePhase(attr.Name); isPhase {
			d.AddError(path, parseErrorf("phase keys are not allowed in a selector"))
			return s, false
		}
		val, err := stringValue(attr, src)
		if err != nil {
			d.AddError(path, err)
			return s, false
		}
		if attr.Name == keyName {
			s.Name = val
			continue
		}
		s.Values = append(s.Values, Value{Axis: attr.Name, Value: val})
	}

	if s.IsEmpty() {
		d.AddWarning(path, InvalidConfiguration, "empty selector ignored")
		return s, false
	}
	return s, true
}

func hclInclude(e hclEntry, src []byte) (Include, error) {
	inc := Include{Phases: Phases{}}

	attrs, err := orderedAttributes(e.Remain)
	if err != nil {
		return inc, err
	}

	for _, attr := range attrs {
		if ph, ok := ParsePhase(attr.Name); ok {
			cmds, err := listValue(attr)
			if err != nil {
				return inc, err
			}
			inc.Phases[ph] = cmds
			inc.HasPhases = true
			continue
		}

		val, err := stringValue(attr, src)
		if err != nil {
			return inc, err
		}
		switch attr.Name {
		case keyName:
			inc.Name = val
		case keyLanguage:
		default:
			inc.Values = append(inc.Values, Value{Axis: attr.Name, Value: val})
		}
	}

	return inc, nil
}

// orderedAttributes returns the body's attributes in source order, so axis
// pairs keep the order they were written in.
func orderedAttributes(body hcl.Body) ([]*hcl.Attribute, error) {
	attrs, diags := body.JustAttributes()
	if diags.HasErrors() {
		return nil, fmt.Errorf("%w: %w", ErrConfigParse, diags)
	}

	out := make([]*hcl.Attribute, 0, len(attrs))
	for _, a := range attrs {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Range.Start.Byte < out[j].Range.Start.Byte
	})
	return out, nil
}

func evaluate(attr *hcl.Attribute) (cty.Value, error) {
	v, diags := attr.Expr.Value(nil)
	if diags.HasErrors() {
		return cty.NilVal, fmt.Errorf("%w: %s: %w", ErrConfigParse, attr.Name, diags)
	}
	if v.IsNull() || !v.IsWhollyKnown() {
		return cty.NilVal, parseErrorf("%s: value must be set", attr.Name)
	}
	return v, nil
}

// stringValue accepts strings, numbers and bools, so `python = 3.7` works.
// Number literals keep their source text: 3.10 stays "3.10".
func stringValue(attr *hcl.Attribute, src []byte) (string, error) {
	v, err := evaluate(attr)
	if err != nil {
		return "", err
	}

	sv, err := scalarString(attr.Name, attr.Expr, v, src)
	if err != nil {
		return "", err
	}
	if sv == "" {
		return "", parseErrorf("%s: empty value", attr.Name)
	}
	return sv, nil
}

func scalarString(name string, expr hcl.Expression, v cty.Value, src []byte) (string, error) {
	if lit, ok := expr.(*hclsyntax.LiteralValueExpr); ok && v.Type() == cty.Number {
		rng := lit.SrcRange
		if rng.Start.Byte >= 0 && rng.End.Byte <= len(src) && rng.Start.Byte < rng.End.Byte {
			return strings.TrimSpace(string(src[rng.Start.Byte:rng.End.Byte])), nil
		}
	}

	sv, err := convert.Convert(v, cty.String)
	if err != nil || sv.IsNull() {
		return "", parseErrorf("%s: expected a string value", name)
	}
	return sv.AsString(), nil
}

// axisValues reads an axis's value list. Elements go through scalarString
// one by one so numeric versions are not normalised.
func axisValues(expr hcl.Expression, src []byte) ([]string, error) {
	if tuple, ok := expr.(*hclsyntax.TupleConsExpr); ok {
		values := make([]string, 0, len(tuple.Exprs))
		for _, e := range tuple.Exprs {
			v, diags := e.Value(nil)
			if diags.HasErrors() {
				return nil, fmt.Errorf("%w: values: %w", ErrConfigParse, diags)
			}
			if v.IsNull() || !v.IsWhollyKnown() {
				return nil, parseErrorf("values: value must be set")
			}
			sv, err := scalarString("values", e, v, src)
			if err != nil {
				return nil, err
			}
			values = append(values, sv)
		}
		return values, nil
	}

	v, diags := expr.Value(nil)
	if diags.HasErrors() {
		return nil, fmt.Errorf("%w: values: %w", ErrConfigParse, diags)
	}
	lv, err := convert.Convert(v, cty.List(cty.String))
	if err != nil || lv.IsNull() || !lv.IsWhollyKnown() {
		return nil, parseErrorf("values: expected a list of strings")
	}
	values := make([]string, 0, lv.LengthInt())
	for it := lv.ElementIterator(); it.Next(); {
		_, ev := it.Element()
		if ev.IsNull() {
			return nil, parseErrorf("values: null value")
		}
		values = append(values, ev.AsString())
	}
	return values, nil
}

func listValue(attr *hcl.Attribute) ([]string, error) {
	v, err := evaluate(attr)
	if err != nil {
		return nil, err
	}

	if v.Type() == cty.String {
		return []string{v.AsString()}, nil
	}

	lv, cerr := convert.Convert(v, cty.List(cty.String))
	if cerr != nil {
		return nil, parseErrorf("%s: phase must be a command or a list of commands", attr.Name)
	}

	cmds := make([]string, 0, lv.LengthInt())
	for it := lv.ElementIterator(); it.Next(); {
		_, ev := it.Element()
		if ev.IsNull() {
			return nil, parseErrorf("%s: null command", attr.Name)
		}
		cmds = append(cmds, ev.AsString())
	}
	return cmds, nil
}
