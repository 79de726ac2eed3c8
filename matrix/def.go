package matrix

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	keyLanguage = "language"
	keyMatrix   = "matrix"
	keyJobs     = "jobs"
	keyName     = "name"

	keyFastFinish    = "fast_finish"
	keyAllowFailures = "allow_failures"
	keyInclude       = "include"
	keyExclude       = "exclude"
)

// Load reads a document from disk. Files ending in .hcl are decoded as
// HCL, everything else as YAML.
func Load(path string) (*Matrix, Diagnostics) {
	var d Diagnostics

	contents, err := os.ReadFile(path)
	if err != nil {
		d.AddError(path, fmt.Errorf("%w: %w", ErrConfigParse, err))
		return nil, d
	}

	return ParseDocument(path, contents)
}

// ParseDocument picks the decoder from name's extension.
func ParseDocument(name string, contents []byte) (*Matrix, Diagnostics) {
	if strings.EqualFold(filepath.Ext(name), ".hcl") {
		return ParseHCL(name, contents)
	}
	return Parse(name, contents)
}

// Parse decodes a YAML document into a Matrix. Top-level keys other than
// the reserved ones declare axes, in document order.
func Parse(name string, contents []byte) (*Matrix, Diagnostics) {
	var d Diagnostics

	var doc yaml.Node
	if err := yaml.Unmarshal(contents, &doc); err != nil {
		d.AddError(name, fmt.Errorf("%w: %w", ErrConfigParse, err))
		return nil, d
	}

	root := &doc
	if root.Kind == yaml.DocumentNode && len(root.Content) > 0 {
		root = root.Content[0]
	}
	if root.Kind != yaml.MappingNode {
		d.AddError(name, parseErrorf("document must be a mapping"))
		return nil, d
	}

	m := &Matrix{Name: name, Defaults: Phases{}}
	seen := map[string]bool{}
	seenMatrix := false

	for i := 0; i+1 < len(root.Content); i += 2 {
		k, v := root.Content[i], root.Content[i+1]
		key := k.Value
		path := fmt.Sprintf("%s:%d: %s", name, k.Line, key)

		if seen[key] {
			d.AddError(path, parseErrorf("duplicate key %q", key))
			continue
		}
		seen[key] = true

		if phase, ok := ParsePhase(key); ok {
			cmds, err := commandList(v)
			if err != nil {
				d.AddError(path, err)
				continue
			}
			m.Defaults[phase] = cmds
			continue
		}

		switch key {
		case keyLanguage:
			if v.Kind != yaml.ScalarNode {
				d.AddError(path, parseErrorf("language must be a string"))
				continue
			}
			m.Language = v.Value

		case keyMatrix, keyJobs:
			if seenMatrix {
				d.AddError(path, parseErrorf("only one of %q and %q may be set", keyMatrix, keyJobs))
				continue
			}
			seenMatrix = true
			parseMatrixBlock(path, v, m, &d)

		default:
			values, err := axisValues(v)
			if err != nil {
				d.AddError(path, err)
				continue
			}
			m.Axes = append(m.Axes, Axis{Name: key, Values: values})
		}
	}

	if d.IsErr() {
		return nil, d
	}
	return m, d
}

func parseMatrixBlock(path string, n *yaml.Node, m *Matrix, d *Diagnostics) {
	if isNull(n) {
		return
	}
	if n.Kind != yaml.MappingNode {
		d.AddError(path, parseErrorf("must be a mapping"))
		return
	}

	for i := 0; i+1 < len(n.Content); i += 2 {
		k, v := n.Content[i], n.Content[i+1]
		sub := fmt.Sprintf("%s.%s", path, k.Value)

		switch k.Value {
		case keyFastFinish:
			var ff bool
			if err := v.Decode(&ff); err != nil {
				d.AddError(sub, parseErrorf("must be a boolean"))
				continue
			}
			m.FastFinish = ff

		case keyAllowFailures:
			m.AllowFailures = append(m.AllowFailures, selectors(sub, v, d)...)

		case keyExclude:
			m.Exclude = append(m.Exclude, selectors(sub, v, d)...)

		case keyInclude:
			entries, ok := sequence(sub, v, d)
			if !ok {
				continue
			}
			for idx, e := range entries {
				inc, err := parseInclude(e)
				if err != nil {
					d.AddError(fmt.Sprintf("%s[%d]", sub, idx), err)
					continue
				}
				m.Include = append(m.Include, inc)
			}

		default:
			d.AddError(sub, parseErrorf("unknown matrix key %q", k.Value))
		}
	}
}

func selectors(path string, n *yaml.Node, d *Diagnostics) []Selector {
	entries, ok := sequence(path, n, d)
	if !ok {
		return nil
	}

	var out []Selector
	for idx, e := range entries {
		p := fmt.Sprintf("%s[%d]", path, idx)
		if e.Kind != yaml.MappingNode {
			d.AddError(p, parseErrorf("selector must be a mapping"))
			continue
		}

		var s Selector
		for i := 0; i+1 < len(e.Content); i += 2 {
			k, v := e.Content[i], e.Content[i+1]
			val, err := scalar(v)
			if err != nil {
				d.AddError(p+"."+k.Value, err)
				continue
			}
			if k.Value == keyName {
				s.Name = val
				continue
			}
			if _, isPhase := ParsePhase(k.Value); isPhase {
				d.AddError(p+"."+k.Value, parseErrorf("phase keys are not allowed in a selector"))
				continue
			}
			s.Values = append(s.Values, Value{Axis: k.Value, Value: val})
		}

		if s.IsEmpty() {
			d.AddWarning(p, InvalidConfiguration, "empty selector ignored")
			continue
		}
		out = append(out, s)
	}
	return out
}

func parseInclude(n *yaml.Node) (Include, error) {
	inc := Include{Phases: Phases{}}
	if n.Kind != yaml.MappingNode {
		return inc, parseErrorf("include entry must be a mapping")
	}

	for i := 0; i+1 < len(n.Content); i += 2 {
		k, v := n.Content[i], n.Content[i+1]

		if phase, ok := ParsePhase(k.Value); ok {
			cmds, err := commandList(v)
			if err != nil {
				return inc, fmt.Errorf("%s: %w", k.Value, err)
			}
			inc.Phases[phase] = cmds
			inc.HasPhases = true
			continue
		}

		val, err := scalar(v)
		if err != nil {
			return inc, fmt.Errorf("%s: %w", k.Value, err)
		}

		switch k.Value {
		case keyName:
			inc.Name = val
		case keyLanguage:
			// informational only, same as the top level
		default:
			inc.Values = append(inc.Values, Value{Axis: k.Value, Value: val})
		}
	}

	return inc, nil
}

func sequence(path string, n *yaml.Node, d *Diagnostics) ([]*yaml.Node, bool) {
	if isNull(n) {
		return nil, true
	}
	if n.Kind != yaml.SequenceNode {
		d.AddError(path, parseErrorf("must be a list"))
		return nil, false
	}
	return n.Content, true
}

// axisValues accepts a single scalar or a list of scalars.
func axisValues(n *yaml.Node) ([]string, error) {
	if isNull(n) {
		return nil, ErrAxisEmpty
	}

	switch n.Kind {
	case yaml.ScalarNode:
		v, err := scalar(n)
		if err != nil {
			return nil, err
		}
		return []string{v}, nil

	case yaml.SequenceNode:
		if len(n.Content) == 0 {
			return nil, ErrAxisEmpty
		}
		values := make([]string, 0, len(n.Content))
		for _, c := range n.Content {
			v, err := scalar(c)
			if err != nil {
				return nil, err
			}
			values = append(values, v)
		}
		return values, nil
	}

	return nil, parseErrorf("axis must be a string or a list of strings")
}

// commandList is like axisValues but an absent or empty phase is fine.
func commandList(n *yaml.Node) ([]string, error) {
	if isNull(n) {
		return nil, nil
	}
	if n.Kind == yaml.SequenceNode && len(n.Content) == 0 {
		return []string{}, nil
	}

	cmds, err := axisValues(n)
	if err != nil {
		return nil, parseErrorf("phase must be a command or a list of commands")
	}
	return cmds, nil
}

func scalar(n *yaml.Node) (string, error) {
	if n.Kind != yaml.ScalarNode || isNull(n) {
		return "", parseErrorf("expected a string value on line %d", n.Line)
	}
	if n.Value == "" {
		return "", parseErrorf("empty value on line %d", n.Line)
	}
	return n.Value, nil
}

func isNull(n *yaml.Node) bool {
	return n == nil || (n.Kind == yaml.ScalarNode && n.ShortTag() == "!!null")
}
