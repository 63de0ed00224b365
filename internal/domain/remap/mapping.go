package remap

import (
	_ "embed"
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"
)

// ErrDuplicateTarget is returned when a mapping names a target column twice.
var ErrDuplicateTarget = errors.New("duplicate target column")

//go:embed default_mapping.yaml
var defaultMappingYAML []byte

// Mapping assigns each target column a source column, or nothing.
// Targets keep the order of the mapping document.
type Mapping struct {
	targets []string
	sources map[string]*string
}

// ParseMapping reads a YAML document of "TARGET: Source" or "TARGET: null"
// pairs. Any non-null scalar is a source column name, taken as written.
func ParseMapping(data []byte) (*Mapping, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse mapping: %w", err)
	}
	if doc.Kind == 0 || len(doc.Content) == 0 {
		return nil, fmt.Errorf("parse mapping: document is empty")
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("parse mapping: line %d: expected a mapping of target to source columns", root.Line)
	}

	m := &Mapping{sources: make(map[string]*string, len(root.Content)/2)}
	for i := 0; i+1 < len(root.Content); i += 2 {
		key, val := root.Content[i], root.Content[i+1]
		if key.Kind != yaml.ScalarNode || key.ShortTag() == "!!null" || key.Value == "" {
			return nil, fmt.Errorf("parse mapping: line %d: target column must be a non-empty name", key.Line)
		}
		if _, dup := m.sources[key.Value]; dup {
			return nil, fmt.Errorf("parse mapping: line %d: %w %q", key.Line, ErrDuplicateTarget, key.Value)
		}

		var source *string
		switch {
		case val.Kind == yaml.ScalarNode && val.ShortTag() == "!!null":
		case val.Kind == yaml.ScalarNode:
			// Unquoted scalars such as 2023 or true name a column by their
			// literal text.
			s := val.Value
			source = &s
		default:
			return nil, fmt.Errorf("parse mapping: line %d: source of %q must be a column name or null", val.Line, key.Value)
		}
		m.targets = append(m.targets, key.Value)
		m.sources[key.Value] = source
	}
	return m, nil
}

// DefaultMapping returns the built-in county export to Raven MDI mapping.
func DefaultMapping() *Mapping {
	m, err := ParseMapping(defaultMappingYAML)
	if err != nil {
		panic(fmt.Sprintf("remap: invalid built-in mapping: %v", err))
	}
	return m
}

// Targets returns the mapped target columns in document order.
func (m *Mapping) Targets() []string {
	return append([]string(nil), m.targets...)
}

// Source returns the source column of target. It reports false for targets
// that are unknown or mapped to null.
func (m *Mapping) Source(target string) (string, bool) {
	s, ok := m.sources[target]
	if !ok || s == nil {
		return "", false
	}
	return *s, true
}

// Has reports whether target is a key of the mapping.
func (m *Mapping) Has(target string) bool {
	_, ok := m.sources[target]
	return ok
}

// Len returns the number of targets.
func (m *Mapping) Len() int {
	return len(m.targets)
}
