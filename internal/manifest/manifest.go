// Parses and validates view manifests.

// Package manifest declares views, aggregations and relations over a table
// of loaded records in a YAML file, and materializes them.
package manifest

import (
	"errors"
	"fmt"
	"os"
	"slices"

	"github.com/invopop/jsonschema"
	"gopkg.in/yaml.v3"
)

// Manifest is the root of a manifest file.
type Manifest struct {
	Version   int              `yaml:"version" jsonschema:"enum=1,description=Manifest format version"`
	ID        string           `yaml:"id,omitempty" jsonschema:"description=Record field holding the record ID (default id)"`
	Views     []ViewConfig     `yaml:"views,omitempty" jsonschema:"description=Filtered and sorted views"`
	Reduces   []ReduceConfig   `yaml:"reduces,omitempty" jsonschema:"description=Aggregations"`
	Relations []RelationConfig `yaml:"relations,omitempty" jsonschema:"description=Self-joins over the records"`
}

// ViewConfig declares a filtered and sorted view.
type ViewConfig struct {
	Name    string         `yaml:"name" jsonschema:"description=Unique view name"`
	Filters []FilterConfig `yaml:"filters,omitempty" jsonschema:"description=All filters must match"`
	Sorts   []SortConfig   `yaml:"sorts,omitempty" jsonschema:"description=Sort criteria, most significant first"`
	Shuffle bool           `yaml:"shuffle,omitempty" jsonschema:"description=Random order instead of sorts"`
}

// SortConfig is one sort criterion. Every criterion of a view must share
// the same direction.
type SortConfig struct {
	Property  string `yaml:"property"`
	Direction string `yaml:"direction,omitempty" jsonschema:"enum=asc,enum=desc"`
}

// FilterConfig is a filter condition, or a compound of conditions.
type FilterConfig struct {
	Property string         `yaml:"property,omitempty"`
	Operator string         `yaml:"operator,omitempty"`
	Value    any            `yaml:"value,omitempty"`
	And      []FilterConfig `yaml:"and,omitempty"`
	Or       []FilterConfig `yaml:"or,omitempty"`
}

// ReduceConfig declares an aggregation.
type ReduceConfig struct {
	Name    string       `yaml:"name" jsonschema:"description=Unique aggregation name"`
	View    string       `yaml:"view,omitempty" jsonschema:"description=View to aggregate (default all records)"`
	GroupBy string       `yaml:"group_by,omitempty" jsonschema:"description=Property whose values nest the results"`
	Tools   []ToolConfig `yaml:"tools"`
}

// ToolConfig is one aggregation tool call.
type ToolConfig struct {
	Tool     string   `yaml:"tool"`
	Property string   `yaml:"property,omitempty"`
	Labels   []string `yaml:"labels,omitempty" jsonschema:"description=Ranks for the quantile tool"`
}

// RelationConfig declares a self-join: a record's children are the records
// whose To properties hold its From property.
type RelationConfig struct {
	Name  string   `yaml:"name"`
	From  string   `yaml:"from"`
	To    []string `yaml:"to"`
	Depth int      `yaml:"depth,omitempty" jsonschema:"description=Number of hops (default 1)"`
	Tree  string   `yaml:"tree,omitempty" jsonschema:"enum=all,enum=leaf,enum=node,description=Walk the relation transitively"`
}

var (
	// ErrVersion is returned for manifests of an unknown version.
	ErrVersion = errors.New("unsupported manifest version")
	// ErrInvalid is wrapped by every validation failure.
	ErrInvalid = errors.New("invalid manifest")
)

var filterOps = []string{
	"equals", "not_equals",
	"contains", "not_contains", "starts_with", "ends_with",
	"gt", "lt", "gte", "lte",
	"is_empty", "is_not_empty",
}

// toolNames maps each tool to whether it requires a record property. "count"
// takes an optional one.
var toolNames = map[string]bool{
	"count":     false,
	"average":   false,
	"sum":       true,
	"pow":       true,
	"frequency": true,
	"variance":  true,
	"min":       true,
	"max":       true,
	"range":     true,
	"median":    true,
	"tertile":   true,
	"quintile":  true,
	"quantile":  true,
}

// Parse reads and validates the manifest at path.
func Parse(path string) (*Manifest, error) {
	data, err := os.ReadFile(path) //nolint:gosec // User-specified manifest path
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return ParseBytes(data)
}

// ParseBytes parses and validates a manifest.
func ParseBytes(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// IDField returns the record field holding the record ID.
func (m *Manifest) IDField() string {
	if m.ID == "" {
		return "id"
	}
	return m.ID
}

// Validate checks that the manifest is valid.
func (m *Manifest) Validate() error {
	if m.Version != 1 {
		return fmt.Errorf("%w: %d", ErrVersion, m.Version)
	}
	views := make(map[string]bool, len(m.Views))
	for i := range m.Views {
		v := &m.Views[i]
		if v.Name == "" {
			return invalid("view %d: name is required", i)
		}
		if views[v.Name] {
			return invalid("view %q: duplicate name", v.Name)
		}
		views[v.Name] = true
		for j := range v.Filters {
			if err := validateFilter(&v.Filters[j]); err != nil {
				return invalid("view %q: %v", v.Name, err)
			}
		}
		if v.Shuffle && len(v.Sorts) > 0 {
			return invalid("view %q: shuffle and sorts are exclusive", v.Name)
		}
		for j := range v.Sorts {
			s := &v.Sorts[j]
			if s.Property == "" {
				return invalid("view %q, sort %d: property is required", v.Name, j)
			}
			if s.Direction != "" && s.Direction != "asc" && s.Direction != "desc" {
				return invalid("view %q, sort %d: invalid direction %q", v.Name, j, s.Direction)
			}
			if s.desc() != v.Sorts[0].desc() {
				return invalid("view %q: sorts must share one direction", v.Name)
			}
		}
	}

	reduces := make(map[string]bool, len(m.Reduces))
	for i := range m.Reduces {
		r := &m.Reduces[i]
		if r.Name == "" {
			return invalid("reduce %d: name is required", i)
		}
		if reduces[r.Name] {
			return invalid("reduce %q: duplicate name", r.Name)
		}
		reduces[r.Name] = true
		if r.View != "" && !views[r.View] {
			return invalid("reduce %q: unknown view %q", r.Name, r.View)
		}
		if len(r.Tools) == 0 {
			return invalid("reduce %q: tools are required", r.Name)
		}
		var seen []string
		for j := range r.Tools {
			t := &r.Tools[j]
			needs, ok := toolNames[t.Tool]
			if !ok {
				return invalid("reduce %q, tool %d: unknown tool %q", r.Name, j, t.Tool)
			}
			if needs && t.Property == "" {
				return invalid("reduce %q, tool %q: property is required", r.Name, t.Tool)
			}
			if t.Tool == "quantile" && len(t.Labels) == 0 {
				return invalid("reduce %q, tool %q: labels are required", r.Name, t.Tool)
			}
			if t.Tool == "average" && (!slices.Contains(seen, "count") || !(slices.Contains(seen, "sum") || slices.Contains(seen, "pow"))) {
				return invalid("reduce %q: average needs a preceding count and sum or pow", r.Name)
			}
			seen = append(seen, t.Tool)
		}
		if slices.Contains(seen, "variance") && (slices.Contains(seen, "count") || slices.Contains(seen, "sum")) {
			return invalid("reduce %q: variance already publishes sum and count", r.Name)
		}
	}

	relations := make(map[string]bool, len(m.Relations))
	for i := range m.Relations {
		r := &m.Relations[i]
		if r.Name == "" {
			return invalid("relation %d: name is required", i)
		}
		if relations[r.Name] {
			return invalid("relation %q: duplicate name", r.Name)
		}
		relations[r.Name] = true
		if r.From == "" || len(r.To) == 0 {
			return invalid("relation %q: from and to are required", r.Name)
		}
		if r.Depth < 0 {
			return invalid("relation %q: negative depth", r.Name)
		}
		switch r.Tree {
		case "", "all", "leaf", "node":
		default:
			return invalid("relation %q: invalid tree %q", r.Name, r.Tree)
		}
	}
	return nil
}

func validateFilter(f *FilterConfig) error {
	for i := range f.And {
		if err := validateFilter(&f.And[i]); err != nil {
			return err
		}
	}
	for i := range f.Or {
		if err := validateFilter(&f.Or[i]); err != nil {
			return err
		}
	}
	if f.Property == "" {
		return nil
	}
	if !slices.Contains(filterOps, f.Operator) {
		return fmt.Errorf("filter on %q: invalid operator %q", f.Property, f.Operator)
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

func (s *SortConfig) desc() bool { return s.Direction == "desc" }

// Schema returns the JSON schema of the manifest format.
func Schema() *jsonschema.Schema {
	// FilterConfig is recursive, so definitions must stay referenced.
	r := jsonschema.Reflector{FieldNameTag: "yaml"}
	s := r.Reflect(&Manifest{})
	s.Title = "livetable manifest"
	return s
}
