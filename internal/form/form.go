// Package form holds immutable form definitions: the ordered field specs a
// conversation collects, their validation rules and dependency predicates.
package form

import (
	"regexp"
	"strings"

	"formbot/internal/domain"
)

// numberType is the type tag a repeat count field must carry.
const numberType FieldType = "number"

// FieldType is the type tag of a field. The validate package owns the set of
// known tags.
type FieldType string

// Rule carries the type-specific validation parameters of a field.
type Rule struct {
	Min         *float64          `yaml:"min,omitempty" json:"min,omitempty"`
	Max         *float64          `yaml:"max,omitempty" json:"max,omitempty"`
	Integer     bool              `yaml:"integer,omitempty" json:"integer,omitempty"`
	MinLength   int               `yaml:"min_length,omitempty" json:"min_length,omitempty"`
	MaxLength   int               `yaml:"max_length,omitempty" json:"max_length,omitempty"`
	Pattern     string            `yaml:"pattern,omitempty" json:"pattern,omitempty"`
	Choices     []string          `yaml:"choices,omitempty" json:"choices,omitempty"`
	Aliases     map[string]string `yaml:"aliases,omitempty" json:"aliases,omitempty"`
	Layouts     []string          `yaml:"layouts,omitempty" json:"layouts,omitempty"`
	MinDate     string            `yaml:"min_date,omitempty" json:"min_date,omitempty"`
	MaxDate     string            `yaml:"max_date,omitempty" json:"max_date,omitempty"`
	CountryCode string            `yaml:"country_code,omitempty" json:"country_code,omitempty"`

	pattern *regexp.Regexp
}

// Regexp returns the compiled pattern, or nil when the rule has none.
func (r Rule) Regexp() *regexp.Regexp {
	if r.pattern != nil || r.Pattern == "" {
		return r.pattern
	}
	re, err := regexp.Compile(r.Pattern)
	if err != nil {
		return nil
	}
	return re
}

// FieldSpec describes one field of a form.
type FieldSpec struct {
	Name      string     `yaml:"name" json:"name"`
	Type      FieldType  `yaml:"type" json:"type"`
	PromptKey string     `yaml:"prompt_key,omitempty" json:"prompt_key,omitempty"`
	LabelKey  string     `yaml:"label_key,omitempty" json:"label_key,omitempty"`
	Optional  bool       `yaml:"optional,omitempty" json:"optional,omitempty"`
	Rule      Rule       `yaml:"rule,omitempty" json:"rule,omitempty"`
	DependsOn *Predicate `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	// Repeat names an earlier integer field whose value is the number of
	// times this field is asked. Consecutive fields with the same Repeat form
	// one group that is asked as a whole per iteration.
	Repeat string `yaml:"repeat,omitempty" json:"repeat,omitempty"`
}

// Applies reports whether the field should be asked given the values so far.
func (f FieldSpec) Applies(values map[string]domain.Value) bool {
	return f.DependsOn == nil || f.DependsOn.Eval(values)
}

// Form is an ordered, immutable sequence of field specs.
type Form struct {
	ID       string      `yaml:"id" json:"id"`
	TitleKey string      `yaml:"title_key,omitempty" json:"title_key,omitempty"`
	Fields   []FieldSpec `yaml:"fields" json:"fields"`
}

// Keys returns every locale key this form references.
func (f *Form) Keys() []string {
	keys := []string{f.TitleKey}
	for _, spec := range f.Fields {
		keys = append(keys, spec.PromptKey, spec.LabelKey)
	}
	return keys
}

// Catalog is the set of forms available for selection, in load order.
type Catalog struct {
	forms []*Form
	byID  map[string]*Form
}

// NewCatalog builds a catalog from already validated forms.
func NewCatalog(forms ...*Form) *Catalog {
	c := &Catalog{byID: make(map[string]*Form, len(forms))}
	for _, f := range forms {
		c.forms = append(c.forms, f)
		c.byID[strings.ToLower(f.ID)] = f
	}
	return c
}

// Lookup finds a form by ID, case-insensitively.
func (c *Catalog) Lookup(id string) (*Form, bool) {
	f, ok := c.byID[strings.ToLower(strings.TrimSpace(id))]
	return f, ok
}

// Forms returns the forms in catalog order.
func (c *Catalog) Forms() []*Form {
	out := make([]*Form, len(c.forms))
	copy(out, c.forms)
	return out
}

// Keys returns every locale key referenced by the catalog.
func (c *Catalog) Keys() []string {
	var keys []string
	for _, f := range c.forms {
		keys = append(keys, f.Keys()...)
	}
	return keys
}
