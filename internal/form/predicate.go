package form

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"formbot/internal/domain"
)

// Op is a predicate comparison operator.
type Op string

const (
	OpEq      Op = "eq"
	OpNe      Op = "ne"
	OpIn      Op = "in"
	OpNotIn   Op = "not_in"
	OpPresent Op = "present"
	OpAbsent  Op = "absent"
)

// Predicate is a depends-on condition over an earlier field's value.
type Predicate struct {
	Field  string   `json:"field"`
	Op     Op       `json:"op"`
	Value  string   `json:"value,omitempty"`
	Values []string `json:"values,omitempty"`
}

// Eval reports whether the predicate holds for values. A missing value makes
// eq and in false and ne and not_in true.
func (p *Predicate) Eval(values map[string]domain.Value) bool {
	v, ok := values[p.Field]
	switch p.Op {
	case OpPresent:
		return ok
	case OpAbsent:
		return !ok
	case OpEq:
		return ok && literalEqual(v.Text, p.Value)
	case OpNe:
		return !ok || !literalEqual(v.Text, p.Value)
	case OpIn:
		return ok && anyEqual(v.Text, p.Values)
	case OpNotIn:
		return !ok || !anyEqual(v.Text, p.Values)
	}
	return false
}

func (p *Predicate) String() string {
	switch p.Op {
	case OpPresent, OpAbsent:
		return fmt.Sprintf("%s %s", p.Field, p.Op)
	case OpIn, OpNotIn:
		return fmt.Sprintf("%s %s [%s]", p.Field, p.Op, strings.Join(p.Values, ","))
	}
	return fmt.Sprintf("%s %s %s", p.Field, p.Op, p.Value)
}

func (p *Predicate) check() error {
	if strings.TrimSpace(p.Field) == "" {
		return fmt.Errorf("predicate %q: field is required", p.String())
	}
	switch p.Op {
	case OpEq, OpNe:
	case OpIn, OpNotIn:
		if len(p.Values) == 0 {
			return fmt.Errorf("predicate %q: values are required", p.String())
		}
	case OpPresent, OpAbsent:
	default:
		return fmt.Errorf("predicate %q: unknown operator %q", p.String(), p.Op)
	}
	return nil
}

func anyEqual(got string, want []string) bool {
	for _, w := range want {
		if literalEqual(got, w) {
			return true
		}
	}
	return false
}

// literalEqual compares canonical text with a predicate literal: numerically
// when both parse as numbers, otherwise case-insensitively.
func literalEqual(got, want string) bool {
	got, want = strings.TrimSpace(got), strings.TrimSpace(want)
	if a, err := strconv.ParseFloat(got, 64); err == nil {
		if b, err := strconv.ParseFloat(want, 64); err == nil {
			return a == b
		}
	}
	return strings.EqualFold(got, want)
}

// ParsePredicate parses the shorthand "field == value" or "field != value".
func ParsePredicate(s string) (*Predicate, error) {
	for _, op := range []struct {
		tok string
		op  Op
	}{{"==", OpEq}, {"!=", OpNe}} {
		lhs, rhs, found := strings.Cut(s, op.tok)
		if !found {
			continue
		}
		p := &Predicate{Field: strings.TrimSpace(lhs), Op: op.op, Value: strings.Trim(strings.TrimSpace(rhs), `"'`)}
		if p.Field == "" || p.Value == "" {
			return nil, fmt.Errorf("predicate %q: expected <field> %s <value>", s, op.tok)
		}
		return p, nil
	}
	return nil, fmt.Errorf("predicate %q: expected == or !=", s)
}

// UnmarshalYAML accepts either the shorthand string or a mapping with
// field, op, value and values keys.
func (p *Predicate) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		parsed, err := ParsePredicate(node.Value)
		if err != nil {
			return err
		}
		*p = *parsed
		return nil
	case yaml.MappingNode:
		var out Predicate
		for i := 0; i+1 < len(node.Content); i += 2 {
			key, val := node.Content[i].Value, node.Content[i+1]
			switch key {
			case "field":
				out.Field = val.Value
			case "op":
				out.Op = Op(val.Value)
			case "value":
				out.Value = val.Value
			case "values":
				if val.Kind != yaml.SequenceNode {
					return fmt.Errorf("line %d: predicate values must be a list", val.Line)
				}
				for _, item := range val.Content {
					out.Values = append(out.Values, item.Value)
				}
			default:
				return fmt.Errorf("line %d: unknown predicate key %q", node.Content[i].Line, key)
			}
		}
		if out.Op == "" {
			out.Op = OpEq
		}
		*p = out
		return nil
	}
	return fmt.Errorf("line %d: depends_on must be a string or a mapping", node.Line)
}
