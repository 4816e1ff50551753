// Package validate turns raw user text into normalized field values. Each
// field type is one Validator registered under its type tag; validators are
// pure and deterministic.
package validate

import (
	"fmt"
	"strings"
	"time"

	"formbot/internal/domain"
	"formbot/internal/form"
)

// ErrorKind classifies a validation failure.
type ErrorKind string

const (
	ErrRequired ErrorKind = "required"
	ErrFormat   ErrorKind = "format"
	ErrRange    ErrorKind = "range"
	ErrLength   ErrorKind = "length"
	ErrChoice   ErrorKind = "choice"
)

// Outcome is the result of validating one input. Exactly one of OK or a
// non-empty Kind is set. Empty marks an optional field left blank; it is OK
// but must not be stored.
type Outcome struct {
	OK        bool
	Empty     bool
	Value     domain.Value
	Kind      ErrorKind
	ReasonKey string
	Params    map[string]string
}

func success(v domain.Value) Outcome { return Outcome{OK: true, Value: v} }

func failure(kind ErrorKind, reasonKey string, params ...string) Outcome {
	o := Outcome{Kind: kind, ReasonKey: reasonKey}
	if len(params) > 0 {
		o.Params = make(map[string]string, len(params)/2)
		for i := 0; i+1 < len(params); i += 2 {
			o.Params[params[i]] = params[i+1]
		}
	}
	return o
}

// Validator implements one field type. Validate receives trimmed, non-empty
// input.
type Validator interface {
	Validate(spec form.FieldSpec, input string) Outcome
	CheckRule(rule form.Rule) error
}

// Field type tags.
const (
	TypeText       form.FieldType = "text"
	TypeNumber     form.FieldType = "number"
	TypeDate       form.FieldType = "date"
	TypeChoice     form.FieldType = "choice"
	TypePhone      form.FieldType = "phone"
	TypeBool       form.FieldType = "bool"
	TypePostalCode form.FieldType = "postal_code"
	TypeIBAN       form.FieldType = "iban"
	TypeTaxID      form.FieldType = "tax_id"
	TypeMonth      form.FieldType = "month"
)

// Registry maps type tags to validators.
type Registry struct {
	validators map[form.FieldType]Validator
	now        func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock sets the clock that resolves the "today" date bound. Validation
// stays deterministic for a fixed clock.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRegistry returns a registry with every built-in field type.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	r.validators = map[form.FieldType]Validator{
		TypeText:       textValidator{},
		TypeNumber:     numberValidator{},
		TypeDate:       dateValidator{now: r.now},
		TypeChoice:     choiceValidator{},
		TypePhone:      phoneValidator{},
		TypeBool:       boolValidator{},
		TypePostalCode: postalCodeValidator{},
		TypeIBAN:       ibanValidator{},
		TypeTaxID:      taxIDValidator{},
		TypeMonth:      monthValidator{},
	}
	return r
}

// Register adds or replaces the validator for a type tag. It must be called
// before forms are loaded.
func (r *Registry) Register(t form.FieldType, v Validator) {
	r.validators[t] = v
}

// Known reports whether a validator exists for t.
func (r *Registry) Known(t form.FieldType) bool {
	_, ok := r.validators[t]
	return ok
}

// CheckField reports an unknown type or inconsistent rule parameters.
func (r *Registry) CheckField(spec form.FieldSpec) error {
	v, ok := r.validators[spec.Type]
	if !ok {
		return fmt.Errorf("unknown field type %q", spec.Type)
	}
	if err := v.CheckRule(spec.Rule); err != nil {
		return fmt.Errorf("type %s: %w", spec.Type, err)
	}
	return nil
}

// Validate checks raw input against the field spec.
func (r *Registry) Validate(spec form.FieldSpec, raw string) Outcome {
	input := strings.TrimSpace(raw)
	if input == "" {
		if spec.Optional {
			return Outcome{OK: true, Empty: true}
		}
		return failure(ErrRequired, "err_required")
	}
	v, ok := r.validators[spec.Type]
	if !ok {
		return failure(ErrFormat, "err_format")
	}
	return v.Validate(spec, input)
}

// builtinReasons lists every reason key the built-in validators report.
var builtinReasons = []string{
	"err_required", "err_format",
	"err_text_short", "err_text_long", "err_pattern",
	"err_number", "err_integer", "err_number_min", "err_number_max",
	"err_date", "err_date_min", "err_date_max",
	"err_choice", "err_phone", "err_bool",
	"err_postal_code", "err_iban", "err_tax_id", "err_month",
}

// ReasonKeyer is implemented by validators that report reason keys beyond
// the built-in set, so the keys can be checked when locales load.
type ReasonKeyer interface {
	ReasonKeys() []string
}

// ReasonKeys returns every locale key a validation failure may reference.
func (r *Registry) ReasonKeys() []string {
	keys := append([]string(nil), builtinReasons...)
	for _, v := range r.validators {
		if rk, ok := v.(ReasonKeyer); ok {
			keys = append(keys, rk.ReasonKeys()...)
		}
	}
	return keys
}

var defaultRegistry = NewRegistry()

// Validate checks raw input with the built-in registry.
func Validate(spec form.FieldSpec, raw string) Outcome {
	return defaultRegistry.Validate(spec, raw)
}
