package domain

import (
	"fmt"
	"strconv"
	"time"
)

// Kind tags the type of a normalized field value.
type Kind string

const (
	KindText   Kind = "text"
	KindNumber Kind = "number"
	KindDate   Kind = "date"
	KindChoice Kind = "choice"
	KindPhone  Kind = "phone"
	KindBool   Kind = "bool"
)

// DateLayout is the canonical layout of date values.
const DateLayout = "2006-01-02"

// Value is a validated field value. Text always holds the canonical form, so
// the value survives persistence and template substitution unchanged.
type Value struct {
	Kind Kind   `json:"kind"`
	Text string `json:"text"`
}

func TextValue(s string) Value { return Value{Kind: KindText, Text: s} }

func BoolValue(b bool) Value { return Value{Kind: KindBool, Text: strconv.FormatBool(b)} }

func NumberValue(f float64) Value {
	return Value{Kind: KindNumber, Text: strconv.FormatFloat(f, 'f', -1, 64)}
}

func DateValue(t time.Time) Value { return Value{Kind: KindDate, Text: t.Format(DateLayout)} }

func (v Value) String() string { return v.Text }

// Bool returns the boolean form of a bool value.
func (v Value) Bool() (bool, error) {
	if v.Kind != KindBool {
		return false, fmt.Errorf("domain: value of kind %q is not a bool", v.Kind)
	}
	return strconv.ParseBool(v.Text)
}

// Number returns the numeric form of a number value.
func (v Value) Number() (float64, error) {
	if v.Kind != KindNumber {
		return 0, fmt.Errorf("domain: value of kind %q is not a number", v.Kind)
	}
	return strconv.ParseFloat(v.Text, 64)
}

// Time returns the date of a date value.
func (v Value) Time() (time.Time, error) {
	if v.Kind != KindDate {
		return time.Time{}, fmt.Errorf("domain: value of kind %q is not a date", v.Kind)
	}
	return time.Parse(DateLayout, v.Text)
}
