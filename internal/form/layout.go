package form

import (
	"strconv"
	"strings"

	"formbot/internal/domain"
)

// MaxRepeat caps the iterations of a repeat group whatever the count value.
const MaxRepeat = 20

// Slot is one askable position of a form once repeat groups are expanded.
type Slot struct {
	Spec FieldSpec
	// Name keys the slot's value: the field name, or RepeatName inside a
	// repeat group.
	Name string
	// Iteration is the 1-based repeat index, zero outside a group.
	Iteration int
}

// RepeatName is the value name of field in iteration i of its group.
func RepeatName(field string, i int) string {
	return field + "#" + strconv.Itoa(i)
}

// SplitName reverses RepeatName. Names outside a group return iteration 0.
func SplitName(name string) (string, int) {
	field, idx, ok := strings.Cut(name, "#")
	if !ok {
		return name, 0
	}
	i, err := strconv.Atoi(idx)
	if err != nil || i < 1 {
		return name, 0
	}
	return field, i
}

// Layout is a form expanded against the values collected so far. A repeat
// group contributes its fields once per iteration, right after the earlier
// count field, so storing a value never moves the slots before it.
type Layout struct {
	slots     []Slot
	positions map[string]int
}

// Layout expands f for values.
func (f *Form) Layout(values map[string]domain.Value) *Layout {
	l := &Layout{positions: make(map[string]int, len(f.Fields))}
	for i := 0; i < len(f.Fields); {
		spec := f.Fields[i]
		if spec.Repeat == "" {
			l.add(Slot{Spec: spec, Name: spec.Name})
			i++
			continue
		}
		j := i
		for j < len(f.Fields) && f.Fields[j].Repeat == spec.Repeat {
			j++
		}
		n := repeatCount(values[spec.Repeat])
		for it := 1; it <= n; it++ {
			for _, member := range f.Fields[i:j] {
				l.add(Slot{Spec: member, Name: RepeatName(member.Name, it), Iteration: it})
			}
		}
		i = j
	}
	return l
}

func (l *Layout) add(s Slot) {
	l.positions[s.Name] = len(l.slots)
	l.slots = append(l.slots, s)
}

func repeatCount(v domain.Value) int {
	n, err := v.Number()
	if err != nil || n < 1 {
		return 0
	}
	if n > MaxRepeat {
		return MaxRepeat
	}
	return int(n)
}

func (l *Layout) FieldCount() int { return len(l.slots) }

func (l *Layout) FieldPosition(name string) (int, bool) {
	p, ok := l.positions[name]
	return p, ok
}

// Slot returns the slot at index i.
func (l *Layout) Slot(i int) (Slot, bool) {
	if i < 0 || i >= len(l.slots) {
		return Slot{}, false
	}
	return l.slots[i], true
}

// Slots returns the slots in ask order.
func (l *Layout) Slots() []Slot {
	out := make([]Slot, len(l.slots))
	copy(out, l.slots)
	return out
}

// NextApplicable returns the first index >= from whose field applies to the
// given values, or FieldCount when none does.
func (l *Layout) NextApplicable(from int, values map[string]domain.Value) int {
	i := from
	if i < 0 {
		i = 0
	}
	for ; i < len(l.slots); i++ {
		if l.slots[i].Spec.Applies(values) {
			return i
		}
	}
	return len(l.slots)
}

// PrevApplicable returns the last index < before whose field applies to the
// given values, or -1 when none does.
func (l *Layout) PrevApplicable(before int, values map[string]domain.Value) int {
	i := before - 1
	if i >= len(l.slots) {
		i = len(l.slots) - 1
	}
	for ; i >= 0; i-- {
		if l.slots[i].Spec.Applies(values) {
			return i
		}
	}
	return -1
}
