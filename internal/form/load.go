package form

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// FieldChecker validates a field's type tag and rule parameters. The
// validate.Registry satisfies it.
type FieldChecker interface {
	CheckField(spec FieldSpec) error
}

// Parse decodes one form definition (YAML or JSON) and validates it. Every
// problem found is reported, joined into one error.
func Parse(data []byte, checker FieldChecker) (*Form, error) {
	var f Form
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("form: decode: %w", err)
	}
	if err := prepare(&f, checker); err != nil {
		return nil, err
	}
	return &f, nil
}

// LoadFS loads every *.yaml, *.yml and *.json file at the root of fsys into a
// catalog ordered by file name.
func LoadFS(fsys fs.FS, checker FieldChecker) (*Catalog, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("form: read dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch path.Ext(e.Name()) {
		case ".yaml", ".yml", ".json":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	if len(names) == 0 {
		return nil, errors.New("form: no form definitions found")
	}

	var (
		forms []*Form
		errs  []error
		seen  = map[string]string{}
	)
	for _, name := range names {
		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			errs = append(errs, fmt.Errorf("form: read %s: %w", name, err))
			continue
		}
		f, err := Parse(data, checker)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		id := strings.ToLower(f.ID)
		if prev, dup := seen[id]; dup {
			errs = append(errs, fmt.Errorf("%s: form %q already defined in %s", name, f.ID, prev))
			continue
		}
		seen[id] = name
		forms = append(forms, f)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return NewCatalog(forms...), nil
}

func prepare(f *Form, checker FieldChecker) error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("form %q: "+format, append([]any{f.ID}, args...)...))
	}

	f.ID = strings.TrimSpace(f.ID)
	if f.ID == "" {
		fail("id is required")
	}
	if f.TitleKey == "" {
		f.TitleKey = "form_" + f.ID
	}
	if len(f.Fields) == 0 {
		fail("at least one field is required")
	}

	var (
		positions = make(map[string]int, len(f.Fields))
		repeated  = map[string]bool{}
		groups    = map[string]bool{}
		prevGroup string
	)
	for i := range f.Fields {
		spec := &f.Fields[i]
		spec.Name = strings.TrimSpace(spec.Name)
		spec.Repeat = strings.TrimSpace(spec.Repeat)
		if spec.Name == "" {
			fail("field %d: name is required", i)
			continue
		}
		if strings.Contains(spec.Name, "#") {
			fail("field %q: name must not contain '#'", spec.Name)
		}
		if _, dup := positions[spec.Name]; dup {
			fail("field %q: duplicate name", spec.Name)
			continue
		}
		if spec.PromptKey == "" {
			spec.PromptKey = "ask_" + spec.Name
		}
		if spec.LabelKey == "" {
			spec.LabelKey = "label_" + spec.Name
		}
		if spec.Rule.Pattern != "" {
			re, err := regexp.Compile(spec.Rule.Pattern)
			if err != nil {
				fail("field %q: pattern: %v", spec.Name, err)
			} else {
				spec.Rule.pattern = re
			}
		}
		if checker != nil {
			if err := checker.CheckField(*spec); err != nil {
				fail("field %q: %v", spec.Name, err)
			}
		}
		if spec.DependsOn != nil {
			if err := spec.DependsOn.check(); err != nil {
				fail("field %q: %v", spec.Name, err)
			} else if _, earlier := positions[spec.DependsOn.Field]; !earlier {
				fail("field %q: depends on %q which is not an earlier field", spec.Name, spec.DependsOn.Field)
			} else if repeated[spec.DependsOn.Field] {
				fail("field %q: depends on repeated field %q", spec.Name, spec.DependsOn.Field)
			}
		}
		if spec.Repeat != "" {
			if err := checkRepeat(f, spec, positions, repeated); err != nil {
				fail("field %q: %v", spec.Name, err)
			}
			if spec.Repeat != prevGroup && groups[spec.Repeat] {
				fail("field %q: repeat group %q is not contiguous", spec.Name, spec.Repeat)
			}
			groups[spec.Repeat] = true
			repeated[spec.Name] = true
		}
		prevGroup = spec.Repeat
		positions[spec.Name] = i
	}
	return errors.Join(errs...)
}

// checkRepeat requires the count of a repeat group to be an earlier integer
// number field outside any group.
func checkRepeat(f *Form, spec *FieldSpec, positions map[string]int, repeated map[string]bool) error {
	pos, earlier := positions[spec.Repeat]
	if !earlier {
		return fmt.Errorf("repeat count %q is not an earlier field", spec.Repeat)
	}
	count := f.Fields[pos]
	if repeated[count.Name] {
		return fmt.Errorf("repeat count %q is itself repeated", spec.Repeat)
	}
	if count.Type != numberType || !count.Rule.Integer {
		return fmt.Errorf("repeat count %q must be an integer number field", spec.Repeat)
	}
	return nil
}
