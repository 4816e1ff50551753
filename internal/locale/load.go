package locale

import (
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadFS reads one bundle per file named <tag>.yaml, <tag>.yml or
// <tag>.json from the root of fsys.
func LoadFS(fsys fs.FS, defaultLang string, order []string) (*Resolver, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("locale: read dir: %w", err)
	}
	bundles := map[string]Bundle{}
	var errs []error
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := path.Ext(e.Name())
		switch ext {
		case ".yaml", ".yml", ".json":
		default:
			continue
		}
		tag := normalizeTag(strings.TrimSuffix(e.Name(), ext))
		data, err := fs.ReadFile(fsys, e.Name())
		if err != nil {
			errs = append(errs, fmt.Errorf("locale: read %s: %w", e.Name(), err))
			continue
		}
		var b Bundle
		if err := yaml.Unmarshal(data, &b); err != nil {
			errs = append(errs, fmt.Errorf("locale: decode %s: %w", e.Name(), err))
			continue
		}
		if _, dup := bundles[tag]; dup {
			errs = append(errs, fmt.Errorf("locale: language %q defined twice", tag))
			continue
		}
		bundles[tag] = b
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return New(defaultLang, order, bundles)
}
