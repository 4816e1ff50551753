// Package locale resolves message templates per language with a fallback to
// the default language.
package locale

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode"
)

// ErrMissingKey reports a key absent from the default bundle.
var ErrMissingKey = errors.New("locale: missing key")

// Bundle maps message keys to templates for one language.
type Bundle map[string]string

// Resolver looks up templates by language tag and key.
type Resolver struct {
	bundles  map[string]Bundle
	order    []string
	fallback string
}

// New builds a resolver. order lists the supported languages in display
// order; when empty every bundle is supported, default first then by tag.
func New(defaultLang string, order []string, bundles map[string]Bundle) (*Resolver, error) {
	defaultLang = normalizeTag(defaultLang)
	norm := make(map[string]Bundle, len(bundles))
	for tag, b := range bundles {
		norm[normalizeTag(tag)] = b
	}
	if _, ok := norm[defaultLang]; !ok {
		return nil, fmt.Errorf("locale: no bundle for default language %q", defaultLang)
	}

	var langs []string
	if len(order) == 0 {
		for tag := range norm {
			if tag != defaultLang {
				langs = append(langs, tag)
			}
		}
		sort.Strings(langs)
		langs = append([]string{defaultLang}, langs...)
	} else {
		var errs []error
		seen := map[string]bool{}
		for _, tag := range order {
			tag = normalizeTag(tag)
			if seen[tag] {
				continue
			}
			seen[tag] = true
			if _, ok := norm[tag]; !ok {
				errs = append(errs, fmt.Errorf("locale: no bundle for language %q", tag))
				continue
			}
			langs = append(langs, tag)
		}
		if !seen[defaultLang] {
			errs = append(errs, fmt.Errorf("locale: default language %q is not in the supported list", defaultLang))
		}
		if len(errs) > 0 {
			return nil, errors.Join(errs...)
		}
	}
	return &Resolver{bundles: norm, order: langs, fallback: defaultLang}, nil
}

func normalizeTag(tag string) string {
	return strings.ToLower(strings.TrimSpace(tag))
}

// Default returns the fallback language tag.
func (r *Resolver) Default() string { return r.fallback }

// Languages returns the supported tags in display order.
func (r *Resolver) Languages() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Supported reports whether tag is one of the supported languages.
func (r *Resolver) Supported(tag string) bool {
	tag = normalizeTag(tag)
	for _, l := range r.order {
		if l == tag {
			return true
		}
	}
	return false
}

// Has reports whether the bundle of lang itself defines key.
func (r *Resolver) Has(lang, key string) bool {
	_, ok := r.bundles[normalizeTag(lang)][key]
	return ok
}

// Require checks that every key exists in the default bundle.
func (r *Resolver) Require(keys ...string) error {
	def := r.bundles[r.fallback]
	var missing []string
	seen := map[string]bool{}
	for _, k := range keys {
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		if _, ok := def[k]; !ok {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("%w in default bundle %q: %s", ErrMissingKey, r.fallback, strings.Join(missing, ", "))
	}
	return nil
}

// Template returns the raw template for key, falling back to the default
// language when the tag is unsupported or the key is untranslated.
func (r *Resolver) Template(lang, key string) (string, error) {
	if r.Supported(lang) {
		if tmpl, ok := r.bundles[normalizeTag(lang)][key]; ok {
			return tmpl, nil
		}
	}
	if tmpl, ok := r.bundles[r.fallback][key]; ok {
		return tmpl, nil
	}
	return "", fmt.Errorf("%w %q", ErrMissingKey, key)
}

// Resolve renders key in lang with placeholders substituted from ctx.
func (r *Resolver) Resolve(lang, key string, ctx map[string]string) (string, error) {
	tmpl, err := r.Template(lang, key)
	if err != nil {
		return "", err
	}
	return Render(tmpl, ctx), nil
}

// Keywords splits a comma-separated keyword template into lower-case words.
func (r *Resolver) Keywords(lang, key string) []string {
	tmpl, err := r.Template(lang, key)
	if err != nil {
		return nil
	}
	return splitWords(tmpl)
}

func splitWords(s string) []string {
	var out []string
	for _, w := range strings.Split(s, ",") {
		if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
			out = append(out, w)
		}
	}
	return out
}

// Detect guesses a language from greeting words listed under hint_words in
// each bundle. It returns "" when nothing matches.
func (r *Resolver) Detect(text string) string {
	low := strings.ToLower(text)
	tokens := map[string]bool{}
	for _, tok := range strings.FieldsFunc(low, func(c rune) bool { return !unicode.IsLetter(c) && !unicode.IsNumber(c) }) {
		tokens[tok] = true
	}
	for _, lang := range r.order {
		for _, hint := range splitWords(r.bundles[lang]["hint_words"]) {
			if strings.Contains(hint, " ") {
				if strings.Contains(low, hint) {
					return lang
				}
			} else if tokens[hint] {
				return lang
			}
		}
	}
	return ""
}

var placeholder = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Render substitutes {name} placeholders from ctx. Placeholders without a
// value are left as written.
func Render(tmpl string, ctx map[string]string) string {
	if len(ctx) == 0 {
		return tmpl
	}
	return placeholder.ReplaceAllStringFunc(tmpl, func(m string) string {
		if v, ok := ctx[m[1:len(m)-1]]; ok {
			return v
		}
		return m
	})
}
