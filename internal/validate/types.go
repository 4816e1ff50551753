package validate

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/nyaruka/phonenumbers"

	"formbot/internal/domain"
	"formbot/internal/form"
)

type textValidator struct{}

func (textValidator) Validate(spec form.FieldSpec, input string) Outcome {
	s := strings.Join(strings.Fields(input), " ")
	n := utf8.RuneCountInString(s)
	r := spec.Rule
	if r.MinLength > 0 && n < r.MinLength {
		return failure(ErrLength, "err_text_short", "min", strconv.Itoa(r.MinLength))
	}
	if r.MaxLength > 0 && n > r.MaxLength {
		return failure(ErrLength, "err_text_long", "max", strconv.Itoa(r.MaxLength))
	}
	if re := r.Regexp(); re != nil && !re.MatchString(s) {
		return failure(ErrFormat, "err_pattern")
	}
	return success(domain.TextValue(s))
}

func (textValidator) CheckRule(r form.Rule) error {
	if r.MinLength < 0 || r.MaxLength < 0 {
		return errors.New("length bounds must not be negative")
	}
	if r.MaxLength > 0 && r.MinLength > r.MaxLength {
		return fmt.Errorf("min_length %d exceeds max_length %d", r.MinLength, r.MaxLength)
	}
	return nil
}

type numberValidator struct{}

func (numberValidator) Validate(spec form.FieldSpec, input string) Outcome {
	s := strings.ReplaceAll(input, " ", "")
	if strings.Count(s, ",") == 1 && !strings.Contains(s, ".") {
		s = strings.Replace(s, ",", ".", 1)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return failure(ErrFormat, "err_number")
	}
	r := spec.Rule
	if r.Integer && f != math.Trunc(f) {
		return failure(ErrFormat, "err_integer")
	}
	if r.Min != nil && f < *r.Min {
		return failure(ErrRange, "err_number_min", "min", formatFloat(*r.Min))
	}
	if r.Max != nil && f > *r.Max {
		return failure(ErrRange, "err_number_max", "max", formatFloat(*r.Max))
	}
	return success(domain.NumberValue(f))
}

func (numberValidator) CheckRule(r form.Rule) error {
	if r.Min != nil && r.Max != nil && *r.Min > *r.Max {
		return fmt.Errorf("min %s exceeds max %s", formatFloat(*r.Min), formatFloat(*r.Max))
	}
	return nil
}

func formatFloat(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }

type dateValidator struct {
	now func() time.Time
}

func layoutsOf(r form.Rule) []string {
	if len(r.Layouts) == 0 {
		return []string{domain.DateLayout}
	}
	return r.Layouts
}

func (v dateValidator) Validate(spec form.FieldSpec, input string) Outcome {
	s := strings.ReplaceAll(input, " ", "")
	layouts := layoutsOf(spec.Rule)
	var (
		t      time.Time
		parsed bool
	)
	for _, layout := range layouts {
		d, err := time.Parse(layout, s)
		if err == nil {
			t, parsed = d, true
			break
		}
	}
	if !parsed {
		return failure(ErrFormat, "err_date", "layout", displayLayout(layouts[0]))
	}
	if spec.Rule.MinDate != "" {
		lo, _ := v.bound(spec.Rule.MinDate)
		if t.Before(lo) {
			return failure(ErrRange, "err_date_min", "min", lo.Format(domain.DateLayout))
		}
	}
	if spec.Rule.MaxDate != "" {
		hi, _ := v.bound(spec.Rule.MaxDate)
		if t.After(hi) {
			return failure(ErrRange, "err_date_max", "max", hi.Format(domain.DateLayout))
		}
	}
	return success(domain.DateValue(t))
}

func (v dateValidator) CheckRule(r form.Rule) error {
	ref := time.Date(2001, time.February, 3, 0, 0, 0, 0, time.UTC)
	for _, layout := range r.Layouts {
		back, err := time.Parse(layout, ref.Format(layout))
		if err != nil || !back.Equal(ref) {
			return fmt.Errorf("layout %q does not round-trip a calendar date", layout)
		}
	}
	var lo, hi time.Time
	var err error
	if r.MinDate != "" {
		if lo, err = v.bound(r.MinDate); err != nil {
			return fmt.Errorf("min_date: %w", err)
		}
	}
	if r.MaxDate != "" {
		if hi, err = v.bound(r.MaxDate); err != nil {
			return fmt.Errorf("max_date: %w", err)
		}
	}
	if r.MinDate != "" && r.MaxDate != "" && !isToday(r.MinDate) && !isToday(r.MaxDate) && lo.After(hi) {
		return fmt.Errorf("min_date %s is after max_date %s", r.MinDate, r.MaxDate)
	}
	return nil
}

// Today is the date bound that resolves to the current UTC date.
const Today = "today"

func isToday(s string) bool { return strings.EqualFold(strings.TrimSpace(s), Today) }

// bound parses a min_date or max_date value.
func (v dateValidator) bound(s string) (time.Time, error) {
	if !isToday(s) {
		return time.Parse(domain.DateLayout, s)
	}
	now := time.Now
	if v.now != nil {
		now = v.now
	}
	n := now().UTC()
	return time.Date(n.Year(), n.Month(), n.Day(), 0, 0, 0, 0, time.UTC), nil
}

// displayLayout renders a Go layout the way users read it.
func displayLayout(layout string) string {
	return strings.NewReplacer("2006", "YYYY", "01", "MM", "02", "DD", "1", "M", "2", "D").Replace(layout)
}

type choiceValidator struct{}

func (choiceValidator) Validate(spec form.FieldSpec, input string) Outcome {
	r := spec.Rule
	if n, err := strconv.Atoi(input); err == nil && n >= 1 && n <= len(r.Choices) {
		return success(domain.Value{Kind: domain.KindChoice, Text: r.Choices[n-1]})
	}
	for _, c := range r.Choices {
		if strings.EqualFold(c, input) {
			return success(domain.Value{Kind: domain.KindChoice, Text: c})
		}
	}
	for alias, target := range r.Aliases {
		if strings.EqualFold(alias, input) {
			return success(domain.Value{Kind: domain.KindChoice, Text: target})
		}
	}
	return failure(ErrChoice, "err_choice", "choices", strings.Join(r.Choices, ", "))
}

func (choiceValidator) CheckRule(r form.Rule) error {
	if len(r.Choices) == 0 {
		return errors.New("choices must not be empty")
	}
	for alias, target := range r.Aliases {
		if !containsFold(r.Choices, target) {
			return fmt.Errorf("alias %q targets unknown choice %q", alias, target)
		}
	}
	return nil
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

type phoneValidator struct{}

// Validate parses input with libphonenumber. National numbers are read in
// the region of the rule's calling code; the value is always E.164.
func (phoneValidator) Validate(spec form.FieldSpec, input string) Outcome {
	s := strings.TrimSpace(input)
	if strings.HasPrefix(s, "00") {
		s = "+" + s[2:]
	}
	num, err := phonenumbers.Parse(s, phoneRegion(spec.Rule.CountryCode))
	if err != nil || !phonenumbers.IsValidNumber(num) {
		return failure(ErrFormat, "err_phone")
	}
	return success(domain.Value{Kind: domain.KindPhone, Text: phonenumbers.Format(num, phonenumbers.E164)})
}

func (phoneValidator) CheckRule(r form.Rule) error {
	if r.CountryCode == "" {
		return nil
	}
	if !digitsRe.MatchString(r.CountryCode) {
		return fmt.Errorf("country_code %q must be digits only", r.CountryCode)
	}
	if phoneRegion(r.CountryCode) == unknownRegion {
		return fmt.Errorf("country_code %q is not an assigned calling code", r.CountryCode)
	}
	return nil
}

const unknownRegion = "ZZ"

var digitsRe = regexp.MustCompile(`^[0-9]+$`)

// phoneRegion maps a calling code such as "49" to its main region. An empty
// code yields the unknown region, which accepts international numbers only.
func phoneRegion(cc string) string {
	n, err := strconv.Atoi(cc)
	if err != nil {
		return unknownRegion
	}
	return phonenumbers.GetRegionCodeForCountryCode(n)
}

var (
	trueWords  = []string{"ja", "j", "yes", "y", "po", "true"}
	falseWords = []string{"nein", "n", "no", "jo", "false"}
)

type boolValidator struct{}

func (boolValidator) Validate(spec form.FieldSpec, input string) Outcome {
	s := strings.ToLower(input)
	for alias, target := range spec.Rule.Aliases {
		if strings.EqualFold(alias, s) {
			b, _ := strconv.ParseBool(target)
			return success(domain.BoolValue(b))
		}
	}
	switch {
	case containsFold(trueWords, s):
		return success(domain.BoolValue(true))
	case containsFold(falseWords, s):
		return success(domain.BoolValue(false))
	}
	return failure(ErrFormat, "err_bool")
}

func (boolValidator) CheckRule(r form.Rule) error {
	for alias, target := range r.Aliases {
		if _, err := strconv.ParseBool(target); err != nil {
			return fmt.Errorf("alias %q must map to true or false, got %q", alias, target)
		}
	}
	return nil
}

var nonDigits = regexp.MustCompile(`[^0-9]`)

type postalCodeValidator struct{}

func (postalCodeValidator) Validate(_ form.FieldSpec, input string) Outcome {
	s := nonDigits.ReplaceAllString(input, "")
	if len(s) != 5 {
		return failure(ErrFormat, "err_postal_code")
	}
	return success(domain.TextValue(s))
}

func (postalCodeValidator) CheckRule(form.Rule) error { return nil }

var ibanShape = regexp.MustCompile(`^[A-Z]{2}[0-9]{2}[A-Z0-9]{11,30}$`)

type ibanValidator struct{}

func (ibanValidator) Validate(spec form.FieldSpec, input string) Outcome {
	s := strings.ToUpper(strings.ReplaceAll(input, " ", ""))
	if !ibanShape.MatchString(s) || !ibanChecksum(s) {
		return failure(ErrFormat, "err_iban")
	}
	if cc := spec.Rule.CountryCode; cc != "" && !strings.HasPrefix(s, strings.ToUpper(cc)) {
		return failure(ErrFormat, "err_iban")
	}
	return success(domain.TextValue(s))
}

func (ibanValidator) CheckRule(r form.Rule) error {
	if r.CountryCode != "" && len(r.CountryCode) != 2 {
		return fmt.Errorf("country_code %q must be a two-letter country code", r.CountryCode)
	}
	return nil
}

// ibanChecksum applies the ISO 13616 mod-97 check.
func ibanChecksum(iban string) bool {
	rearranged := iban[4:] + iban[:4]
	var b strings.Builder
	for _, c := range rearranged {
		if c >= 'A' && c <= 'Z' {
			b.WriteString(strconv.Itoa(int(c-'A') + 10))
		} else {
			b.WriteRune(c)
		}
	}
	n, ok := new(big.Int).SetString(b.String(), 10)
	if !ok {
		return false
	}
	return new(big.Int).Mod(n, big.NewInt(97)).Int64() == 1
}

type taxIDValidator struct{}

func (taxIDValidator) Validate(_ form.FieldSpec, input string) Outcome {
	s := nonDigits.ReplaceAllString(input, "")
	if len(s) != 11 {
		return failure(ErrFormat, "err_tax_id")
	}
	return success(domain.TextValue(s))
}

func (taxIDValidator) CheckRule(form.Rule) error { return nil }

var monthRe = regexp.MustCompile(`^(0?[1-9]|1[0-2])[./-]([0-9]{4})$`)

type monthValidator struct{}

func (monthValidator) Validate(_ form.FieldSpec, input string) Outcome {
	m := monthRe.FindStringSubmatch(strings.ReplaceAll(input, " ", ""))
	if m == nil {
		return failure(ErrFormat, "err_month")
	}
	month, _ := strconv.Atoi(m[1])
	return success(domain.TextValue(fmt.Sprintf("%02d.%s", month, m[2])))
}

func (monthValidator) CheckRule(form.Rule) error { return nil }
