// Package orchestrator is the conversation state machine. It maps the current
// session, the form catalog and one inbound message to the next session,
// the outbound messages and an optional form submission. It performs no I/O.
package orchestrator

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"formbot/internal/domain"
	"formbot/internal/form"
	"formbot/internal/locale"
	"formbot/internal/validate"
)

const defaultMaxRetries = 3

var (
	ErrEmptySender = errors.New("orchestrator: sender must not be empty")
	ErrUnknownForm = errors.New("orchestrator: session references an unknown form")
)

// FieldValidator checks raw input against a field spec.
type FieldValidator interface {
	Validate(spec form.FieldSpec, raw string) validate.Outcome
}

// Outcome tags what a turn did.
type Outcome string

const (
	OutcomeStarted   Outcome = "started"
	OutcomeAdvanced  Outcome = "advanced"
	OutcomeInvalid   Outcome = "invalid"
	OutcomeExhausted Outcome = "exhausted"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeBack      Outcome = "back"
	OutcomeRestarted Outcome = "restarted"
	OutcomeCompleted Outcome = "completed"
	OutcomeExpired   Outcome = "expired"
)

// Transition describes the state change of one turn.
type Transition struct {
	From    domain.State
	To      domain.State
	Outcome Outcome
	// Field is the field the turn was about, if any.
	Field string
}

// Result is the decision of one turn. Session is a fresh copy; the snapshot
// passed to Handle is never modified.
type Result struct {
	Messages   []domain.Outbound
	Session    *domain.Session
	Submission *domain.Submission
	Transition Transition
	// Expired is the pass this turn abandoned for inactivity before starting
	// over. Nil when the session was already swept or did not expire.
	Expired *domain.Session
}

// Config tunes the state machine.
type Config struct {
	// MaxRetries is the number of failed attempts on one prompt after which
	// the session is abandoned.
	MaxRetries int
}

// Orchestrator holds only immutable collaborators and is safe for
// concurrent use.
type Orchestrator struct {
	forms      *form.Catalog
	locale     *locale.Resolver
	validator  FieldValidator
	maxRetries int
}

// New checks that every locale key the catalog and the state machine need is
// present in the default bundle.
func New(forms *form.Catalog, res *locale.Resolver, v FieldValidator, cfg Config) (*Orchestrator, error) {
	if forms == nil || len(forms.Forms()) == 0 {
		return nil, errors.New("orchestrator: form catalog must not be empty")
	}
	if res == nil {
		return nil, errors.New("orchestrator: locale resolver must not be nil")
	}
	if v == nil {
		return nil, errors.New("orchestrator: validator must not be nil")
	}
	keys := append(Keys(), forms.Keys()...)
	if rk, ok := v.(validate.ReasonKeyer); ok {
		keys = append(keys, rk.ReasonKeys()...)
	}
	var errs []error
	if err := res.Require(keys...); err != nil {
		errs = append(errs, err)
	}
	for _, lang := range res.Languages() {
		if !res.Has(lang, keyLanguageName) {
			errs = append(errs, fmt.Errorf("orchestrator: bundle %q has no %s", lang, keyLanguageName))
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	return &Orchestrator{forms: forms, locale: res, validator: v, maxRetries: cfg.MaxRetries}, nil
}

// Handle runs one turn. A nil or terminal snapshot starts a new session that
// keeps the previous language and version.
func (o *Orchestrator) Handle(in domain.Inbound, snap *domain.Session, now time.Time) (Result, error) {
	id := domain.SessionID(in.SenderID)
	if id == "" {
		return Result{}, ErrEmptySender
	}
	if snap == nil || snap.State.Terminal() {
		return o.start(in, id, snap, now)
	}

	t := &turn{o: o, s: snap.Clone(), to: id, text: normalizeInput(in.Text)}
	t.tr.From = snap.State
	f, err := o.activeForm(t.s)
	if err != nil {
		return Result{}, err
	}
	t.f = f
	if err := t.s.Check(t.order()); err != nil {
		return Result{}, fmt.Errorf("orchestrator: stale session: %w", err)
	}

	switch {
	case o.matches(t.s.Language, keyCancelWords, t.text):
		t.abandon(OutcomeCancelled, keyCancelled)
	case t.s.State == domain.StateAwaitingLanguage:
		t.selectLanguage()
	case t.s.State == domain.StateAwaitingForm:
		t.selectForm()
	case t.s.State == domain.StateCollecting:
		t.collect(in.Text)
	case t.s.State == domain.StateReview:
		t.review()
	default:
		return Result{}, fmt.Errorf("orchestrator: unexpected state %q", t.s.State)
	}
	return t.finish(now)
}

// Expire abandons an idle session and prepends the expiry notice to the
// turn that starts its replacement.
func (o *Orchestrator) Expire(in domain.Inbound, snap *domain.Session, now time.Time) (Result, error) {
	swept := snap != nil && snap.TimedOut && snap.State == domain.StateAbandoned
	if snap == nil || (snap.State.Terminal() && !swept) {
		return o.Handle(in, snap, now)
	}
	notice, err := o.locale.Resolve(snap.Language, keySessionExpired, nil)
	if err != nil {
		return Result{}, err
	}
	expired := snap.Clone()
	if !swept {
		expired.Expire(now)
	}
	res, err := o.Handle(in, expired, now)
	if err != nil {
		return Result{}, err
	}
	res.Messages = append([]domain.Outbound{{To: res.Session.ID, Text: notice}}, res.Messages...)
	res.Transition.From = snap.State
	res.Transition.Outcome = OutcomeExpired
	if !swept {
		res.Expired = expired
	}
	return res, nil
}

func (o *Orchestrator) start(in domain.Inbound, id string, prev *domain.Session, now time.Time) (Result, error) {
	lang := o.locale.Default()
	if prev != nil && o.locale.Supported(prev.Language) {
		lang = prev.Language
	}
	if hint := strings.ToLower(strings.TrimSpace(in.LocaleHint)); hint != "" && o.locale.Supported(hint) {
		lang = hint
	}
	t := &turn{o: o, s: domain.NewSession(id, lang, now), to: id}
	if prev != nil {
		t.s.Version = prev.Version
		t.tr.From = prev.State
	}
	t.tr.Outcome = OutcomeStarted
	t.emit(t.languagePrompt())
	return t.finish(now)
}

func (o *Orchestrator) activeForm(s *domain.Session) (*form.Form, error) {
	if s.FormID == "" {
		if s.State == domain.StateCollecting || s.State == domain.StateReview {
			return nil, fmt.Errorf("%w: session %q is %s without a form", ErrUnknownForm, s.ID, s.State)
		}
		return nil, nil
	}
	f, ok := o.forms.Lookup(s.FormID)
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownForm, s.FormID)
	}
	return f, nil
}

// matches reports whether text is one of the keywords of key in the session
// language or the default language.
func (o *Orchestrator) matches(lang, key, text string) bool {
	if text == "" {
		return false
	}
	for _, l := range []string{lang, o.locale.Default()} {
		for _, w := range o.locale.Keywords(l, key) {
			if w == text {
				return true
			}
		}
	}
	return false
}

// normalizeInput lower-cases text and strips surrounding punctuation for
// keyword and selection matching.
func normalizeInput(s string) string {
	return strings.Trim(strings.ToLower(strings.TrimSpace(s)), ".!?;, ")
}


// turn accumulates the effects of one Handle call.
type turn struct {
	o    *Orchestrator
	s    *domain.Session
	f    *form.Form
	to   string
	text string
	tr   Transition
	msgs []domain.Outbound
	sub  *domain.Submission
	err  error
}

// layout expands the active form against the values collected so far. It
// changes whenever a repeat count is stored or removed.
func (t *turn) layout() *form.Layout {
	return t.f.Layout(t.s.Values)
}

func (t *turn) order() domain.FieldOrder {
	if t.f == nil {
		return nil
	}
	return t.layout()
}

func (t *turn) finish(now time.Time) (Result, error) {
	if t.err != nil {
		return Result{}, t.err
	}
	t.s.UpdatedAt = now
	if err := t.s.Check(t.order()); err != nil {
		return Result{}, fmt.Errorf("orchestrator: invariant violated: %w", err)
	}
	t.tr.To = t.s.State
	if t.sub != nil {
		t.sub.CompletedAt = now
	}
	return Result{Messages: t.msgs, Session: t.s, Submission: t.sub, Transition: t.tr}, nil
}

func (t *turn) emit(text string) {
	if t.err != nil {
		return
	}
	t.msgs = append(t.msgs, domain.Outbound{To: t.to, Text: text})
}

func (t *turn) render(key string, ctx map[string]string) string {
	if t.err != nil {
		return ""
	}
	out, err := t.o.locale.Resolve(t.s.Language, key, ctx)
	if err != nil {
		t.err = fmt.Errorf("orchestrator: render %s: %w", key, err)
		return ""
	}
	return out
}

func (t *turn) abandon(outcome Outcome, key string) {
	t.s.State = domain.StateAbandoned
	t.tr.Outcome = outcome
	t.emit(t.render(key, t.valueContext()))
}

// reject counts a failed attempt and either re-prompts with the reason or
// abandons the session once the retry limit is reached.
func (t *turn) reject(reason string, prompt func() string) {
	t.s.Retries++
	if t.s.Retries >= t.o.maxRetries {
		t.abandon(OutcomeExhausted, keyTooManyAttempts)
		return
	}
	t.tr.Outcome = OutcomeInvalid
	ctx := t.valueContext()
	ctx["reason"] = reason
	ctx["attempts_left"] = strconv.Itoa(t.o.maxRetries - t.s.Retries)
	ctx["prompt"] = prompt()
	t.emit(t.render(keyRetryPrompt, ctx))
}

func (t *turn) languagePrompt() string {
	langs := t.o.locale.Languages()
	options := make([]string, 0, len(langs))
	for i, l := range langs {
		name, err := t.o.locale.Resolve(l, keyLanguageName, nil)
		if err != nil {
			t.err = err
			return ""
		}
		options = append(options, t.render(keyLanguageOption, map[string]string{
			"index": strconv.Itoa(i + 1), "name": name, "tag": l,
		}))
	}
	return t.render(keyLanguagePrompt, map[string]string{"languages": strings.Join(options, "\n")})
}

func (t *turn) selectLanguage() {
	langs := t.o.locale.Languages()
	chosen := ""
	if n, err := strconv.Atoi(t.text); err == nil && n >= 1 && n <= len(langs) {
		chosen = langs[n-1]
	}
	for _, l := range langs {
		if chosen != "" {
			break
		}
		name, _ := t.o.locale.Resolve(l, keyLanguageName, nil)
		if t.text == l || strings.EqualFold(t.text, name) {
			chosen = l
		}
	}
	if chosen == "" {
		t.reject(t.render(keyInvalidChoice, nil), t.languagePrompt)
		return
	}
	t.s.Language = chosen
	t.s.State = domain.StateAwaitingForm
	t.s.Retries = 0
	t.tr.Outcome = OutcomeAdvanced
	t.emit(t.formPrompt())
}

func (t *turn) formPrompt() string {
	forms := t.o.forms.Forms()
	options := make([]string, 0, len(forms))
	for i, f := range forms {
		options = append(options, t.render(keyFormOption, map[string]string{
			"index": strconv.Itoa(i + 1), "title": t.render(f.TitleKey, nil), "id": f.ID,
		}))
	}
	return t.render(keyFormPrompt, map[string]string{"forms": strings.Join(options, "\n")})
}

func (t *turn) selectForm() {
	forms := t.o.forms.Forms()
	var chosen *form.Form
	if n, err := strconv.Atoi(t.text); err == nil && n >= 1 && n <= len(forms) {
		chosen = forms[n-1]
	} else if f, ok := t.o.forms.Lookup(t.text); ok {
		chosen = f
	} else {
		for _, f := range forms {
			if strings.EqualFold(t.text, t.render(f.TitleKey, nil)) {
				chosen = f
				break
			}
		}
	}
	if chosen == nil {
		t.reject(t.render(keyInvalidChoice, nil), t.formPrompt)
		return
	}
	t.f = chosen
	t.s.FormID = chosen.ID
	t.s.Values = map[string]domain.Value{}
	t.tr.Outcome = OutcomeAdvanced
	t.moveTo(t.layout().NextApplicable(0, t.s.Values))
}

// moveTo places the cursor on slot i (already known to apply) and prompts
// it, or enters review when the form is exhausted.
func (t *turn) moveTo(i int) {
	t.s.FieldIndex = i
	t.s.Retries = 0
	slot, ok := t.layout().Slot(i)
	if !ok {
		t.enterReview()
		return
	}
	t.s.State = domain.StateCollecting
	t.tr.Field = slot.Name
	t.emit(t.fieldPrompt(i))
}

func (t *turn) fieldPrompt(i int) string {
	l := t.layout()
	slot, _ := l.Slot(i)
	return t.render(slot.Spec.PromptKey, t.fieldContext(slot, i, l.FieldCount()))
}

func (t *turn) valueContext() map[string]string {
	ctx := make(map[string]string, len(t.s.Values)+8)
	for name, v := range t.s.Values {
		ctx[name] = v.Text
	}
	return ctx
}

// fieldContext adds the slot's own placeholders to the values. Inside a
// repeat group the values of the same iteration are also reachable by their
// plain field names, so {kid_name} means the current child.
func (t *turn) fieldContext(slot form.Slot, i, total int) map[string]string {
	ctx := t.valueContext()
	if slot.Iteration > 0 {
		for name, v := range t.s.Values {
			if field, it := form.SplitName(name); it == slot.Iteration {
				ctx[field] = v.Text
			}
		}
		ctx["i"] = strconv.Itoa(slot.Iteration)
	}
	ctx["field"] = slot.Name
	ctx["label"] = t.label(slot)
	ctx["index"] = strconv.Itoa(i + 1)
	ctx["total"] = strconv.Itoa(total)
	if len(slot.Spec.Rule.Choices) > 0 {
		ctx["choices"] = strings.Join(slot.Spec.Rule.Choices, ", ")
	}
	return ctx
}

func (t *turn) label(slot form.Slot) string {
	if slot.Iteration == 0 {
		return t.render(slot.Spec.LabelKey, nil)
	}
	return t.render(slot.Spec.LabelKey, map[string]string{"i": strconv.Itoa(slot.Iteration)})
}

func (t *turn) collect(raw string) {
	i := t.s.FieldIndex
	slot, ok := t.layout().Slot(i)
	if !ok {
		t.enterReview()
		return
	}
	t.tr.Field = slot.Name
	if t.o.matches(t.s.Language, keyBackWords, t.text) {
		t.back()
		return
	}
	out := validate.Outcome{OK: true, Empty: true}
	if !slot.Spec.Optional || !t.o.matches(t.s.Language, keySkipWords, t.text) {
		out = t.o.validator.Validate(slot.Spec, raw)
	}
	if !out.OK {
		ctx := t.fieldContext(slot, i, t.layout().FieldCount())
		for k, v := range out.Params {
			ctx[k] = v
		}
		t.reject(t.render(out.ReasonKey, ctx), func() string { return t.fieldPrompt(i) })
		return
	}
	if !out.Empty {
		t.s.Values[slot.Name] = out.Value
	}
	t.tr.Outcome = OutcomeAdvanced
	t.moveTo(t.layout().NextApplicable(i+1, t.s.Values))
}

// back returns to the closest earlier slot that was asked, discarding its
// value and every value after it.
func (t *turn) back() {
	t.tr.Outcome = OutcomeBack
	l := t.layout()
	target := l.PrevApplicable(t.s.FieldIndex, t.s.Values)
	if target < 0 {
		t.s.Retries = 0
		t.emit(t.fieldPrompt(t.s.FieldIndex))
		return
	}
	for name := range t.s.Values {
		if pos, _ := l.FieldPosition(name); pos >= target {
			delete(t.s.Values, name)
		}
	}
	t.moveTo(target)
}

func (t *turn) enterReview() {
	t.s.State = domain.StateReview
	t.s.FieldIndex = t.layout().FieldCount()
	t.s.Retries = 0
	t.emit(t.render(keyReviewSummary, map[string]string{"summary": t.summary()}))
	t.emit(t.render(keyReviewPrompt, t.valueContext()))
}

func (t *turn) summary() string {
	lines := make([]string, 0, len(t.s.Values))
	for _, slot := range t.layout().Slots() {
		v, ok := t.s.Values[slot.Name]
		if !ok {
			continue
		}
		lines = append(lines, t.render(keyReviewLine, map[string]string{
			"label": t.label(slot), "value": v.Text, "field": slot.Name,
		}))
	}
	return strings.Join(lines, "\n")
}

func (t *turn) review() {
	switch {
	case t.o.matches(t.s.Language, keyConfirmWords, t.text):
		t.s.State = domain.StateCompleted
		t.tr.Outcome = OutcomeCompleted
		t.sub = t.submission()
		ctx := t.valueContext()
		ctx["summary"] = t.summary()
		t.emit(t.render(keyCompleted, ctx))
	case t.o.matches(t.s.Language, keyRestartWords, t.text):
		t.s.Values = map[string]domain.Value{}
		t.tr.Outcome = OutcomeRestarted
		t.emit(t.render(keyRestarted, nil))
		t.moveTo(t.layout().NextApplicable(0, t.s.Values))
	case t.o.matches(t.s.Language, keyBackWords, t.text):
		t.back()
	default:
		t.reject(t.render(keyInvalidChoice, nil), func() string { return t.render(keyReviewPrompt, t.valueContext()) })
	}
}

func (t *turn) submission() *domain.Submission {
	sub := &domain.Submission{SessionID: t.s.ID, FormID: t.f.ID, Language: t.s.Language}
	for _, slot := range t.layout().Slots() {
		if v, ok := t.s.Values[slot.Name]; ok {
			sub.Values = append(sub.Values, domain.FieldValue{Name: slot.Name, Kind: v.Kind, Value: v.Text})
		}
	}
	return sub
}
