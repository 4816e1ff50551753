package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrVersionConflict is returned by session stores when the stored version
// differs from the one the writer read.
var ErrVersionConflict = errors.New("session version conflict")

// State is the orchestration state of a conversation session.
type State string

const (
	StateAwaitingLanguage State = "awaiting_language"
	StateAwaitingForm     State = "awaiting_form"
	StateCollecting       State = "collecting"
	StateReview           State = "review"
	StateCompleted        State = "completed"
	StateAbandoned        State = "abandoned"
)

// Terminal reports whether no further input is accepted in this state.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateAbandoned
}

// Valid reports whether s is one of the known states.
func (s State) Valid() bool {
	switch s {
	case StateAwaitingLanguage, StateAwaitingForm, StateCollecting, StateReview, StateCompleted, StateAbandoned:
		return true
	}
	return false
}

// Session is the per-sender conversation state. It is owned by the session
// store; the orchestrator works on copies returned by Clone.
type Session struct {
	ID         string           `json:"id"`
	Language   string           `json:"language"`
	FormID     string           `json:"form_id,omitempty"`
	FieldIndex int              `json:"field_index"`
	Values     map[string]Value `json:"values"`
	State      State            `json:"state"`
	Retries    int              `json:"retries"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
	// Version is incremented by every successful store write. Zero means the
	// session has never been stored.
	Version int64 `json:"version"`
	// TimedOut marks a session abandoned for inactivity.
	TimedOut bool `json:"timed_out,omitempty"`
	// Seen lists the most recent transport message IDs applied to the
	// session, oldest first.
	Seen []string `json:"seen,omitempty"`
}

// MaxSeen bounds Session.Seen.
const MaxSeen = 32

// NewSession returns a session in the initial state.
func NewSession(id, language string, now time.Time) *Session {
	return &Session{
		ID:        id,
		Language:  language,
		Values:    map[string]Value{},
		State:     StateAwaitingLanguage,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone returns a deep copy of s.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.Values = make(map[string]Value, len(s.Values))
	for k, v := range s.Values {
		out.Values[k] = v
	}
	if s.Seen != nil {
		out.Seen = append([]string(nil), s.Seen...)
	}
	return &out
}

// Expired reports whether the session timed out: either a sweep already
// abandoned it for inactivity, or it is still open and has been idle longer
// than timeout.
func (s *Session) Expired(now time.Time, timeout time.Duration) bool {
	if s == nil {
		return false
	}
	if s.TimedOut && s.State == StateAbandoned {
		return true
	}
	if timeout <= 0 || s.State.Terminal() {
		return false
	}
	return now.Sub(s.UpdatedAt) > timeout
}

// Expire abandons a non-terminal session for inactivity.
func (s *Session) Expire(now time.Time) bool {
	if !s.Abandon(now) {
		return false
	}
	s.TimedOut = true
	return true
}

// HasSeen reports whether the transport message id was already applied.
func (s *Session) HasSeen(id string) bool {
	if s == nil || id == "" {
		return false
	}
	for _, v := range s.Seen {
		if v == id {
			return true
		}
	}
	return false
}

// Remember records a transport message id, dropping the oldest beyond
// MaxSeen.
func (s *Session) Remember(id string) {
	if id == "" || s.HasSeen(id) {
		return
	}
	s.Seen = append(s.Seen, id)
	if n := len(s.Seen) - MaxSeen; n > 0 {
		s.Seen = append([]string(nil), s.Seen[n:]...)
	}
}

// Abandon moves a non-terminal session to the abandoned state.
func (s *Session) Abandon(now time.Time) bool {
	if s.State.Terminal() {
		return false
	}
	s.State = StateAbandoned
	s.UpdatedAt = now
	return true
}

// FieldOrder is the subset of a form definition the session invariant needs.
type FieldOrder interface {
	FieldCount() int
	FieldPosition(name string) (int, bool)
}

// Check verifies the session invariants against the active form: the cursor
// stays within [0, field count] and values exist only for fields before it.
func (s *Session) Check(form FieldOrder) error {
	if !s.State.Valid() {
		return fmt.Errorf("domain: session %q has unknown state %q", s.ID, s.State)
	}
	if form == nil {
		if len(s.Values) > 0 {
			return fmt.Errorf("domain: session %q has values but no form", s.ID)
		}
		return nil
	}
	if s.FieldIndex < 0 || s.FieldIndex > form.FieldCount() {
		return fmt.Errorf("domain: session %q field index %d out of range [0,%d]", s.ID, s.FieldIndex, form.FieldCount())
	}
	for name := range s.Values {
		pos, ok := form.FieldPosition(name)
		if !ok {
			return fmt.Errorf("domain: session %q holds value for unknown field %q", s.ID, name)
		}
		if pos >= s.FieldIndex {
			return fmt.Errorf("domain: session %q holds value for field %q at or beyond cursor %d", s.ID, name, s.FieldIndex)
		}
	}
	return nil
}
