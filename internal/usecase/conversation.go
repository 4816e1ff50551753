package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"

	"formbot/internal/domain"
	"formbot/internal/orchestrator"
)

const defaultSessionTimeout = 24 * time.Hour

type Conversation interface {
	Handle(in domain.Inbound, snap *domain.Session, now time.Time) (orchestrator.Result, error)
	Expire(in domain.Inbound, snap *domain.Session, now time.Time) (orchestrator.Result, error)
}

// SessionStore persists sessions. Load returns nil without error when no
// session exists. Save writes s only if the stored version still equals
// expectedVersion, then sets s.Version to the new version; otherwise it
// returns domain.ErrVersionConflict.
type SessionStore interface {
	Load(ctx context.Context, id string) (*domain.Session, error)
	Save(ctx context.Context, s *domain.Session, expectedVersion int64) error
	Delete(ctx context.Context, id string) error
}

// Archiver is implemented by stores that keep finished passes. The service
// hands it a pass that expired and was replaced within one turn, so it never
// reached Save in a terminal state.
type Archiver interface {
	Archive(ctx context.Context, s *domain.Session) error
}

// Sweeper is implemented by stores that can abandon idle sessions in bulk.
type Sweeper interface {
	AbandonExpired(ctx context.Context, cutoff time.Time) (int, error)
}

type Forwarder interface {
	Submit(ctx context.Context, sub domain.Submission) error
}

// Recorder receives per-turn measurements.
type Recorder interface {
	Transition(t orchestrator.Transition)
	Conflict()
	Forwarded(err error)
}

type nopRecorder struct{}

func (nopRecorder) Transition(orchestrator.Transition) {}
func (nopRecorder) Conflict()                          {}
func (nopRecorder) Forwarded(error)                    {}

type Options struct {
	// Forwarder receives completed forms. Nil disables forwarding.
	Forwarder      Forwarder
	Metrics        Recorder
	SessionTimeout time.Duration
	Logger         *slog.Logger
}

type ConversationService struct {
	conv      Conversation
	store     SessionStore
	forwarder Forwarder
	metrics   Recorder
	timeout   time.Duration
	logger    *slog.Logger
	locks     keyLock
	now       func() time.Time
}

type Reply struct {
	SessionID string
	Messages  []domain.Outbound
	State     domain.State
	Submitted bool
	// Duplicate is set when the message id was already applied and the turn
	// was skipped.
	Duplicate bool
}

func NewConversationService(c Conversation, store SessionStore, opts Options) (*ConversationService, error) {
	if c == nil {
		return nil, errors.New("usecase: conversation must not be nil")
	}
	if store == nil {
		return nil, errors.New("usecase: session store must not be nil")
	}
	if opts.Metrics == nil {
		opts.Metrics = nopRecorder{}
	}
	if opts.SessionTimeout <= 0 {
		opts.SessionTimeout = defaultSessionTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &ConversationService{
		conv:      c,
		store:     store,
		forwarder: opts.Forwarder,
		metrics:   opts.Metrics,
		timeout:   opts.SessionTimeout,
		logger:    opts.Logger,
		now:       time.Now,
	}, nil
}

// HandleMessage runs one conversation turn for the sender of in. Turns of
// the same sender are serialized within the process; across processes the
// versioned save rejects the loser with ErrorConflict.
func (s *ConversationService) HandleMessage(ctx context.Context, in domain.Inbound) (Reply, error) {
	id := domain.SessionID(in.SenderID)
	if id == "" {
		return Reply{}, newError(ErrorInvalidInput, "empty_sender", nil)
	}
	unlock := s.locks.lock(id)
	defer unlock()

	snap, err := s.store.Load(ctx, id)
	if err != nil {
		return Reply{}, newError(ErrorInternal, "session_load_error", err)
	}

	if snap.HasSeen(in.MessageID) {
		s.logger.InfoContext(ctx, "duplicate message skipped", "session", id, "message_id", in.MessageID)
		return Reply{SessionID: id, State: snap.State, Duplicate: true}, nil
	}

	now := s.now().UTC()
	var res orchestrator.Result
	if snap.Expired(now, s.timeout) {
		res, err = s.conv.Expire(in, snap, now)
	} else {
		res, err = s.conv.Handle(in, snap, now)
	}
	if err != nil {
		if errors.Is(err, orchestrator.ErrEmptySender) {
			return Reply{}, newError(ErrorInvalidInput, "empty_sender", err)
		}
		return Reply{}, newError(ErrorInternal, "orchestrator_error", err)
	}

	if snap != nil && len(snap.Seen) > 0 {
		res.Session.Seen = append([]string(nil), snap.Seen...)
	}
	res.Session.Remember(in.MessageID)

	s.logDiff(ctx, snap, res)
	if err := s.store.Save(ctx, res.Session, res.Session.Version); err != nil {
		if errors.Is(err, domain.ErrVersionConflict) {
			s.metrics.Conflict()
			return Reply{}, newError(ErrorConflict, "session_conflict", err)
		}
		return Reply{}, newError(ErrorInternal, "session_save_error", err)
	}
	if res.Expired != nil {
		s.archive(ctx, res.Expired)
	}
	s.metrics.Transition(res.Transition)
	s.logger.InfoContext(ctx, "turn handled",
		"session", id,
		"from", res.Transition.From,
		"to", res.Transition.To,
		"outcome", res.Transition.Outcome,
		"version", res.Session.Version,
	)

	reply := Reply{SessionID: id, Messages: res.Messages, State: res.Session.State}
	if res.Submission != nil {
		reply.Submitted = s.forward(ctx, *res.Submission)
	}
	return reply, nil
}

// archive keeps an expired pass when the store supports it. Failures are
// logged; the replacement session is already stored.
func (s *ConversationService) archive(ctx context.Context, expired *domain.Session) {
	a, ok := s.store.(Archiver)
	if !ok {
		return
	}
	if err := a.Archive(ctx, expired); err != nil {
		s.logger.ErrorContext(ctx, "expired session archive failed", "session", expired.ID, "error", err)
	}
}

// forward delivers a completed form. Failures are logged and counted; the
// session is already stored as completed.
func (s *ConversationService) forward(ctx context.Context, sub domain.Submission) bool {
	if s.forwarder == nil {
		return false
	}
	err := s.forwarder.Submit(ctx, sub)
	s.metrics.Forwarded(err)
	if err != nil {
		upstream := newError(ErrorUpstream, "forward_error", err)
		s.logger.ErrorContext(ctx, "submission forward failed", "session", sub.SessionID, "form", sub.FormID, "error", upstream)
		return false
	}
	s.logger.InfoContext(ctx, "submission forwarded", "session", sub.SessionID, "form", sub.FormID)
	return true
}

// Reset drops the stored session of a sender.
func (s *ConversationService) Reset(ctx context.Context, senderID string) error {
	id := domain.SessionID(senderID)
	if id == "" {
		return newError(ErrorInvalidInput, "empty_sender", nil)
	}
	unlock := s.locks.lock(id)
	defer unlock()
	if err := s.store.Delete(ctx, id); err != nil {
		return newError(ErrorInternal, "session_delete_error", err)
	}
	return nil
}

// Sweep abandons sessions idle for longer than the session timeout when the
// store supports bulk expiry. It reports how many sessions were abandoned.
func (s *ConversationService) Sweep(ctx context.Context) (int, error) {
	sw, ok := s.store.(Sweeper)
	if !ok {
		return 0, nil
	}
	n, err := sw.AbandonExpired(ctx, s.now().UTC().Add(-s.timeout))
	if err != nil {
		return n, newError(ErrorInternal, "session_sweep_error", err)
	}
	return n, nil
}

func (s *ConversationService) logDiff(ctx context.Context, before *domain.Session, res orchestrator.Result) {
	if !s.logger.Enabled(ctx, slog.LevelDebug) {
		return
	}
	patch, err := sessionPatch(before, res.Session)
	if err != nil {
		s.logger.WarnContext(ctx, "session diff failed", "session", res.Session.ID, "error", err)
		return
	}
	s.logger.DebugContext(ctx, "session diff", "session", res.Session.ID, "field", res.Transition.Field, "patch", string(patch))
}

// sessionPatch returns the RFC 7396 merge patch that turns before into after.
func sessionPatch(before, after *domain.Session) ([]byte, error) {
	from := []byte("{}")
	if before != nil {
		b, err := json.Marshal(before)
		if err != nil {
			return nil, err
		}
		from = b
	}
	to, err := json.Marshal(after)
	if err != nil {
		return nil, err
	}
	return jsonpatch.CreateMergePatch(from, to)
}
