package httpapi

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"formbot/handler"
	"formbot/internal/domain"
	"formbot/internal/usecase"
)

const maxBodyBytes = 1 << 20

var errRateLimited = errors.New("httpapi: sender rate limited")

type webhooks struct {
	turner      Turner
	limiter     *RateLimiter
	verify      Getter
	verifyParam string
	logger      *slog.Logger
}

func (h *webhooks) twilio(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, string(usecase.ErrorInvalidInput), "bad_body")
		return
	}
	in, err := handler.ParseTwilio(string(body))
	if err != nil {
		writeError(w, http.StatusBadRequest, string(usecase.ErrorInvalidInput), "bad_payload")
		return
	}
	// A started turn is saved even if the caller hangs up.
	reply, err := h.run(context.WithoutCancel(r.Context()), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	doc, err := handler.TwiML(reply.Messages)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, doc)
}

func (h *webhooks) meta(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, string(usecase.ErrorInvalidInput), "bad_body")
		return
	}
	ins, err := handler.ParseMeta(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, string(usecase.ErrorInvalidInput), "bad_payload")
		return
	}
	out, failed := handler.RunBatch(context.WithoutCancel(r.Context()), ins, h.run)
	for _, f := range failed {
		status, code, reason := handler.StatusFor(f.Err)
		if errors.Is(f.Err, errRateLimited) {
			status, code, reason = http.StatusTooManyRequests, "RATE_LIMITED", "sender_rate_limited"
		}
		h.logger.WarnContext(r.Context(), "batch message failed",
			"session", domain.SessionID(f.Inbound.SenderID),
			"message_id", f.Inbound.MessageID,
			"status", status, "code", code, "reason", reason, "error", f.Err,
			"correlation_id", correlationID(r.Context()))
	}
	if len(failed) > 0 && len(failed) == len(ins) {
		h.fail(w, r, failed[0].Err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *webhooks) verifyMeta(w http.ResponseWriter, r *http.Request) {
	if h.verify == nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "verification_disabled")
		return
	}
	token, err := h.verify.GetParameter(r.Context(), h.verifyParam)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "verify token lookup failed", "error", err)
		writeError(w, http.StatusInternalServerError, string(usecase.ErrorInternal), "verify_token_error")
		return
	}
	q := r.URL.Query()
	query := map[string]string{
		"hub.mode":         q.Get("hub.mode"),
		"hub.verify_token": q.Get("hub.verify_token"),
		"hub.challenge":    q.Get("hub.challenge"),
	}
	challenge, ok := handler.VerifyChallenge(query, strings.TrimSpace(token))
	if !ok {
		writeError(w, http.StatusForbidden, "FORBIDDEN", "verify_token_mismatch")
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, challenge)
}

// run applies the sender rate limit and runs the turn.
func (h *webhooks) run(ctx context.Context, in domain.Inbound) (usecase.Reply, error) {
	if h.limiter != nil && !h.limiter.Allow(domain.SessionID(in.SenderID)) {
		return usecase.Reply{}, errRateLimited
	}
	return h.turner.HandleInbound(ctx, in)
}

func (h *webhooks) fail(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, errRateLimited) {
		h.logger.WarnContext(r.Context(), "turn rejected", "reason", "sender_rate_limited", "correlation_id", correlationID(r.Context()))
		writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "sender_rate_limited")
		return
	}
	status, code, reason := handler.StatusFor(err)
	if status >= 500 {
		h.logger.ErrorContext(r.Context(), "turn failed", "code", code, "reason", reason, "error", err, "correlation_id", correlationID(r.Context()))
	} else {
		h.logger.WarnContext(r.Context(), "turn rejected", "code", code, "reason", reason, "error", err, "correlation_id", correlationID(r.Context()))
	}
	writeError(w, status, code, reason)
}
