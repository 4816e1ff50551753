// Package handler adapts API Gateway proxy events from the Twilio and Meta
// messaging webhooks to the conversation service.
package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"formbot/internal/domain"
	"formbot/internal/usecase"
)

const correlationHeader = "X-Correlation-Id"

type Messenger interface {
	HandleMessage(ctx context.Context, in domain.Inbound) (usecase.Reply, error)
}

// Detector guesses a language tag from message text.
type Detector interface {
	Detect(text string) string
}

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

type Handler struct {
	uc          Messenger
	detector    Detector
	verify      Getter
	verifyParam string
	logger      *slog.Logger
}

type Option func(*Handler)

func WithDetector(d Detector) Option {
	return func(h *Handler) { h.detector = d }
}

// WithVerifyToken enables the Meta GET handshake with the token stored
// under name.
func WithVerifyToken(g Getter, name string) Option {
	return func(h *Handler) {
		h.verify = g
		h.verifyParam = name
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func NewHandler(uc Messenger, opts ...Option) (*Handler, error) {
	if uc == nil {
		return nil, errors.New("handler: messenger must not be nil")
	}
	h := &Handler{uc: uc, logger: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Handle routes POST /twilio, GET|POST /meta.
func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	corrID := header(req.Headers, correlationHeader)
	if corrID == "" {
		corrID = uuid.NewString()
	}
	logger := h.logger.With("correlation_id", corrID)

	body, err := requestBody(req)
	if err != nil {
		return errorJSON(corrID, http.StatusBadRequest, string(usecase.ErrorInvalidInput), "bad_encoding"), nil
	}

	route := strings.TrimRight(req.Path, "/")
	switch {
	case req.HTTPMethod == http.MethodPost && strings.HasSuffix(route, "/twilio"):
		return h.twilio(ctx, logger, corrID, body), nil
	case req.HTTPMethod == http.MethodPost && strings.HasSuffix(route, "/meta"):
		return h.meta(ctx, logger, corrID, body), nil
	case req.HTTPMethod == http.MethodGet && strings.HasSuffix(route, "/meta"):
		return h.verifyMeta(ctx, logger, corrID, req.QueryStringParameters), nil
	default:
		return errorJSON(corrID, http.StatusNotFound, "NOT_FOUND", route), nil
	}
}

func (h *Handler) twilio(ctx context.Context, logger *slog.Logger, corrID, body string) events.APIGatewayProxyResponse {
	in, err := ParseTwilio(body)
	if err != nil {
		logger.WarnContext(ctx, "twilio payload rejected", "error", err)
		return errorJSON(corrID, http.StatusBadRequest, string(usecase.ErrorInvalidInput), "bad_payload")
	}
	reply, err := h.HandleInbound(ctx, in)
	if err != nil {
		return h.failure(ctx, logger, corrID, err)
	}
	doc, err := TwiML(reply.Messages)
	if err != nil {
		return h.failure(ctx, logger, corrID, err)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: http.StatusOK,
		Headers:    map[string]string{"Content-Type": "application/xml", correlationHeader: corrID},
		Body:       doc,
	}
}

func (h *Handler) meta(ctx context.Context, logger *slog.Logger, corrID, body string) events.APIGatewayProxyResponse {
	ins, err := ParseMeta([]byte(body))
	if err != nil {
		logger.WarnContext(ctx, "meta payload rejected", "error", err)
		return errorJSON(corrID, http.StatusBadRequest, string(usecase.ErrorInvalidInput), "bad_payload")
	}
	out, failed := RunBatch(ctx, ins, h.HandleInbound)
	for _, f := range failed {
		status, code, reason := StatusFor(f.Err)
		logger.WarnContext(ctx, "batch message failed",
			"session", domain.SessionID(f.Inbound.SenderID),
			"message_id", f.Inbound.MessageID,
			"status", status, "code", code, "reason", reason, "error", f.Err)
	}
	if len(failed) > 0 && len(failed) == len(ins) {
		return h.failure(ctx, logger, corrID, failed[0].Err)
	}
	return respondJSON(corrID, http.StatusOK, out)
}

func (h *Handler) verifyMeta(ctx context.Context, logger *slog.Logger, corrID string, query map[string]string) events.APIGatewayProxyResponse {
	if h.verify == nil {
		return errorJSON(corrID, http.StatusNotFound, "NOT_FOUND", "verification_disabled")
	}
	token, err := h.verify.GetParameter(ctx, h.verifyParam)
	if err != nil {
		logger.ErrorContext(ctx, "verify token lookup failed", "error", err)
		return errorJSON(corrID, http.StatusInternalServerError, string(usecase.ErrorInternal), "verify_token_error")
	}
	challenge, ok := VerifyChallenge(query, strings.TrimSpace(token))
	if !ok {
		return errorJSON(corrID, http.StatusForbidden, "FORBIDDEN", "verify_token_mismatch")
	}
	return events.APIGatewayProxyResponse{
		StatusCode: http.StatusOK,
		Headers:    map[string]string{"Content-Type": "text/plain", correlationHeader: corrID},
		Body:       challenge,
	}
}

// HandleInbound fills in a detected locale hint and runs one turn.
func (h *Handler) HandleInbound(ctx context.Context, in domain.Inbound) (usecase.Reply, error) {
	if in.LocaleHint == "" && h.detector != nil {
		in.LocaleHint = h.detector.Detect(in.Text)
	}
	return h.uc.HandleMessage(ctx, in)
}

func (h *Handler) failure(ctx context.Context, logger *slog.Logger, corrID string, err error) events.APIGatewayProxyResponse {
	status, code, reason := StatusFor(err)
	if status >= 500 {
		logger.ErrorContext(ctx, "turn failed", "code", code, "reason", reason, "error", err)
	} else {
		logger.WarnContext(ctx, "turn rejected", "code", code, "reason", reason, "error", err)
	}
	return errorJSON(corrID, status, code, reason)
}

// StatusFor maps a usecase error to an HTTP status, error code and reason.
func StatusFor(err error) (int, string, string) {
	var ue *usecase.Error
	if !errors.As(err, &ue) {
		return http.StatusInternalServerError, string(usecase.ErrorInternal), "unexpected"
	}
	switch ue.Code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest, string(ue.Code), ue.Reason
	case usecase.ErrorConflict:
		return http.StatusConflict, string(ue.Code), ue.Reason
	case usecase.ErrorUpstream:
		return http.StatusBadGateway, string(ue.Code), ue.Reason
	default:
		return http.StatusInternalServerError, string(usecase.ErrorInternal), ue.Reason
	}
}

func requestBody(req events.APIGatewayProxyRequest) (string, error) {
	if !req.IsBase64Encoded {
		return req.Body, nil
	}
	b, err := base64.StdEncoding.DecodeString(req.Body)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func header(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func errorJSON(corrID string, status int, code, reason string) events.APIGatewayProxyResponse {
	return respondJSON(corrID, status, errorResponse{Error: code, Reason: reason})
}

func respondJSON(corrID string, status int, v any) events.APIGatewayProxyResponse {
	b, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		b = []byte(`{"error":"INTERNAL_ERROR"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "application/json", correlationHeader: corrID},
		Body:       string(b),
	}
}
