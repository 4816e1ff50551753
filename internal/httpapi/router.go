// Package httpapi serves the messaging webhooks over plain HTTP for
// container deployments and local runs.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"formbot/internal/domain"
	"formbot/internal/usecase"
)

// Turner runs one conversation turn. *handler.Handler satisfies it.
type Turner interface {
	HandleInbound(ctx context.Context, in domain.Inbound) (usecase.Reply, error)
}

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

type Config struct {
	Turner Turner
	// Limiter is optional. Limited requests get 429.
	Limiter  *RateLimiter
	Observer Observer
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
	// VerifyToken and VerifyParam enable GET /meta.
	VerifyToken Getter
	VerifyParam string
	Logger      *slog.Logger
}

// NewRouter creates the chi router with all routes and middleware.
func NewRouter(cfg Config) *chi.Mux {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := chi.NewRouter()

	r.Use(CorrelationID)
	r.Use(Logger(logger, cfg.Observer))
	r.Use(Recovery(logger))

	wh := &webhooks{turner: cfg.Turner, limiter: cfg.Limiter, verify: cfg.VerifyToken, verifyParam: cfg.VerifyParam, logger: logger}

	r.Get("/health", health)
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}
	r.Post("/twilio", wh.twilio)
	r.Get("/meta", wh.verifyMeta)
	r.Post("/meta", wh.meta)
	return r
}

func health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, reason string) {
	writeJSON(w, status, errorResponse{Error: code, Reason: reason})
}
