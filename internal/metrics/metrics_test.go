package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"formbot/internal/domain"
	"formbot/internal/orchestrator"
)

func TestTransition_CountsByLabels(t *testing.T) {
	r := New()
	r.Transition(orchestrator.Transition{From: domain.StateCollecting, To: domain.StateCollecting, Outcome: orchestrator.OutcomeAdvanced, Field: "dob"})
	r.Transition(orchestrator.Transition{From: domain.StateCollecting, To: domain.StateCollecting, Outcome: orchestrator.OutcomeAdvanced, Field: "iban"})
	r.Transition(orchestrator.Transition{From: domain.StateCollecting, To: domain.StateCollecting, Outcome: orchestrator.OutcomeInvalid, Field: "dob"})
	r.Transition(orchestrator.Transition{From: domain.StateCollecting, To: domain.StateAbandoned, Outcome: orchestrator.OutcomeExhausted, Field: "dob"})

	require.Equal(t, 2.0, testutil.ToFloat64(r.transitions.WithLabelValues("collecting", "collecting", "advanced")))
	require.Equal(t, 1.0, testutil.ToFloat64(r.transitions.WithLabelValues("collecting", "abandoned", "exhausted")))
	require.Equal(t, 2.0, testutil.ToFloat64(r.validationFailures.WithLabelValues("dob")))
	require.Equal(t, 1, testutil.CollectAndCount(r.validationFailures))
}

func TestConflictAndForwarded(t *testing.T) {
	r := New()
	r.Conflict()
	r.Conflict()
	r.Forwarded(nil)
	r.Forwarded(errors.New("503"))
	r.Forwarded(errors.New("timeout"))

	require.Equal(t, 2.0, testutil.ToFloat64(r.conflicts))
	require.Equal(t, 1.0, testutil.ToFloat64(r.forwards.WithLabelValues("ok")))
	require.Equal(t, 2.0, testutil.ToFloat64(r.forwards.WithLabelValues("error")))
}

func TestHandler_ExposesMetrics(t *testing.T) {
	r := New()
	r.Conflict()
	r.ObserveHTTP(http.MethodPost, "/twilio", http.StatusOK, 20*time.Millisecond)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "formbot_session_conflicts_total 1")
	require.Contains(t, string(body), `formbot_http_requests_total{method="POST",route="/twilio",status="200"} 1`)
}

func TestNew_IndependentRegistries(t *testing.T) {
	a, b := New(), New()
	a.Conflict()
	require.Equal(t, 1.0, testutil.ToFloat64(a.conflicts))
	require.Equal(t, 0.0, testutil.ToFloat64(b.conflicts))
}
