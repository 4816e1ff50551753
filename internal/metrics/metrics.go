// Package metrics exposes Prometheus counters for conversation turns.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"formbot/internal/orchestrator"
)

// Recorder implements usecase.Recorder on a Prometheus registry.
type Recorder struct {
	gatherer prometheus.Gatherer

	transitions        *prometheus.CounterVec
	validationFailures *prometheus.CounterVec
	conflicts          prometheus.Counter
	forwards           *prometheus.CounterVec
	httpRequests       *prometheus.CounterVec
	httpDuration       *prometheus.HistogramVec
}

// New registers the collectors on a fresh registry.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	r := &Recorder{
		gatherer: reg,
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "formbot_transitions_total",
				Help: "Conversation turns by state transition and outcome",
			},
			[]string{"from", "to", "outcome"},
		),
		validationFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "formbot_validation_failures_total",
				Help: "Rejected field answers",
			},
			[]string{"field"},
		),
		conflicts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "formbot_session_conflicts_total",
				Help: "Session saves rejected because of a stale version",
			},
		),
		forwards: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "formbot_forwards_total",
				Help: "Completed form deliveries by result",
			},
			[]string{"result"},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "formbot_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "formbot_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}
	reg.MustRegister(
		r.transitions,
		r.validationFailures,
		r.conflicts,
		r.forwards,
		r.httpRequests,
		r.httpDuration,
		collectors.NewGoCollector(),
	)
	return r
}

func (r *Recorder) Transition(t orchestrator.Transition) {
	r.transitions.WithLabelValues(string(t.From), string(t.To), string(t.Outcome)).Inc()
	if (t.Outcome == orchestrator.OutcomeInvalid || t.Outcome == orchestrator.OutcomeExhausted) && t.Field != "" {
		r.validationFailures.WithLabelValues(t.Field).Inc()
	}
}

func (r *Recorder) Conflict() {
	r.conflicts.Inc()
}

func (r *Recorder) Forwarded(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.forwards.WithLabelValues(result).Inc()
}

// ObserveHTTP records one served request.
func (r *Recorder) ObserveHTTP(method, route string, status int, d time.Duration) {
	r.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	r.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})
}
