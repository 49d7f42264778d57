// Package metrics exposes Prometheus counters for questioning sessions.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the engine.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	QuestionsAsked     *prometheus.CounterVec
	AnswersTotal       *prometheus.CounterVec
	SessionTransitions *prometheus.CounterVec
	StartsBlocked      *prometheus.CounterVec
	FinalizeFailures   *prometheus.CounterVec
}

// New creates the metrics and registers them with reg.
// Pass prometheus.NewRegistry() in tests to avoid duplicate registration.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		QuestionsAsked: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trivium_questions_asked_total",
				Help: "Questions asked, by context type and level",
			},
			[]string{"context", "level"},
		),
		AnswersTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trivium_answers_total",
				Help: "Answers processed, by context type and acceptance",
			},
			[]string{"context", "accepted"},
		),
		SessionTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trivium_session_transitions_total",
				Help: "Session status transitions, by context type and new status",
			},
			[]string{"context", "status"},
		),
		StartsBlocked: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trivium_starts_blocked_total",
				Help: "Session starts refused by the locking rules, by reason",
			},
			[]string{"reason"},
		),
		FinalizeFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trivium_finalize_failures_total",
				Help: "Completed sessions whose artifact finalization failed",
			},
			[]string{"context"},
		),
	}
}

// RecordQuestion counts a question put to the owner.
func (m *Metrics) RecordQuestion(context, level string) {
	if m == nil {
		return
	}
	m.QuestionsAsked.WithLabelValues(context, level).Inc()
}

// RecordAnswer counts a processed answer.
func (m *Metrics) RecordAnswer(context string, accepted bool) {
	if m == nil {
		return
	}
	m.AnswersTotal.WithLabelValues(context, strconv.FormatBool(accepted)).Inc()
}

// RecordTransition counts a session entering status.
func (m *Metrics) RecordTransition(context, status string) {
	if m == nil {
		return
	}
	m.SessionTransitions.WithLabelValues(context, status).Inc()
}

// RecordBlocked counts a refused start.
func (m *Metrics) RecordBlocked(reason string) {
	if m == nil {
		return
	}
	m.StartsBlocked.WithLabelValues(reason).Inc()
}

// RecordFinalizeFailure counts a finalizer error.
func (m *Metrics) RecordFinalizeFailure(context string) {
	if m == nil {
		return
	}
	m.FinalizeFailures.WithLabelValues(context).Inc()
}
