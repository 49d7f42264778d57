package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecorders(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RecordQuestion("onboarding", "grammar")
	m.RecordQuestion("onboarding", "grammar")
	m.RecordAnswer("project", false)
	m.RecordTransition("topic", "completed")
	m.RecordBlocked("onboarding_lock")
	m.RecordFinalizeFailure("project")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.QuestionsAsked.WithLabelValues("onboarding", "grammar")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AnswersTotal.WithLabelValues("project", "false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionTransitions.WithLabelValues("topic", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StartsBlocked.WithLabelValues("onboarding_lock")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FinalizeFailures.WithLabelValues("project")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordQuestion("topic", "logic")
	m.RecordAnswer("topic", true)
	m.RecordTransition("topic", "paused")
	m.RecordBlocked("session_conflict")
	m.RecordFinalizeFailure("topic")
}
