package cq

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/berth-dev/trivium/internal/catalog"
	"github.com/berth-dev/trivium/internal/heuristics"
)

var testNow = time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC)

func testRules(t *testing.T) Rules {
	t.Helper()
	cat, err := catalog.Default()
	require.NoError(t, err)
	return Rules{Catalog: cat, Policy: DefaultPolicy(), Heuristics: heuristics.Default{}}
}

func newTestSession(context ContextType, accepted ...string) *Session {
	s := &Session{
		ID:           "cq-000000000001",
		Context:      context,
		Owner:        "ops",
		Status:       StatusInProgress,
		QuestionCap:  12,
		Requirements: DefaultPolicy().Requirements,
		Captured:     map[string]Value{},
		RetryCounts:  map[string]int{},
		CreatedAt:    testNow,
		UpdatedAt:    testNow,
	}
	for _, slot := range accepted {
		s.Captured[slot] = Scalar("captured " + slot + " value")
		s.markAccepted(slot)
	}
	return s
}

func TestCoverage(t *testing.T) {
	r := testRules(t)
	s := newTestSession(Onboarding, "mission", "scope", "success_signals", "expression_anchor")

	assert.Equal(t, Coverage{Grammar: 2, Logic: 1, Rhetoric: 1, Total: 4}, r.Coverage(s))
}

func TestCoverageCountsDefinitionsOutsideProject(t *testing.T) {
	r := testRules(t)
	s := newTestSession(Onboarding, "definitions")

	assert.Equal(t, 1, r.Coverage(s).Grammar)
}

func TestRemainingRequirements(t *testing.T) {
	r := testRules(t)

	s := newTestSession(Onboarding)
	assert.Equal(t, []string{
		"grammar<3", "logic<2", "total<5",
		"slot:mission", "slot:scope", "slot:success_signals", "slot:non_negotiables",
	}, r.RemainingRequirements(s))
	assert.False(t, r.IsComplete(s))

	s = newTestSession(Onboarding, "mission", "scope", "non_negotiables", "success_signals", "operating_relationships")
	assert.Empty(t, r.RemainingRequirements(s))
	assert.True(t, r.IsComplete(s))
}

func TestRequiredSlotsGateBeyondQuotas(t *testing.T) {
	r := testRules(t)
	// Quotas met, but project still lacks most mandatory slots.
	s := newTestSession(Project, "project_intent", "definitions", "scope_boundaries", "outcome", "dependencies")

	assert.Equal(t, Coverage{Grammar: 3, Logic: 2, Total: 5}, r.Coverage(s))
	assert.Equal(t, []string{
		"slot:constraints", "slot:success_metrics", "slot:next_decision", "slot:next_action",
	}, r.RemainingRequirements(s))
}

func TestTopicHasNoRequiredSlots(t *testing.T) {
	r := testRules(t)
	s := newTestSession(Topic, "topic_problem", "topic_definitions", "topic_objective", "topic_relationships", "topic_tradeoffs")

	assert.True(t, r.IsComplete(s))
}

func TestHardGateBlocked(t *testing.T) {
	assert.True(t, HardGateBlocked(newTestSession(Onboarding)))
	assert.True(t, HardGateBlocked(newTestSession(Project)))
	assert.False(t, HardGateBlocked(newTestSession(Topic)))

	done := newTestSession(Onboarding)
	done.Status = StatusCompleted
	assert.False(t, HardGateBlocked(done))
}

func TestSlotSatisfied(t *testing.T) {
	r := testRules(t)
	tests := []struct {
		name    string
		context ContextType
		slot    string
		value   Value
		want    bool
	}{
		{"placeholder mission", Onboarding, "mission", Scalar("tbd"), false},
		{"short mission", Onboarding, "mission", Scalar("ship it now"), false},
		{"meaningful mission", Onboarding, "mission", Scalar("help small teams ship"), true},
		{"one success signal", Onboarding, "success_signals", ListValue([]string{"weekly releases happen on schedule"}), false},
		{"two success signals", Onboarding, "success_signals", ListValue([]string{"weekly releases happen on schedule", "incident count trends down"}), true},
		{"short success signals", Onboarding, "success_signals", ListValue([]string{"more users", "less churn"}), false},
		{"definition with colon", Project, "definitions", ListValue([]string{"MRR: monthly revenue"}), true},
		{"placeholder definition", Project, "definitions", ListValue([]string{"tbd"}), false},
		{"key terms accept anything", Onboarding, "key_terms", ListValue([]string{"none"}), true},
		{"key terms need something", Onboarding, "key_terms", ListValue(nil), false},
		{"define term answer", Onboarding, catalog.DefineTermSlot, Scalar("the weekly loop"), true},
		{"define term too short", Onboarding, catalog.DefineTermSlot, Scalar("loop"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.SlotSatisfied(tt.context, tt.slot, tt.value))
		})
	}
}

func TestLevelWeights(t *testing.T) {
	r := testRules(t)

	s := newTestSession(Onboarding)
	w := r.levelWeights(s, r.Coverage(s))
	assert.Equal(t, 65+35+10, w[catalog.Grammar])
	assert.Equal(t, 30+25+10, w[catalog.Logic])
	assert.Equal(t, -1, w[catalog.Rhetoric])

	s.RhetoricSignal = true
	w = r.levelWeights(s, r.Coverage(s))
	assert.Equal(t, 5+45, w[catalog.Rhetoric])

	s = newTestSession(Onboarding, "expression_anchor")
	s.RhetoricSignal = true
	w = r.levelWeights(s, r.Coverage(s))
	assert.Equal(t, -1, w[catalog.Rhetoric], "rhetoric quota reached")
}

func TestSelectLevel(t *testing.T) {
	r := testRules(t)

	assert.Equal(t, catalog.Grammar, r.SelectLevel(newTestSession(Onboarding)))

	// Every grammar slot accepted: logic is the only selectable level.
	s := newTestSession(Onboarding, "mission", "scope", "non_negotiables", "key_terms")
	assert.Equal(t, catalog.Logic, r.SelectLevel(s))

	// Quotas met and grammar exhausted: a rhetoric signal outweighs logic.
	s = newTestSession(Topic, "topic_problem", "topic_definitions", "topic_objective", "topic_relationships", "topic_tradeoffs")
	assert.Equal(t, catalog.Logic, r.SelectLevel(s))
	s.RhetoricSignal = true
	assert.Equal(t, catalog.Rhetoric, r.SelectLevel(s))
}

func TestSelectLevelPendingTermForcesGrammar(t *testing.T) {
	r := testRules(t)
	s := newTestSession(Onboarding, "mission", "scope", "non_negotiables", "key_terms")
	s.PendingTerms = []string{"Flywheel"}

	assert.Equal(t, catalog.Grammar, r.SelectLevel(s))
	slot, term := r.SelectSlot(s)
	assert.Equal(t, catalog.DefineTermSlot, slot)
	assert.Equal(t, "Flywheel", term)
}

func TestSelectSlot(t *testing.T) {
	r := testRules(t)

	slot, term := r.SelectSlot(newTestSession(Onboarding))
	assert.Equal(t, "mission", slot)
	assert.Empty(t, term)

	slot, _ = r.SelectSlot(newTestSession(Onboarding, "mission"))
	assert.Equal(t, "scope", slot)

	slot, _ = r.SelectSlot(newTestSession(Onboarding, "mission", "scope", "non_negotiables", "key_terms"))
	assert.Equal(t, "success_signals", slot)

	slot, _ = r.SelectSlot(newTestSession(Project, "project_intent", "definitions", "scope_boundaries"))
	assert.Equal(t, "outcome", slot)
}

func TestSelectSlotSkipsRhetoricWithoutSignal(t *testing.T) {
	r := testRules(t)
	s := newTestSession(Topic, "topic_problem", "topic_definitions", "topic_objective",
		"topic_relationships", "topic_tradeoffs", "topic_decisions")

	slot, _ := r.SelectSlot(s)
	assert.Equal(t, "topic_decisions", slot, "falls back to the refinement slot")

	s.RhetoricSignal = true
	slot, _ = r.SelectSlot(s)
	assert.Equal(t, "topic_expression", slot)
}
