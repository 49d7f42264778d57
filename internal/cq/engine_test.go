package cq_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/berth-dev/trivium/internal/catalog"
	"github.com/berth-dev/trivium/internal/cq"
	"github.com/berth-dev/trivium/internal/log"
	"github.com/berth-dev/trivium/internal/metrics"
	"github.com/berth-dev/trivium/internal/session"
	"github.com/berth-dev/trivium/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	missionQuestion = "What is the core mission of this pillar in one concrete sentence?"
	missionFollowup = "That still feels broad. What specific long-term result is this pillar responsible for?"
	scopeQuestion   = "What belongs in this pillar, and what clearly does not?"
)

type harness struct {
	engine  *cq.Engine
	store   *session.Store
	docs    *testutil.MemoryDocuments
	sched   *testutil.RecordingScheduler
	journal *testutil.MemoryJournal
	events  *log.Logger
	metrics *metrics.Metrics
}

func newHarness(t *testing.T, opts ...cq.Option) *harness {
	t.Helper()
	dir := t.TempDir()
	store, err := session.NewStore(filepath.Join(dir, "sessions.db"), session.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	events, err := log.NewLogger(filepath.Join(dir, "log.jsonl"))
	require.NoError(t, err)

	cat, err := catalog.Default()
	require.NoError(t, err)

	h := &harness{
		store:   store,
		docs:    testutil.NewMemoryDocuments(),
		sched:   &testutil.RecordingScheduler{},
		journal: &testutil.MemoryJournal{},
		events:  events,
		metrics: metrics.New(prometheus.NewRegistry()),
	}

	var mu sync.Mutex
	clock := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	now := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		clock = clock.Add(time.Second)
		return clock
	}
	ids := 0
	nextID := func() string {
		mu.Lock()
		defer mu.Unlock()
		ids++
		return fmt.Sprintf("cq-%012d", ids)
	}

	base := []cq.Option{
		cq.WithHandlers(cq.DefaultHandlers(cq.Collaborators{
			Documents:      h.docs,
			Scheduler:      h.sched,
			Journal:        h.journal,
			DailyBriefTime: "04:30",
			Timezone:       "UTC",
			Now:            now,
		})),
		cq.WithEvents(events),
		cq.WithMetrics(h.metrics),
		cq.WithClock(now),
		cq.WithIDGenerator(nextID),
	}
	h.engine = cq.New(cat, store, append(base, opts...)...)
	return h
}

func (h *harness) start(t *testing.T, req cq.StartRequest) *cq.Response {
	t.Helper()
	resp, err := h.engine.Start(context.Background(), req)
	require.NoError(t, err)
	return resp
}

func (h *harness) answer(t *testing.T, owner string, hint cq.ContextType, text string) *cq.Response {
	t.Helper()
	resp, err := h.engine.Answer(context.Background(), owner, hint, text)
	require.NoError(t, err)
	return resp
}

func (h *harness) activeCount(t *testing.T, owner string) int {
	t.Helper()
	records, err := h.store.ActiveIndex(context.Background(), owner)
	require.NoError(t, err)
	return len(records)
}

// loadActive returns the owner's only active session as stored.
func (h *harness) loadActive(t *testing.T, owner string) *cq.Session {
	t.Helper()
	records, err := h.store.ActiveIndex(context.Background(), owner)
	require.NoError(t, err)
	require.Len(t, records, 1)
	s, err := h.store.Load(context.Background(), records[0])
	require.NoError(t, err)
	require.NotNil(t, s)
	return s
}

func onboarding(owner string) cq.StartRequest {
	return cq.StartRequest{Owner: owner, Context: cq.Onboarding}
}

func TestStartOnboardingAsksMission(t *testing.T) {
	h := newHarness(t)

	resp := h.start(t, onboarding("ops"))

	assert.False(t, resp.Blocked)
	assert.Equal(t, cq.ResponseMode, resp.ResponseMode)
	assert.Equal(t, missionQuestion, resp.Question)
	require.NotNil(t, resp.Session)
	assert.Equal(t, "cq-000000000001", resp.Session.SessionID)
	assert.Equal(t, "mission", resp.Session.Slot)
	assert.Equal(t, 1, resp.Session.QuestionCount)
	assert.True(t, resp.Session.HardGateBlocked)

	meta := h.docs.Get(cq.ArtifactRef{Kind: cq.ArtifactOwnerMeta, Owner: "ops"})
	require.NotNil(t, meta)
	assert.Equal(t, "in_progress", meta.Fields["onboarding_status"])
	assert.Equal(t, 1, h.activeCount(t, "ops"))
}

func TestPlaceholderAnswerGetsFollowup(t *testing.T) {
	h := newHarness(t)
	h.start(t, onboarding("ops"))

	resp := h.answer(t, "ops", "", "tbd")
	assert.False(t, resp.Accepted)
	assert.Equal(t, missionFollowup, resp.Question)
	assert.Equal(t, 2, resp.Session.QuestionCount)

	resp = h.answer(t, "ops", "", "help small teams ship reliable software")
	assert.True(t, resp.Accepted)
	assert.Equal(t, "mission", resp.CapturedSlot)
	assert.Equal(t, scopeQuestion, resp.Question)
	assert.Equal(t, cq.Coverage{Grammar: 1, Total: 1}, resp.Session.Coverage)
}

func TestQuotedTermIsDefinedNext(t *testing.T) {
	h := newHarness(t)
	h.start(t, onboarding("ops"))

	resp := h.answer(t, "ops", cq.Onboarding, "help small teams adopt the `Flywheel` practice every week")
	require.True(t, resp.Accepted)
	assert.Equal(t, catalog.DefineTermSlot, resp.Session.Slot)
	assert.Equal(t, "You mentioned 'Flywheel'. What does it specifically mean in this context?", resp.Question)

	resp = h.answer(t, "ops", cq.Onboarding, "a reinforcing loop of usage and feedback")
	require.True(t, resp.Accepted)
	assert.Equal(t, "definitions", resp.CapturedSlot)
	assert.Equal(t, "scope", resp.Session.Slot)
	assert.Equal(t, 2, resp.Session.Coverage.Grammar)
}

func TestRepeatedRejectionEscalatesToChoices(t *testing.T) {
	h := newHarness(t)
	h.start(t, onboarding("ops"))

	h.answer(t, "ops", "", "tbd")
	resp := h.answer(t, "ops", "", "n/a")

	assert.False(t, resp.Accepted)
	assert.Equal(t, "That still feels broad. What specific long-term result is this pillar responsible for? Give one of: "+
		"1) Primary mission in one sentence | 2) Main audience or beneficiaries | 3) Main long-term result", resp.Question)
	assert.Equal(t, []string{"Primary mission in one sentence", "Main audience or beneficiaries", "Main long-term result"}, resp.Session.Choices)
}

func TestProjectSessionsConflictAcrossProjects(t *testing.T) {
	h := newHarness(t)
	h.docs.Put(cq.ArtifactRef{Kind: cq.ArtifactProject, Owner: "ops", SubScope: "billing-revamp"},
		map[string]any{"title": "Billing Revamp"})

	first := h.start(t, cq.StartRequest{Owner: "ops", Context: cq.Project, SubScope: "billing-revamp"})
	require.False(t, first.Blocked)

	resp := h.start(t, cq.StartRequest{Owner: "ops", Context: cq.Project, SubScope: "search", Title: "Search Relaunch"})
	assert.True(t, resp.Blocked)
	assert.Equal(t, cq.ReasonProjectSessionActive, resp.Reason)
	assert.Equal(t, []cq.Hint{
		{Action: "resume", Context: cq.Project, SubScope: "billing-revamp"},
		{Action: "cancel", Context: cq.Project, SubScope: "billing-revamp"},
	}, resp.Hints)
	require.NotNil(t, resp.Session)
	assert.Equal(t, first.Session.SessionID, resp.Session.SessionID)
	assert.Equal(t, 1, h.activeCount(t, "ops"))
	assert.Nil(t, h.docs.Get(cq.ArtifactRef{Kind: cq.ArtifactProject, Owner: "ops", SubScope: "search"}))

	again := h.start(t, cq.StartRequest{Owner: "ops", Context: cq.Project, SubScope: "billing-revamp"})
	assert.False(t, again.Blocked)
	assert.True(t, again.Resumed)
	assert.Equal(t, first.Session.SessionID, again.Session.SessionID)

	topic := h.start(t, cq.StartRequest{Owner: "ops", Context: cq.Topic, Topic: "release trains"})
	assert.False(t, topic.Blocked)
	assert.Equal(t, 2, h.activeCount(t, "ops"))

	assert.Equal(t, 1.0, promtest.ToFloat64(h.metrics.StartsBlocked.WithLabelValues(cq.ReasonProjectSessionActive)))
}

func TestOnboardingLocksOtherContexts(t *testing.T) {
	h := newHarness(t)
	h.start(t, onboarding("ops"))

	for _, req := range []cq.StartRequest{
		{Owner: "ops", Context: cq.Project, SubScope: "search", Title: "Search Relaunch"},
		{Owner: "ops", Context: cq.Topic},
	} {
		resp := h.start(t, req)
		assert.True(t, resp.Blocked, req.Context)
		assert.Equal(t, cq.ReasonOnboardingLock, resp.Reason)
		assert.Equal(t, []cq.Hint{{Action: "resume", Context: cq.Onboarding}}, resp.Hints)
	}
	assert.Equal(t, 1, h.activeCount(t, "ops"))

	// Another owner is unaffected.
	other := h.start(t, cq.StartRequest{Owner: "sales", Context: cq.Topic})
	assert.False(t, other.Blocked)
}

func TestOnboardingBlockedByActiveSession(t *testing.T) {
	h := newHarness(t)
	h.start(t, cq.StartRequest{Owner: "ops", Context: cq.Topic})

	resp := h.start(t, onboarding("ops"))

	assert.True(t, resp.Blocked)
	assert.Equal(t, cq.ReasonSessionConflict, resp.Reason)
	assert.Equal(t, []cq.Hint{{Action: "cancel", Context: cq.Topic}}, resp.Hints)
}

func TestSameScopeStartReturnsExistingSession(t *testing.T) {
	h := newHarness(t)
	first := h.start(t, onboarding("ops"))

	again := h.start(t, onboarding("ops"))

	assert.True(t, again.Resumed)
	assert.Equal(t, first.Session.SessionID, again.Session.SessionID)
	assert.Equal(t, first.Session.QuestionCount, again.Session.QuestionCount)
	assert.Equal(t, 1, h.activeCount(t, "ops"))
}

func TestProjectNotFoundWithoutTitle(t *testing.T) {
	h := newHarness(t)

	resp := h.start(t, cq.StartRequest{Owner: "ops", Context: cq.Project, SubScope: "ghost"})

	assert.True(t, resp.Blocked)
	assert.Equal(t, cq.ReasonProjectNotFound, resp.Reason)
	assert.Zero(t, h.activeCount(t, "ops"))
}

func TestProjectCreatedFromTitle(t *testing.T) {
	h := newHarness(t)

	resp := h.start(t, cq.StartRequest{Owner: "ops", Context: cq.Project, SubScope: "search", Title: "Search Relaunch"})

	require.False(t, resp.Blocked)
	doc := h.docs.Get(cq.ArtifactRef{Kind: cq.ArtifactProject, Owner: "ops", SubScope: "search"})
	require.NotNil(t, doc)
	assert.Equal(t, "Search Relaunch", doc.Fields["title"])
	assert.Equal(t, "in_progress", doc.Fields["questioning_status"])
	// A two-word title does not satisfy project_intent.
	assert.Equal(t, "project_intent", resp.Session.Slot)
}

func TestQuestionCapPausesAndResumeExtends(t *testing.T) {
	policy := cq.DefaultPolicy()
	policy.QuestionCap = 3
	h := newHarness(t, cq.WithPolicy(policy))
	h.start(t, onboarding("ops"))

	h.answer(t, "ops", "", "tbd")
	h.answer(t, "ops", "", "tbd")
	resp := h.answer(t, "ops", "", "tbd")

	assert.Equal(t, cq.StatusPaused, resp.Session.Status)
	assert.Equal(t, 3, resp.Session.QuestionCount)
	assert.Empty(t, resp.Session.NextQuestion)
	assert.Equal(t, &cq.Hint{Action: "resume", Context: cq.Onboarding}, resp.Session.ResumeHint)
	assert.NotEmpty(t, resp.Question)

	refused := h.answer(t, "ops", "", "help small teams ship reliable software")
	assert.Equal(t, cq.ReasonSessionPaused, refused.Reason)
	assert.False(t, refused.Accepted)
	assert.Equal(t, 3, refused.Session.QuestionCount)
	assert.Equal(t, cq.Coverage{}, refused.Session.Coverage)

	resumed, err := h.engine.Resume(context.Background(), "ops", cq.Onboarding)
	require.NoError(t, err)
	assert.Equal(t, cq.StatusInProgress, resumed.Session.Status)
	assert.Equal(t, 4, resumed.Session.QuestionCount)
	assert.Equal(t, 3+policy.ResumeBudget, resumed.Session.QuestionCap)
	assert.Equal(t, "mission", resumed.Session.Slot)
	assert.Len(t, resumed.Session.Choices, 3, "still escalated after three rejections")

	resp = h.answer(t, "ops", "", "help small teams ship reliable software")
	assert.True(t, resp.Accepted)
	assert.Equal(t, 5, resp.Session.QuestionCount)
}

func TestResumeInProgressRegeneratesNothing(t *testing.T) {
	h := newHarness(t)
	h.start(t, onboarding("ops"))

	resp, err := h.engine.Resume(context.Background(), "ops", "")
	require.NoError(t, err)

	assert.Equal(t, missionQuestion, resp.Question)
	assert.Equal(t, 1, resp.Session.QuestionCount)
}

func completeOnboarding(t *testing.T, h *harness, owner string) *cq.Response {
	t.Helper()
	answers := []string{
		"help small teams ship reliable software",
		"delivery practices and release tooling but not hiring",
		"never ship untested code",
		"none",
		"weekly releases happen on schedule; incident count trends down",
	}
	for _, a := range answers {
		resp := h.answer(t, owner, cq.Onboarding, a)
		require.True(t, resp.Accepted, "answer %q rejected for %s", a, resp.Session.Slot)
		require.False(t, resp.Completed)
	}
	return h.answer(t, owner, cq.Onboarding, "mission guides scope and principles settle ties")
}

func TestOnboardingCompletesAndSchedulesBrief(t *testing.T) {
	h := newHarness(t)
	h.docs.Put(cq.ArtifactRef{Kind: cq.ArtifactOwnerMeta, Owner: "ops"},
		map[string]any{"owner": "ops", "channel_id": "C123", "timezone": "Europe/Berlin"})
	h.start(t, onboarding("ops"))

	resp := completeOnboarding(t, h, "ops")

	require.True(t, resp.Completed)
	assert.True(t, resp.Accepted)
	assert.Equal(t, "operating_relationships", resp.CapturedSlot)
	assert.Empty(t, resp.FinalizeError)
	assert.Equal(t, cq.StatusCompleted, resp.Session.Status)
	assert.Empty(t, resp.Session.RemainingRequirements)
	assert.False(t, resp.Session.HardGateBlocked)
	assert.Equal(t, 6, resp.Session.QuestionCount)
	assert.Equal(t, "created", resp.Completion["scheduler_action"])
	assert.Equal(t, "job-ops", resp.Completion["scheduler_job_id"])

	require.Len(t, h.sched.Jobs, 1)
	assert.Equal(t, cq.JobConfig{Owner: "ops", Time: "04:30", Timezone: "Europe/Berlin", ChannelID: "C123"}, h.sched.Jobs[0])

	profile := h.docs.Get(cq.ArtifactRef{Kind: cq.ArtifactProfile, Owner: "ops"})
	require.NotNil(t, profile)
	assert.Equal(t, "help small teams ship reliable software", profile.Fields["mission"])
	assert.Equal(t, []string{"never ship untested code"}, profile.Fields["non_negotiables"])
	assert.Contains(t, profile.Body, cq.SummaryStart)
	assert.Contains(t, profile.Body, "- Operating Model: mission guides scope and principles settle ties")

	meta := h.docs.Get(cq.ArtifactRef{Kind: cq.ArtifactOwnerMeta, Owner: "ops"})
	assert.Equal(t, "completed", meta.Fields["onboarding_status"])
	assert.Equal(t, true, meta.Fields["daily_brief_enabled"])

	assert.Zero(t, h.activeCount(t, "ops"))
	archive, err := h.store.ArchiveFor(context.Background(), cq.Location{Owner: "ops", Context: cq.Onboarding})
	require.NoError(t, err)
	require.Len(t, archive, 1)
	assert.Equal(t, cq.StatusCompleted, archive[0].Status)
	assert.Len(t, archive[0].RecentHistory, 5)

	// Onboarding no longer locks other contexts.
	next := h.start(t, cq.StartRequest{Owner: "ops", Context: cq.Topic})
	assert.False(t, next.Blocked)
}

func TestOnboardingWithoutChannelSkipsScheduler(t *testing.T) {
	h := newHarness(t)
	h.start(t, onboarding("ops"))

	resp := completeOnboarding(t, h, "ops")

	require.True(t, resp.Completed)
	assert.Equal(t, "skipped", resp.Completion["scheduler_action"])
	assert.Equal(t, "missing_channel_binding", resp.Completion["scheduler_reason"])
	assert.Empty(t, h.sched.Jobs)
}

func TestSeededProfileSkipsAnsweredSlots(t *testing.T) {
	h := newHarness(t)
	h.docs.Put(cq.ArtifactRef{Kind: cq.ArtifactProfile, Owner: "ops"}, map[string]any{
		"mission":         "Help small teams ship reliable software every week",
		"scope":           "Delivery practices and release tooling, not hiring",
		"non_negotiables": []any{"never ship untested code"},
		"success_signals": []any{"weekly releases happen on schedule", "customer incidents trend steadily down"},
	})

	resp := h.start(t, onboarding("ops"))

	assert.Equal(t, cq.Coverage{Grammar: 3, Logic: 1, Total: 4}, resp.Session.Coverage)
	assert.Equal(t, []string{"logic<2", "total<5"}, resp.Session.RemainingRequirements)
	assert.Equal(t, "key_terms", resp.Session.Slot)
}

func TestFullySeededProjectCompletesAtStart(t *testing.T) {
	h := newHarness(t)
	ref := cq.ArtifactRef{Kind: cq.ArtifactProject, Owner: "ops", SubScope: "billing-revamp"}
	h.docs.Put(ref, map[string]any{
		"title":            "Rebuild the billing pipeline end to end",
		"definitions":      []any{"invoice run: the nightly billing batch"},
		"scope_boundaries": "invoicing and dunning are in, pricing is out",
		"outcome":          "invoices go out without manual fixes",
		"dependencies":     []any{"payments provider sandbox access"},
		"constraints":      []any{"must ship before fiscal year end"},
		"success_metrics":  []any{"zero manual invoice corrections monthly"},
		"next_decision":    "pick the ledger storage engine this week",
		"next_action":      "draft the migration plan by friday, owned by dana",
	})

	resp := h.start(t, cq.StartRequest{Owner: "ops", Context: cq.Project, SubScope: "billing-revamp"})

	require.True(t, resp.Completed)
	assert.Equal(t, "start", resp.Action)
	assert.Zero(t, resp.Session.QuestionCount)
	doc := h.docs.Get(ref)
	assert.Equal(t, "completed", doc.Fields["questioning_status"])
	assert.Contains(t, doc.Body, "- invoice run: the nightly billing batch")
	assert.Zero(t, h.activeCount(t, "ops"))
}

func completeTopic(t *testing.T, h *harness, owner string) *cq.Response {
	t.Helper()
	answers := []string{
		"release trains keep slipping past their dates",
		"release train: a fixed weekly shipping window",
		"agree on a cadence the whole team trusts",
		"slipping dates erode trust in the cadence",
	}
	for _, a := range answers {
		resp := h.answer(t, owner, cq.Topic, a)
		require.True(t, resp.Accepted, "answer %q rejected for %s", a, resp.Session.Slot)
	}
	return h.answer(t, owner, cq.Topic, "speed of delivery versus stability of releases")
}

func TestTopicCompletionWritesJournal(t *testing.T) {
	h := newHarness(t)
	h.start(t, cq.StartRequest{Owner: "ops", Context: cq.Topic, Topic: "release cadence"})

	resp := completeTopic(t, h, "ops")

	require.True(t, resp.Completed)
	assert.Equal(t, "ops/journal", resp.Completion["journal"])
	require.Len(t, h.journal.Entries, 1)
	assert.Contains(t, h.journal.Entries[0], "["+cq.JournalSource+"]")
	assert.Contains(t, h.journal.Entries[0], "Topic: release cadence")
	assert.Contains(t, h.journal.Entries[0], "- release train: a fixed weekly shipping window")

	status, err := h.engine.Status(context.Background(), "ops", cq.Topic)
	require.NoError(t, err)
	assert.Equal(t, cq.ReasonNoActiveSession, status.Reason)
	assert.Nil(t, status.Session)
}

func TestFinalizeFailureStillArchives(t *testing.T) {
	h := newHarness(t)
	h.journal.Err = errors.New("journal volume is full")
	h.start(t, cq.StartRequest{Owner: "ops", Context: cq.Topic})

	resp := completeTopic(t, h, "ops")

	require.True(t, resp.Completed)
	assert.Contains(t, resp.FinalizeError, "journal volume is full")
	assert.Zero(t, h.activeCount(t, "ops"))
	history, err := h.store.History(context.Background(), "ops")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, cq.StatusCompleted, history[0].Status)
	assert.Equal(t, 1.0, promtest.ToFloat64(h.metrics.FinalizeFailures.WithLabelValues("topic")))
}

func TestStatus(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	resp, err := h.engine.Status(ctx, "ops", "")
	require.NoError(t, err)
	assert.Equal(t, cq.ReasonNoActiveSession, resp.Reason)
	assert.NotEmpty(t, resp.Question)

	h.start(t, onboarding("ops"))
	first, err := h.engine.Status(ctx, "ops", "")
	require.NoError(t, err)
	second, err := h.engine.Status(ctx, "ops", cq.Onboarding)
	require.NoError(t, err)
	if diff := cmp.Diff(first.Session, second.Session); diff != "" {
		t.Errorf("status is not idempotent (-first +second):\n%s", diff)
	}
	assert.Equal(t, 1, second.Session.QuestionCount)
}

func TestStatusWithSeveralSessions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.start(t, cq.StartRequest{Owner: "ops", Context: cq.Project, SubScope: "search", Title: "Search Relaunch"})
	h.start(t, cq.StartRequest{Owner: "ops", Context: cq.Topic})

	resp, err := h.engine.Status(ctx, "ops", "")
	require.NoError(t, err)
	assert.Equal(t, cq.ReasonMultipleActiveSessions, resp.Reason)
	assert.Len(t, resp.ActiveSessions, 2)
	assert.Nil(t, resp.Session)

	resp, err = h.engine.Status(ctx, "ops", cq.Topic)
	require.NoError(t, err)
	require.NotNil(t, resp.Session)
	assert.Equal(t, cq.Topic, resp.Session.Context)

	ans := h.answer(t, "ops", "", "release trains keep slipping past their dates")
	assert.Equal(t, cq.ReasonActiveSessionUnresolved, ans.Reason)
	assert.Len(t, ans.ActiveSessions, 2)
	assert.False(t, ans.Accepted)
}

func TestAnswerWithoutSession(t *testing.T) {
	h := newHarness(t)

	resp := h.answer(t, "ops", "", "help small teams ship reliable software")
	assert.Equal(t, cq.ReasonActiveSessionUnresolved, resp.Reason)

	_, err := h.engine.Answer(context.Background(), "ops", "", "   ")
	assert.ErrorIs(t, err, cq.ErrEmptyAnswer)
}

func TestCancelOnboarding(t *testing.T) {
	h := newHarness(t)
	h.start(t, onboarding("ops"))
	h.answer(t, "ops", "", "help small teams ship reliable software")

	resp, err := h.engine.Cancel(context.Background(), "ops", cq.Onboarding)
	require.NoError(t, err)

	assert.Equal(t, cq.StatusCanceled, resp.Session.Status)
	assert.Zero(t, h.activeCount(t, "ops"))
	meta := h.docs.Get(cq.ArtifactRef{Kind: cq.ArtifactOwnerMeta, Owner: "ops"})
	assert.Equal(t, "incomplete", meta.Fields["onboarding_status"])
	assert.Equal(t, false, meta.Fields["daily_brief_enabled"])

	archive, err := h.store.ArchiveFor(context.Background(), cq.Location{Owner: "ops", Context: cq.Onboarding})
	require.NoError(t, err)
	require.Len(t, archive, 1)
	assert.Equal(t, cq.StatusCanceled, archive[0].Status)
	assert.Equal(t, "help small teams ship reliable software", archive[0].Captured["mission"].String())

	again, err := h.engine.Cancel(context.Background(), "ops", "")
	require.NoError(t, err)
	assert.Equal(t, cq.ReasonActiveSessionUnresolved, again.Reason)
}

func TestCancelProjectMarksArtifact(t *testing.T) {
	h := newHarness(t)
	h.start(t, cq.StartRequest{Owner: "ops", Context: cq.Project, SubScope: "search", Title: "Search Relaunch"})

	_, err := h.engine.Cancel(context.Background(), "ops", cq.Project)
	require.NoError(t, err)

	doc := h.docs.Get(cq.ArtifactRef{Kind: cq.ArtifactProject, Owner: "ops", SubScope: "search"})
	assert.Equal(t, "canceled", doc.Fields["questioning_status"])

	// The project lock is released.
	resp := h.start(t, cq.StartRequest{Owner: "ops", Context: cq.Project, SubScope: "billing", Title: "Billing Revamp"})
	assert.False(t, resp.Blocked)
}

func TestStartValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.engine.Start(ctx, cq.StartRequest{Context: cq.Topic})
	assert.ErrorIs(t, err, cq.ErrInvalidRequest)
	_, err = h.engine.Start(ctx, cq.StartRequest{Owner: "ops", Context: cq.Project})
	assert.ErrorIs(t, err, cq.ErrInvalidRequest)
	_, err = h.engine.Start(ctx, cq.StartRequest{Owner: "ops", Context: "retro"})
	assert.ErrorIs(t, err, cq.ErrUnknownContext)
}

func TestEventsAreLogged(t *testing.T) {
	h := newHarness(t)
	h.start(t, onboarding("ops"))
	h.answer(t, "ops", "", "tbd")
	h.answer(t, "ops", "", "help small teams ship reliable software")

	events, err := h.events.ReadAll()
	require.NoError(t, err)
	var kinds []string
	for _, ev := range events {
		kinds = append(kinds, ev.Event)
	}
	assert.Equal(t, []string{log.EventSessionStarted, log.EventAnswerRejected, log.EventAnswerAccepted}, kinds)
	assert.Equal(t, "mission", events[1].Slot)
	assert.Equal(t, 1, events[1].Attempt)

	assert.Equal(t, 1.0, promtest.ToFloat64(h.metrics.AnswersTotal.WithLabelValues("onboarding", "false")))
	assert.Equal(t, 3.0, promtest.ToFloat64(h.metrics.QuestionsAsked.WithLabelValues("onboarding", "grammar")))
}

func TestConcurrentStartsCreateOneSession(t *testing.T) {
	h := newHarness(t)
	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := h.engine.Start(context.Background(), cq.StartRequest{Owner: "ops", Context: cq.Topic})
			if err == nil && resp.Session != nil {
				ids[i] = resp.Session.SessionID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Equal(t, 1, h.activeCount(t, "ops"))
}

func TestAcceptedSlotsAreAlwaysCaptured(t *testing.T) {
	h := newHarness(t)
	h.start(t, onboarding("ops"))

	answers := []string{
		"tbd",
		"help small teams adopt the `Flywheel` practice every week",
		"a reinforcing loop of usage and feedback",
		"delivery practices and release tooling but not hiring",
		"n/a",
		"never ship untested code",
	}
	for _, a := range answers {
		h.answer(t, "ops", cq.Onboarding, a)
		s := h.loadActive(t, "ops")
		for _, slot := range s.AcceptedSlots {
			assert.Contains(t, s.Captured, slot, "accepted slot %q missing after %q", slot, a)
		}
	}
	assert.ElementsMatch(t, []string{"mission", "definitions", "scope", "non_negotiables"}, h.loadActive(t, "ops").AcceptedSlots)
}

func TestAnswerWithoutPendingQuestionIsRecorded(t *testing.T) {
	h := newHarness(t)
	h.start(t, onboarding("ops"))
	s := h.loadActive(t, "ops")
	s.CurrentQuestion = nil
	require.NoError(t, h.store.Save(context.Background(), s))

	resp := h.answer(t, "ops", cq.Onboarding, "help small teams ship reliable software")

	assert.False(t, resp.Accepted)
	assert.Equal(t, cq.ReasonNoCurrentQuestion, resp.Reason)
	assert.Equal(t, missionQuestion, resp.Question)

	stored := h.loadActive(t, "ops")
	require.NotEmpty(t, stored.History)
	last := stored.History[len(stored.History)-1]
	assert.Equal(t, "help small teams ship reliable software", last.Answer)
	assert.False(t, last.Accepted)
	assert.Empty(t, last.Slot)
	assert.NotContains(t, stored.Captured, "mission")
}

func TestStartsFromSeparateStoresShareOneActiveSession(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "sessions.db")
	cat, err := catalog.Default()
	require.NoError(t, err)

	newEngine := func() (*cq.Engine, *session.Store) {
		store, err := session.NewStore(dbPath, session.DefaultOptions())
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })
		engine := cq.New(cat, store, cq.WithHandlers(cq.DefaultHandlers(cq.Collaborators{
			Documents: testutil.NewMemoryDocuments(),
			Scheduler: &testutil.RecordingScheduler{},
			Journal:   &testutil.MemoryJournal{},
		})))
		return engine, store
	}
	first, store := newEngine()
	second, _ := newEngine()

	for round := 0; round < 40; round++ {
		owner := fmt.Sprintf("ops-%d", round)
		var wg sync.WaitGroup
		responses := make([]*cq.Response, 2)
		errs := make([]error, 2)
		for i, pair := range []struct {
			engine *cq.Engine
			slug   string
		}{{first, "alpha"}, {second, "beta"}} {
			wg.Add(1)
			go func(i int, engine *cq.Engine, slug string) {
				defer wg.Done()
				responses[i], errs[i] = engine.Start(context.Background(), cq.StartRequest{
					Owner: owner, Context: cq.Project, SubScope: slug, Title: "Project " + slug,
				})
			}(i, pair.engine, pair.slug)
		}
		wg.Wait()
		require.NoError(t, errs[0])
		require.NoError(t, errs[1])

		records, err := store.ActiveIndex(context.Background(), owner)
		require.NoError(t, err)
		require.Len(t, records, 1, "round %d", round)

		blocked := 0
		for _, resp := range responses {
			if resp.Blocked {
				blocked++
				assert.Equal(t, cq.ReasonProjectSessionActive, resp.Reason)
			}
		}
		assert.Equal(t, 1, blocked, "round %d", round)
	}
}
