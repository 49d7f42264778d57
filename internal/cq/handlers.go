package cq

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/berth-dev/trivium/internal/heuristics"
)

// ArtifactKind names an external document the finalizers read or write.
type ArtifactKind string

const (
	ArtifactProfile   ArtifactKind = "profile"
	ArtifactOwnerMeta ArtifactKind = "owner"
	ArtifactProject   ArtifactKind = "project"
)

// ArtifactRef addresses one document.
type ArtifactRef struct {
	Kind     ArtifactKind
	Owner    string
	SubScope string
}

// Document is a structured header plus free-form body.
type Document struct {
	Fields map[string]any
	Body   string
}

// DocumentStore reads and writes owner artifacts. Read returns an error
// wrapping ErrArtifactNotFound for missing documents.
type DocumentStore interface {
	Read(ctx context.Context, ref ArtifactRef) (*Document, error)
	Write(ctx context.Context, ref ArtifactRef, doc *Document) error
}

// JobConfig describes the recurring daily brief for an owner.
type JobConfig struct {
	Owner     string
	Time      string // HH:MM
	Timezone  string
	ChannelID string
}

// Scheduler registers recurring jobs. action is "created" or "updated".
type Scheduler interface {
	UpsertRecurringJob(ctx context.Context, cfg JobConfig) (action, jobID string, err error)
}

// Journal appends dated entries to an owner's journal and returns where the
// entry was written.
type Journal interface {
	AppendEntry(ctx context.Context, owner, entry, source string) (string, error)
}

// ContextHandler is the per-context behavior the engine dispatches to.
type ContextHandler interface {
	// Begin prepares the context's artifact for a new session and returns raw
	// artifact values keyed by slot name for seeding.
	Begin(ctx context.Context, s *Session, req StartRequest) (map[string]any, error)
	// Finalize writes the captured values out. The returned map is reported
	// to the caller as completion info.
	Finalize(ctx context.Context, s *Session) (map[string]string, error)
	// Cancel undoes Begin's bookkeeping for a canceled session.
	Cancel(ctx context.Context, s *Session) error
}

// Collaborators wires the default handlers to their side-effect targets.
type Collaborators struct {
	Documents      DocumentStore
	Scheduler      Scheduler
	Journal        Journal
	DailyBriefTime string
	Timezone       string
	Now            func() time.Time
}

// JournalSource tags journal entries written by topic sessions.
const JournalSource = "classical-questioning"

// Summary block markers written into artifact bodies.
const (
	SummaryStart = "<!-- trivium:classical-questioning:start -->"
	SummaryEnd   = "<!-- trivium:classical-questioning:end -->"
)

var summaryBlockRe = regexp.MustCompile(`(?s)` + regexp.QuoteMeta(SummaryStart) + `.*?` + regexp.QuoteMeta(SummaryEnd))

// DefaultHandlers returns the onboarding, project and topic handlers.
func DefaultHandlers(c Collaborators) map[ContextType]ContextHandler {
	if c.Now == nil {
		c.Now = time.Now
	}
	return map[ContextType]ContextHandler{
		Onboarding: &onboardingHandler{c: c},
		Project:    &projectHandler{c: c},
		Topic:      &topicHandler{c: c},
	}
}

func (c Collaborators) stamp() string {
	return c.Now().UTC().Format(time.RFC3339)
}

func readOrEmpty(ctx context.Context, docs DocumentStore, ref ArtifactRef) (*Document, error) {
	doc, err := docs.Read(ctx, ref)
	if errors.Is(err, ErrArtifactNotFound) {
		return &Document{Fields: map[string]any{}}, nil
	}
	if err != nil {
		return nil, err
	}
	if doc.Fields == nil {
		doc.Fields = map[string]any{}
	}
	return doc, nil
}

// --- onboarding ---

type onboardingHandler struct {
	c Collaborators
}

func (h *onboardingHandler) Begin(ctx context.Context, s *Session, _ StartRequest) (map[string]any, error) {
	metaRef := ArtifactRef{Kind: ArtifactOwnerMeta, Owner: s.Owner}
	meta, err := readOrEmpty(ctx, h.c.Documents, metaRef)
	if err != nil {
		return nil, fmt.Errorf("reading owner record: %w", err)
	}
	ts := h.c.stamp()
	meta.Fields["onboarding_status"] = "in_progress"
	if _, ok := meta.Fields["onboarding_started_at"]; !ok {
		meta.Fields["onboarding_started_at"] = ts
	}
	meta.Fields["updated_at"] = ts
	if err := h.c.Documents.Write(ctx, metaRef, meta); err != nil {
		return nil, fmt.Errorf("writing owner record: %w", err)
	}

	profile, err := readOrEmpty(ctx, h.c.Documents, ArtifactRef{Kind: ArtifactProfile, Owner: s.Owner})
	if err != nil {
		return nil, fmt.Errorf("reading profile: %w", err)
	}
	seeds := map[string]any{}
	for _, key := range []string{"mission", "scope", "non_negotiables", "success_signals"} {
		if v, ok := profile.Fields[key]; ok {
			seeds[key] = v
		}
	}
	return seeds, nil
}

func (h *onboardingHandler) Finalize(ctx context.Context, s *Session) (map[string]string, error) {
	profileRef := ArtifactRef{Kind: ArtifactProfile, Owner: s.Owner}
	profile, err := readOrEmpty(ctx, h.c.Documents, profileRef)
	if err != nil {
		return nil, fmt.Errorf("reading profile: %w", err)
	}
	f := profile.Fields
	captured := s.Captured
	ts := h.c.stamp()

	mission := firstNonEmpty(captured["mission"].String(), heuristics.CoerceScalar(f["mission"]), heuristics.PlaceholderMission)
	scope := firstNonEmpty(captured["scope"].String(), heuristics.CoerceScalar(f["scope"]), heuristics.PlaceholderScope)
	nonNegotiables := mergeClean(heuristics.CoerceList(f["non_negotiables"]), captured["non_negotiables"].Strings())
	if len(nonNegotiables) == 0 {
		nonNegotiables = []string{heuristics.PlaceholderNonNegotiable}
	}
	signals := mergeClean(heuristics.CoerceList(f["success_signals"]), captured["success_signals"].Strings())
	if len(signals) == 0 {
		signals = []string{heuristics.PlaceholderSuccessSignal}
	}
	definitions := mergeClean(captured["definitions"].Strings(), captured["key_terms"].Strings())
	relationships := captured["operating_relationships"].String()
	expression := firstNonEmpty(captured["expression_anchor"].String(),
		"This pillar is guided by concrete principles and measurable outcomes.")

	f["owner"] = s.Owner
	f["schema_version"] = 1
	f["updated_at"] = ts
	f["mission"] = mission
	f["scope"] = scope
	f["non_negotiables"] = nonNegotiables
	f["success_signals"] = signals
	if heuristics.CoerceScalar(f["review_cadence"]) == "" {
		f["review_cadence"] = "quarterly"
	}

	defLines := append([]string{"Mission: " + mission, "Scope: " + scope}, definitions...)
	relLines := bullets(nonNegotiables)
	relLines = append(relLines, "- Success Signals:")
	relLines = append(relLines, indented(signals)...)
	if relationships != "" {
		relLines = append(relLines, "- Operating Model: "+relationships)
	}
	profile.Body = UpsertSummaryBlock(profile.Body, strings.Join(bullets(defLines), "\n"), strings.Join(relLines, "\n"), expression)
	if err := h.c.Documents.Write(ctx, profileRef, profile); err != nil {
		return nil, fmt.Errorf("writing profile: %w", err)
	}

	metaRef := ArtifactRef{Kind: ArtifactOwnerMeta, Owner: s.Owner}
	meta, err := readOrEmpty(ctx, h.c.Documents, metaRef)
	if err != nil {
		return nil, fmt.Errorf("reading owner record: %w", err)
	}
	meta.Fields["onboarding_status"] = "completed"
	meta.Fields["onboarding_completed_at"] = ts
	meta.Fields["daily_brief_enabled"] = true
	meta.Fields["updated_at"] = ts
	if err := h.c.Documents.Write(ctx, metaRef, meta); err != nil {
		return nil, fmt.Errorf("writing owner record: %w", err)
	}

	info := map[string]string{"profile": profileRef.Owner + "/" + string(profileRef.Kind)}
	channel := heuristics.CoerceScalar(meta.Fields["channel_id"])
	switch {
	case channel == "":
		info["scheduler_action"] = "skipped"
		info["scheduler_reason"] = "missing_channel_binding"
	case h.c.Scheduler == nil:
		info["scheduler_action"] = "skipped"
		info["scheduler_reason"] = "scheduler_unavailable"
	default:
		action, jobID, err := h.c.Scheduler.UpsertRecurringJob(ctx, JobConfig{
			Owner:     s.Owner,
			Time:      firstNonEmpty(heuristics.CoerceScalar(meta.Fields["daily_brief_time"]), h.c.DailyBriefTime),
			Timezone:  firstNonEmpty(heuristics.CoerceScalar(meta.Fields["timezone"]), h.c.Timezone),
			ChannelID: channel,
		})
		if err != nil {
			return info, fmt.Errorf("scheduling daily brief: %w", err)
		}
		info["scheduler_action"] = action
		info["scheduler_job_id"] = jobID
	}
	return info, nil
}

func (h *onboardingHandler) Cancel(ctx context.Context, s *Session) error {
	metaRef := ArtifactRef{Kind: ArtifactOwnerMeta, Owner: s.Owner}
	meta, err := readOrEmpty(ctx, h.c.Documents, metaRef)
	if err != nil {
		return fmt.Errorf("reading owner record: %w", err)
	}
	meta.Fields["onboarding_status"] = "incomplete"
	meta.Fields["daily_brief_enabled"] = false
	meta.Fields["updated_at"] = h.c.stamp()
	return h.c.Documents.Write(ctx, metaRef, meta)
}

// --- project ---

type projectHandler struct {
	c Collaborators
}

var projectSeedFields = []string{
	"definitions", "scope_boundaries", "outcome", "dependencies", "constraints",
	"success_metrics", "next_decision", "next_action",
}

func (h *projectHandler) Begin(ctx context.Context, s *Session, req StartRequest) (map[string]any, error) {
	ref := ArtifactRef{Kind: ArtifactProject, Owner: s.Owner, SubScope: s.SubScope}
	doc, err := h.c.Documents.Read(ctx, ref)
	ts := h.c.stamp()
	switch {
	case errors.Is(err, ErrArtifactNotFound):
		if strings.TrimSpace(req.Title) == "" {
			return nil, err
		}
		doc = &Document{Fields: map[string]any{
			"title":      heuristics.Normalize(req.Title),
			"slug":       s.SubScope,
			"status":     "active",
			"created_at": ts,
		}}
	case err != nil:
		return nil, fmt.Errorf("reading project: %w", err)
	}
	if doc.Fields == nil {
		doc.Fields = map[string]any{}
	}
	doc.Fields["questioning_status"] = "in_progress"
	doc.Fields["updated_at"] = ts
	if err := h.c.Documents.Write(ctx, ref, doc); err != nil {
		return nil, fmt.Errorf("writing project: %w", err)
	}

	seeds := map[string]any{}
	if title, ok := doc.Fields["title"]; ok {
		seeds["project_intent"] = title
	}
	for _, key := range projectSeedFields {
		if v, ok := doc.Fields[key]; ok {
			seeds[key] = v
		}
	}
	return seeds, nil
}

func (h *projectHandler) Finalize(ctx context.Context, s *Session) (map[string]string, error) {
	ref := ArtifactRef{Kind: ArtifactProject, Owner: s.Owner, SubScope: s.SubScope}
	doc, err := readOrEmpty(ctx, h.c.Documents, ref)
	if err != nil {
		return nil, fmt.Errorf("reading project: %w", err)
	}
	f := doc.Fields
	captured := s.Captured
	ts := h.c.stamp()

	for _, key := range []string{"definitions", "dependencies", "constraints", "success_metrics"} {
		f[key] = mergeClean(heuristics.CoerceList(f[key]), captured[key].Strings())
	}
	f["scope_boundaries"] = firstNonEmpty(captured["scope_boundaries"].String(), heuristics.CoerceScalar(f["scope_boundaries"]))
	for _, key := range []string{"outcome", "next_decision", "next_action"} {
		if v := captured[key].String(); v != "" {
			f[key] = v
		}
	}
	f["schema_version"] = 1
	f["updated_at"] = ts
	f["questioning_status"] = "completed"
	f["questioning_completed_at"] = ts

	defs := f["definitions"].([]string)
	relLines := []string{"- Dependencies:"}
	relLines = append(relLines, indented(f["dependencies"].([]string))...)
	relLines = append(relLines, "- Constraints:")
	relLines = append(relLines, indented(f["constraints"].([]string))...)
	relLines = append(relLines, "- Success Metrics:")
	relLines = append(relLines, indented(f["success_metrics"].([]string))...)
	relLines = append(relLines,
		"- Next Decision: "+firstNonEmpty(heuristics.CoerceScalar(f["next_decision"]), "_pending_"),
		"- Next Action: "+firstNonEmpty(heuristics.CoerceScalar(f["next_action"]), "_pending_"),
	)
	expression := firstNonEmpty(captured["project_expression"].String(),
		"Frame this project by linking constraints, dependencies, and measurable progress.")
	doc.Body = UpsertSummaryBlock(doc.Body, strings.Join(bullets(defs), "\n"), strings.Join(relLines, "\n"), expression)

	if err := h.c.Documents.Write(ctx, ref, doc); err != nil {
		return nil, fmt.Errorf("writing project: %w", err)
	}
	return map[string]string{"project": s.SubScope}, nil
}

func (h *projectHandler) Cancel(ctx context.Context, s *Session) error {
	ref := ArtifactRef{Kind: ArtifactProject, Owner: s.Owner, SubScope: s.SubScope}
	doc, err := h.c.Documents.Read(ctx, ref)
	if errors.Is(err, ErrArtifactNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading project: %w", err)
	}
	if doc.Fields == nil {
		doc.Fields = map[string]any{}
	}
	doc.Fields["questioning_status"] = "canceled"
	doc.Fields["updated_at"] = h.c.stamp()
	return h.c.Documents.Write(ctx, ref, doc)
}

// --- topic ---

type topicHandler struct {
	c Collaborators
}

func (h *topicHandler) Begin(context.Context, *Session, StartRequest) (map[string]any, error) {
	return nil, nil
}

func (h *topicHandler) Finalize(ctx context.Context, s *Session) (map[string]string, error) {
	if h.c.Journal == nil {
		return nil, errors.New("no journal configured")
	}
	captured := s.Captured
	defs := mergeClean(captured["topic_definitions"].Strings(), captured["definitions"].Strings())
	defLines := bullets(defs)
	if len(defLines) == 0 {
		defLines = []string{"- _none_"}
	}
	rel := []string{
		"- Problem: " + firstNonEmpty(captured["topic_problem"].String(), "_pending_"),
		"- Objective: " + firstNonEmpty(captured["topic_objective"].String(), "_pending_"),
		"- Relationships: " + firstNonEmpty(captured["topic_relationships"].String(), "_pending_"),
		"- Tradeoffs: " + firstNonEmpty(captured["topic_tradeoffs"].String(), "_pending_"),
		"- Decisions: " + firstNonEmpty(captured["topic_decisions"].String(), "_pending_"),
	}
	expression := firstNonEmpty(captured["topic_expression"].String(), "Use this clarity to drive the next concrete decision.")

	var b strings.Builder
	b.WriteString("Classical Questioning Summary\n\n")
	if s.Topic != "" {
		fmt.Fprintf(&b, "Topic: %s\n\n", s.Topic)
	}
	b.WriteString("Definitions\n" + strings.Join(defLines, "\n") + "\n\n")
	b.WriteString("Relationships\n" + strings.Join(rel, "\n") + "\n\n")
	b.WriteString("Expression\n" + expression)

	path, err := h.c.Journal.AppendEntry(ctx, s.Owner, b.String(), JournalSource)
	if err != nil {
		return nil, fmt.Errorf("appending journal entry: %w", err)
	}
	return map[string]string{"journal": path}, nil
}

func (h *topicHandler) Cancel(context.Context, *Session) error {
	return nil
}

// --- summary rendering ---

// RenderSummaryBlock renders the delimited definitions/relationships/
// expression block. Empty sections render as pending.
func RenderSummaryBlock(definitions, relationships, expression string) string {
	lines := []string{
		SummaryStart,
		"## Definitions",
		"",
		firstNonEmpty(strings.TrimSpace(definitions), "- _pending_"),
		"",
		"## Relationships",
		"",
		firstNonEmpty(strings.TrimSpace(relationships), "- _pending_"),
		"",
		"## Expression",
		"",
		firstNonEmpty(strings.TrimSpace(expression), "_pending_"),
		SummaryEnd,
	}
	return strings.Join(lines, "\n")
}

// UpsertSummaryBlock replaces any existing summary block in body with a
// fresh one appended at the end.
func UpsertSummaryBlock(body, definitions, relationships, expression string) string {
	cleaned := strings.TrimSpace(summaryBlockRe.ReplaceAllString(body, ""))
	block := RenderSummaryBlock(definitions, relationships, expression)
	if cleaned == "" {
		return block + "\n"
	}
	return cleaned + "\n\n" + block + "\n"
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func mergeClean(existing, incoming []string) []string {
	return heuristics.MergeList(heuristics.DropPlaceholders(existing), heuristics.DropPlaceholders(incoming))
}

func bullets(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, "- "+item)
	}
	return out
}

func indented(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, "  - "+item)
	}
	return out
}
