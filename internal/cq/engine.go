package cq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/berth-dev/trivium/internal/catalog"
	"github.com/berth-dev/trivium/internal/heuristics"
	"github.com/berth-dev/trivium/internal/log"
	"github.com/berth-dev/trivium/internal/metrics"
)

// Store persists sessions per lock scope and keeps the owner-wide index of
// active sessions. Save and Archive must each be a single atomic write.
type Store interface {
	// ActiveIndex lists the owner's active index records.
	ActiveIndex(ctx context.Context, owner string) ([]IndexRecord, error)
	// Load returns the active session a record points at, or nil when the
	// scope no longer holds it.
	Load(ctx context.Context, rec IndexRecord) (*Session, error)
	// Save upserts an active (in_progress or paused) session and its index
	// record.
	Save(ctx context.Context, s *Session) error
	// Insert saves a new session if guard accepts the owner's active index
	// records. The read and the write must be one atomic step across every
	// process sharing the store.
	Insert(ctx context.Context, s *Session, guard func(active []IndexRecord) error) error
	// Archive moves a completed or canceled session out of the active set.
	Archive(ctx context.Context, s *Session) error
}

// EventSink receives audit events.
type EventSink interface {
	Append(event log.LogEvent) error
}

// Engine runs questioning sessions. It is safe for concurrent use; operations
// for the same owner are serialized.
type Engine struct {
	rules    Rules
	store    Store
	handlers map[ContextType]ContextHandler
	logger   *zap.Logger
	events   EventSink
	metrics  *metrics.Metrics
	now      func() time.Time
	newID    func() string
	locks    ownerLocks
}

// Option configures an Engine.
type Option func(*Engine)

// WithPolicy overrides the default thresholds.
func WithPolicy(p Policy) Option { return func(e *Engine) { e.rules.Policy = p } }

// WithHeuristics replaces term extraction and cue detection.
func WithHeuristics(h Heuristics) Option { return func(e *Engine) { e.rules.Heuristics = h } }

// WithHandlers registers context handlers, replacing any registered for the
// same context types.
func WithHandlers(h map[ContextType]ContextHandler) Option {
	return func(e *Engine) {
		for k, v := range h {
			e.handlers[k] = v
		}
	}
}

// WithLogger sets the diagnostic logger.
func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithEvents sets the audit event sink.
func WithEvents(sink EventSink) Option { return func(e *Engine) { e.events = sink } }

// WithMetrics sets the Prometheus recorders.
func WithMetrics(m *metrics.Metrics) Option { return func(e *Engine) { e.metrics = m } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithIDGenerator overrides session id generation.
func WithIDGenerator(f func() string) Option { return func(e *Engine) { e.newID = f } }

// New creates an Engine over the given catalog and store.
func New(cat *catalog.Catalog, store Store, opts ...Option) *Engine {
	e := &Engine{
		rules:    Rules{Catalog: cat, Policy: DefaultPolicy(), Heuristics: heuristics.Default{}},
		store:    store,
		handlers: map[ContextType]ContextHandler{},
		logger:   zap.NewNop(),
		now:      time.Now,
		newID:    NewSessionID,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Rules exposes the pure rule set the engine applies.
func (e *Engine) Rules() Rules {
	return e.rules
}

// NewSessionID returns an id of the form cq-<12 hex>.
func NewSessionID() string {
	return "cq-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

type ownerLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (l *ownerLocks) lock(owner string) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = map[string]*sync.Mutex{}
	}
	m, ok := l.locks[owner]
	if !ok {
		m = &sync.Mutex{}
		l.locks[owner] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}

const pausedDirective = "Question limit reached. Resume this session to continue."

// Start begins a session, or returns the caller's existing session for the
// same scope. Conflicting starts come back blocked, not as errors.
func (e *Engine) Start(ctx context.Context, req StartRequest) (*Response, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	handler, ok := e.handlers[req.Context]
	if !ok {
		return nil, fmt.Errorf("%w: no handler for %q", ErrUnknownContext, req.Context)
	}
	req.SubScope = strings.TrimSpace(req.SubScope)

	unlock := e.locks.lock(req.Owner)
	defer unlock()

	active, err := e.activeSessions(ctx, req.Owner)
	if err != nil {
		return nil, err
	}
	if resp := e.checkConflicts(req, active); resp != nil {
		return resp, nil
	}

	now := e.now().UTC()
	s := &Session{
		ID:           e.newID(),
		Context:      req.Context,
		Owner:        req.Owner,
		SubScope:     req.SubScope,
		Topic:        heuristics.Normalize(req.Topic),
		StartedBy:    req.StartedBy,
		Status:       StatusInProgress,
		QuestionCap:  e.rules.Policy.QuestionCap,
		Requirements: e.rules.Policy.Requirements,
		Captured:     map[string]Value{},
		RetryCounts:  map[string]int{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if req.Context != Project {
		s.SubScope = ""
	}

	seeds, err := handler.Begin(ctx, s, req)
	if errors.Is(err, ErrArtifactNotFound) {
		return e.blocked(req.Owner, ReasonProjectNotFound,
			fmt.Sprintf("Which project should this cover? No project %q exists yet; start again with a title to create it.", req.SubScope),
			nil, nil), nil
	}
	if err != nil {
		return nil, fmt.Errorf("preparing %s session: %w", req.Context, err)
	}
	e.seed(s, seeds)
	if e.rules.Heuristics != nil && e.rules.Heuristics.DetectsExpressiveCue(req.Topic) {
		s.RhetoricSignal = true
	}

	if e.rules.IsComplete(s) {
		e.noteStarted(s)
		return e.complete(ctx, "start", s)
	}
	e.ask(s, nil)
	err = e.store.Insert(ctx, s, startGuard(req))
	if errors.Is(err, errStartConflict) {
		// Another process started a session for this owner after the check above.
		return e.lostStart(ctx, req)
	}
	if err != nil {
		return nil, fmt.Errorf("saving session: %w", err)
	}
	e.noteStarted(s)
	return e.respond("start", s), nil
}

// startGuard re-applies the start conflict rules to the owner's active index
// inside the store's write transaction.
func startGuard(req StartRequest) func([]IndexRecord) error {
	return func(active []IndexRecord) error {
		for _, rec := range active {
			if rec.Context == Onboarding || req.Context == Onboarding || rec.Context == req.Context {
				return fmt.Errorf("%w: %s session %s is active", errStartConflict, rec.Context, rec.SessionID)
			}
		}
		return nil
	}
}

func (e *Engine) lostStart(ctx context.Context, req StartRequest) (*Response, error) {
	active, err := e.activeSessions(ctx, req.Owner)
	if err != nil {
		return nil, err
	}
	if resp := e.checkConflicts(req, active); resp != nil {
		return resp, nil
	}
	return e.blocked(req.Owner, ReasonSessionConflict,
		"Another session was started at the same time. Check status before starting again.", nil, nil), nil
}

func (e *Engine) noteStarted(s *Session) {
	e.emit(log.LogEvent{Event: log.EventSessionStarted, SessionID: s.ID, Owner: s.Owner, Context: string(s.Context), SubScope: s.SubScope})
	e.metrics.RecordTransition(string(s.Context), string(StatusInProgress))
	e.logger.Info("session started",
		zap.String("session", s.ID),
		zap.String("owner", s.Owner),
		zap.String("context", string(s.Context)),
		zap.Int("seeded", len(s.AcceptedSlots)))
}

// seed accepts artifact values that already satisfy their slot's rule.
func (e *Engine) seed(s *Session, raw map[string]any) {
	spec, ok := e.rules.Catalog.Context(string(s.Context))
	if !ok {
		return
	}
	for _, slot := range spec.Slots {
		v, ok := raw[slot.Name]
		if !ok {
			continue
		}
		var value Value
		if slot.List {
			value = ListValue(heuristics.DropPlaceholders(heuristics.CoerceList(v)))
		} else {
			value = Scalar(heuristics.CoerceScalar(v))
		}
		if !e.rules.SlotSatisfied(s.Context, slot.Name, value) {
			continue
		}
		s.Captured[slot.Name] = value
		s.markAccepted(slot.Name)
	}
	s.Coverage = e.rules.Coverage(s)
}

func (e *Engine) checkConflicts(req StartRequest, active []*Session) *Response {
	var onboarding *Session
	var others []*Session
	for _, s := range active {
		if s.Context == Onboarding {
			onboarding = s
		} else {
			others = append(others, s)
		}
	}

	if req.Context != Onboarding && onboarding != nil {
		return e.blocked(req.Owner, ReasonOnboardingLock,
			"Onboarding is still in progress. Resume or finish onboarding before starting another session.",
			[]Hint{{Action: "resume", Context: Onboarding}}, onboarding)
	}
	if req.Context == Onboarding && onboarding == nil && len(others) > 0 {
		hints := make([]Hint, 0, len(others))
		for _, s := range others {
			hints = append(hints, Hint{Action: "cancel", Context: s.Context, SubScope: s.SubScope})
		}
		return e.blocked(req.Owner, ReasonSessionConflict,
			"Another session is active. Finish or cancel it before starting onboarding.",
			hints, others[0])
	}

	for _, s := range active {
		if s.Context != req.Context {
			continue
		}
		if req.Context == Project && s.SubScope != req.SubScope {
			return e.blocked(req.Owner, ReasonProjectSessionActive,
				fmt.Sprintf("A session for project %q is still active. Resume it or cancel it before starting %q.", s.SubScope, req.SubScope),
				[]Hint{
					{Action: "resume", Context: Project, SubScope: s.SubScope},
					{Action: "cancel", Context: Project, SubScope: s.SubScope},
				}, s)
		}
		resp := e.respond("start", s)
		resp.Resumed = true
		return resp
	}
	return nil
}

func (e *Engine) blocked(owner, reason, directive string, hints []Hint, conflicting *Session) *Response {
	e.metrics.RecordBlocked(reason)
	e.emit(log.LogEvent{Event: log.EventStartBlocked, Owner: owner, Reason: reason})
	e.logger.Info("start blocked", zap.String("owner", owner), zap.String("reason", reason))
	resp := &Response{
		Action:       "start",
		Owner:        owner,
		ResponseMode: ResponseMode,
		Question:     directive,
		Blocked:      true,
		Reason:       reason,
		Hints:        hints,
	}
	if conflicting != nil {
		resp.Session = e.snapshot(conflicting)
	}
	return resp
}

// Status reports the owner's active session. It never mutates state.
func (e *Engine) Status(ctx context.Context, owner string, hint ContextType) (*Response, error) {
	active, err := e.activeSessions(ctx, owner)
	if err != nil {
		return nil, err
	}
	matches := filterContext(active, hint)
	switch len(matches) {
	case 0:
		return e.unresolved("status", owner, ReasonNoActiveSession,
			"No questioning session is active. Which context do you want to start: onboarding, project, or topic?"), nil
	case 1:
		return e.respond("status", matches[0]), nil
	default:
		resp := e.unresolved("status", owner, ReasonMultipleActiveSessions,
			"Several sessions are active. Which one do you mean: "+contextList(matches)+"?")
		for _, s := range matches {
			resp.ActiveSessions = append(resp.ActiveSessions, *e.snapshot(s))
		}
		return resp, nil
	}
}

// Answer applies text to the resolved session's current question and
// returns the next question, or the completion result.
func (e *Engine) Answer(ctx context.Context, owner string, hint ContextType, text string) (*Response, error) {
	if heuristics.Normalize(text) == "" {
		return nil, ErrEmptyAnswer
	}
	unlock := e.locks.lock(owner)
	defer unlock()

	s, resp, err := e.resolve(ctx, "answer", owner, hint)
	if s == nil || err != nil {
		return resp, err
	}
	if s.Status == StatusPaused {
		resp := e.respond("answer", s)
		resp.Reason = ReasonSessionPaused
		return resp, nil
	}
	now := e.now().UTC()
	if s.CurrentQuestion == nil {
		// Nothing was asked, so the text is kept in history but not applied.
		e.rules.RecordUnasked(s, text, now)
		e.logger.Warn("answer without a current question", zap.String("session", s.ID))
		if e.rules.IsComplete(s) {
			resp, err := e.complete(ctx, "answer", s)
			if resp != nil {
				resp.Reason = ReasonNoCurrentQuestion
			}
			return resp, err
		}
		e.ask(s, nil)
		if s.Status == StatusPaused {
			e.notePaused(s)
		}
		if err := e.store.Save(ctx, s); err != nil {
			return nil, fmt.Errorf("saving session: %w", err)
		}
		resp := e.respond("answer", s)
		resp.Reason = ReasonNoCurrentQuestion
		return resp, nil
	}

	asked := *s.CurrentQuestion
	out := e.rules.ApplyAnswer(s, text, now)
	e.metrics.RecordAnswer(string(s.Context), out.Accepted)

	if out.Accepted {
		e.emit(log.LogEvent{Event: log.EventAnswerAccepted, SessionID: s.ID, Owner: owner, Context: string(s.Context), Slot: out.Slot, Level: string(asked.Level)})
		e.logger.Debug("answer accepted",
			zap.String("session", s.ID),
			zap.String("slot", out.Slot),
			zap.Strings("new_terms", out.NewTerms))
		if e.rules.IsComplete(s) {
			resp, err := e.complete(ctx, "answer", s)
			if resp != nil {
				resp.Accepted = true
				resp.CapturedSlot = out.Slot
			}
			return resp, err
		}
		e.ask(s, nil)
	} else {
		e.emit(log.LogEvent{Event: log.EventAnswerRejected, SessionID: s.ID, Owner: owner, Context: string(s.Context), Slot: out.Slot, Attempt: out.Attempt})
		e.logger.Debug("answer rejected",
			zap.String("session", s.ID),
			zap.String("slot", out.Slot),
			zap.Int("attempt", out.Attempt))
		e.ask(s, &asked)
	}

	if s.Status == StatusPaused {
		e.notePaused(s)
	}
	if err := e.store.Save(ctx, s); err != nil {
		return nil, fmt.Errorf("saving session: %w", err)
	}
	resp = e.respond("answer", s)
	resp.Accepted = out.Accepted
	if out.Accepted {
		resp.CapturedSlot = out.Slot
	}
	return resp, nil
}

// Resume reactivates a paused session and regenerates its question. A
// session paused at its question cap is granted the resume budget.
func (e *Engine) Resume(ctx context.Context, owner string, hint ContextType) (*Response, error) {
	unlock := e.locks.lock(owner)
	defer unlock()

	s, resp, err := e.resolve(ctx, "resume", owner, hint)
	if s == nil || err != nil {
		return resp, err
	}
	if s.Status == StatusPaused {
		s.Status = StatusInProgress
		if s.QuestionCount >= s.QuestionCap {
			s.QuestionCap = s.QuestionCount + e.rules.Policy.ResumeBudget
		}
		e.metrics.RecordTransition(string(s.Context), string(StatusInProgress))
		e.emit(log.LogEvent{Event: log.EventSessionResumed, SessionID: s.ID, Owner: owner, Context: string(s.Context), QuestionCount: s.QuestionCount})
		e.logger.Info("session resumed", zap.String("session", s.ID), zap.Int("question_cap", s.QuestionCap))
	}
	if s.CurrentQuestion == nil {
		if e.rules.IsComplete(s) {
			return e.complete(ctx, "resume", s)
		}
		e.ask(s, nil)
		if s.Status == StatusPaused {
			e.notePaused(s)
		}
	}
	s.UpdatedAt = e.now().UTC()
	if err := e.store.Save(ctx, s); err != nil {
		return nil, fmt.Errorf("saving session: %w", err)
	}
	return e.respond("resume", s), nil
}

// Cancel ends the resolved session without finalizing it.
func (e *Engine) Cancel(ctx context.Context, owner string, hint ContextType) (*Response, error) {
	unlock := e.locks.lock(owner)
	defer unlock()

	s, resp, err := e.resolve(ctx, "cancel", owner, hint)
	if s == nil || err != nil {
		return resp, err
	}
	s.Status = StatusCanceled
	s.CurrentQuestion = nil
	s.UpdatedAt = e.now().UTC()
	s.Coverage = e.rules.Coverage(s)

	if h, ok := e.handlers[s.Context]; ok {
		if err := h.Cancel(ctx, s); err != nil {
			e.logger.Warn("cancel bookkeeping failed", zap.String("session", s.ID), zap.Error(err))
		}
	}
	if err := e.store.Archive(ctx, s); err != nil {
		return nil, fmt.Errorf("archiving session: %w", err)
	}
	e.metrics.RecordTransition(string(s.Context), string(StatusCanceled))
	e.emit(log.LogEvent{Event: log.EventSessionCanceled, SessionID: s.ID, Owner: owner, Context: string(s.Context), QuestionCount: s.QuestionCount})
	e.logger.Info("session canceled", zap.String("session", s.ID))

	resp = e.respond("cancel", s)
	resp.Question = "Session canceled. Start a new session when you are ready."
	return resp, nil
}

// complete finalizes and archives s. A finalizer failure is reported on the
// response; the session is archived as completed either way.
func (e *Engine) complete(ctx context.Context, action string, s *Session) (*Response, error) {
	s.Status = StatusCompleted
	s.CurrentQuestion = nil
	s.UpdatedAt = e.now().UTC()
	s.Coverage = e.rules.Coverage(s)

	var info map[string]string
	var finalizeErr error
	if h, ok := e.handlers[s.Context]; ok {
		info, finalizeErr = h.Finalize(ctx, s)
	}
	if err := e.store.Archive(ctx, s); err != nil {
		return nil, fmt.Errorf("archiving session: %w", err)
	}

	e.metrics.RecordTransition(string(s.Context), string(StatusCompleted))
	e.emit(log.LogEvent{Event: log.EventSessionCompleted, SessionID: s.ID, Owner: s.Owner, Context: string(s.Context), QuestionCount: s.QuestionCount})
	e.logger.Info("session completed", zap.String("session", s.ID), zap.Int("questions", s.QuestionCount))

	resp := e.respond(action, s)
	resp.Completed = true
	resp.Completion = info
	resp.Question = "Session complete. What would you like to work on next?"
	if finalizeErr != nil {
		resp.FinalizeError = finalizeErr.Error()
		e.metrics.RecordFinalizeFailure(string(s.Context))
		e.emit(log.LogEvent{Event: log.EventFinalizeFailed, SessionID: s.ID, Owner: s.Owner, Context: string(s.Context), Error: finalizeErr.Error()})
		e.logger.Warn("finalize failed", zap.String("session", s.ID), zap.Error(finalizeErr))
	}
	return resp, nil
}

// ask prepares the next question and records it.
func (e *Engine) ask(s *Session, reask *Question) {
	if q := e.rules.PrepareNextQuestion(s, reask, e.now().UTC()); q != nil {
		e.metrics.RecordQuestion(string(s.Context), string(q.Level))
	}
}

func (e *Engine) notePaused(s *Session) {
	e.metrics.RecordTransition(string(s.Context), string(StatusPaused))
	e.emit(log.LogEvent{Event: log.EventSessionPaused, SessionID: s.ID, Owner: s.Owner, Context: string(s.Context), QuestionCount: s.QuestionCount, Remaining: e.rules.RemainingRequirements(s)})
	e.logger.Info("session paused at question cap", zap.String("session", s.ID), zap.Int("questions", s.QuestionCount))
}

// activeSessions loads every session the owner's index points at. Index
// records whose scope no longer holds the session are skipped.
func (e *Engine) activeSessions(ctx context.Context, owner string) ([]*Session, error) {
	records, err := e.store.ActiveIndex(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("reading active index: %w", err)
	}
	var out []*Session
	for _, rec := range records {
		s, err := e.store.Load(ctx, rec)
		if err != nil {
			return nil, fmt.Errorf("loading session %s: %w", rec.SessionID, err)
		}
		if s == nil || s.Status.Terminal() {
			e.logger.Warn("stale index record", zap.String("session", rec.SessionID), zap.String("location", rec.StoreLocation))
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// resolve finds the single active session an operation targets. When it
// cannot, it returns a response explaining why.
func (e *Engine) resolve(ctx context.Context, action, owner string, hint ContextType) (*Session, *Response, error) {
	active, err := e.activeSessions(ctx, owner)
	if err != nil {
		return nil, nil, err
	}
	matches := filterContext(active, hint)
	if len(matches) == 1 {
		return matches[0], nil, nil
	}
	question := "Which session do you mean? No active session matches."
	if len(matches) > 1 {
		question = "Which session do you mean: " + contextList(matches) + "?"
	}
	resp := e.unresolved(action, owner, ReasonActiveSessionUnresolved, question)
	for _, s := range matches {
		resp.ActiveSessions = append(resp.ActiveSessions, *e.snapshot(s))
	}
	return nil, resp, nil
}

func (e *Engine) unresolved(action, owner, reason, question string) *Response {
	return &Response{
		Action:       action,
		Owner:        owner,
		ResponseMode: ResponseMode,
		Question:     question,
		Reason:       reason,
	}
}

func (e *Engine) respond(action string, s *Session) *Response {
	snap := e.snapshot(s)
	question := snap.NextQuestion
	if s.Status == StatusPaused {
		question = pausedDirective
	}
	return &Response{
		Action:       action,
		Owner:        s.Owner,
		ResponseMode: ResponseMode,
		Question:     question,
		Session:      snap,
	}
}

func (e *Engine) snapshot(s *Session) *Snapshot {
	snap := &Snapshot{
		SessionID:             s.ID,
		Context:               s.Context,
		SubScope:              s.SubScope,
		Status:                s.Status,
		Coverage:              e.rules.Coverage(s),
		QuestionCount:         s.QuestionCount,
		QuestionCap:           s.QuestionCap,
		RemainingRequirements: e.rules.RemainingRequirements(s),
		HardGateBlocked:       HardGateBlocked(s),
	}
	if q := s.CurrentQuestion; q != nil {
		snap.NextQuestion = q.Text
		snap.Slot = q.Slot
		snap.Choices = q.Choices
	}
	if s.Status == StatusPaused {
		snap.ResumeHint = &Hint{Action: "resume", Context: s.Context, SubScope: s.SubScope}
	}
	return snap
}

func (e *Engine) emit(ev log.LogEvent) {
	if e.events == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = e.now().UTC()
	}
	if err := e.events.Append(ev); err != nil {
		e.logger.Warn("event log append failed", zap.String("event", ev.Event), zap.Error(err))
	}
}

func filterContext(sessions []*Session, hint ContextType) []*Session {
	if hint == "" {
		return sessions
	}
	var out []*Session
	for _, s := range sessions {
		if s.Context == hint {
			out = append(out, s)
		}
	}
	return out
}

func contextList(sessions []*Session) string {
	names := make([]string, 0, len(sessions))
	for _, s := range sessions {
		name := string(s.Context)
		if s.SubScope != "" {
			name += " " + s.SubScope
		}
		names = append(names, name)
	}
	return strings.Join(names, ", ")
}
