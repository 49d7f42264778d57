// Package cq implements Classical Questioning: a bounded, slot-filling
// question/answer session that captures grammar (definitions), logic
// (relationships) and rhetoric (framing) for an owner's onboarding profile,
// a project, or a free-form topic.
package cq

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/berth-dev/trivium/internal/catalog"
)

// ContextType selects the slot layout, lock scope and finalizer of a session.
type ContextType string

const (
	Onboarding ContextType = "onboarding"
	Project    ContextType = "project"
	Topic      ContextType = "topic"
)

// ContextTypes lists every supported context type.
var ContextTypes = []ContextType{Onboarding, Project, Topic}

// ParseContextType validates a context name. The empty string is allowed and
// means "no hint".
func ParseContextType(s string) (ContextType, error) {
	switch c := ContextType(strings.ToLower(strings.TrimSpace(s))); c {
	case "", Onboarding, Project, Topic:
		return c, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownContext, s)
	}
}

// Status is the lifecycle state of a session.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusPaused     Status = "paused"
	StatusCompleted  Status = "completed"
	StatusCanceled   Status = "canceled"
)

// Terminal reports whether no further answers or resumes are accepted.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCanceled
}

// ResponseMode is always question_only: responses carry a question or a
// directive, never narrative.
const ResponseMode = "question_only"

// Reasons reported on blocked or unresolved responses.
const (
	ReasonOnboardingLock          = "onboarding_lock"
	ReasonSessionConflict         = "session_conflict"
	ReasonProjectSessionActive    = "project_session_in_progress"
	ReasonProjectNotFound         = "project_not_found"
	ReasonNoActiveSession         = "no_active_session"
	ReasonMultipleActiveSessions  = "multiple_active_sessions"
	ReasonActiveSessionUnresolved = "active_session_not_resolved"
	ReasonSessionPaused           = "session_paused"
	ReasonNoCurrentQuestion       = "no_current_question"
)

var (
	// ErrUnknownContext is returned for context names outside ContextTypes.
	ErrUnknownContext = errors.New("unknown context type")
	// ErrEmptyAnswer is returned when an answer has no text.
	ErrEmptyAnswer = errors.New("answer text is empty")
	// ErrArtifactNotFound is returned by a DocumentStore for missing artifacts.
	ErrArtifactNotFound = errors.New("artifact not found")
	// ErrInvalidRequest is wrapped by request validation failures.
	ErrInvalidRequest = errors.New("invalid request")

	errStartConflict = errors.New("conflicting active session")
)

// Value is a captured slot value: either a scalar string or a list of items.
// It encodes to JSON as a string or an array and decodes from either.
type Value struct {
	Text  string
	Items []string
	List  bool
}

// Scalar returns a scalar Value.
func Scalar(s string) Value { return Value{Text: s} }

// ListValue returns a list Value.
func ListValue(items []string) Value { return Value{Items: items, List: true} }

// Strings returns the list items, or the scalar as a single item.
func (v Value) Strings() []string {
	if v.List {
		return v.Items
	}
	if v.Text == "" {
		return nil
	}
	return []string{v.Text}
}

// String returns the scalar text, or the items joined with "; ".
func (v Value) String() string {
	if v.List {
		return strings.Join(v.Items, "; ")
	}
	return v.Text
}

// IsZero reports whether the value carries no content.
func (v Value) IsZero() bool {
	return v.Text == "" && len(v.Items) == 0
}

func (v Value) MarshalJSON() ([]byte, error) {
	if v.List {
		items := v.Items
		if items == nil {
			items = []string{}
		}
		return json.Marshal(items)
	}
	return json.Marshal(v.Text)
}

func (v *Value) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var items []string
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return err
		}
		*v = ListValue(items)
		return nil
	}
	var s string
	if err := json.Unmarshal(trimmed, &s); err != nil {
		return err
	}
	*v = Scalar(s)
	return nil
}

// Requirements are the completion thresholds copied onto each session.
type Requirements struct {
	GrammarMin  int `json:"grammar_min" yaml:"grammar_min"`
	LogicMin    int `json:"logic_min" yaml:"logic_min"`
	TotalMin    int `json:"total_min" yaml:"total_min"`
	RhetoricMax int `json:"rhetoric_max" yaml:"rhetoric_max"`
}

// Weights are the base level weights used by the selector.
type Weights struct {
	Grammar  int `json:"grammar" yaml:"grammar"`
	Logic    int `json:"logic" yaml:"logic"`
	Rhetoric int `json:"rhetoric" yaml:"rhetoric"`
}

// Coverage counts accepted slots per level.
type Coverage struct {
	Grammar  int `json:"grammar"`
	Logic    int `json:"logic"`
	Rhetoric int `json:"rhetoric"`
	Total    int `json:"total"`
}

// Question is the question currently put to the owner.
type Question struct {
	Slot        string        `json:"slot"`
	Level       catalog.Level `json:"level"`
	Text        string        `json:"text"`
	Term        string        `json:"term,omitempty"`
	Followup    bool          `json:"followup,omitempty"`
	Constrained bool          `json:"constrained,omitempty"`
	Choices     []string      `json:"choices,omitempty"`
}

// HistoryEntry records one answered question.
type HistoryEntry struct {
	Slot     string        `json:"slot"`
	Level    catalog.Level `json:"level"`
	Question string        `json:"question"`
	Answer   string        `json:"answer"`
	Accepted bool          `json:"accepted"`
	At       time.Time     `json:"at"`
}

// Session is the full persisted state of one questioning session.
type Session struct {
	ID              string           `json:"session_id"`
	Context         ContextType      `json:"context_type"`
	Owner           string           `json:"owner"`
	SubScope        string           `json:"sub_scope,omitempty"`
	Topic           string           `json:"topic,omitempty"`
	StartedBy       string           `json:"started_by,omitempty"`
	Status          Status           `json:"status"`
	QuestionCap     int              `json:"question_cap"`
	Requirements    Requirements     `json:"requirements"`
	QuestionCount   int              `json:"question_count"`
	Captured        map[string]Value `json:"captured"`
	AcceptedSlots   []string         `json:"accepted_slots"`
	RetryCounts     map[string]int   `json:"retry_counts"`
	PendingTerms    []string         `json:"pending_terms"`
	CurrentQuestion *Question        `json:"current_question,omitempty"`
	History         []HistoryEntry   `json:"qa_history"`
	RhetoricSignal  bool             `json:"rhetoric_signal"`
	Coverage        Coverage         `json:"coverage"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// Location returns the lock scope the session belongs to.
func (s *Session) Location() Location {
	return Location{Owner: s.Owner, Context: s.Context, SubScope: s.SubScope}
}

// Accepted reports whether slot has been accepted.
func (s *Session) Accepted(slot string) bool {
	i := sort.SearchStrings(s.AcceptedSlots, slot)
	return i < len(s.AcceptedSlots) && s.AcceptedSlots[i] == slot
}

func (s *Session) markAccepted(slot string) {
	if s.Accepted(slot) {
		return
	}
	s.AcceptedSlots = append(s.AcceptedSlots, slot)
	sort.Strings(s.AcceptedSlots)
}

// Location identifies a lock scope: one per owner for onboarding and topic,
// one per owner and project for project sessions.
type Location struct {
	Owner    string      `json:"owner"`
	Context  ContextType `json:"context_type"`
	SubScope string      `json:"sub_scope,omitempty"`
}

// Key renders the location as a stable string.
func (l Location) Key() string {
	if l.Context == Project {
		return l.Owner + "/" + string(l.Context) + "/" + l.SubScope
	}
	return l.Owner + "/" + string(l.Context)
}

// IndexRecord is an owner-wide pointer to an active session.
type IndexRecord struct {
	SessionID     string      `json:"session_id"`
	Owner         string      `json:"owner"`
	Context       ContextType `json:"context_type"`
	SubScope      string      `json:"sub_scope,omitempty"`
	Status        Status      `json:"status"`
	StoreLocation string      `json:"store_location"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// Location returns the lock scope the record points at.
func (r IndexRecord) Location() Location {
	return Location{Owner: r.Owner, Context: r.Context, SubScope: r.SubScope}
}

// CompactRecord is the archived form of a finished session.
type CompactRecord struct {
	SessionID     string           `json:"session_id"`
	Context       ContextType      `json:"context_type"`
	Owner         string           `json:"owner"`
	SubScope      string           `json:"sub_scope,omitempty"`
	Status        Status           `json:"status"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
	QuestionCount int              `json:"question_count"`
	Coverage      Coverage         `json:"coverage"`
	Captured      map[string]Value `json:"captured"`
	RecentHistory []HistoryEntry   `json:"recent_history"`
}

// Compact reduces a session to its archive record, keeping the last keep
// history entries.
func Compact(s *Session, keep int) CompactRecord {
	history := s.History
	if keep >= 0 && len(history) > keep {
		history = history[len(history)-keep:]
	}
	captured := make(map[string]Value, len(s.Captured))
	for k, v := range s.Captured {
		captured[k] = v
	}
	return CompactRecord{
		SessionID:     s.ID,
		Context:       s.Context,
		Owner:         s.Owner,
		SubScope:      s.SubScope,
		Status:        s.Status,
		CreatedAt:     s.CreatedAt,
		UpdatedAt:     s.UpdatedAt,
		QuestionCount: s.QuestionCount,
		Coverage:      s.Coverage,
		Captured:      captured,
		RecentHistory: append([]HistoryEntry(nil), history...),
	}
}

// StartRequest asks the engine to begin (or rejoin) a session.
type StartRequest struct {
	Owner   string
	Context ContextType
	// SubScope is the project slug for project sessions.
	SubScope string
	// Title names a project that does not exist yet.
	Title string
	// Topic is the free-form subject of a topic session.
	Topic     string
	StartedBy string
}

func (r StartRequest) validate() error {
	if strings.TrimSpace(r.Owner) == "" {
		return fmt.Errorf("%w: owner is required", ErrInvalidRequest)
	}
	switch r.Context {
	case Onboarding, Topic:
	case Project:
		if strings.TrimSpace(r.SubScope) == "" {
			return fmt.Errorf("%w: project sessions need a project slug", ErrInvalidRequest)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownContext, r.Context)
	}
	return nil
}

// Hint suggests a follow-up operation to the caller.
type Hint struct {
	Action   string      `json:"action"`
	Context  ContextType `json:"context_type"`
	SubScope string      `json:"sub_scope,omitempty"`
}

// Snapshot is the externally visible view of a session.
type Snapshot struct {
	SessionID             string      `json:"session_id"`
	Context               ContextType `json:"context_type"`
	SubScope              string      `json:"sub_scope,omitempty"`
	Status                Status      `json:"status"`
	NextQuestion          string      `json:"next_question,omitempty"`
	Slot                  string      `json:"slot,omitempty"`
	Choices               []string    `json:"choices,omitempty"`
	Coverage              Coverage    `json:"coverage"`
	QuestionCount         int         `json:"question_count"`
	QuestionCap           int         `json:"question_cap"`
	RemainingRequirements []string    `json:"remaining_requirements"`
	HardGateBlocked       bool        `json:"hard_gate_blocked"`
	ResumeHint            *Hint       `json:"resume_hint,omitempty"`
}

// Response is the uniform result of every engine operation.
type Response struct {
	Action       string `json:"action"`
	Owner        string `json:"owner"`
	ResponseMode string `json:"response_mode"`
	// Question is the next question, or a directive when nothing can be asked.
	Question string `json:"question,omitempty"`

	Blocked bool   `json:"blocked,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Hints   []Hint `json:"hints,omitempty"`

	Session        *Snapshot  `json:"session,omitempty"`
	ActiveSessions []Snapshot `json:"active_sessions,omitempty"`
	Resumed        bool       `json:"resumed,omitempty"`

	Accepted     bool   `json:"accepted,omitempty"`
	CapturedSlot string `json:"captured_slot,omitempty"`

	Completed     bool              `json:"completed,omitempty"`
	Completion    map[string]string `json:"completion,omitempty"`
	FinalizeError string            `json:"finalize_error,omitempty"`
}
