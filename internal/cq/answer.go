package cq

import (
	"strings"
	"time"

	"github.com/berth-dev/trivium/internal/catalog"
	"github.com/berth-dev/trivium/internal/heuristics"
)

// AnswerOutcome describes what ApplyAnswer did.
type AnswerOutcome struct {
	// Slot is the slot the answer was judged against. For an accepted
	// define-term answer it is the definitions target.
	Slot     string
	Accepted bool
	Attempt  int
	NewTerms []string
}

// ApplyAnswer judges raw against the current question and folds the result
// into the session. It does not choose the next question.
func (r Rules) ApplyAnswer(s *Session, raw string, now time.Time) AnswerOutcome {
	q := s.CurrentQuestion
	if q == nil {
		return AnswerOutcome{}
	}
	slot := q.Slot
	value, ok := r.validate(s.Context, slot, raw)

	r.appendHistory(s, HistoryEntry{
		Slot:     slot,
		Level:    q.Level,
		Question: q.Text,
		Answer:   heuristics.Normalize(raw),
		Accepted: ok,
		At:       now,
	})

	if s.RetryCounts == nil {
		s.RetryCounts = map[string]int{}
	}
	if !ok {
		s.RetryCounts[slot]++
		return AnswerOutcome{Slot: slot, Attempt: s.RetryCounts[slot]}
	}
	delete(s.RetryCounts, slot)

	if s.Captured == nil {
		s.Captured = map[string]Value{}
	}
	accepted := slot
	switch {
	case slot == catalog.DefineTermSlot:
		accepted = r.Catalog.DefineTerm.Target
		entry := q.Term + ": " + value.Text
		s.Captured[accepted] = ListValue(heuristics.MergeList(s.Captured[accepted].Strings(), []string{entry}))
		s.PendingTerms = removeFold(s.PendingTerms, q.Term)
	case value.List:
		s.Captured[slot] = ListValue(heuristics.MergeList(s.Captured[slot].Strings(), value.Items))
	default:
		s.Captured[slot] = value
	}
	s.markAccepted(accepted)

	out := AnswerOutcome{Slot: accepted, Accepted: true}
	if r.Heuristics != nil {
		out.NewTerms = r.addPendingTerms(s, r.Heuristics.ExtractCandidateTerms(raw))
		if r.Heuristics.DetectsExpressiveCue(raw) {
			s.RhetoricSignal = true
		}
	}
	s.Coverage = r.Coverage(s)
	return out
}

// validate checks raw against the slot's rule and returns the value to store.
func (r Rules) validate(context ContextType, slot, raw string) (Value, bool) {
	var value Value
	if slot != catalog.DefineTermSlot && r.Catalog.IsList(string(context), slot) {
		value = ListValue(heuristics.SplitList(raw))
	} else {
		value = Scalar(heuristics.Normalize(raw))
	}
	return value, ruleSatisfied(r.ruleFor(context, slot), value)
}

// knownTerms returns the lowercased terms already defined in the
// definitions target ("term: meaning" entries).
func (r Rules) knownTerms(s *Session) map[string]bool {
	known := map[string]bool{}
	for _, entry := range s.Captured[r.Catalog.DefineTerm.Target].Strings() {
		if term, _, ok := strings.Cut(entry, ":"); ok {
			known[strings.ToLower(strings.TrimSpace(term))] = true
		}
	}
	return known
}

func (r Rules) addPendingTerms(s *Session, candidates []string) []string {
	known := r.knownTerms(s)
	for _, t := range s.PendingTerms {
		known[strings.ToLower(t)] = true
	}
	var added []string
	for _, term := range candidates {
		if len(s.PendingTerms) >= r.Policy.PendingTermsCap {
			break
		}
		key := strings.ToLower(term)
		if known[key] {
			continue
		}
		known[key] = true
		s.PendingTerms = append(s.PendingTerms, term)
		added = append(added, term)
	}
	return added
}

func removeFold(items []string, target string) []string {
	out := items[:0:0]
	for _, item := range items {
		if !strings.EqualFold(item, target) {
			out = append(out, item)
		}
	}
	return out
}

// RecordUnasked keeps text that arrived while no question was pending. It is
// stored as a rejected entry with no slot and changes nothing else.
func (r Rules) RecordUnasked(s *Session, raw string, now time.Time) {
	r.appendHistory(s, HistoryEntry{Answer: heuristics.Normalize(raw), At: now})
}

func (r Rules) appendHistory(s *Session, entry HistoryEntry) {
	s.History = append(s.History, entry)
	if limit := r.Policy.HistoryLimit; limit > 0 && len(s.History) > limit {
		s.History = append([]HistoryEntry(nil), s.History[len(s.History)-limit:]...)
	}
	s.UpdatedAt = entry.At
}
