package cq

import (
	"fmt"
	"strings"

	"github.com/berth-dev/trivium/internal/catalog"
	"github.com/berth-dev/trivium/internal/heuristics"
)

// Selector bonuses applied on top of the base level weights.
const (
	grammarDeficitBonus  = 35
	logicDeficitBonus    = 25
	totalDeficitBonus    = 10
	rhetoricSignalBonus  = 45
	rhetoricUnselectable = -1
)

// Policy holds the numeric knobs of questioning.
type Policy struct {
	QuestionCap     int
	ResumeBudget    int
	RetryEscalation int
	HistoryLimit    int
	PendingTermsCap int
	Requirements    Requirements
	Weights         Weights
}

// DefaultPolicy returns the stock thresholds.
func DefaultPolicy() Policy {
	return Policy{
		QuestionCap:     12,
		ResumeBudget:    6,
		RetryEscalation: 2,
		HistoryLimit:    120,
		PendingTermsCap: 8,
		Requirements:    Requirements{GrammarMin: 3, LogicMin: 2, TotalMin: 5, RhetoricMax: 1},
		Weights:         Weights{Grammar: 65, Logic: 30, Rhetoric: 5},
	}
}

// Heuristics are the replaceable text hooks of the answer processor.
type Heuristics interface {
	ExtractCandidateTerms(text string) []string
	DetectsExpressiveCue(text string) bool
}

// Rules bundles the catalog, policy and heuristics. All of its methods are
// deterministic functions of the session passed in; none perform I/O.
type Rules struct {
	Catalog    *catalog.Catalog
	Policy     Policy
	Heuristics Heuristics
}

func (r Rules) spec(s *Session) *catalog.ContextSpec {
	spec, ok := r.Catalog.Context(string(s.Context))
	if !ok {
		return &catalog.ContextSpec{}
	}
	return spec
}

// Coverage counts the session's accepted slots per level.
func (r Rules) Coverage(s *Session) Coverage {
	var c Coverage
	for _, slot := range s.AcceptedSlots {
		level, ok := r.Catalog.LevelOf(string(s.Context), slot)
		if !ok {
			continue
		}
		switch level {
		case catalog.Grammar:
			c.Grammar++
		case catalog.Logic:
			c.Logic++
		case catalog.Rhetoric:
			c.Rhetoric++
		}
	}
	c.Total = c.Grammar + c.Logic + c.Rhetoric
	return c
}

// RemainingRequirements lists unmet requirement tags: level quotas as
// "grammar<3" and missing mandatory slots as "slot:mission".
func (r Rules) RemainingRequirements(s *Session) []string {
	cov := r.Coverage(s)
	req := s.Requirements
	missing := []string{}
	if cov.Grammar < req.GrammarMin {
		missing = append(missing, fmt.Sprintf("grammar<%d", req.GrammarMin))
	}
	if cov.Logic < req.LogicMin {
		missing = append(missing, fmt.Sprintf("logic<%d", req.LogicMin))
	}
	if cov.Total < req.TotalMin {
		missing = append(missing, fmt.Sprintf("total<%d", req.TotalMin))
	}
	for _, slot := range r.spec(s).Required {
		if !s.Accepted(slot) {
			missing = append(missing, "slot:"+slot)
		}
	}
	return missing
}

// IsComplete reports whether no requirement remains.
func (r Rules) IsComplete(s *Session) bool {
	return len(r.RemainingRequirements(s)) == 0
}

// HardGateBlocked reports whether the session still gates other work.
func HardGateBlocked(s *Session) bool {
	return (s.Context == Onboarding || s.Context == Project) && s.Status != StatusCompleted
}

// SlotSatisfied reports whether v passes the acceptance rule of slot.
func (r Rules) SlotSatisfied(context ContextType, slot string, v Value) bool {
	return ruleSatisfied(r.ruleFor(context, slot), v)
}

func (r Rules) ruleFor(context ContextType, slot string) catalog.Rule {
	if slot == catalog.DefineTermSlot {
		return r.Catalog.DefineTerm.Rule
	}
	if spec, ok := r.Catalog.Context(string(context)); ok {
		if s, ok := spec.Slot(slot); ok {
			return s.Rule
		}
	}
	if slot == r.Catalog.DefineTerm.Target {
		return catalog.Rule{MinItems: 1, Definitions: true}
	}
	return catalog.Rule{MinWords: 3, MinChars: 10}
}

func ruleSatisfied(rule catalog.Rule, v Value) bool {
	if rule.Any {
		return !v.IsZero()
	}
	if rule.MinItems > 0 || rule.Definitions {
		need := rule.MinItems
		if need < 1 {
			need = 1
		}
		count := 0
		for _, item := range v.Strings() {
			if itemSatisfies(rule, item) {
				count++
			}
		}
		return count >= need
	}
	return heuristics.IsMeaningful(v.String(), rule.MinWords, rule.MinChars)
}

func itemSatisfies(rule catalog.Rule, item string) bool {
	if rule.Definitions {
		if heuristics.IsPlaceholder(item) {
			return false
		}
		return strings.Contains(item, ":") || heuristics.WordCount(item) >= 3
	}
	return heuristics.IsMeaningful(item, rule.ItemMinWords, rule.ItemMinChars)
}

// rhetoricEligible reports whether rhetoric slots may be asked at all.
func rhetoricEligible(s *Session, cov Coverage) bool {
	return s.RhetoricSignal && cov.Rhetoric < s.Requirements.RhetoricMax
}

func (r Rules) levelWeights(s *Session, cov Coverage) map[catalog.Level]int {
	req := s.Requirements
	w := map[catalog.Level]int{
		catalog.Grammar:  r.Policy.Weights.Grammar,
		catalog.Logic:    r.Policy.Weights.Logic,
		catalog.Rhetoric: r.Policy.Weights.Rhetoric,
	}
	if cov.Grammar < req.GrammarMin {
		w[catalog.Grammar] += grammarDeficitBonus
	}
	if cov.Logic < req.LogicMin {
		w[catalog.Logic] += logicDeficitBonus
	}
	if cov.Total < req.TotalMin {
		w[catalog.Grammar] += totalDeficitBonus
		w[catalog.Logic] += totalDeficitBonus
	}
	if rhetoricEligible(s, cov) {
		w[catalog.Rhetoric] += rhetoricSignalBonus
	} else {
		w[catalog.Rhetoric] = rhetoricUnselectable
	}
	return w
}

// openSlots returns the not-yet-accepted slots of a level in catalog order.
func (r Rules) openSlots(s *Session, level catalog.Level) []catalog.Slot {
	var out []catalog.Slot
	for _, slot := range r.spec(s).Order(level) {
		if !s.Accepted(slot.Name) {
			out = append(out, slot)
		}
	}
	return out
}

// SelectLevel picks the level to ask next. Pending terms force grammar.
// Rhetoric is only selectable after a rhetoric signal and below its quota.
func (r Rules) SelectLevel(s *Session) catalog.Level {
	if len(s.PendingTerms) > 0 {
		return catalog.Grammar
	}
	weights := r.levelWeights(s, r.Coverage(s))
	best, bestWeight := catalog.Grammar, rhetoricUnselectable
	for _, level := range catalog.Levels {
		if len(r.openSlots(s, level)) == 0 {
			continue
		}
		if weights[level] > bestWeight {
			best, bestWeight = level, weights[level]
		}
	}
	return best
}

// SelectSlot picks the next slot and, for define-term questions, the term.
// It falls back through grammar, logic and rhetoric, then to the context's
// refinement slot.
func (r Rules) SelectSlot(s *Session) (slot, term string) {
	if len(s.PendingTerms) > 0 {
		return catalog.DefineTermSlot, s.PendingTerms[0]
	}
	cov := r.Coverage(s)
	preferred := r.SelectLevel(s)
	for _, level := range append([]catalog.Level{preferred}, catalog.Levels...) {
		if level == catalog.Rhetoric && !rhetoricEligible(s, cov) {
			continue
		}
		if open := r.openSlots(s, level); len(open) > 0 {
			return open[0].Name, ""
		}
	}
	return r.spec(s).Refinement, ""
}
