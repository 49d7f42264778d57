package cq

import (
	"fmt"
	"strings"
	"time"

	"github.com/berth-dev/trivium/internal/catalog"
)

// RenderQuestion builds the question for slot. Follow-up text is used when
// asked for and available; constrained questions list short framings to
// choose from.
func (r Rules) RenderQuestion(s *Session, slot, term string, followup, constrained bool) Question {
	q := Question{Slot: slot, Term: term, Followup: followup, Constrained: constrained}
	level, _ := r.Catalog.LevelOf(string(s.Context), slot)
	q.Level = level

	if slot == catalog.DefineTermSlot {
		q.Text = fmt.Sprintf(r.Catalog.DefineTerm.Question, term)
	} else if def, ok := r.spec(s).Slot(slot); ok {
		q.Text = def.Question
		if followup && def.Followup != "" {
			q.Text = def.Followup
		}
	} else {
		q.Text = r.Catalog.FallbackQuestion
	}

	if constrained {
		q.Choices = r.Catalog.ChoicesFor(string(s.Context), slot)
		numbered := make([]string, len(q.Choices))
		for i, c := range q.Choices {
			numbered[i] = fmt.Sprintf("%d) %s", i+1, c)
		}
		q.Text = strings.TrimRight(q.Text, "?") + "? Give one of: " + strings.Join(numbered, " | ")
	}
	return q
}

// PrepareNextQuestion sets the session's next question. A non-nil reask
// repeats that question's slot with follow-up wording. It clears the current
// question when the session is complete, and pauses the session once the
// question cap is reached.
func (r Rules) PrepareNextQuestion(s *Session, reask *Question, now time.Time) *Question {
	s.UpdatedAt = now
	if r.IsComplete(s) {
		s.CurrentQuestion = nil
		return nil
	}
	if s.QuestionCount >= s.QuestionCap {
		s.Status = StatusPaused
		s.CurrentQuestion = nil
		return nil
	}

	var slot, term string
	followup := false
	if reask != nil {
		slot, term, followup = reask.Slot, reask.Term, true
	} else {
		slot, term = r.SelectSlot(s)
	}
	constrained := s.RetryCounts[slot] >= r.Policy.RetryEscalation
	q := r.RenderQuestion(s, slot, term, followup, constrained)
	s.QuestionCount++
	s.CurrentQuestion = &q
	return &q
}
