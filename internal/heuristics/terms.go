package heuristics

import (
	"regexp"
	"strings"
)

// MaxTerms caps how many candidate terms one answer can yield.
const MaxTerms = 5

var (
	quotedTermRe  = regexp.MustCompile("`([^`]{2,40})`|\"([^\"]{2,40})\"|(?:^|[^A-Za-z0-9])'([^']{2,40})'")
	capitalizedRe = regexp.MustCompile(`\b[A-Z][A-Za-z0-9_-]{3,}\b`)
	cueRe         = regexp.MustCompile(`(?i)\b(influence|persuade|convince|pitch|narrative|story|message|creative|expression|frame)\b`)
)

var stopwords = map[string]bool{
	"about": true, "after": true, "again": true, "because": true, "before": true,
	"between": true, "build": true, "clarify": true, "current": true, "define": true,
	"details": true, "focus": true, "goals": true, "important": true, "means": true,
	"mission": true, "objective": true, "outcome": true, "pillar": true, "project": true,
	"question": true, "scope": true, "success": true, "system": true, "workflow": true,

	"also": true, "each": true, "every": true, "from": true, "have": true,
	"into": true, "just": true, "more": true, "most": true, "only": true,
	"over": true, "should": true, "some": true, "than": true, "that": true,
	"their": true, "then": true, "there": true, "these": true, "they": true,
	"this": true, "those": true, "very": true, "what": true, "when": true,
	"where": true, "which": true, "will": true, "with": true, "would": true,
}

// ExtractCandidateTerms returns up to MaxTerms terms from text that look like
// they need a definition: quoted spans first, then capitalized tokens of four
// or more characters. Stopwords are dropped wherever they appear, including
// at the start of a sentence.
func ExtractCandidateTerms(text string) []string {
	var candidates []string
	for _, m := range quotedTermRe.FindAllStringSubmatch(text, -1) {
		for _, group := range m[1:] {
			if group != "" {
				candidates = append(candidates, group)
			}
		}
	}
	candidates = append(candidates, capitalizedRe.FindAllString(text, -1)...)

	seen := make(map[string]bool)
	var out []string
	for _, c := range candidates {
		term := Normalize(strings.Trim(c, ".,;:!?"))
		key := strings.ToLower(term)
		if len(term) < 3 || stopwords[key] || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, term)
		if len(out) == MaxTerms {
			break
		}
	}
	return out
}

// DetectsExpressiveCue reports whether text signals interest in framing,
// persuasion or expression.
func DetectsExpressiveCue(text string) bool {
	return cueRe.MatchString(text)
}

// Default implements the engine's heuristics hooks with the functions above.
type Default struct{}

func (Default) ExtractCandidateTerms(text string) []string { return ExtractCandidateTerms(text) }
func (Default) DetectsExpressiveCue(text string) bool      { return DetectsExpressiveCue(text) }
