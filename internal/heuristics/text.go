// Package heuristics holds the text checks used to judge answers: whitespace
// normalization, list splitting, placeholder detection, term extraction and
// expressive-cue detection. Everything here is pure and deterministic.
package heuristics

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	listSplitRe  = regexp.MustCompile(`[\n,;]+`)
	listBulletRe = regexp.MustCompile(`^[-*0-9.\s]+`)
)

// Artifact placeholder texts written when a profile field is still empty.
const (
	PlaceholderMission       = "Define the enduring mission for this pillar."
	PlaceholderScope         = "Define in-scope and out-of-scope boundaries."
	PlaceholderNonNegotiable = "Document non-negotiable principles."
	PlaceholderSuccessSignal = "Define measurable success signals."
)

var placeholders = map[string]bool{
	"":     true,
	"...":  true,
	"tbd":  true,
	"todo": true,
	"n/a":  true,
	"na":   true,
	"none": true,

	strings.ToLower(PlaceholderMission):       true,
	strings.ToLower(PlaceholderScope):         true,
	strings.ToLower(PlaceholderNonNegotiable): true,
	strings.ToLower(PlaceholderSuccessSignal): true,
}

// Normalize collapses runs of whitespace into single spaces and trims the ends.
func Normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// WordCount counts whitespace-separated words.
func WordCount(s string) int {
	return len(strings.Fields(s))
}

// CharCount counts runes after normalization.
func CharCount(s string) int {
	return utf8.RuneCountInString(Normalize(s))
}

// IsPlaceholder reports whether s is an empty or filler value.
func IsPlaceholder(s string) bool {
	lowered := strings.ToLower(Normalize(s))
	if placeholders[lowered] {
		return true
	}
	return strings.HasPrefix(lowered, "define ")
}

// IsMeaningful reports whether s is a non-placeholder statement of at least
// minWords words and minChars characters.
func IsMeaningful(s string, minWords, minChars int) bool {
	if IsPlaceholder(s) {
		return false
	}
	return WordCount(s) >= minWords && CharCount(s) >= minChars
}

// SplitList splits free text on newlines, commas and semicolons, strips
// bullet or numbering prefixes, and drops empty items.
func SplitList(text string) []string {
	var out []string
	for _, part := range listSplitRe.Split(text, -1) {
		item := Normalize(listBulletRe.ReplaceAllString(strings.TrimSpace(part), ""))
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}

// CoerceList turns a loosely typed value (as decoded from YAML frontmatter)
// into a list of normalized strings.
func CoerceList(v any) []string {
	switch val := v.(type) {
	case nil:
		return nil
	case string:
		return SplitList(val)
	case []string:
		var out []string
		for _, s := range val {
			if n := Normalize(s); n != "" {
				out = append(out, n)
			}
		}
		return out
	case []any:
		var out []string
		for _, item := range val {
			if s, ok := item.(string); ok {
				if n := Normalize(s); n != "" {
					out = append(out, n)
				}
			}
		}
		return out
	default:
		return nil
	}
}

// CoerceScalar turns a loosely typed value into a normalized string.
func CoerceScalar(v any) string {
	if s, ok := v.(string); ok {
		return Normalize(s)
	}
	return ""
}

// MergeList appends incoming items to existing, skipping empty items and
// case-insensitive duplicates. Order of first appearance is kept.
func MergeList(existing, incoming []string) []string {
	seen := make(map[string]bool, len(existing)+len(incoming))
	out := make([]string, 0, len(existing)+len(incoming))
	for _, list := range [][]string{existing, incoming} {
		for _, item := range list {
			n := Normalize(item)
			key := strings.ToLower(n)
			if n == "" || seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, n)
		}
	}
	return out
}

// DropPlaceholders removes placeholder items from a list.
func DropPlaceholders(items []string) []string {
	var out []string
	for _, item := range items {
		if !IsPlaceholder(item) {
			out = append(out, item)
		}
	}
	return out
}
