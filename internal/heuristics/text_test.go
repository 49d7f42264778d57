package heuristics

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
)

func TestIsPlaceholder(t *testing.T) {
	for _, s := range []string{"", "  ", "...", "TBD", "todo", "N/A", "na", "None", PlaceholderMission, "define the mission later"} {
		assert.True(t, IsPlaceholder(s), "%q should be a placeholder", s)
	}
	for _, s := range []string{"ship weekly", "definitely not a placeholder"} {
		assert.False(t, IsPlaceholder(s), "%q should not be a placeholder", s)
	}
}

func TestIsMeaningful(t *testing.T) {
	tests := []struct {
		in       string
		words    int
		chars    int
		expected bool
	}{
		{"Help small teams ship reliable software", 4, 18, true},
		{"ship it now", 4, 18, false},
		{"a b c d", 4, 18, false},
		{"tbd", 1, 1, false},
		{"Define   the enduring mission for this pillar.", 4, 18, false},
	}
	for _, tt := range tests {
		if got := IsMeaningful(tt.in, tt.words, tt.chars); got != tt.expected {
			t.Errorf("IsMeaningful(%q, %d, %d) = %v, want %v", tt.in, tt.words, tt.chars, got, tt.expected)
		}
	}
}

func TestSplitList(t *testing.T) {
	got := SplitList("- weekly releases ship on time\n2. churn drops below 3%; * NPS above 40, ")
	want := []string{"weekly releases ship on time", "churn drops below 3%", "NPS above 40"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("SplitList mismatch (-want +got):\n%s", diff)
	}
}

func TestCoerceList(t *testing.T) {
	assert.Nil(t, CoerceList(nil))
	assert.Nil(t, CoerceList(42))
	assert.Equal(t, []string{"a b", "c"}, CoerceList([]any{" a  b ", 7, "c", ""}))
	assert.Equal(t, []string{"x", "y"}, CoerceList("x; y"))
}

func TestMergeList(t *testing.T) {
	got := MergeList([]string{"Ship weekly", "Own outcomes"}, []string{"ship  weekly", "", "Measure twice"})
	want := []string{"Ship weekly", "Own outcomes", "Measure twice"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("MergeList mismatch (-want +got):\n%s", diff)
	}
}

func TestDropPlaceholders(t *testing.T) {
	assert.Equal(t, []string{"real item"}, DropPlaceholders([]string{"none", "real item", PlaceholderSuccessSignal}))
}
