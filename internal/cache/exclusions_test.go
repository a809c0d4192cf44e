package cache

import (
	"testing"
)

func TestExclusions_NilListMatchesNothing(t *testing.T) {
	var el *ExclusionList
	if el.Matches("gpt-4o") {
		t.Fatal("nil ExclusionList must never match")
	}
	if el.Len() != 0 {
		t.Fatal("nil ExclusionList Len must be 0")
	}
}

func TestExclusions_ExactRules(t *testing.T) {
	el, err := NewExclusionList([]string{"gpt-4o", "claude-3-opus"}, nil)
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		model string
		want  bool
	}{
		{"gpt-4o", true},
		{"claude-3-opus", true},
		{"gpt-4-turbo", false}, // different model
		{"GPT-4O", false},      // case-sensitive
		{"gpt-4", false},       // prefix only, no substring matching
		{"claude-3-5-sonnet", false},
	}
	for _, c := range cases {
		if got := el.Matches(c.model); got != c.want {
			t.Errorf("Matches(%q) = %v, want %v", c.model, got, c.want)
		}
	}
}

func TestExclusions_PatternRules(t *testing.T) {
	el, err := NewExclusionList(nil, []string{`^gpt-4`, `claude-3-opus`})
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		model string
		want  bool
	}{
		{"gpt-4o", true},
		{"gpt-4-turbo", true},
		{"gpt-4", true},
		{"claude-3-opus", true},
		{"claude-3-5-sonnet", false},
		{"gpt-3.5-turbo", false},
		{"mock-model", false},
	}
	for _, c := range cases {
		if got := el.Matches(c.model); got != c.want {
			t.Errorf("Matches(%q) = %v, want %v", c.model, got, c.want)
		}
	}
}

func TestExclusions_MixedRules(t *testing.T) {
	el, err := NewExclusionList(
		[]string{"o4-mini"},
		[]string{`^gpt-4`},
	)
	if err != nil {
		t.Fatal(err)
	}

	if !el.Matches("o4-mini") {
		t.Error("exact rule missed")
	}
	if !el.Matches("gpt-4o") {
		t.Error("pattern rule missed")
	}
	if el.Matches("o4-mini-high") {
		t.Error("unrelated model must not match")
	}
}

func TestExclusions_InvalidPatternRejected(t *testing.T) {
	if _, err := NewExclusionList(nil, []string{`[invalid(`}); err == nil {
		t.Fatal("expected error for invalid regex")
	}
}

func TestExclusions_BlankRulesSkipped(t *testing.T) {
	el, err := NewExclusionList([]string{"", "gpt-4o", ""}, []string{"", `^claude`})
	if err != nil {
		t.Fatal(err)
	}
	if !el.Matches("gpt-4o") {
		t.Error("exact rule missed")
	}
	if !el.Matches("claude-3-opus") {
		t.Error("pattern rule missed")
	}
	if el.Len() != 2 { // 1 exact + 1 pattern, blanks dropped
		t.Errorf("Len = %d, want 2", el.Len())
	}
}
