package agent

import (
	"strings"
	"testing"
	"time"
)

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"a", 1},
		{"abcd", 1},
		{"abcde", 2},
		{strings.Repeat("x", 400), 100},
		{"héllo", 2},
	}
	for _, tt := range tests {
		if got := EstimateTokens(tt.in); got != tt.want {
			t.Errorf("EstimateTokens(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestRecordTruncatesAndCaps(t *testing.T) {
	var s State
	long := strings.Repeat("y", 600)
	now := time.UnixMilli(1700000000000)
	for i := 0; i < 30; i++ {
		s.record("q", long, now)
	}
	if len(s.History) != MaxHistoryEntries {
		t.Errorf("history len = %d, want %d", len(s.History), MaxHistoryEntries)
	}
	last := s.History[len(s.History)-1]
	if last.Role != "assistant" {
		t.Errorf("last role = %q, want assistant", last.Role)
	}
	if len(last.Content) != MaxHistoryContent+3 || !strings.HasSuffix(last.Content, "...") {
		t.Errorf("content len = %d, want truncated to %d plus marker", len(last.Content), MaxHistoryContent)
	}
	if last.Tokens != 150 {
		t.Errorf("tokens = %d, want 150 (estimated on full text)", last.Tokens)
	}
	if last.Timestamp != now.UnixMilli() {
		t.Errorf("timestamp = %d", last.Timestamp)
	}
	if s.InputTokens != 30 || s.OutputTokens != 30*150 {
		t.Errorf("usage = %d/%d", s.InputTokens, s.OutputTokens)
	}
}

func TestTranscript(t *testing.T) {
	h := []HistoryEntry{
		{Role: "user", Content: "first"},
		{Role: "assistant", Content: "one"},
		{Role: "user", Content: "second"},
		{Role: "assistant", Content: "two"},
	}
	got := Transcript(h, 1000)
	want := "User: first\nAssistant: one\nUser: second\nAssistant: two"
	if got != want {
		t.Errorf("Transcript = %q, want %q", got, want)
	}

	// "Assistant: two" is 14 chars plus newline; "User: second" is 12 plus
	// newline. A 28 char budget keeps exactly the newest two.
	got = Transcript(h, 28)
	want = "User: second\nAssistant: two"
	if got != want {
		t.Errorf("budgeted Transcript = %q, want %q", got, want)
	}

	if got := Transcript(h, 3); got != "" {
		t.Errorf("tiny budget Transcript = %q, want empty", got)
	}
}
