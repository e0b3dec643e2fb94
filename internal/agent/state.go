package agent

import (
	"strings"
	"time"
	"unicode/utf8"
)

const (
	MaxHistoryEntries = 50
	MaxHistoryContent = 500
	// TranscriptBudget caps the replayed history piped to CLIs without
	// native resume.
	TranscriptBudget = 4000
)

// State is the durable part of a backend: everything except the process.
type State struct {
	ResumeToken  string
	MessageCount int
	StartedAt    int64
	InputTokens  int
	OutputTokens int
	History      []HistoryEntry
}

type HistoryEntry struct {
	Role      string
	Content   string
	Timestamp int64
	Tokens    int
}

func (s State) clone() State {
	s.History = append([]HistoryEntry(nil), s.History...)
	return s
}

// EstimateTokens approximates four characters per token, rounded up.
func EstimateTokens(text string) int {
	n := utf8.RuneCountInString(text)
	return (n + 3) / 4
}

func truncateContent(s string) string {
	if utf8.RuneCountInString(s) <= MaxHistoryContent {
		return s
	}
	r := []rune(s)
	return string(r[:MaxHistoryContent]) + "..."
}

func (s *State) record(prompt, reply string, now time.Time) {
	in, out := EstimateTokens(prompt), EstimateTokens(reply)
	s.InputTokens += in
	s.OutputTokens += out
	ts := now.UnixMilli()
	s.History = append(s.History,
		HistoryEntry{Role: "user", Content: truncateContent(prompt), Timestamp: ts, Tokens: in},
		HistoryEntry{Role: "assistant", Content: truncateContent(reply), Timestamp: ts, Tokens: out},
	)
	if len(s.History) > MaxHistoryEntries {
		s.History = append([]HistoryEntry(nil), s.History[len(s.History)-MaxHistoryEntries:]...)
	}
}

// Transcript renders history as "User: …" / "Assistant: …" lines, keeping
// the most recent entries that fit in budget characters, oldest first.
func Transcript(history []HistoryEntry, budget int) string {
	var picked []string
	used := 0
	for i := len(history) - 1; i >= 0; i-- {
		line := roleLabel(history[i].Role) + ": " + history[i].Content
		n := utf8.RuneCountInString(line) + 1
		if used+n > budget {
			break
		}
		used += n
		picked = append(picked, line)
	}
	for i, j := 0, len(picked)-1; i < j; i, j = i+1, j-1 {
		picked[i], picked[j] = picked[j], picked[i]
	}
	return strings.Join(picked, "\n")
}

func roleLabel(role string) string {
	if role == "assistant" {
		return "Assistant"
	}
	return "User"
}
