package session

import (
	"context"
	"regexp"
	"sync"
	"time"

	"github.com/ehrlich-b/agentgate/internal/agent"
)

// DefaultName is the session used when none is named. It is created on
// first use.
const DefaultName = "default"

var nameRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,32}$`)

// ValidName reports whether name is 1-32 characters of letters, digits,
// '_' or '-'.
func ValidName(name string) bool {
	return nameRe.MatchString(name)
}

// Session is one named conversation bound to a backend and a working
// directory, both fixed at creation.
type Session struct {
	Name      string
	Kind      agent.Kind
	Dir       string
	CreatedAt int64

	backend agent.Backend

	mu         sync.Mutex
	gen        uint64
	resets     uint64
	cancel     context.CancelFunc
	lastUsedAt int64
}

// claim identifies one turn taken by begin.
type claim struct {
	gen    uint64
	resets uint64
}

// Info is a point-in-time view of a session.
type Info struct {
	Name         string     `json:"name"`
	Backend      agent.Kind `json:"backend"`
	Dir          string     `json:"dir"`
	Active       bool       `json:"active"`
	Busy         bool       `json:"busy"`
	Resumable    bool       `json:"resumable"`
	MessageCount int        `json:"message_count"`
	InputTokens  int        `json:"input_tokens"`
	OutputTokens int        `json:"output_tokens"`
	HistoryLen   int        `json:"history_len"`
	CreatedAt    int64      `json:"created_at"`
	LastUsedAt   int64      `json:"last_used_at"`
	StartedAt    int64      `json:"started_at,omitempty"`
}

func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// begin claims the session for one turn. The check and the claim happen
// under one lock so two dispatches can never both succeed.
func (s *Session) begin(ctx context.Context) (context.Context, claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil, claim{}, ErrSessionBusy
	}
	tctx, cancel := context.WithCancel(ctx)
	s.gen++
	s.cancel = cancel
	return tctx, claim{gen: s.gen, resets: s.resets}, nil
}

// finish records the turn and releases the claim taken by begin. The
// record is dropped if the session was reset while the turn ran.
func (s *Session) finish(c claim, prompt, reply string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resets == c.resets {
		s.backend.Record(prompt, reply)
	}
	if s.gen == c.gen && s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.lastUsedAt = time.Now().UnixMilli()
}

// markReset invalidates records from turns started before it.
func (s *Session) markReset() {
	s.mu.Lock()
	s.resets++
	s.mu.Unlock()
}

// abort cancels the in-flight turn, if any. Busy is false when it returns.
func (s *Session) abort() bool {
	s.mu.Lock()
	claimed := s.cancel != nil
	if claimed {
		s.cancel()
		s.cancel = nil
	}
	s.mu.Unlock()
	killed := s.backend.Abort()
	return claimed || killed
}

func (s *Session) info(active bool) Info {
	st := s.backend.Snapshot()
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		Name:         s.Name,
		Backend:      s.Kind,
		Dir:          s.Dir,
		Active:       active,
		Busy:         s.cancel != nil,
		Resumable:    st.ResumeToken != "",
		MessageCount: st.MessageCount,
		InputTokens:  st.InputTokens,
		OutputTokens: st.OutputTokens,
		HistoryLen:   len(st.History),
		CreatedAt:    s.CreatedAt,
		LastUsedAt:   s.lastUsedAt,
		StartedAt:    st.StartedAt,
	}
}
