package transport

import "github.com/ehrlich-b/agentgate/internal/agent"

// WebSocket frame types for /ws.
const (
	// Client → server
	TypeMessage = "message"
	TypeAnswer  = "answer"

	// Server → client
	TypeWarning  = "warning"
	TypeRetry    = "retry"
	TypeQuestion = "question"
	TypeReply    = "reply"
	TypeError    = "error"
)

// Envelope is decoded first to route a frame by its type.
type Envelope struct {
	Type string `json:"type"`
}

// MessageFrame asks for one turn.
type MessageFrame struct {
	Type    string `json:"type"`
	UserID  string `json:"user_id"`
	Session string `json:"session,omitempty"`
	Text    string `json:"text"`
}

// AnswerFrame answers a QuestionFrame with the chosen labels.
type AnswerFrame struct {
	Type   string   `json:"type"`
	ID     string   `json:"id"`
	Labels []string `json:"labels"`
}

// WarningFrame carries prompt-injection categories found in a message.
type WarningFrame struct {
	Type     string   `json:"type"`
	Warnings []string `json:"warnings"`
}

// RetryFrame reports that a turn is being retried after a transient
// failure.
type RetryFrame struct {
	Type    string `json:"type"`
	Attempt int    `json:"attempt"`
	DelayMS int64  `json:"delay_ms"`
	Error   string `json:"error"`
}

// QuestionFrame relays an agent's question. Unanswered questions fall back
// to the first option.
type QuestionFrame struct {
	Type        string         `json:"type"`
	ID          string         `json:"id"`
	Header      string         `json:"header,omitempty"`
	Text        string         `json:"text"`
	Options     []agent.Option `json:"options"`
	MultiSelect bool           `json:"multi_select,omitempty"`
}

type ReplyFrame struct {
	Type    string `json:"type"`
	Session string `json:"session,omitempty"`
	Text    string `json:"text"`
	Partial bool   `json:"partial,omitempty"`
}

type ErrorFrame struct {
	Type   string `json:"type"`
	Error  string `json:"error"`
	Status int    `json:"status,omitempty"`
}

// HTTP bodies

type DispatchRequest struct {
	UserID  string `json:"user_id"`
	Session string `json:"session,omitempty"`
	Text    string `json:"text"`
}

type DispatchResponse struct {
	Session  string   `json:"session,omitempty"`
	Reply    string   `json:"reply"`
	Partial  bool     `json:"partial,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

type CreateSessionRequest struct {
	UserID  string `json:"user_id"`
	Name    string `json:"name"`
	Backend string `json:"backend,omitempty"`
	Dir     string `json:"dir,omitempty"`
}

// UserRequest is the body of session actions that carry nothing else.
type UserRequest struct {
	UserID string `json:"user_id"`
}

type ExecRequest struct {
	UserID  string `json:"user_id"`
	Session string `json:"session,omitempty"`
	Command string `json:"command"`
}

type ExecResponse struct {
	Output   string `json:"output"`
	ExitCode int    `json:"exit_code"`
	TimedOut bool   `json:"timed_out,omitempty"`
}

type KillResponse struct {
	Aborted bool `json:"aborted"`
}

type StatusResponse struct {
	Uptime       string `json:"uptime"`
	Active       string `json:"active"`
	Sessions     int    `json:"sessions"`
	Busy         int    `json:"busy"`
	Root         string `json:"root"`
	SnapshotPath string `json:"snapshot_path"`
	Dirty        bool   `json:"dirty"`
	RateLimited  bool   `json:"rate_limited"`
	AllowedUsers int    `json:"allowed_users"`
}
