package claudesdk

import (
	"encoding/json"
	"strings"
)

// Message types emitted by the CLI in stream-json mode.
const (
	TypeUser            = "user"
	TypeAssistant       = "assistant"
	TypeSystem          = "system"
	TypeResult          = "result"
	TypeControlRequest  = "control_request"
	TypeControlResponse = "control_response"
)

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Message is one parsed non-control message from the CLI.
type Message struct {
	Type      string
	Subtype   string
	SessionID string
	// Text is the joined text blocks for assistant messages and the final
	// answer for result messages.
	Text    string
	IsError bool
	Usage   Usage
}

type wireMessage struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype"`
	SessionID string          `json:"session_id"`
	Result    string          `json:"result"`
	IsError   bool            `json:"is_error"`
	Usage     Usage           `json:"usage"`
	Message   *wireBody       `json:"message,omitempty"`
	RequestID string          `json:"request_id"`
	Request   json.RawMessage `json:"request,omitempty"`
	Response  *controlBody    `json:"response,omitempty"`
}

type wireBody struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type contentBlock struct {
	Type  string         `json:"type"`
	Text  string         `json:"text,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`
}

type controlRequest struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Request   any    `json:"request"`
}

type controlResponse struct {
	Type     string      `json:"type"`
	Response controlBody `json:"response"`
}

type controlBody struct {
	Subtype   string `json:"subtype"`
	RequestID string `json:"request_id"`
	Response  any    `json:"response,omitempty"`
	Error     string `json:"error,omitempty"`
}

type canUseToolRequest struct {
	Subtype  string         `json:"subtype"`
	ToolName string         `json:"tool_name"`
	Input    map[string]any `json:"input"`
}

type permissionAllow struct {
	Behavior     string         `json:"behavior"`
	UpdatedInput map[string]any `json:"updatedInput"`
}

type permissionDeny struct {
	Behavior string `json:"behavior"`
	Message  string `json:"message"`
}

type userMessage struct {
	Type            string      `json:"type"`
	Message         userContent `json:"message"`
	ParentToolUseID *string     `json:"parent_tool_use_id"`
	SessionID       string      `json:"session_id"`
}

type userContent struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (w *wireMessage) toMessage() Message {
	m := Message{
		Type:      w.Type,
		Subtype:   w.Subtype,
		SessionID: w.SessionID,
		IsError:   w.IsError,
		Usage:     w.Usage,
	}
	switch w.Type {
	case TypeResult:
		m.Text = w.Result
	case TypeAssistant:
		if w.Message != nil {
			m.Text = joinText(w.Message.Content)
		}
	}
	return m
}

// joinText concatenates text blocks. Content may be a bare string or an
// array of blocks.
func joinText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var blocks []contentBlock
	if json.Unmarshal(raw, &blocks) != nil {
		return ""
	}
	var b strings.Builder
	for _, blk := range blocks {
		if blk.Type == "text" && blk.Text != "" {
			b.WriteString(blk.Text)
		}
	}
	return b.String()
}
