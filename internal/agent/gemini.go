package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ehrlich-b/agentgate/internal/sandbox"
)

// GeminiBackend runs the line-event-stream protocol: one process per turn
// emitting newline-delimited JSON events.
type GeminiBackend struct {
	core
}

type geminiEvent struct {
	Type      string         `json:"type"`
	SessionID string         `json:"session_id,omitempty"`
	Role      string         `json:"role,omitempty"`
	Content   string         `json:"content,omitempty"`
	ToolName  string         `json:"tool_name,omitempty"`
	ToolInput map[string]any `json:"tool_input,omitempty"`
	Error     string         `json:"error,omitempty"`
}

func parseGeminiEvent(line string) (geminiEvent, bool) {
	var ev geminiEvent
	if err := json.Unmarshal([]byte(line), &ev); err != nil || ev.Type == "" {
		return geminiEvent{}, false
	}
	return ev, true
}

func (g *GeminiBackend) Send(ctx context.Context, message string, turn Turn) (Result, error) {
	return g.run(ctx, turn, func(ctx context.Context) (Result, error) {
		return g.attempt(ctx, message, turn)
	})
}

func (g *GeminiBackend) buildArgs(message, token string) []string {
	args := []string{g.tool.Command}
	args = append(args, g.tool.PromptArgs...)
	args = append(args, message, "--output-format", "stream-json")
	args = append(args, g.tool.ExtraFlags...)
	if token != "" && g.tool.ResumeFlag != "" {
		args = append(args, g.tool.ResumeFlag, token)
	}
	return args
}

func (g *GeminiBackend) attempt(ctx context.Context, message string, turn Turn) (Result, error) {
	cmd, err := g.jail.Command(ctx, g.buildArgs(message, g.resumeToken()))
	if err != nil {
		return Result{}, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, fmt.Errorf("stdout pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return Result{}, g.startError(err)
	}

	stream := scanLines(ctx, stdout, parseGeminiEvent, func(line string) {
		g.log.Debug("non-json line", "line", truncateLog(line))
	})

	var text, token string
	for {
		ev, ok := stream.Next()
		if !ok {
			break
		}
		switch ev.Type {
		case "init":
			if ev.SessionID != "" {
				token = ev.SessionID
			}
		case "message":
			if ev.Role == "assistant" && ev.Content != "" {
				text = ev.Content
			}
		case "result":
			if ev.Content != "" {
				text = ev.Content
			}
			if ev.SessionID != "" {
				token = ev.SessionID
			}
		case "tool_use":
			if ev.ToolName == "ask_followup" {
				g.askFollowup(ctx, turn, ev.ToolInput)
			}
		case "error":
			if ev.Error != "" {
				g.log.Warn("agent error event", "error", sandbox.Sanitize(ev.Error))
			}
		}
	}

	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		return Result{}, ctx.Err()
	}
	if err := stream.Err(); err != nil && waitErr == nil {
		waitErr = fmt.Errorf("read output: %w", err)
	}
	if waitErr != nil && strings.TrimSpace(text) == "" {
		msg := strings.TrimSpace(sandbox.StripANSI(stderr.String()))
		if msg == "" {
			msg = "gemini CLI exited with error"
		}
		return Result{}, fmt.Errorf("%w: %s", waitErr, msg)
	}

	g.setResumeToken(token)
	out := strings.TrimSpace(text)
	if out == "" {
		out = "(no output)"
	}
	return Result{Text: out}, nil
}

// askFollowup forwards an ask_followup tool call. The CLI offers no channel
// for the answer, so it is only logged.
func (g *GeminiBackend) askFollowup(ctx context.Context, turn Turn, input map[string]any) {
	question, _ := input["question"].(string)
	if question == "" {
		return
	}
	q := Question{Header: "Gemini asks", Text: question}
	if opts, ok := input["options"].([]any); ok {
		for _, o := range opts {
			if s, ok := o.(string); ok {
				q.Options = append(q.Options, Option{Label: s})
			}
		}
	}
	if len(q.Options) == 0 {
		q.Options = []Option{{Label: "Yes"}, {Label: "No"}}
	}
	answer := g.ask(ctx, turn, q)
	g.log.Info("followup answered", "question", truncateLog(question), "answer", strings.Join(answer, ", "))
}

func truncateLog(s string) string {
	if len(s) <= 100 {
		return s
	}
	return s[:100] + "..."
}
