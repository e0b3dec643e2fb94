package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/ehrlich-b/agentgate/internal/claudesdk"
)

// ClaudeBackend runs the SDK-streaming protocol through claudesdk. Each
// turn is one query resumed from the previous session id.
type ClaudeBackend struct {
	core
}

func (c *ClaudeBackend) Send(ctx context.Context, message string, turn Turn) (Result, error) {
	return c.run(ctx, turn, func(ctx context.Context) (Result, error) {
		return c.attempt(ctx, message, turn)
	})
}

func (c *ClaudeBackend) attempt(ctx context.Context, message string, turn Turn) (Result, error) {
	q, err := claudesdk.Start(ctx, message, claudesdk.Options{
		Command:        c.tool.Command,
		ExtraArgs:      c.tool.ExtraFlags,
		Resume:         c.resumeToken(),
		PermissionMode: c.tool.PermissionMode,
		CanUseTool:     c.canUseTool(turn),
		Spawn:          c.jail.Command,
		Logger:         c.log,
	})
	if err != nil {
		return Result{}, c.startError(err)
	}

	var text, token, resultErr string
	for m := range q.Messages() {
		switch m.Type {
		case claudesdk.TypeSystem:
			if m.Subtype == "init" && m.SessionID != "" {
				token = m.SessionID
			}
		case claudesdk.TypeAssistant:
			if m.Text != "" {
				text = m.Text
			}
		case claudesdk.TypeResult:
			if m.SessionID != "" {
				token = m.SessionID
			}
			if m.IsError {
				resultErr = m.Text
			} else if m.Text != "" {
				text = m.Text
			}
		}
	}
	waitErr := q.Wait()
	if ctx.Err() != nil {
		return Result{}, ctx.Err()
	}
	c.setResumeToken(token)

	text = strings.TrimSpace(text)
	if waitErr != nil || resultErr != "" {
		if text != "" {
			c.log.Warn("stream failed after output, returning partial text", "error", waitErr)
			return Result{Text: text, Partial: true}, nil
		}
		if waitErr == nil {
			waitErr = fmt.Errorf("claude reported an error: %s", resultErr)
		}
		return Result{}, waitErr
	}
	if text == "" {
		text = "(no output)"
	}
	return Result{Text: text}, nil
}

// canUseTool approves every tool and routes AskUserQuestion through the
// turn's asker, feeding the answers back as updatedInput.answers.
func (c *ClaudeBackend) canUseTool(turn Turn) claudesdk.CanUseTool {
	return func(ctx context.Context, tool string, input map[string]any) (claudesdk.PermissionResult, error) {
		if tool != "AskUserQuestion" {
			return claudesdk.PermissionResult{Allow: true, UpdatedInput: input}, nil
		}
		answers := make(map[string]any)
		for _, q := range parseQuestions(input) {
			answers[q.Text] = strings.Join(c.ask(ctx, turn, q), ", ")
		}
		updated := make(map[string]any, len(input)+1)
		for k, v := range input {
			updated[k] = v
		}
		updated["answers"] = answers
		return claudesdk.PermissionResult{Allow: true, UpdatedInput: updated}, nil
	}
}

func parseQuestions(input map[string]any) []Question {
	raw, _ := input["questions"].([]any)
	var out []Question
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		q := Question{}
		q.Text, _ = m["question"].(string)
		q.Header, _ = m["header"].(string)
		q.MultiSelect, _ = m["multiSelect"].(bool)
		if opts, ok := m["options"].([]any); ok {
			for _, o := range opts {
				om, ok := o.(map[string]any)
				if !ok {
					continue
				}
				label, _ := om["label"].(string)
				desc, _ := om["description"].(string)
				q.Options = append(q.Options, Option{Label: label, Description: desc})
			}
		}
		if q.Text != "" {
			out = append(out, q)
		}
	}
	return out
}
