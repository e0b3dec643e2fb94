package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ehrlich-b/agentgate/internal/sandbox"
)

// SubprocessBackend runs one plain process per turn and reads its whole
// output.
type SubprocessBackend struct {
	core
}

func (s *SubprocessBackend) Send(ctx context.Context, message string, turn Turn) (Result, error) {
	return s.run(ctx, turn, func(ctx context.Context) (Result, error) {
		return s.attempt(ctx, message)
	})
}

func (s *SubprocessBackend) buildArgs(message string) []string {
	args := []string{s.tool.Command}
	args = append(args, s.tool.PromptArgs...)
	args = append(args, message)
	args = append(args, s.tool.ExtraFlags...)
	if tok := s.resumeToken(); tok != "" && s.tool.ResumeFlag != "" {
		args = append(args, s.tool.ResumeFlag, tok)
	}
	if s.messageCount() > 0 && s.tool.ContinueFlag != "" {
		args = append(args, s.tool.ContinueFlag)
	}
	return args
}

// stdinHistory returns the replayed transcript for tools with no native
// way to continue a conversation, or "" when none applies.
func (s *SubprocessBackend) stdinHistory(message string) string {
	if s.tool.ResumeFlag != "" || s.tool.ContinueFlag != "" {
		return ""
	}
	history := s.Snapshot().History
	if len(history) == 0 {
		return ""
	}
	return Transcript(history, TranscriptBudget) + "\nUser: " + message + "\n"
}

func (s *SubprocessBackend) attempt(ctx context.Context, message string) (Result, error) {
	cmd, err := s.jail.Command(ctx, s.buildArgs(message))
	if err != nil {
		return Result{}, err
	}
	if h := s.stdinHistory(message); h != "" {
		cmd.Stdin = strings.NewReader(h)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return Result{}, s.startError(err)
	}
	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		return Result{}, ctx.Err()
	}

	out := sandbox.StripANSI(stdout.String())
	errOut := sandbox.StripANSI(stderr.String())
	if waitErr != nil {
		msg := strings.TrimSpace(errOut)
		if msg == "" {
			msg = strings.TrimSpace(out)
		}
		if msg == "" {
			msg = "CLI exited with error"
		}
		return Result{}, fmt.Errorf("%w: %s", waitErr, sandbox.Sanitize(msg))
	}

	text, token := s.parseOutput(out)
	s.setResumeToken(token)
	if text == "" {
		text = "(no output)"
	}
	return Result{Text: text}, nil
}

type jsonEnvelope struct {
	Result    *string `json:"result"`
	SessionID string  `json:"session_id"`
}

// parseOutput reads a {result, session_id} envelope when the tool declares
// JSON output, falling back to the trimmed raw text.
func (s *SubprocessBackend) parseOutput(raw string) (string, string) {
	trimmed := strings.TrimSpace(raw)
	if !s.tool.JSONOutput {
		return trimmed, ""
	}
	var env jsonEnvelope
	if err := json.Unmarshal([]byte(trimmed), &env); err != nil {
		return trimmed, ""
	}
	if env.Result == nil {
		return trimmed, env.SessionID
	}
	return strings.TrimSpace(*env.Result), env.SessionID
}
