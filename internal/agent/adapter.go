package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ehrlich-b/agentgate/internal/retry"
	"github.com/ehrlich-b/agentgate/internal/sandbox"
)

// Kind names one of the three supported agent CLIs.
type Kind string

const (
	KindClaude   Kind = "claude"
	KindGemini   Kind = "gemini"
	KindOpencode Kind = "opencode"
)

var ErrUnknownKind = errors.New("unknown backend kind")

func Kinds() []Kind {
	return []Kind{KindClaude, KindGemini, KindOpencode}
}

func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds() {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// Backend runs turns against one agent CLI for one session.
type Backend interface {
	Kind() Kind
	// Busy reports whether a turn is in flight.
	Busy() bool
	Send(ctx context.Context, message string, turn Turn) (Result, error)
	// Abort cancels the in-flight turn. It returns true iff one was
	// running, and Busy is false once it returns.
	Abort() bool
	// Reset aborts and forgets the resume token, usage and history.
	Reset()
	Snapshot() State
	Restore(State)
	// Record appends one exchange to history and usage.
	Record(prompt, reply string)
}

type Result struct {
	Text string
	// Partial marks text captured before the stream failed.
	Partial bool
}

// Turn carries the per-call collaborators of a Send.
type Turn struct {
	Ask     Asker
	OnRetry retry.Notify
	UserID  string
}

// Tool describes how a CLI is invoked.
type Tool struct {
	Command      string
	PromptArgs   []string
	ExtraFlags   []string
	ResumeFlag   string
	ContinueFlag string
	JSONOutput   bool
	// Shell runs the argument vector through sh as one escaped line.
	Shell bool
	// PermissionMode is passed to the SDK-streaming CLI only.
	PermissionMode string
	// Env holds extra KEY=VALUE pairs for the CLI's environment.
	Env []string
}

// DefaultTool returns the stock invocation for k.
func DefaultTool(k Kind) Tool {
	switch k {
	case KindClaude:
		return Tool{
			Command:        "claude",
			PermissionMode: "bypassPermissions",
		}
	case KindGemini:
		return Tool{
			Command:    "gemini",
			PromptArgs: []string{"-p"},
			ExtraFlags: []string{"--yolo"},
			ResumeFlag: "--resume",
		}
	case KindOpencode:
		return Tool{
			Command:      "opencode",
			PromptArgs:   []string{"run"},
			ExtraFlags:   []string{"--print-logs"},
			ContinueFlag: "-c",
		}
	}
	return Tool{}
}

// Options configures backends built by New.
type Options struct {
	// Tools overrides DefaultTool per kind.
	Tools      map[Kind]Tool
	Policy     retry.Policy
	AskTimeout time.Duration
	KillGrace  time.Duration
	Logger     *slog.Logger
}

// New builds the backend for kind confined to dir.
func New(kind Kind, dir string, opts Options) (Backend, error) {
	tool, ok := opts.Tools[kind]
	if !ok || tool.Command == "" {
		tool = DefaultTool(kind)
	}
	if opts.Policy.MaxAttempts == 0 {
		opts.Policy = retry.DefaultPolicy()
	}
	if opts.AskTimeout <= 0 {
		opts.AskTimeout = DefaultAskTimeout
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	c := core{
		kind:       kind,
		tool:       tool,
		jail:       &sandbox.Jail{Dir: dir, Env: tool.Env, Shell: tool.Shell, KillGrace: opts.KillGrace},
		policy:     opts.Policy,
		askTimeout: opts.AskTimeout,
		log:        log.With("backend", string(kind)),
	}
	switch kind {
	case KindClaude:
		return &ClaudeBackend{core: c}, nil
	case KindGemini:
		return &GeminiBackend{core: c}, nil
	case KindOpencode:
		return &SubprocessBackend{core: c}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
}
