// Package claudesdk drives the claude CLI in bidirectional stream-json mode:
// it performs the control handshake, answers tool-permission requests
// through a callback and yields parsed messages on a bounded channel.
package claudesdk

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"

	"github.com/google/uuid"
)

const (
	DefaultCommand = "claude"
	maxLineSize    = 10 * 1024 * 1024
	messageBuffer  = 64
)

// ErrNoResult is returned by Wait when the CLI exits cleanly without
// emitting a result message.
var ErrNoResult = errors.New("claude exited without a result")

// Spawner builds the unstarted command for argv. The agent layer passes a
// sandbox jail here.
type Spawner func(ctx context.Context, argv []string) (*exec.Cmd, error)

// PermissionResult answers one can_use_tool control request.
type PermissionResult struct {
	Allow        bool
	UpdatedInput map[string]any
	Message      string
}

type CanUseTool func(ctx context.Context, tool string, input map[string]any) (PermissionResult, error)

type Options struct {
	Command        string
	ExtraArgs      []string
	Resume         string
	PermissionMode string
	CanUseTool     CanUseTool
	Spawn          Spawner
	Logger         *slog.Logger
}

// Query is one prompt in flight.
type Query struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr bytes.Buffer
	opts   Options
	log    *slog.Logger

	wmu       sync.Mutex
	stdinDone bool

	msgs       chan Message
	readerDone chan struct{}
	sawResult  bool
	readErr    error

	initMu  sync.Mutex
	initErr error
	initID  string
}

// Start spawns the CLI, sends the initialize request and the prompt, and
// returns immediately. Read Messages until it closes, then call Wait.
func Start(ctx context.Context, prompt string, opts Options) (*Query, error) {
	if opts.Command == "" {
		opts.Command = DefaultCommand
	}
	if opts.Spawn == nil {
		opts.Spawn = func(ctx context.Context, argv []string) (*exec.Cmd, error) {
			return exec.CommandContext(ctx, argv[0], argv[1:]...), nil
		}
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	cmd, err := opts.Spawn(ctx, buildArgs(opts))
	if err != nil {
		return nil, fmt.Errorf("spawn claude: %w", err)
	}
	q := &Query{
		cmd:        cmd,
		opts:       opts,
		log:        log,
		msgs:       make(chan Message, messageBuffer),
		readerDone: make(chan struct{}),
	}

	q.stdin, err = cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stderr = &q.stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start claude: %w", err)
	}
	go q.readLoop(ctx, stdout)

	q.initID = uuid.NewString()
	if err := q.write(controlRequest{
		Type:      TypeControlRequest,
		RequestID: q.initID,
		Request:   map[string]any{"subtype": "initialize", "hooks": nil},
	}); err != nil {
		q.closeInput()
		return q, nil
	}
	q.write(userMessage{
		Type:    TypeUser,
		Message: userContent{Role: "user", Content: prompt},
	})
	return q, nil
}

func buildArgs(opts Options) []string {
	args := []string{
		opts.Command,
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
		"--permission-prompt-tool", "stdio",
	}
	if opts.PermissionMode != "" {
		args = append(args, "--permission-mode", opts.PermissionMode)
	}
	if opts.Resume != "" {
		args = append(args, "--resume", opts.Resume)
	}
	return append(args, opts.ExtraArgs...)
}

// Messages yields parsed messages until the CLI closes stdout.
func (q *Query) Messages() <-chan Message {
	return q.msgs
}

// Wait blocks until the process exits. A non-zero exit carries stderr.
func (q *Query) Wait() error {
	<-q.readerDone
	err := q.cmd.Wait()
	if err != nil {
		stderr := strings.TrimSpace(q.stderr.String())
		if stderr != "" {
			return fmt.Errorf("claude: %w: %s", err, stderr)
		}
		return fmt.Errorf("claude: %w", err)
	}
	q.initMu.Lock()
	initErr := q.initErr
	q.initMu.Unlock()
	if initErr != nil {
		return initErr
	}
	if q.readErr != nil {
		return fmt.Errorf("claude: read stdout: %w", q.readErr)
	}
	if !q.sawResult {
		return ErrNoResult
	}
	return nil
}

// Close ends the input stream so the CLI exits after its current turn.
func (q *Query) Close() error {
	return q.closeInput()
}

func (q *Query) readLoop(ctx context.Context, stdout io.Reader) {
	defer close(q.readerDone)
	defer close(q.msgs)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var w wireMessage
		if err := json.Unmarshal(line, &w); err != nil {
			q.log.Debug("claude: non-json line", "line", truncate(string(line), 200))
			continue
		}

		switch w.Type {
		case TypeControlRequest:
			go q.handleControl(ctx, w.RequestID, w.Request)
			continue
		case TypeControlResponse:
			q.handleControlResponse(w.Response)
			continue
		case TypeResult:
			q.sawResult = true
			// The CLI keeps reading stdin in streaming mode; end it so the
			// process exits once the turn is done.
			q.closeInput()
		}

		select {
		case q.msgs <- w.toMessage():
		case <-ctx.Done():
		}
	}
	if err := scanner.Err(); err != nil {
		q.log.Warn("claude: read stdout", "error", err)
		q.readErr = err
		// The CLI may be blocked on a full stdout pipe or waiting for
		// more input; unblock both so Wait returns.
		q.closeInput()
		io.Copy(io.Discard, stdout)
	}
}

func (q *Query) handleControl(ctx context.Context, id string, raw json.RawMessage) {
	var req canUseToolRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		q.respondError(id, "invalid request: "+err.Error())
		return
	}
	if req.Subtype != "can_use_tool" {
		q.respond(id, map[string]any{})
		return
	}

	if q.opts.CanUseTool == nil {
		q.respond(id, permissionAllow{Behavior: "allow", UpdatedInput: req.Input})
		return
	}
	res, err := q.opts.CanUseTool(ctx, req.ToolName, req.Input)
	if err != nil {
		q.respondError(id, err.Error())
		return
	}
	if !res.Allow {
		q.respond(id, permissionDeny{Behavior: "deny", Message: res.Message})
		return
	}
	input := res.UpdatedInput
	if input == nil {
		input = req.Input
	}
	q.respond(id, permissionAllow{Behavior: "allow", UpdatedInput: input})
}

func (q *Query) handleControlResponse(resp *controlBody) {
	if resp == nil || resp.RequestID != q.initID {
		return
	}
	if resp.Subtype == "error" {
		q.initMu.Lock()
		q.initErr = fmt.Errorf("claude initialize: %s", resp.Error)
		q.initMu.Unlock()
	}
}

func (q *Query) respond(id string, payload any) {
	err := q.write(controlResponse{
		Type:     TypeControlResponse,
		Response: controlBody{Subtype: "success", RequestID: id, Response: payload},
	})
	if err != nil {
		q.log.Debug("claude: write control response", "request_id", id, "error", err)
	}
}

func (q *Query) respondError(id, msg string) {
	q.write(controlResponse{
		Type:     TypeControlResponse,
		Response: controlBody{Subtype: "error", RequestID: id, Error: msg},
	})
}

func (q *Query) write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	q.wmu.Lock()
	defer q.wmu.Unlock()
	if q.stdinDone {
		return errors.New("input closed")
	}
	_, err = q.stdin.Write(append(data, '\n'))
	return err
}

func (q *Query) closeInput() error {
	q.wmu.Lock()
	defer q.wmu.Unlock()
	if q.stdinDone {
		return nil
	}
	q.stdinDone = true
	return q.stdin.Close()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
