package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/ehrlich-b/agentgate/internal/retry"
	"github.com/ehrlich-b/agentgate/internal/sandbox"
)

var (
	ErrBusy    = errors.New("backend is busy")
	ErrAborted = errors.New("turn aborted")
)

// Error is a failed turn. Its message is sanitized for chat output.
type Error struct {
	Kind      Kind
	Transient bool
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, sandbox.Sanitize(e.Err.Error()))
}

func (e *Error) Unwrap() error { return e.Err }

// core holds what every backend shares: turn control, retry wiring and the
// durable state.
type core struct {
	kind       Kind
	tool       Tool
	jail       *sandbox.Jail
	policy     retry.Policy
	askTimeout time.Duration
	log        *slog.Logger

	mu     sync.Mutex
	gen    uint64
	cancel context.CancelFunc
	state  State
}

func (c *core) Kind() Kind { return c.kind }

func (c *core) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancel != nil
}

func (c *core) Abort() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel == nil {
		return false
	}
	c.cancel()
	c.cancel = nil
	c.log.Info("turn aborted")
	return true
}

func (c *core) Reset() {
	c.Abort()
	c.mu.Lock()
	c.state = State{}
	c.mu.Unlock()
}

func (c *core) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.clone()
}

func (c *core) Restore(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s.clone()
}

func (c *core) Record(prompt, reply string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.record(prompt, reply, time.Now())
}

func (c *core) resumeToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.ResumeToken
}

func (c *core) setResumeToken(tok string) {
	if tok == "" {
		return
	}
	c.mu.Lock()
	c.state.ResumeToken = tok
	c.mu.Unlock()
}

func (c *core) messageCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.MessageCount
}

// beginTurn claims the backend. The returned end func releases it unless
// an Abort (and possibly a newer turn) already did.
func (c *core) beginTurn(ctx context.Context) (context.Context, func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return nil, nil, ErrBusy
	}
	tctx, cancel := context.WithCancel(ctx)
	c.gen++
	gen := c.gen
	c.cancel = cancel
	end := func() {
		c.mu.Lock()
		if c.gen == gen && c.cancel != nil {
			c.cancel = nil
		}
		c.mu.Unlock()
		cancel()
	}
	return tctx, end, nil
}

// run executes one turn: attempt is retried under the policy and every
// retry is logged and forwarded to turn.OnRetry.
func (c *core) run(ctx context.Context, turn Turn, attempt func(context.Context) (Result, error)) (Result, error) {
	tctx, end, err := c.beginTurn(ctx)
	if err != nil {
		return Result{}, err
	}
	defer end()

	notify := func(n int, err error, delay time.Duration) {
		c.log.Warn("retrying turn", "attempt", n, "max", c.policy.MaxAttempts, "delay", delay,
			"error", sandbox.Sanitize(err.Error()))
		if turn.OnRetry != nil {
			turn.OnRetry(n, err, delay)
		}
	}

	res, err := retry.Do(tctx, c.policy, attempt, notify)
	if err != nil {
		if tctx.Err() != nil && ctx.Err() == nil {
			return Result{}, ErrAborted
		}
		return Result{}, &Error{Kind: c.kind, Transient: retry.IsTransient(err), Err: err}
	}

	c.mu.Lock()
	c.state.MessageCount++
	if c.state.StartedAt == 0 {
		c.state.StartedAt = time.Now().UnixMilli()
	}
	c.mu.Unlock()
	return res, nil
}

// startError turns a failed Start into something the classifier and the
// user can both read.
func (c *core) startError(err error) error {
	if errors.Is(err, exec.ErrNotFound) {
		return fmt.Errorf("%s is not installed or not in PATH: %w", c.tool.Command, err)
	}
	return fmt.Errorf("failed to run %s: %w", c.tool.Command, err)
}

func (c *core) ask(ctx context.Context, turn Turn, q Question) []string {
	if turn.Ask == nil {
		return FirstOption(q)
	}
	answer, _ := WithAskTimeout(turn.Ask, c.askTimeout).Ask(ctx, q)
	return answer
}
