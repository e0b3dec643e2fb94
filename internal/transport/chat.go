package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/ehrlich-b/agentgate/internal/agent"
	"github.com/ehrlich-b/agentgate/internal/sandbox"
)

const (
	wsReadLimit  = 512 * 1024
	writeTimeout = 10 * time.Second
)

// chatConn is one /ws connection. Turns run concurrently, each on its own
// session; closing the connection cancels them all.
type chatConn struct {
	s      *Server
	conn   *websocket.Conn
	userID string
	log    *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan []string
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if !s.authorize(w, r, userID) {
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.log.Warn("websocket accept", "error", err)
		return
	}
	conn.SetReadLimit(wsReadLimit)
	defer conn.CloseNow()

	ctx, cancel := context.WithCancel(r.Context())
	c := &chatConn{
		s:       s,
		conn:    conn,
		userID:  userID,
		log:     s.log.With("user", userID),
		pending: make(map[string]chan []string),
	}
	var wg sync.WaitGroup
	defer wg.Wait()
	defer cancel()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.log.Debug("chat closed", "error", err)
			return
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.writeError(ctx, http.StatusBadRequest, "invalid frame: "+err.Error())
			continue
		}
		switch env.Type {
		case TypeMessage:
			var msg MessageFrame
			if err := json.Unmarshal(data, &msg); err != nil {
				c.writeError(ctx, http.StatusBadRequest, "invalid message: "+err.Error())
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				c.runTurn(ctx, msg)
			}()
		case TypeAnswer:
			var ans AnswerFrame
			if err := json.Unmarshal(data, &ans); err != nil {
				c.writeError(ctx, http.StatusBadRequest, "invalid answer: "+err.Error())
				continue
			}
			c.answer(ans)
		default:
			c.writeError(ctx, http.StatusBadRequest, "unknown frame type: "+env.Type)
		}
	}
}

func (c *chatConn) runTurn(ctx context.Context, msg MessageFrame) {
	userID := msg.UserID
	if userID == "" {
		userID = c.userID
	}
	if !c.s.checkUser(ctx, userID, "ws message") {
		c.writeError(ctx, http.StatusForbidden, "unauthorized")
		return
	}
	if wait, ok := c.s.allow(ctx, userID); !ok {
		c.writeError(ctx, http.StatusTooManyRequests, rateLimitMessage(wait))
		return
	}
	if msg.Text == "" {
		c.writeError(ctx, http.StatusBadRequest, "text is required")
		return
	}
	if warnings := c.s.scanInjection(ctx, userID, msg.Session, msg.Text); len(warnings) > 0 {
		c.write(ctx, WarningFrame{Type: TypeWarning, Warnings: warnings})
	}

	turn := agent.Turn{
		UserID: userID,
		Ask: agent.AskerFunc(func(actx context.Context, q agent.Question) ([]string, error) {
			if n := c.s.notifier; n != nil {
				sess := c.s.sessionName(msg.Session)
				go n.Attention(sess, c.s.backendOf(sess), q.Text)
			}
			return c.ask(actx, q)
		}),
		OnRetry: func(attempt int, err error, delay time.Duration) {
			c.write(ctx, RetryFrame{
				Type:    TypeRetry,
				Attempt: attempt,
				DelayMS: delay.Milliseconds(),
				Error:   sandbox.Sanitize(err.Error()),
			})
		},
	}
	res, err := c.s.dispatch(ctx, msg.Session, msg.Text, turn)
	if err != nil {
		code, text := c.s.classify(err)
		c.writeError(ctx, code, text)
		return
	}
	c.write(ctx, ReplyFrame{
		Type:    TypeReply,
		Session: c.s.sessionName(msg.Session),
		Text:    sandbox.Sanitize(res.Text),
		Partial: res.Partial,
	})
}

// ask relays q to the client and waits for the matching answer frame.
func (c *chatConn) ask(ctx context.Context, q agent.Question) ([]string, error) {
	id := uuid.NewString()
	ch := make(chan []string, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	err := c.write(ctx, QuestionFrame{
		Type:        TypeQuestion,
		ID:          id,
		Header:      q.Header,
		Text:        q.Text,
		Options:     q.Options,
		MultiSelect: q.MultiSelect,
	})
	if err != nil {
		return nil, err
	}
	select {
	case labels := <-ch:
		return labels, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *chatConn) answer(a AnswerFrame) {
	c.mu.Lock()
	ch, ok := c.pending[a.ID]
	c.mu.Unlock()
	if !ok {
		c.log.Debug("answer for unknown question", "id", a.ID)
		return
	}
	select {
	case ch <- a.Labels:
	default:
	}
}

func (c *chatConn) write(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := c.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (c *chatConn) writeError(ctx context.Context, status int, msg string) {
	c.write(ctx, ErrorFrame{Type: TypeError, Error: msg, Status: status})
}
