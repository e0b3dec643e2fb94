package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"

	"github.com/coder/websocket"

	"github.com/ehrlich-b/agentgate/internal/agent"
	"github.com/ehrlich-b/agentgate/internal/audit"
	"github.com/ehrlich-b/agentgate/internal/session"
)

// StatusError is a non-success response from the gateway.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Code, e.Message)
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}

type Client struct {
	socketPath string
	userID     string
	http       *http.Client
}

// NewClient talks to the gateway on socketPath, acting as userID.
func NewClient(socketPath, userID string) *Client {
	return &Client{
		socketPath: socketPath,
		userID:     userID,
		http: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
		},
	}
}

type SessionList struct {
	Active   string         `json:"active"`
	Sessions []session.Info `json:"sessions"`
}

func (c *Client) Dispatch(ctx context.Context, sess, text string) (*DispatchResponse, error) {
	var out DispatchResponse
	err := c.do(ctx, http.MethodPost, "/dispatch", DispatchRequest{UserID: c.userID, Session: sess, Text: text}, http.StatusOK, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CreateSession(ctx context.Context, name, backend, dir string) (*session.Info, error) {
	var out session.Info
	req := CreateSessionRequest{UserID: c.userID, Name: name, Backend: backend, Dir: dir}
	if err := c.do(ctx, http.MethodPost, "/sessions", req, http.StatusCreated, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListSessions(ctx context.Context) (*SessionList, error) {
	var out SessionList
	if err := c.do(ctx, http.MethodGet, "/sessions"+c.query(nil), nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) SwitchSession(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, "/sessions/"+url.PathEscape(name)+"/activate", c.user(), http.StatusOK, nil)
}

func (c *Client) DeleteSession(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/sessions/"+url.PathEscape(name)+c.query(nil), nil, http.StatusOK, nil)
}

// KillSession aborts the session's running turn and reports whether one
// was running.
func (c *Client) KillSession(ctx context.Context, name string) (bool, error) {
	var out KillResponse
	if err := c.do(ctx, http.MethodPost, "/sessions/"+url.PathEscape(name)+"/kill", c.user(), http.StatusOK, &out); err != nil {
		return false, err
	}
	return out.Aborted, nil
}

func (c *Client) ResetSession(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, "/sessions/"+url.PathEscape(name)+"/reset", c.user(), http.StatusOK, nil)
}

// Persist forces a snapshot write and returns its path.
func (c *Client) Persist(ctx context.Context) (string, error) {
	var out struct {
		Path string `json:"path"`
	}
	if err := c.do(ctx, http.MethodPost, "/persist", c.user(), http.StatusOK, &out); err != nil {
		return "", err
	}
	return out.Path, nil
}

func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var out StatusResponse
	if err := c.do(ctx, http.MethodGet, "/status"+c.query(nil), nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Audit(ctx context.Context, limit int) ([]audit.Entry, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	var out []audit.Entry
	if err := c.do(ctx, http.MethodGet, "/audit"+c.query(q), nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Exec(ctx context.Context, sess, command string) (*ExecResponse, error) {
	var out ExecResponse
	req := ExecRequest{UserID: c.userID, Session: sess, Command: command}
	if err := c.do(ctx, http.MethodPost, "/exec", req, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ChatHandler receives the side frames of a streamed turn. Nil fields are
// ignored; a nil OnQuestion answers with the first option.
type ChatHandler struct {
	OnWarning  func(WarningFrame)
	OnRetry    func(RetryFrame)
	OnQuestion func(QuestionFrame) []string
}

// Chat runs one turn over /ws, relaying warnings, retries and questions to
// h until the reply arrives.
func (c *Client) Chat(ctx context.Context, sess, text string, h ChatHandler) (*ReplyFrame, error) {
	conn, _, err := websocket.Dial(ctx, "ws://agentgate/ws"+c.query(nil), &websocket.DialOptions{
		HTTPClient: c.http,
	})
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	conn.SetReadLimit(wsReadLimit)
	defer conn.CloseNow()

	if err := wsWrite(ctx, conn, MessageFrame{Type: TypeMessage, UserID: c.userID, Session: sess, Text: text}); err != nil {
		return nil, err
	}
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return nil, fmt.Errorf("read: %w", err)
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return nil, fmt.Errorf("decode frame: %w", err)
		}
		switch env.Type {
		case TypeWarning:
			var f WarningFrame
			if json.Unmarshal(data, &f) == nil && h.OnWarning != nil {
				h.OnWarning(f)
			}
		case TypeRetry:
			var f RetryFrame
			if json.Unmarshal(data, &f) == nil && h.OnRetry != nil {
				h.OnRetry(f)
			}
		case TypeQuestion:
			var f QuestionFrame
			if err := json.Unmarshal(data, &f); err != nil {
				return nil, fmt.Errorf("decode question: %w", err)
			}
			var labels []string
			if h.OnQuestion != nil {
				labels = h.OnQuestion(f)
			} else {
				labels = agent.FirstOption(agent.Question{Options: f.Options})
			}
			if err := wsWrite(ctx, conn, AnswerFrame{Type: TypeAnswer, ID: f.ID, Labels: labels}); err != nil {
				return nil, err
			}
		case TypeReply:
			var f ReplyFrame
			if err := json.Unmarshal(data, &f); err != nil {
				return nil, fmt.Errorf("decode reply: %w", err)
			}
			conn.Close(websocket.StatusNormalClosure, "")
			return &f, nil
		case TypeError:
			var f ErrorFrame
			if err := json.Unmarshal(data, &f); err != nil {
				return nil, fmt.Errorf("decode error: %w", err)
			}
			return nil, &StatusError{Code: f.Status, Message: f.Error}
		}
	}
}

func wsWrite(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, data)
}

// HTTP helpers

func (c *Client) user() UserRequest { return UserRequest{UserID: c.userID} }

func (c *Client) query(q url.Values) string {
	if q == nil {
		q = url.Values{}
	}
	q.Set("user_id", c.userID)
	return "?" + q.Encode()
}

func (c *Client) do(ctx context.Context, method, path string, body any, expected int, out any) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, "http://agentgate"+path, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, expected); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func checkStatus(resp *http.Response, expected int) error {
	if resp.StatusCode == expected {
		return nil
	}
	body, _ := io.ReadAll(resp.Body)
	var errResp struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
		return &StatusError{Code: resp.StatusCode, Message: errResp.Error}
	}
	return &StatusError{Code: resp.StatusCode, Message: string(body)}
}
