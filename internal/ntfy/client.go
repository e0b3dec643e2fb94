package ntfy

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ehrlich-b/agentgate/internal/sandbox"
)

const postTimeout = 10 * time.Second

// Client sends push notifications via ntfy.sh (or a self-hosted ntfy server).
type Client struct {
	url    string // full URL: https://ntfy.sh/{topic}
	token  string // optional bearer token for reserved topics
	events map[string]bool
	// MinDuration suppresses "done" and "failed" for turns shorter than it.
	MinDuration time.Duration
	HTTP        *http.Client
	Log         *slog.Logger
}

// New creates a new ntfy client. Topic can be a bare topic name (expanded to
// https://ntfy.sh/{topic}) or a full URL (https://ntfy.example.com/mytopic).
// Events is a comma-separated list of event types to send: "attention",
// "done", "failed".
func New(topic, token, events string) *Client {
	url := topic
	if !strings.HasPrefix(topic, "http://") && !strings.HasPrefix(topic, "https://") {
		url = "https://ntfy.sh/" + topic
	}
	evMap := make(map[string]bool)
	for _, e := range strings.Split(events, ",") {
		e = strings.TrimSpace(e)
		if e != "" {
			evMap[e] = true
		}
	}
	return &Client{url: url, token: token, events: evMap, HTTP: http.DefaultClient, Log: slog.Default()}
}

// Attention reports that an agent is waiting on a question.
func (c *Client) Attention(session, agent, question string) {
	if !c.events["attention"] {
		return
	}
	title := fmt.Sprintf("%s needs input (%s)", agentName(agent), session)
	c.post(title, sandbox.Sanitize(question), "high", "bell")
}

// TurnDone reports the end of a turn that ran for at least MinDuration.
func (c *Client) TurnDone(session, agent string, elapsed time.Duration, err error) {
	if elapsed < c.MinDuration {
		return
	}
	took := elapsed.Round(time.Second)
	if err == nil {
		if !c.events["done"] {
			return
		}
		c.post(fmt.Sprintf("%s finished (%s)", agentName(agent), session), "took "+took.String(), "default", "white_check_mark")
		return
	}
	if !c.events["failed"] {
		return
	}
	body := fmt.Sprintf("after %s: %s", took, sandbox.Sanitize(err.Error()))
	c.post(fmt.Sprintf("%s failed (%s)", agentName(agent), session), body, "high", "x")
}

// SendTest sends a test notification synchronously and returns any error.
func (c *Client) SendTest() error {
	return c.post("agentgate test", "Push notifications are working!", "default", "test_tube")
}

func agentName(agent string) string {
	if agent == "" {
		return "Agent"
	}
	return agent
}

func (c *Client) post(title, body, priority, tags string) error {
	ctx, cancel := context.WithTimeout(context.Background(), postTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewBufferString(body))
	if err != nil {
		c.Log.Warn("ntfy: build request", "error", err)
		return err
	}
	req.Header.Set("Title", title)
	req.Header.Set("Priority", priority)
	req.Header.Set("Tags", tags)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		c.Log.Warn("ntfy: post failed", "error", err)
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		err = fmt.Errorf("ntfy: HTTP %d", resp.StatusCode)
		c.Log.Warn("ntfy: post rejected", "error", err)
		return err
	}
	return nil
}
