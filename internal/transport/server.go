package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/ehrlich-b/agentgate/internal/agent"
	"github.com/ehrlich-b/agentgate/internal/audit"
	"github.com/ehrlich-b/agentgate/internal/ratelimit"
	"github.com/ehrlich-b/agentgate/internal/sandbox"
	"github.com/ehrlich-b/agentgate/internal/session"
)

const maxExecOutput = 64 * 1024

// AuditLog is the part of the audit store the server uses.
type AuditLog interface {
	session.Auditor
	Recent(ctx context.Context, limit int) ([]audit.Entry, error)
}

// Notifier is told about long turns finishing and agents waiting on a
// question.
type Notifier interface {
	TurnDone(session, agent string, elapsed time.Duration, err error)
	Attention(session, agent, question string)
}

type Options struct {
	Registry       *session.Registry
	Audit          AuditLog
	Limiter        *ratelimit.Limiter
	SocketPath     string
	AllowedUsers   []string
	AITimeout      time.Duration
	CommandTimeout time.Duration
	KillGrace      time.Duration
	Notifier       Notifier
	Logger         *slog.Logger
}

type Server struct {
	reg        *session.Registry
	audit      AuditLog
	limiter    *ratelimit.Limiter
	socketPath string
	killGrace  time.Duration
	notifier   Notifier
	log        *slog.Logger
	started    time.Time

	mu         sync.RWMutex
	allowed    map[string]bool
	aiTimeout  time.Duration
	cmdTimeout time.Duration
}

func NewServer(opts Options) *Server {
	s := &Server{
		reg:        opts.Registry,
		audit:      opts.Audit,
		limiter:    opts.Limiter,
		socketPath: opts.SocketPath,
		killGrace:  opts.KillGrace,
		notifier:   opts.Notifier,
		log:        opts.Logger,
		started:    time.Now(),
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	s.log = s.log.With("component", "transport")
	if s.limiter == nil {
		s.limiter = ratelimit.New(0, 0)
	}
	s.SetAllowedUsers(opts.AllowedUsers)
	s.SetTimeouts(opts.AITimeout, opts.CommandTimeout)
	return s
}

// SetAllowedUsers replaces the authorized user ids. An empty list refuses
// everyone.
func (s *Server) SetAllowedUsers(users []string) {
	allowed := make(map[string]bool, len(users))
	for _, u := range users {
		allowed[u] = true
	}
	s.mu.Lock()
	s.allowed = allowed
	s.mu.Unlock()
}

// SetTimeouts replaces the per-turn and per-command deadlines. Zero means
// no deadline.
func (s *Server) SetTimeouts(ai, cmd time.Duration) {
	s.mu.Lock()
	s.aiTimeout = ai
	s.cmdTimeout = cmd
	s.mu.Unlock()
}

func (s *Server) ListenAndServe(ctx context.Context) error {
	// Clean up stale socket.
	os.Remove(s.socketPath)

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen unix %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}

	srv := &http.Server{
		Handler:     s.Handler(),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
		os.Remove(s.socketPath)
		return nil
	case err := <-errCh:
		os.Remove(s.socketPath)
		return err
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /dispatch", s.handleDispatch)
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("POST /sessions", s.handleCreateSession)
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("POST /sessions/{name}/activate", s.handleActivate)
	mux.HandleFunc("DELETE /sessions/{name}", s.handleDeleteSession)
	mux.HandleFunc("POST /sessions/{name}/kill", s.handleKill)
	mux.HandleFunc("POST /sessions/{name}/reset", s.handleReset)
	mux.HandleFunc("POST /persist", s.handlePersist)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /audit", s.handleAudit)
	mux.HandleFunc("POST /exec", s.handleExec)
	return mux
}

// Handlers

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req DispatchRequest
	if !decode(w, r, &req) {
		return
	}
	if !s.authorize(w, r, req.UserID) || !s.rateLimit(w, r, req.UserID) {
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	warnings := s.scanInjection(r.Context(), req.UserID, req.Session, req.Text)

	res, err := s.dispatch(r.Context(), req.Session, req.Text, agent.Turn{UserID: req.UserID})
	if err != nil {
		code, msg := s.classify(err)
		writeError(w, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, DispatchResponse{
		Session:  s.sessionName(req.Session),
		Reply:    sandbox.Sanitize(res.Text),
		Partial:  res.Partial,
		Warnings: warnings,
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if !decode(w, r, &req) || !s.authorize(w, r, req.UserID) {
		return
	}
	sess, err := s.reg.Create(req.Name, agent.Kind(req.Backend), req.Dir)
	if err != nil {
		code, msg := s.classify(err)
		writeError(w, code, msg)
		return
	}
	s.record(r.Context(), audit.Entry{
		Event:   audit.SessionCreated,
		UserID:  req.UserID,
		Session: sess.Name,
		Details: map[string]any{"backend": string(sess.Kind), "dir": sess.Dir},
		Success: true,
	})
	info, err := s.reg.Get(sess.Name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r, r.URL.Query().Get("user_id")) {
		return
	}
	writeJSON(w, http.StatusOK, SessionList{Active: s.reg.ActiveName(), Sessions: s.reg.List()})
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var req UserRequest
	if !decode(w, r, &req) || !s.authorize(w, r, req.UserID) {
		return
	}
	if err := s.reg.SwitchActive(name); err != nil {
		code, msg := s.classify(err)
		writeError(w, code, msg)
		return
	}
	s.record(r.Context(), audit.Entry{Event: audit.SessionSwitched, UserID: req.UserID, Session: name, Success: true})
	writeJSON(w, http.StatusOK, map[string]string{"active": name})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	userID := r.URL.Query().Get("user_id")
	if !s.authorize(w, r, userID) {
		return
	}
	if !s.reg.Delete(name) {
		writeError(w, http.StatusNotFound, "session not found: "+name)
		return
	}
	s.record(r.Context(), audit.Entry{Event: audit.SessionDeleted, UserID: userID, Session: name, Success: true})
	writeJSON(w, http.StatusOK, map[string]string{"deleted": name})
}

func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	var req UserRequest
	if !decode(w, r, &req) || !s.authorize(w, r, req.UserID) {
		return
	}
	aborted, err := s.reg.Abort(r.PathValue("name"))
	if err != nil {
		code, msg := s.classify(err)
		writeError(w, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, KillResponse{Aborted: aborted})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var req UserRequest
	if !decode(w, r, &req) || !s.authorize(w, r, req.UserID) {
		return
	}
	if err := s.reg.Reset(name); err != nil {
		code, msg := s.classify(err)
		writeError(w, code, msg)
		return
	}
	s.record(r.Context(), audit.Entry{Event: audit.SessionReset, UserID: req.UserID, Session: name, Success: true})
	writeJSON(w, http.StatusOK, map[string]string{"reset": name})
}

func (s *Server) handlePersist(w http.ResponseWriter, r *http.Request) {
	var req UserRequest
	if !decode(w, r, &req) || !s.authorize(w, r, req.UserID) {
		return
	}
	err := s.reg.Persist()
	s.record(r.Context(), audit.Entry{
		Event:   audit.SessionPersisted,
		UserID:  req.UserID,
		Details: errDetails(err),
		Success: err == nil,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, sandbox.Sanitize(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"path": s.reg.SnapshotPath()})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r, r.URL.Query().Get("user_id")) {
		return
	}
	list := s.reg.List()
	busy := 0
	for _, info := range list {
		if info.Busy {
			busy++
		}
	}
	s.mu.RLock()
	allowed := len(s.allowed)
	s.mu.RUnlock()
	writeJSON(w, http.StatusOK, StatusResponse{
		Uptime:       time.Since(s.started).Round(time.Second).String(),
		Active:       s.reg.ActiveName(),
		Sessions:     len(list),
		Busy:         busy,
		Root:         s.reg.Root(),
		SnapshotPath: s.reg.SnapshotPath(),
		Dirty:        s.reg.Dirty(),
		RateLimited:  s.limiter.Enabled(),
		AllowedUsers: allowed,
	})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r, r.URL.Query().Get("user_id")) {
		return
	}
	if s.audit == nil {
		writeJSON(w, http.StatusOK, []audit.Entry{})
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	entries, err := s.audit.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleExec(w http.ResponseWriter, r *http.Request) {
	var req ExecRequest
	if !decode(w, r, &req) {
		return
	}
	if !s.authorize(w, r, req.UserID) || !s.rateLimit(w, r, req.UserID) {
		return
	}
	if req.Command == "" {
		writeError(w, http.StatusBadRequest, "command is required")
		return
	}
	if sandbox.IsCommandBlocked(req.Command) {
		s.log.Warn("blocked command", "user", req.UserID, "command", req.Command)
		s.record(r.Context(), audit.Entry{Event: audit.CommandBlocked, UserID: req.UserID, Session: req.Session, Command: req.Command})
		writeError(w, http.StatusForbidden, "command blocked by security policy")
		return
	}
	dir, err := s.reg.Dir(req.Session)
	if err != nil {
		code, msg := s.classify(err)
		writeError(w, code, msg)
		return
	}

	s.mu.RLock()
	timeout := s.cmdTimeout
	s.mu.RUnlock()
	ctx := r.Context()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	jail := &sandbox.Jail{Dir: dir, KillGrace: s.killGrace}
	cmd, err := jail.ShellCommand(ctx, req.Command)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	runErr := cmd.Run()

	resp := ExecResponse{TimedOut: errors.Is(ctx.Err(), context.DeadlineExceeded)}
	var exitErr *exec.ExitError
	switch {
	case runErr == nil:
	case errors.As(runErr, &exitErr):
		resp.ExitCode = exitErr.ExitCode()
	default:
		resp.ExitCode = -1
		out.WriteString(runErr.Error())
	}
	text := out.String()
	if len(text) > maxExecOutput {
		text = text[:maxExecOutput] + "\n... (truncated)"
	}
	resp.Output = sandbox.Sanitize(sandbox.StripANSI(text))

	s.record(r.Context(), audit.Entry{
		Event:   audit.CommandExecuted,
		UserID:  req.UserID,
		Session: req.Session,
		Command: req.Command,
		Details: map[string]any{"exit_code": resp.ExitCode, "timed_out": resp.TimedOut, "dir": dir},
		Success: runErr == nil,
	})
	writeJSON(w, http.StatusOK, resp)
}

// Policy

// authorize admits userID if it is on the allow list, otherwise it writes
// 403.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request, userID string) bool {
	if s.checkUser(r.Context(), userID, r.Method+" "+r.URL.Path) {
		return true
	}
	writeError(w, http.StatusForbidden, "unauthorized")
	return false
}

// checkUser reports whether userID is on the allow list and audits refusals.
func (s *Server) checkUser(ctx context.Context, userID, action string) bool {
	s.mu.RLock()
	ok := userID != "" && s.allowed[userID]
	s.mu.RUnlock()
	if ok {
		return true
	}
	s.log.Warn("unauthorized request", "user", userID, "action", action)
	s.record(ctx, audit.Entry{
		Event:   audit.UnauthorizedAccess,
		UserID:  userID,
		Details: map[string]any{"action": action},
	})
	return false
}

func (s *Server) rateLimit(w http.ResponseWriter, r *http.Request, userID string) bool {
	wait, ok := s.allow(r.Context(), userID)
	if ok {
		return true
	}
	w.Header().Set("Retry-After", strconv.Itoa(int(wait.Seconds())+1))
	writeError(w, http.StatusTooManyRequests, rateLimitMessage(wait))
	return false
}

// allow consumes one token for userID and audits denials.
func (s *Server) allow(ctx context.Context, userID string) (time.Duration, bool) {
	ok, wait := s.limiter.Allow(userID)
	if ok {
		return 0, true
	}
	s.record(ctx, audit.Entry{
		Event:   audit.RateLimited,
		UserID:  userID,
		Details: map[string]any{"retry_after_ms": wait.Milliseconds()},
	})
	return wait, false
}

func rateLimitMessage(wait time.Duration) string {
	return fmt.Sprintf("rate limit exceeded, retry in %s", max(wait.Round(time.Second), time.Second))
}

// scanInjection runs the advisory prompt-injection scan and audits any hit.
func (s *Server) scanInjection(ctx context.Context, userID, sess, text string) []string {
	scan := sandbox.ScanPromptInjection(text)
	if !scan.Detected {
		return nil
	}
	s.log.Warn("possible prompt injection", "user", userID, "warnings", scan.Warnings)
	s.record(ctx, audit.Entry{
		Event:   audit.InjectionWarning,
		UserID:  userID,
		Session: sess,
		Details: map[string]any{"warnings": scan.Warnings},
		Success: true,
	})
	return scan.Warnings
}

// dispatch runs one turn under the AI timeout and reports it to the
// notifier.
func (s *Server) dispatch(ctx context.Context, name, text string, turn agent.Turn) (agent.Result, error) {
	start := time.Now()
	ctx, cancel := s.turnContext(ctx)
	defer cancel()
	res, err := s.reg.Dispatch(ctx, name, text, turn)
	if s.notifier != nil && !errors.Is(err, session.ErrSessionBusy) && !errors.Is(err, session.ErrSessionNotFound) {
		sess := s.sessionName(name)
		go s.notifier.TurnDone(sess, s.backendOf(sess), time.Since(start), err)
	}
	return res, err
}

func (s *Server) backendOf(name string) string {
	info, err := s.reg.Get(name)
	if err != nil {
		return ""
	}
	return string(info.Backend)
}

func (s *Server) turnContext(ctx context.Context) (context.Context, context.CancelFunc) {
	s.mu.RLock()
	timeout := s.aiTimeout
	s.mu.RUnlock()
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

func (s *Server) sessionName(name string) string {
	if name == "" {
		return s.reg.ActiveName()
	}
	return name
}

// classify maps a core error to an HTTP status and a message safe to show.
func (s *Server) classify(err error) (int, string) {
	msg := sandbox.Sanitize(err.Error())
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return http.StatusNotFound, msg
	case errors.Is(err, session.ErrSessionBusy), errors.Is(err, agent.ErrAborted):
		return http.StatusConflict, msg
	case errors.Is(err, session.ErrNameInvalid), errors.Is(err, session.ErrNameTaken),
		errors.Is(err, session.ErrUnknownBackend), errors.Is(err, sandbox.ErrPathInvalid):
		return http.StatusBadRequest, msg
	case errors.Is(err, context.DeadlineExceeded):
		s.mu.RLock()
		timeout := s.aiTimeout
		s.mu.RUnlock()
		return http.StatusGatewayTimeout, fmt.Sprintf("agent timed out after %s", timeout)
	}
	return http.StatusBadGateway, msg
}

func (s *Server) record(ctx context.Context, e audit.Entry) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(context.WithoutCancel(ctx), e); err != nil {
		s.log.Warn("audit failed", "event", e.Event, "error", err)
	}
}

func errDetails(err error) map[string]any {
	if err == nil {
		return nil
	}
	return map[string]any{"error": sandbox.Sanitize(err.Error())}
}

// Helpers

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
