package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ehrlich-b/agentgate/internal/agent"
	"github.com/ehrlich-b/agentgate/internal/audit"
	"github.com/ehrlich-b/agentgate/internal/sandbox"
	"github.com/ehrlich-b/agentgate/internal/snapshot"
)

const DefaultPersistInterval = 2 * time.Second

// Auditor receives audit entries. Failures are logged and otherwise
// ignored.
type Auditor interface {
	Record(ctx context.Context, e audit.Entry) error
}

// BackendFactory builds the backend for a new or restored session.
type BackendFactory func(kind agent.Kind, dir string) (agent.Backend, error)

type Options struct {
	// Root is the registry's working directory. Sessions created without a
	// directory use it, and the snapshot lives in it.
	Root string
	// AllowedRoots confine session directories. Empty means the parent of
	// Root.
	AllowedRoots    []string
	DefaultKind     agent.Kind
	NewBackend      BackendFactory
	Auditor         Auditor
	Logger          *slog.Logger
	PersistInterval time.Duration
	// SnapshotPath overrides snapshot.Path(Root).
	SnapshotPath string
}

// Registry owns every session in the process.
type Registry struct {
	root         string
	allowedRoots []string
	defaultKind  agent.Kind
	newBackend   BackendFactory
	auditor      Auditor
	log          *slog.Logger
	interval     time.Duration
	snapPath     string

	mu       sync.Mutex
	sessions map[string]*Session
	active   string
	dirty    bool

	writeMu sync.Mutex
}

func New(opts Options) (*Registry, error) {
	root, err := sandbox.ValidateWorkingDirectory(opts.Root, "", nil)
	if err != nil {
		return nil, fmt.Errorf("registry root: %w", err)
	}
	r := &Registry{
		root:         root,
		allowedRoots: opts.AllowedRoots,
		defaultKind:  opts.DefaultKind,
		newBackend:   opts.NewBackend,
		auditor:      opts.Auditor,
		log:          opts.Logger,
		interval:     opts.PersistInterval,
		snapPath:     opts.SnapshotPath,
		sessions:     make(map[string]*Session),
		active:       DefaultName,
	}
	if len(r.allowedRoots) == 0 {
		r.allowedRoots = []string{sandbox.DefaultAllowedRoot(root)}
	}
	if r.defaultKind == "" {
		r.defaultKind = agent.KindClaude
	}
	if _, err := agent.ParseKind(string(r.defaultKind)); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, r.defaultKind)
	}
	if r.newBackend == nil {
		r.newBackend = func(kind agent.Kind, dir string) (agent.Backend, error) {
			return agent.New(kind, dir, agent.Options{Logger: r.log})
		}
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	r.log = r.log.With("component", "session")
	if r.interval <= 0 {
		r.interval = DefaultPersistInterval
	}
	if r.snapPath == "" {
		r.snapPath = snapshot.Path(root)
	}
	return r, nil
}

func (r *Registry) Root() string { return r.root }

// Create adds a session. An empty kind means the registry default and an
// empty dir means the registry root.
func (r *Registry) Create(name string, kind agent.Kind, dir string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.createLocked(name, kind, dir)
	if err != nil {
		return nil, err
	}
	r.dirty = true
	r.log.Info("session created", "session", name, "backend", s.Kind, "dir", s.Dir)
	return s, nil
}

func (r *Registry) createLocked(name string, kind agent.Kind, dir string) (*Session, error) {
	if !ValidName(name) {
		return nil, fmt.Errorf("%w: %q", ErrNameInvalid, name)
	}
	if _, ok := r.sessions[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrNameTaken, name)
	}
	if kind == "" {
		kind = r.defaultKind
	}
	if _, err := agent.ParseKind(string(kind)); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, kind)
	}
	resolved := r.root
	if dir != "" {
		var err error
		resolved, err = sandbox.ValidateWorkingDirectory(dir, r.root, r.allowedRoots)
		if err != nil {
			return nil, err
		}
	}
	backend, err := r.newBackend(kind, resolved)
	if err != nil {
		return nil, fmt.Errorf("create backend: %w", err)
	}
	now := time.Now().UnixMilli()
	s := &Session{
		Name:       name,
		Kind:       kind,
		Dir:        resolved,
		CreatedAt:  now,
		backend:    backend,
		lastUsedAt: now,
	}
	r.sessions[name] = s
	return s, nil
}

// resolve finds the named session (the active one for ""), creating the
// default session on first use.
func (r *Registry) resolve(name string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if name == "" {
		name = r.active
	}
	if s, ok := r.sessions[name]; ok {
		return s, nil
	}
	if name != DefaultName {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, name)
	}
	s, err := r.createLocked(DefaultName, r.defaultKind, "")
	if err != nil {
		return nil, err
	}
	r.dirty = true
	r.log.Info("default session created", "backend", s.Kind)
	return s, nil
}

func (r *Registry) lookup(name string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if name == "" {
		name = r.active
	}
	s, ok := r.sessions[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, name)
	}
	return s, nil
}

// Dispatch runs one turn on the named session. The session is released,
// its history recorded (unless it was reset mid-turn) and the registry
// marked dirty whether or not the backend succeeds.
func (r *Registry) Dispatch(ctx context.Context, name, message string, turn agent.Turn) (agent.Result, error) {
	s, err := r.resolve(name)
	if err != nil {
		return agent.Result{}, err
	}
	tctx, c, err := s.begin(ctx)
	if err != nil {
		return agent.Result{}, err
	}

	userRetry := turn.OnRetry
	turn.OnRetry = func(attempt int, err error, delay time.Duration) {
		r.audit(audit.Entry{
			Event:   audit.RetryAttempted,
			UserID:  turn.UserID,
			Session: s.Name,
			Details: map[string]any{"attempt": attempt, "delay_ms": delay.Milliseconds(), "error": sandbox.Sanitize(err.Error())},
			Success: true,
		})
		if userRetry != nil {
			userRetry(attempt, err, delay)
		}
	}

	log := r.log.With("session", s.Name, "backend", s.Kind)
	log.Debug("dispatch", "user", turn.UserID, "len", len(message))
	start := time.Now()

	res, err := s.backend.Send(tctx, sandbox.WrapWithPreamble(message, s.Dir), turn)
	if err != nil && !errors.Is(err, agent.ErrAborted) && tctx.Err() != nil && ctx.Err() == nil {
		err = agent.ErrAborted
	}

	reply := res.Text
	if err != nil {
		reply = "[error] " + sandbox.Sanitize(err.Error())
	}
	s.finish(c, message, reply)
	r.markDirty()

	if err != nil {
		log.Warn("turn failed", "error", err, "elapsed", time.Since(start).Round(time.Millisecond))
		return agent.Result{}, err
	}
	log.Info("turn complete", "partial", res.Partial, "elapsed", time.Since(start).Round(time.Millisecond))
	return res, nil
}

// SwitchActive makes name the session used when dispatch names none. The
// default session may be selected before it exists.
func (r *Registry) SwitchActive(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[name]; !ok && name != DefaultName {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, name)
	}
	r.active = name
	r.dirty = true
	return nil
}

// Delete removes a session, killing any turn it is running. Deleting the
// active session makes "default" active again.
func (r *Registry) Delete(name string) bool {
	r.mu.Lock()
	s, ok := r.sessions[name]
	if ok {
		delete(r.sessions, name)
		if r.active == name {
			r.active = DefaultName
		}
		r.dirty = true
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	s.abort()
	r.log.Info("session deleted", "session", name)
	return true
}

// Abort kills the named session's in-flight turn. It reports whether
// anything was running.
func (r *Registry) Abort(name string) (bool, error) {
	s, err := r.lookup(name)
	if err != nil {
		return false, err
	}
	return s.abort(), nil
}

// Reset aborts the session and forgets its conversation.
func (r *Registry) Reset(name string) error {
	s, err := r.lookup(name)
	if err != nil {
		return err
	}
	s.markReset()
	s.abort()
	s.backend.Reset()
	r.markDirty()
	r.log.Info("session reset", "session", s.Name)
	return nil
}

// Get returns a view of the named session (the active one for "").
func (r *Registry) Get(name string) (Info, error) {
	s, err := r.lookup(name)
	if err != nil {
		return Info{}, err
	}
	return s.info(s.Name == r.ActiveName()), nil
}

// List returns every session sorted by name.
func (r *Registry) List() []Info {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	active := r.active
	r.mu.Unlock()

	out := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.info(s.Name == active))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) ActiveName() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Dir returns the working directory of the named session (the active one
// for ""), creating the default session on first use.
func (r *Registry) Dir(name string) (string, error) {
	s, err := r.resolve(name)
	if err != nil {
		return "", err
	}
	return s.Dir, nil
}

// Close aborts every session.
func (r *Registry) Close() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()
	for _, s := range sessions {
		if s.abort() {
			r.log.Info("aborted turn on shutdown", "session", s.Name)
		}
	}
}

func (r *Registry) markDirty() {
	r.mu.Lock()
	r.dirty = true
	r.mu.Unlock()
}

func (r *Registry) audit(e audit.Entry) {
	if r.auditor == nil {
		return
	}
	if err := r.auditor.Record(context.Background(), e); err != nil {
		r.log.Warn("audit failed", "event", e.Event, "error", err)
	}
}
