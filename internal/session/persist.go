package session

import (
	"context"
	"fmt"
	"time"

	"github.com/ehrlich-b/agentgate/internal/agent"
	"github.com/ehrlich-b/agentgate/internal/audit"
	"github.com/ehrlich-b/agentgate/internal/sandbox"
	"github.com/ehrlich-b/agentgate/internal/snapshot"
)

func (r *Registry) SnapshotPath() string { return r.snapPath }

// Dirty reports whether state changed since the last successful persist.
func (r *Registry) Dirty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dirty
}

// Persist writes every session's durable state now. Changes made while the
// write is in progress leave the registry dirty for the next flush.
func (r *Registry) Persist() error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.Lock()
	r.dirty = false
	snap := &snapshot.Snapshot{
		Version:           snapshot.Version,
		ActiveSessionName: r.active,
		WorkingDir:        r.root,
		SavedAt:           time.Now().UnixMilli(),
	}
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		snap.Sessions = append(snap.Sessions, toSnapshot(s))
	}
	if err := snapshot.Save(r.snapPath, snap); err != nil {
		r.markDirty()
		return fmt.Errorf("persist sessions: %w", err)
	}
	r.log.Debug("sessions persisted", "count", len(snap.Sessions), "path", r.snapPath)
	return nil
}

// Run flushes dirty state on every tick until ctx is done, then flushes
// once more.
func (r *Registry) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := r.Persist(); err != nil {
				r.log.Error("final persist failed", "error", err)
				return err
			}
			return nil
		case <-ticker.C:
			if !r.Dirty() {
				continue
			}
			if err := r.Persist(); err != nil {
				r.log.Error("persist failed", "error", err)
			}
		}
	}
}

// Restore loads the snapshot and rebuilds its sessions. Entries with an
// unknown backend or a duplicate name are skipped; a working directory that
// no longer validates falls back to the registry root. A snapshot with an
// unsupported version is rejected whole.
func (r *Registry) Restore() (int, error) {
	snap, err := snapshot.Load(r.snapPath)
	if err != nil {
		return 0, fmt.Errorf("restore sessions: %w", err)
	}
	if snap == nil {
		return 0, nil
	}

	r.mu.Lock()
	restored := 0
	for _, e := range snap.Sessions {
		log := r.log.With("session", e.Name)
		kind, err := agent.ParseKind(e.BackendKind)
		if err != nil {
			log.Warn("skipping session with unknown backend", "backend", e.BackendKind)
			continue
		}
		if !ValidName(e.Name) {
			log.Warn("skipping session with invalid name")
			continue
		}
		if _, ok := r.sessions[e.Name]; ok {
			log.Warn("skipping duplicate session")
			continue
		}
		dir, err := sandbox.ValidateWorkingDirectory(e.WorkingDir, r.root, r.allowedRoots)
		if err != nil {
			log.Warn("working directory no longer valid, using root", "dir", e.WorkingDir, "error", err)
			dir = r.root
		}
		backend, err := r.newBackend(kind, dir)
		if err != nil {
			log.Warn("skipping session, backend unavailable", "error", err)
			continue
		}
		backend.Restore(fromSnapshot(e))
		r.sessions[e.Name] = &Session{
			Name:       e.Name,
			Kind:       kind,
			Dir:        dir,
			CreatedAt:  e.CreatedAt,
			backend:    backend,
			lastUsedAt: e.LastUsedAt,
		}
		restored++
	}
	if _, ok := r.sessions[snap.ActiveSessionName]; ok {
		r.active = snap.ActiveSessionName
	}
	active := r.active
	r.mu.Unlock()

	r.log.Info("sessions restored", "count", restored, "active", active)
	r.audit(audit.Entry{
		Event:   audit.SessionRestored,
		Session: active,
		Details: map[string]any{"count": restored, "saved_at": snap.SavedAt},
		Success: true,
	})
	return restored, nil
}

func toSnapshot(s *Session) snapshot.Session {
	st := s.backend.Snapshot()
	s.mu.Lock()
	lastUsed := s.lastUsedAt
	s.mu.Unlock()
	out := snapshot.Session{
		Name:              s.Name,
		BackendKind:       string(s.Kind),
		WorkingDir:        s.Dir,
		ResumeToken:       st.ResumeToken,
		CreatedAt:         s.CreatedAt,
		LastUsedAt:        lastUsed,
		MessageCount:      st.MessageCount,
		StartedAt:         st.StartedAt,
		TotalInputTokens:  st.InputTokens,
		TotalOutputTokens: st.OutputTokens,
	}
	for _, h := range st.History {
		out.History = append(out.History, snapshot.HistoryEntry{
			Role: h.Role, Content: h.Content, Timestamp: h.Timestamp, Tokens: h.Tokens,
		})
	}
	return out
}

func fromSnapshot(e snapshot.Session) agent.State {
	st := agent.State{
		ResumeToken:  e.ResumeToken,
		MessageCount: e.MessageCount,
		StartedAt:    e.StartedAt,
		InputTokens:  e.TotalInputTokens,
		OutputTokens: e.TotalOutputTokens,
	}
	for _, h := range e.History {
		st.History = append(st.History, agent.HistoryEntry{
			Role: h.Role, Content: h.Content, Timestamp: h.Timestamp, Tokens: h.Tokens,
		})
	}
	if len(st.History) > agent.MaxHistoryEntries {
		st.History = st.History[len(st.History)-agent.MaxHistoryEntries:]
	}
	return st
}
