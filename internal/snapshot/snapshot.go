// Package snapshot reads and writes the registry's on-disk session file.
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/moby/sys/atomicwriter"
)

const (
	Version  = 1
	FileName = ".agentgate-sessions.json"
)

var ErrUnsupportedVersion = errors.New("unsupported snapshot version")

type HistoryEntry struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
	Tokens    int    `json:"tokens,omitempty"`
}

// Session is the durable subset of one session. Process handles and the
// busy flag are never written.
type Session struct {
	Name              string         `json:"name"`
	BackendKind       string         `json:"backendKind"`
	WorkingDir        string         `json:"workingDir"`
	ResumeToken       string         `json:"resumeToken,omitempty"`
	CreatedAt         int64          `json:"createdAt"`
	LastUsedAt        int64          `json:"lastUsedAt"`
	MessageCount      int            `json:"messageCount"`
	StartedAt         int64          `json:"startedAt"`
	TotalInputTokens  int            `json:"totalInputTokens"`
	TotalOutputTokens int            `json:"totalOutputTokens"`
	History           []HistoryEntry `json:"history,omitempty"`
}

type Snapshot struct {
	Version           int       `json:"version"`
	ActiveSessionName string    `json:"activeSessionName"`
	WorkingDir        string    `json:"workingDir"`
	SavedAt           int64     `json:"savedAt"`
	Sessions          []Session `json:"sessions"`
}

// Path returns the snapshot location for a registry rooted at root.
func Path(root string) string {
	return filepath.Join(root, FileName)
}

// Save writes s to path through a temp file and rename, so readers never
// see a partial snapshot.
func Save(path string, s *Snapshot) error {
	if s.Version == 0 {
		s.Version = Version
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := atomicwriter.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// Load reads the snapshot at path. A missing file yields nil, nil.
func Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse snapshot: %w", err)
	}
	if s.Version != Version {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, s.Version)
	}
	return &s, nil
}
