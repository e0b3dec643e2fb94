package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ehrlich-b/agentgate/internal/agent"
	"github.com/ehrlich-b/agentgate/internal/audit"
	"github.com/ehrlich-b/agentgate/internal/snapshot"
)

func TestPersistRestoreRoundTrip(t *testing.T) {
	h := newHarness(t, "")
	sub := filepath.Join(h.root, "sub")
	os.Mkdir(sub, 0o755)
	h.reg.Create("work", agent.KindClaude, "sub")
	h.reg.Create("other", agent.KindOpencode, "")
	h.reg.SwitchActive("work")

	want := agent.State{
		ResumeToken:  "tok-123",
		MessageCount: 7,
		StartedAt:    1700000000000,
		InputTokens:  42,
		OutputTokens: 99,
		History: []agent.HistoryEntry{
			{Role: "user", Content: "q", Timestamp: 1, Tokens: 1},
			{Role: "assistant", Content: "a", Timestamp: 2, Tokens: 1},
		},
	}
	stubOf(t, h.reg, "work").Restore(want)

	if err := h.reg.Persist(); err != nil {
		t.Fatalf("Persist: %v", err)
	}
	if h.reg.Dirty() {
		t.Error("dirty after persist")
	}
	info, err := os.Stat(snapshot.Path(h.root))
	if err != nil {
		t.Fatalf("snapshot missing: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("snapshot mode = %v, want 0600", info.Mode().Perm())
	}

	h2 := newHarness(t, h.root)
	n, err := h2.reg.Restore()
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if n != 2 {
		t.Errorf("restored = %d, want 2", n)
	}
	if h2.reg.ActiveName() != "work" {
		t.Errorf("active = %q, want work", h2.reg.ActiveName())
	}
	got := stubOf(t, h2.reg, "work").Snapshot()
	if got.ResumeToken != want.ResumeToken || got.MessageCount != want.MessageCount ||
		got.InputTokens != want.InputTokens || got.OutputTokens != want.OutputTokens || got.StartedAt != want.StartedAt {
		t.Errorf("state = %+v, want %+v", got, want)
	}
	if len(got.History) != 2 || got.History[1] != want.History[1] {
		t.Errorf("history = %+v", got.History)
	}
	wi, _ := h2.reg.Get("work")
	if wi.Dir != sub || wi.Backend != agent.KindClaude || wi.Busy {
		t.Errorf("restored info = %+v", wi)
	}

	var sawRestore bool
	for _, e := range h2.auditor.events() {
		if e == audit.SessionRestored {
			sawRestore = true
		}
	}
	if !sawRestore {
		t.Error("restore not audited")
	}
}

func writeSnapshot(t *testing.T, root string, snap *snapshot.Snapshot) {
	t.Helper()
	if err := snapshot.Save(snapshot.Path(root), snap); err != nil {
		t.Fatal(err)
	}
}

func TestRestoreSkipsAndFallsBack(t *testing.T) {
	h := newHarness(t, "")
	writeSnapshot(t, h.root, &snapshot.Snapshot{
		ActiveSessionName: "gone",
		Sessions: []snapshot.Session{
			{Name: "good", BackendKind: "gemini", WorkingDir: h.root},
			{Name: "good", BackendKind: "claude", WorkingDir: h.root},
			{Name: "alien", BackendKind: "codex", WorkingDir: h.root},
			{Name: "bad name!", BackendKind: "claude", WorkingDir: h.root},
			{Name: "moved", BackendKind: "opencode", WorkingDir: filepath.Join(h.root, "deleted")},
		},
	})

	n, err := h.reg.Restore()
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("restored = %d, want 2", n)
	}
	if info, _ := h.reg.Get("good"); info.Backend != agent.KindGemini {
		t.Errorf("duplicate overwrote first entry: %+v", info)
	}
	if info, _ := h.reg.Get("moved"); info.Dir != h.root {
		t.Errorf("moved dir = %q, want fallback to root", info.Dir)
	}
	if h.reg.ActiveName() != DefaultName {
		t.Errorf("active = %q, want default when the saved one is gone", h.reg.ActiveName())
	}
}

func TestRestoreRejectsUnknownVersion(t *testing.T) {
	h := newHarness(t, "")
	writeSnapshot(t, h.root, &snapshot.Snapshot{
		Version:  2,
		Sessions: []snapshot.Session{{Name: "work", BackendKind: "claude", WorkingDir: h.root}},
	})
	n, err := h.reg.Restore()
	if !errors.Is(err, snapshot.ErrUnsupportedVersion) {
		t.Errorf("err = %v, want ErrUnsupportedVersion", err)
	}
	if n != 0 || len(h.reg.List()) != 0 {
		t.Errorf("partially applied: n=%d sessions=%d", n, len(h.reg.List()))
	}
}

func TestRestoreMissingSnapshot(t *testing.T) {
	h := newHarness(t, "")
	n, err := h.reg.Restore()
	if n != 0 || err != nil {
		t.Errorf("Restore = %d, %v, want 0, nil", n, err)
	}
}

func TestRunFlushesWhenDirty(t *testing.T) {
	h := newHarness(t, "")
	h.reg.interval = 10 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.reg.Run(ctx) }()

	h.reg.Create("work", "", "")
	path := snapshot.Path(h.root)
	deadline := time.Now().Add(5 * time.Second)
	for {
		snap, _ := snapshot.Load(path)
		if snap != nil && len(snap.Sessions) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("ticker never flushed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	h.reg.Create("late", "", "")
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	snap, err := snapshot.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Sessions) != 2 {
		t.Errorf("sessions after shutdown flush = %d, want 2", len(snap.Sessions))
	}
}
