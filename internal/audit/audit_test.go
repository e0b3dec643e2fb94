package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestLog(t *testing.T) *Log {
	t.Helper()
	l, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open test log: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestRecordAndRecent(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()
	base := time.UnixMilli(1700000000000)

	entries := []Entry{
		{Event: SessionCreated, UserID: "u1", Session: "work", Success: true, Time: base},
		{Event: CommandBlocked, UserID: "u2", Command: "rm -rf /", Time: base.Add(time.Second)},
		{Event: RetryAttempted, Session: "work", Details: map[string]any{"attempt": 1}, Success: true, Time: base.Add(2 * time.Second)},
	}
	for _, e := range entries {
		if err := l.Record(ctx, e); err != nil {
			t.Fatalf("record %s: %v", e.Event, err)
		}
	}

	got, err := l.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d entries, want 3", len(got))
	}
	if got[0].Event != RetryAttempted || got[2].Event != SessionCreated {
		t.Errorf("order = %s, %s, %s; want newest first", got[0].Event, got[1].Event, got[2].Event)
	}
	if got[0].ID == "" {
		t.Error("id not assigned")
	}
	if got[0].Details["attempt"] != float64(1) {
		t.Errorf("details = %v", got[0].Details)
	}
	if got[1].Success || got[1].Command != "rm -rf /" || got[1].UserID != "u2" {
		t.Errorf("blocked entry = %+v", got[1])
	}
	if !got[2].Time.Equal(base) {
		t.Errorf("time = %v, want %v", got[2].Time, base)
	}
}

func TestRecentLimit(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := l.Record(ctx, Entry{Event: RateLimited, UserID: "u"}); err != nil {
			t.Fatal(err)
		}
	}
	got, err := l.Recent(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Errorf("got %d entries, want 2", len(got))
	}
}

func TestReopenSkipsAppliedMigrations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	l, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Record(context.Background(), Entry{Event: SessionPersisted, Success: true}); err != nil {
		t.Fatal(err)
	}
	l.Close()

	l, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer l.Close()
	got, err := l.Recent(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Event != SessionPersisted {
		t.Errorf("after reopen got %+v", got)
	}
}
