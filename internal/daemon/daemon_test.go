package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ehrlich-b/agentgate/internal/config"
	"github.com/ehrlich-b/agentgate/internal/transport"
)

func startDaemon(t *testing.T, cfg *config.Config, paths Paths) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- Serve(ctx, cfg, paths) }()

	sock := cfg.SocketPath(paths.Dir)
	deadline := time.Now().Add(3 * time.Second)
	for {
		if _, err := os.Stat(sock); err == nil {
			break
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("daemon did not start in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cancel, errCh
}

func stopDaemon(t *testing.T, cancel context.CancelFunc, errCh <-chan error) {
	t.Helper()
	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}
}

func TestServeRestoresSessions(t *testing.T) {
	dir := t.TempDir()
	root, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	cfg := config.Default()
	cfg.WorkingDir = root
	cfg.AllowedUsers = []string{"alice"}
	paths := Paths{Dir: dir}
	ctx := context.Background()

	cancel, errCh := startDaemon(t, cfg, paths)
	client := transport.NewClient(cfg.SocketPath(dir), "alice")
	if _, err := client.CreateSession(ctx, "work", "gemini", ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := client.SwitchSession(ctx, "work"); err != nil {
		t.Fatalf("switch: %v", err)
	}
	stopDaemon(t, cancel, errCh)

	if _, err := os.Stat(cfg.AuditPath(dir)); err != nil {
		t.Errorf("audit db missing: %v", err)
	}

	cancel, errCh = startDaemon(t, cfg, paths)
	defer stopDaemon(t, cancel, errCh)
	list, err := client.ListSessions(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if list.Active != "work" {
		t.Errorf("active = %q, want work", list.Active)
	}
	if len(list.Sessions) != 1 || list.Sessions[0].Backend != "gemini" {
		t.Errorf("sessions = %+v, want restored gemini session", list.Sessions)
	}
}

func TestServeReloadsAllowedUsers(t *testing.T) {
	dir := t.TempDir()
	root, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	cfgPath := config.ConfigPath(dir)
	cfg := config.Default()
	cfg.WorkingDir = root
	cfg.AllowedUsers = []string{"alice"}
	if err := config.Save(cfgPath, cfg); err != nil {
		t.Fatal(err)
	}

	cancel, errCh := startDaemon(t, cfg, Paths{Dir: dir, Config: cfgPath})
	defer stopDaemon(t, cancel, errCh)
	ctx := context.Background()
	bob := transport.NewClient(cfg.SocketPath(dir), "bob")
	if _, err := bob.Status(ctx); err == nil {
		t.Fatal("bob allowed before reload")
	}

	// Give the watcher time to register before editing.
	time.Sleep(100 * time.Millisecond)
	cfg.AllowedUsers = []string{"alice", "bob"}
	if err := config.Save(cfgPath, cfg); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		if _, err := bob.Status(ctx); err == nil {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("allowed users not reloaded")
		}
		time.Sleep(50 * time.Millisecond)
	}
}
