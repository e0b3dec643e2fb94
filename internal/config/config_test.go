package config

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ehrlich-b/agentgate/internal/agent"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DefaultKind() != agent.KindClaude {
		t.Errorf("default backend = %q, want claude", cfg.DefaultBackend)
	}
	if cfg.Retry.MaxAttempts != 3 || cfg.PersistInterval.D() != 2*time.Second {
		t.Errorf("defaults = %+v", cfg)
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
working_dir: /srv/projects
allowed_users: [u1, u2]
default_backend: gemini
ai_timeout: 90s
command_timeout: 1500
retry:
  max_attempts: 5
  base_delay: 1s
  max_delay: 10s
  multiplier: 3
rate_limit:
  per_minute: 0
backends:
  opencode:
    command: /opt/opencode
    json_output: true
    env:
      OPENCODE_MODEL: sonnet
      NO_COLOR: "1"
logging:
  level: debug
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.WorkingDir != "/srv/projects" || len(cfg.AllowedUsers) != 2 {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.AITimeout.D() != 90*time.Second {
		t.Errorf("ai_timeout = %v", cfg.AITimeout.D())
	}
	if cfg.CommandTimeout.D() != 1500*time.Millisecond {
		t.Errorf("command_timeout = %v, want 1.5s from bare milliseconds", cfg.CommandTimeout.D())
	}
	p := cfg.RetryPolicy()
	if p.MaxAttempts != 5 || p.BaseDelay != time.Second || p.Multiplier != 3 {
		t.Errorf("policy = %+v", p)
	}
	if cfg.RateLimit.PerMinute != 0 {
		t.Errorf("rate limit = %+v, want disabled", cfg.RateLimit)
	}
	if cfg.AskTimeout.D() != agent.DefaultAskTimeout {
		t.Errorf("ask_timeout = %v, want default kept", cfg.AskTimeout.D())
	}

	tools := cfg.Tools()
	oc := tools[agent.KindOpencode]
	if oc.Command != "/opt/opencode" || !oc.JSONOutput || oc.ContinueFlag != "-c" {
		t.Errorf("opencode tool = %+v, want override over defaults", oc)
	}
	if got := strings.Join(oc.Env, ","); got != "NO_COLOR=1,OPENCODE_MODEL=sonnet" {
		t.Errorf("opencode env = %s, want sorted pairs", got)
	}
	if tools[agent.KindGemini].ResumeFlag != "--resume" {
		t.Errorf("gemini tool = %+v", tools[agent.KindGemini])
	}
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"backend", "default_backend: codex", "default_backend"},
		{"backend override", "backends:\n  codex:\n    command: x", "backends"},
		{"level", "logging:\n  level: loud", "logging.level"},
		{"attempts", "retry:\n  max_attempts: -1", "max_attempts"},
		{"delays", "retry:\n  base_delay: 10s\n  max_delay: 1s", "retry delays"},
		{"duration", "ai_timeout: soon", "invalid duration"},
		{"yaml", "allowed_users: [", "parse"},
		{"notify event", "notify:\n  events: done,exit", "notify.events"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	env := map[string]string{
		"AGENTGATE_ALLOWED_USERS": " a , b,,c ",
		"AGENTGATE_WORKING_DIR":   "/work",
		"AGENTGATE_LOG_LEVEL":     "warn",
		"AI_CLI_TIMEOUT":          "120000",
		"COMMAND_TIMEOUT":         "30s",
		"AGENTGATE_NTFY_TOPIC":    "my-topic",
	}
	if err := cfg.applyEnv(func(k string) string { return env[k] }); err != nil {
		t.Fatal(err)
	}
	if strings.Join(cfg.AllowedUsers, ",") != "a,b,c" {
		t.Errorf("allowed users = %q", cfg.AllowedUsers)
	}
	if cfg.WorkingDir != "/work" || cfg.Logging.Level != "warn" || cfg.Notify.Topic != "my-topic" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.AITimeout.D() != 2*time.Minute || cfg.CommandTimeout.D() != 30*time.Second {
		t.Errorf("timeouts = %v, %v", cfg.AITimeout.D(), cfg.CommandTimeout.D())
	}

	bad := Default()
	if err := bad.applyEnv(func(k string) string {
		if k == "AI_CLI_TIMEOUT" {
			return "forever"
		}
		return ""
	}); err == nil {
		t.Error("bad AI_CLI_TIMEOUT accepted")
	}
}

func TestIsAllowed(t *testing.T) {
	cfg := Default()
	if cfg.IsAllowed("anyone") {
		t.Error("empty allow list admitted a user")
	}
	cfg.AllowedUsers = []string{"u1"}
	if !cfg.IsAllowed("u1") || cfg.IsAllowed("u2") {
		t.Error("allow list not applied")
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir")
	}
	if got := ExpandHome("~/x"); got != filepath.Join(home, "x") {
		t.Errorf("ExpandHome(~/x) = %q", got)
	}
	if got := ExpandHome("/abs/~x"); got != "/abs/~x" {
		t.Errorf("ExpandHome changed absolute path: %q", got)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := Default()
	cfg.AllowedUsers = []string{"u1"}
	cfg.AITimeout = Duration(45 * time.Second)
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.AITimeout.D() != 45*time.Second || !got.IsAllowed("u1") {
		t.Errorf("round trip = %+v", got)
	}
}

func TestWatchReloads(t *testing.T) {
	path := writeConfig(t, "allowed_users: [u1]\n")
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan *Config, 4)
	done := make(chan error, 1)
	go func() { done <- Watch(ctx, path, log, func(c *Config) { got <- c }) }()

	// Give the watcher time to register before editing.
	time.Sleep(100 * time.Millisecond)
	os.WriteFile(path, []byte("allowed_users: [u1]\nlogging:\n  level: loud\n"), 0o600)
	os.WriteFile(path, []byte("allowed_users: [u1, u2]\n"), 0o600)

	select {
	case c := <-got:
		if !c.IsAllowed("u2") {
			t.Errorf("reloaded users = %v", c.AllowedUsers)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload")
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Watch: %v", err)
	}
}
