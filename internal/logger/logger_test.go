package logger

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"chatty", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestInitWritesToOutAndFile(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "logs", "agentgate.log")
	closer, err := Init(&buf, "warn", path)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	For("session").Info("hidden")
	For("session").Warn("shown", "session", "work")
	closer.Close()

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info line written at warn level: %q", out)
	}
	if !strings.Contains(out, "component=session") || !strings.Contains(out, "session=work") {
		t.Errorf("missing attrs: %q", out)
	}
	if !regexp.MustCompile(`time=\d\d:\d\d:\d\d `).MatchString(out) {
		t.Errorf("time not shortened: %q", out)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != out {
		t.Errorf("file = %q, want same as stdout", data)
	}
}
