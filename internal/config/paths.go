package config

import (
	"os"
	"path/filepath"
	"strings"
)

// Dir is the gateway's state directory: $AGENTGATE_HOME or ~/.agentgate.
func Dir() (string, error) {
	if d := os.Getenv("AGENTGATE_HOME"); d != "" {
		return ExpandHome(d), nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".agentgate"), nil
}

func EnsureDir(dir string) error {
	return os.MkdirAll(dir, 0o700)
}

func ConfigPath(dir string) string { return filepath.Join(dir, "config.yaml") }

// SocketPath is the configured socket or the default under dir.
func (c *Config) SocketPath(dir string) string {
	if c.Socket != "" {
		return c.Socket
	}
	return filepath.Join(dir, "agentgate.sock")
}

// AuditPath is the configured audit database or the default under dir.
func (c *Config) AuditPath(dir string) string {
	if c.AuditDB != "" {
		return c.AuditDB
	}
	return filepath.Join(dir, "audit.db")
}

// Root is the registry root: the configured working directory, or the
// current directory.
func (c *Config) Root() (string, error) {
	if c.WorkingDir != "" {
		return c.WorkingDir, nil
	}
	return os.Getwd()
}

// ExpandHome replaces a leading "~" with the user's home directory.
func ExpandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}
