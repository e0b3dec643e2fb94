package sandbox

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

func realTempDir(t *testing.T) string {
	t.Helper()
	dir, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestValidateWorkingDirectoryRelative(t *testing.T) {
	root := realTempDir(t)
	sub := filepath.Join(root, "proj")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}

	got, err := ValidateWorkingDirectory("proj", root, []string{root})
	if err != nil {
		t.Fatalf("ValidateWorkingDirectory: %v", err)
	}
	if got != sub {
		t.Errorf("path = %q, want %q", got, sub)
	}

	got, err = ValidateWorkingDirectory(`  "proj"  `, root, []string{root})
	if err != nil {
		t.Fatalf("quoted input: %v", err)
	}
	if got != sub {
		t.Errorf("quoted path = %q, want %q", got, sub)
	}
}

func TestValidateWorkingDirectoryFailures(t *testing.T) {
	root := realTempDir(t)
	file := filepath.Join(root, "file.txt")
	os.WriteFile(file, []byte("x"), 0o644)
	other := realTempDir(t)

	tests := []struct {
		name    string
		input   string
		roots   []string
		wantMsg string
	}{
		{"missing", "nope", []string{root}, "does not exist"},
		{"file", "file.txt", []string{root}, "not a directory"},
		{"outside roots", other, []string{root}, "not under allowed"},
		{"escape via dotdot", "..", []string{root}, "not under allowed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ValidateWorkingDirectory(tt.input, root, tt.roots)
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, ErrPathInvalid) {
				t.Errorf("err = %v, want ErrPathInvalid", err)
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("err = %q, want substring %q", err, tt.wantMsg)
			}
		})
	}
}

func TestValidateWorkingDirectorySystemDir(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix deny-list")
	}
	_, err := ValidateWorkingDirectory("/etc", "/", nil)
	if err == nil || !strings.Contains(err.Error(), "system directory") {
		t.Errorf("err = %v, want system directory rejection", err)
	}
}

func TestValidateWorkingDirectorySymlinkEscape(t *testing.T) {
	root := realTempDir(t)
	outside := realTempDir(t)
	link := filepath.Join(root, "link")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlink: %v", err)
	}
	_, err := ValidateWorkingDirectory("link", root, []string{root})
	if err == nil {
		t.Fatal("symlink pointing outside the allowed root was accepted")
	}
}

func TestValidateWorkingDirectoryNoWrite(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root bypasses permission bits")
	}
	root := realTempDir(t)
	ro := filepath.Join(root, "ro")
	os.Mkdir(ro, 0o555)
	t.Cleanup(func() { os.Chmod(ro, 0o755) })

	_, err := ValidateWorkingDirectory(ro, root, []string{root})
	if err == nil || !strings.Contains(err.Error(), "insufficient permissions") {
		t.Errorf("err = %v, want permission rejection", err)
	}
}

func TestIsUnder(t *testing.T) {
	tests := []struct {
		target, root string
		want         bool
	}{
		{"/a/b", "/a/b", true},
		{"/a/b/c", "/a/b", true},
		{"/a/bc", "/a/b", false},
		{"/a", "/a/b", false},
		{"/a/b/", "/a/b", true},
	}
	for _, tt := range tests {
		if got := IsUnder(tt.target, tt.root); got != tt.want {
			t.Errorf("IsUnder(%q, %q) = %v, want %v", tt.target, tt.root, got, tt.want)
		}
	}
}

func TestIsUnderAllowedRootsEmpty(t *testing.T) {
	if !IsUnderAllowedRoots("/anywhere", nil) {
		t.Error("empty roots should allow everything")
	}
}

func TestDefaultAllowedRoot(t *testing.T) {
	if got := DefaultAllowedRoot("/srv/projects/app"); got != "/srv/projects" {
		t.Errorf("DefaultAllowedRoot = %q, want /srv/projects", got)
	}
}
