package sandbox

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// ErrPathInvalid wraps every working-directory rejection.
var ErrPathInvalid = errors.New("invalid working directory")

// System directories that can never be a confinement root.
var blockedPathsUnix = []string{
	"/etc",
	"/root",
	"/var",
	"/usr",
	"/bin",
	"/sbin",
	"/boot",
	"/dev",
	"/proc",
	"/sys",
	"/lib",
	"/lib64",
}

var blockedPathsWindows = []string{
	`C:\Windows`,
	`C:\Program Files`,
	`C:\Program Files (x86)`,
	`C:\ProgramData`,
	`C:\Users\Default`,
	`C:\Recovery`,
	`C:\$Recycle.Bin`,
}

// BlockedPaths returns the deny-list for the running platform.
func BlockedPaths() []string {
	if runtime.GOOS == "windows" {
		return blockedPathsWindows
	}
	return blockedPathsUnix
}

// NormalizePath strips surrounding quotes and whitespace and resolves input
// against base when it is relative.
func NormalizePath(input, base string) string {
	cleaned := strings.TrimSpace(input)
	cleaned = strings.TrimPrefix(cleaned, `"`)
	cleaned = strings.TrimPrefix(cleaned, `'`)
	cleaned = strings.TrimSuffix(cleaned, `"`)
	cleaned = strings.TrimSuffix(cleaned, `'`)
	cleaned = strings.TrimSpace(cleaned)
	if filepath.IsAbs(cleaned) {
		return filepath.Clean(cleaned)
	}
	return filepath.Join(base, cleaned)
}

// IsUnder reports whether target equals root or lies beneath it. Comparison
// is case-insensitive on Windows only.
func IsUnder(target, root string) bool {
	t := filepath.Clean(target)
	r := filepath.Clean(root)
	if runtime.GOOS == "windows" {
		t, r = strings.ToLower(t), strings.ToLower(r)
	}
	if t == r {
		return true
	}
	if !strings.HasSuffix(r, string(filepath.Separator)) {
		r += string(filepath.Separator)
	}
	return strings.HasPrefix(t, r)
}

// IsPathBlocked reports whether p is, or is under, a system directory.
func IsPathBlocked(p string) bool {
	for _, blocked := range BlockedPaths() {
		if IsUnder(p, blocked) {
			return true
		}
	}
	return false
}

// IsUnderAllowedRoots reports whether p is under one of roots. An empty
// roots list places no restriction.
func IsUnderAllowedRoots(p string, roots []string) bool {
	if len(roots) == 0 {
		return true
	}
	for _, root := range roots {
		if IsUnder(p, resolveRoot(root)) {
			return true
		}
	}
	return false
}

// resolveRoot follows symlinks in an allowed root when it exists so that it
// compares against real paths.
func resolveRoot(root string) string {
	abs, err := filepath.Abs(root)
	if err != nil {
		return filepath.Clean(root)
	}
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		return real
	}
	return abs
}

// ValidateWorkingDirectory resolves input against base and returns the real
// absolute path if it is a usable confinement root. Checks run in order:
// exists, is a directory, symlinks resolve, not a system directory, under an
// allowed root, readable and writable. The first failure is returned.
func ValidateWorkingDirectory(input, base string, allowedRoots []string) (string, error) {
	p := NormalizePath(input, base)

	info, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: directory does not exist: %s", ErrPathInvalid, p)
		}
		return "", fmt.Errorf("%w: stat %s: %v", ErrPathInvalid, p, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: not a directory: %s", ErrPathInvalid, p)
	}

	real, err := filepath.EvalSymlinks(p)
	if err != nil {
		return "", fmt.Errorf("%w: cannot resolve path: %v", ErrPathInvalid, err)
	}
	real, err = filepath.Abs(real)
	if err != nil {
		return "", fmt.Errorf("%w: cannot resolve path: %v", ErrPathInvalid, err)
	}

	if IsPathBlocked(real) {
		return "", fmt.Errorf("%w: access to system directory is not allowed: %s", ErrPathInvalid, real)
	}
	if !IsUnderAllowedRoots(real, allowedRoots) {
		return "", fmt.Errorf("%w: path is not under allowed directories (allowed: %s)",
			ErrPathInvalid, strings.Join(allowedRoots, ", "))
	}
	if err := checkReadWrite(real); err != nil {
		return "", fmt.Errorf("%w: insufficient permissions for directory: %s", ErrPathInvalid, real)
	}
	return real, nil
}

// DefaultAllowedRoot is the parent of dir, so sibling projects of the
// gateway's root stay reachable.
func DefaultAllowedRoot(dir string) string {
	abs, err := filepath.Abs(dir)
	if err != nil {
		abs = filepath.Clean(dir)
	}
	return filepath.Dir(abs)
}
