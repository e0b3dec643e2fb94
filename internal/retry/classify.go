package retry

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"os/exec"
	"strings"
	"syscall"
)

// Class is the retry verdict for a failure.
type Class int

const (
	ClassPermanent Class = iota
	ClassTransient
)

func (c Class) String() string {
	if c == ClassTransient {
		return "transient"
	}
	return "permanent"
}

// Checked before transientPatterns; a match here wins.
var permanentPatterns = []string{
	"enoent",
	"eacces",
	"eperm",
	"not installed",
	"not authorized",
	"not found",
	"permission denied",
}

var transientPatterns = []string{
	"econnrefused",
	"econnreset",
	"etimedout",
	"epipe",
	"connection refused",
	"connection reset",
	"broken pipe",
	"timeout",
	"timed out",
	"socket hang up",
	"network",
	"spawn",
}

type classified struct {
	err   error
	class Class
}

func (c *classified) Error() string { return c.err.Error() }
func (c *classified) Unwrap() error { return c.err }

// Transient marks err as worth retrying regardless of its message.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classified{err: err, class: ClassTransient}
}

// Permanent marks err as not worth retrying regardless of its message.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &classified{err: err, class: ClassPermanent}
}

// Classify decides whether err is transient. Explicit marks win, then typed
// errors, then message patterns (permanent first). Anything unrecognized is
// permanent so unknown failures fail fast.
func Classify(err error) Class {
	if err == nil {
		return ClassPermanent
	}
	var c *classified
	if errors.As(err, &c) {
		return c.class
	}

	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ClassPermanent
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, fs.ErrNotExist), errors.Is(err, fs.ErrPermission):
		return ClassPermanent
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE), errors.Is(err, os.ErrDeadlineExceeded):
		return ClassTransient
	}

	msg := strings.ToLower(err.Error())
	for _, p := range permanentPatterns {
		if strings.Contains(msg, p) {
			return ClassPermanent
		}
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return ClassTransient
		}
	}
	return ClassPermanent
}

// IsTransient reports whether Classify(err) is ClassTransient.
func IsTransient(err error) bool {
	return Classify(err) == ClassTransient
}
