package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

var Log = slog.New(slog.NewTextHandler(io.Discard, nil))

// ParseLevel maps a config level name to a slog level. Unknown names mean
// info.
func ParseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Init sets the process logger: text lines with a short timestamp on out
// and, when logFile is set, appended to that file too. The returned closer
// releases the file.
func Init(out io.Writer, level string, logFile string) (io.Closer, error) {
	writers := []io.Writer{out}
	var closer io.Closer = nopCloser{}
	if logFile != "" {
		if err := os.MkdirAll(filepath.Dir(logFile), 0o700); err != nil {
			return nil, fmt.Errorf("log dir: %w", err)
		}
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		writers = append(writers, f)
		closer = f
	}

	handler := slog.NewTextHandler(io.MultiWriter(writers...), &slog.HandlerOptions{
		Level: ParseLevel(level),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.String("time", a.Value.Time().Format("15:04:05"))
			}
			return a
		},
	})

	Log = slog.New(handler)
	slog.SetDefault(Log)
	return closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// For returns the process logger tagged with a component name.
func For(component string) *slog.Logger {
	return Log.With("component", component)
}
