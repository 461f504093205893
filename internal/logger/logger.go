// Package logger builds the daemon's slog loggers: a main logger that fans
// out to the daemon log file and the console, and a separate jobs logger
// that receives captured child-process output.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

// ParseLevel maps a config string to a slog.Level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch s {
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

// New returns a logger writing to w in the given format ("json" or "text").
func New(w io.Writer, level slog.Level, format string) *slog.Logger {
	return slog.New(newHandler(w, level, format))
}

func newHandler(w io.Writer, level slog.Level, format string) slog.Handler {
	if format == "json" {
		return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	}
	return slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
}

// NewDaemon builds the main daemon logger. Records go to the log file in the
// configured format and, when stderr is a terminal, to the console through a
// tint handler. The returned closer releases the log file.
func NewDaemon(path string, level slog.Level, format string) (*slog.Logger, io.Closer, error) {
	f, err := OpenLogFile(path)
	if err != nil {
		return nil, nil, err
	}
	handlers := []slog.Handler{newHandler(f, level, format)}
	if isatty.IsTerminal(os.Stderr.Fd()) {
		handlers = append(handlers, tint.NewHandler(os.Stderr, &tint.Options{Level: level}))
	}
	return slog.New(fanoutHandler(handlers)), f, nil
}

// NewJobs builds the jobs logger: child-process output only, to its own
// file, never to the console.
func NewJobs(path string, format string) (*slog.Logger, io.Closer, error) {
	f, err := OpenLogFile(path)
	if err != nil {
		return nil, nil, err
	}
	return slog.New(newHandler(f, slog.LevelInfo, format)), f, nil
}

// OpenLogFile opens path for appending, creating parent directories.
func OpenLogFile(path string) (*os.File, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log directory %s: %w", dir, err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", path, err)
	}
	return f, nil
}
