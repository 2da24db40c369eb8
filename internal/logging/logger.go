// Package logging configures the structured application logger.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// Logger owns the slog handler and the application log file backing log
// export. It is created once by the application and closed on shutdown.
type Logger struct {
	*slog.Logger

	mu   sync.Mutex
	path string
	file *os.File
}

// ParseLevel maps "debug", "info", "warn", "error" to a slog level,
// defaulting to info.
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

// New creates a logger writing to stdout and, when path is set, appending
// to the log file at path. format is "json" or "text".
func New(level, format, path string) (*Logger, error) {
	l := &Logger{path: path}

	var w io.Writer = os.Stdout
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		l.file = f
		w = io.MultiWriter(os.Stdout, f)
	}

	l.Logger = slog.New(newHandler(w, level, format))
	slog.SetDefault(l.Logger)
	return l, nil
}

func newHandler(w io.Writer, level, format string) slog.Handler {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	if format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// Export copies the current log file contents to w.
func (l *Logger) Export(w io.Writer) (int64, error) {
	if l.path == "" {
		return 0, fmt.Errorf("no log file configured")
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		if err := l.file.Sync(); err != nil {
			return 0, fmt.Errorf("failed to flush log file: %w", err)
		}
	}

	f, err := os.Open(l.path)
	if err != nil {
		return 0, fmt.Errorf("failed to open log file: %w", err)
	}
	defer f.Close()

	n, err := io.Copy(w, f)
	if err != nil {
		return n, fmt.Errorf("failed to export logs: %w", err)
	}
	return n, nil
}

// Close releases the log file. Safe to call more than once.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
