// Package logging provides the leveled logger used across takt. Messages are
// written to stderr and, when a run directory is attached, mirrored to a
// per-run log file. Secret material (API keys, tokens) is redacted before any
// sink sees it.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
)

// Logger is a printf-style leveled logger with secret redaction.
type Logger struct {
	mu     sync.Mutex
	std    *log.Logger
	file   *os.File
	prefix string
}

// New creates a Logger writing to stderr.
func New() *Logger {
	return &Logger{std: log.New(os.Stderr, "", log.LstdFlags)}
}

// NewWithWriter creates a Logger writing to the given writer (for testing).
func NewWithWriter(w io.Writer) *Logger {
	return &Logger{std: log.New(w, "", 0)}
}

// WithPrefix returns a logger that prepends the given tag to every message.
// The underlying sinks are shared with the parent.
func (l *Logger) WithPrefix(tag string) *Logger {
	return &Logger{std: l.std, file: l.file, prefix: tag}
}

// AttachFile mirrors subsequent log output to <dir>/takt.log. Best-effort:
// failure to open the file leaves stderr logging intact.
func (l *Logger) AttachFile(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, "takt.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		_ = l.file.Close()
	}
	l.file = f
	return nil
}

// Close releases the file sink if one is attached.
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

// Infof logs at INFO level.
func (l *Logger) Infof(format string, args ...interface{}) {
	l.emit("", format, args...)
}

// Warnf logs at WARNING level.
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.emit("Warning: ", format, args...)
}

// Errorf logs at ERROR level.
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.emit("Error: ", format, args...)
}

func (l *Logger) emit(level, format string, args ...interface{}) {
	msg := Redact(fmt.Sprintf(format, args...))
	if l.prefix != "" {
		msg = fmt.Sprintf("[%s] %s", l.prefix, msg)
	}
	l.std.Printf("%s%s", level, msg)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		fmt.Fprintf(l.file, "%s%s\n", level, msg)
	}
}
