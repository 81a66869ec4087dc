package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var (
	once   sync.Once
	logger *slog.Logger
)

// ParseLevel maps a configured level name to a slog level.
// Unknown names fall back to INFO.
func ParseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Setup initializes the global process logger (JSON on stdout).
func Setup(level string) {
	once.Do(func() {
		handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: ParseLevel(level)})
		logger = slog.New(handler)
		slog.SetDefault(logger)
	})
}

// Get returns the configured logger, or a default one if Setup hasn't been called.
func Get() *slog.Logger {
	if logger == nil {
		Setup("INFO")
	}
	return logger
}

// WithComponent returns a logger with the component field set.
func WithComponent(name string) *slog.Logger {
	return Get().With(slog.String("component", name))
}

// WithConnection returns a logger with the connection field set.
func WithConnection(list string) *slog.Logger {
	return Get().With(slog.String("connection", list))
}

// Sink is an append-only, line-oriented log stream dedicated to one connection.
type Sink struct {
	Logger *slog.Logger
	Path   string

	closer io.Closer
}

// Close releases the underlying file.
func (s *Sink) Close() error {
	if s == nil || s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

// OpenSink opens (or creates) <dir>/<name>.log in append mode and returns a
// JSON logger writing to it.
func OpenSink(dir, name, level string) (*Sink, error) {
	if name == "" {
		return nil, fmt.Errorf("sink name is empty")
	}
	if strings.ContainsAny(name, `/\`) {
		return nil, fmt.Errorf("sink name %q must not contain path separators", name)
	}
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	path := filepath.Join(dir, name+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log sink: %w", err)
	}

	return &Sink{
		Logger: NewSinkLogger(f, level).With(slog.String("connection", name)),
		Path:   path,
		closer: f,
	}, nil
}

// NewSinkLogger returns a JSON logger over w at the given level.
func NewSinkLogger(w io.Writer, level string) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)}))
}
