package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Config controls where and how verbosely amanidx logs.
type Config struct {
	// Level is one of debug, info, warn, error.
	Level string
	// FilePath enables the rotating file sink when non-empty.
	FilePath string
	// MaxSizeMB triggers rotation of the file sink.
	MaxSizeMB int
	// MaxFiles is how many rotated files are kept.
	MaxFiles int
	// WriteToStderr tees every record to stderr.
	WriteToStderr bool
}

// DefaultConfig returns stderr-only logging at info level.
func DefaultConfig() Config {
	return Config{
		Level:         "info",
		MaxSizeMB:     10,
		MaxFiles:      5,
		WriteToStderr: true,
	}
}

// DebugConfig returns debug-level logging to ~/.amanidx/logs/server.log and stderr.
func DebugConfig() Config {
	cfg := DefaultConfig()
	cfg.Level = "debug"
	cfg.FilePath = DefaultLogPath()
	return cfg
}

// Setup builds a JSON slog logger for cfg. The returned cleanup flushes and
// closes the file sink and is always safe to call.
func Setup(cfg Config) (*slog.Logger, func(), error) {
	var (
		sinks   []io.Writer
		cleanup = func() {}
	)

	if cfg.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log directory: %w", err)
		}
		w, err := NewRotatingWriter(cfg.FilePath, cfg.MaxSizeMB, cfg.MaxFiles)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, w)
		cleanup = func() {
			_ = w.Sync()
			_ = w.Close()
		}
	}
	if cfg.WriteToStderr || len(sinks) == 0 {
		sinks = append(sinks, os.Stderr)
	}

	handler := slog.NewJSONHandler(io.MultiWriter(sinks...), &slog.HandlerOptions{
		Level: ParseLevel(cfg.Level),
	})
	return slog.New(handler), cleanup, nil
}

// ParseLevel maps a level name to slog.Level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
