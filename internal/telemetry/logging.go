package telemetry

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig selects where and how the process logs.
type LogConfig struct {
	Dir    string
	File   string
	Level  string
	Format string // json or text
	Stderr bool   // tee to stderr as well as the rotated file
}

// newRotatingFile returns a rotated writer under dir: 10 MB per file, 3 backups, 28 days.
func newRotatingFile(dir, name string) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   filepath.Join(dir, name),
		MaxSize:    10,
		MaxBackups: 3,
		MaxAge:     28,
		Compress:   true,
	}
}

// InitLogger initializes structured logging with rotation. The returned
// cleanup closes the log file.
func InitLogger(cfg LogConfig) (*slog.Logger, func(), error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}
	dir := cfg.Dir
	if dir == "" {
		dir = "logs"
	}
	name := cfg.File
	if name == "" {
		name = "relaychat.log"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("failed to create logs directory: %w", err)
	}

	file := newRotatingFile(dir, name)
	var w io.Writer = file
	if cfg.Stderr {
		w = io.MultiWriter(file, os.Stderr)
	}

	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "", "json":
		h = slog.NewJSONHandler(w, opts)
	case "text":
		h = slog.NewTextHandler(w, opts)
	default:
		_ = file.Close()
		return nil, nil, fmt.Errorf("unknown log format: %s", cfg.Format)
	}

	logger := slog.New(h)
	slog.SetDefault(logger)

	cleanup := func() {
		_ = file.Close()
	}
	return logger, cleanup, nil
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level: %s", s)
	}
}
