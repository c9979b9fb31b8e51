package runtime

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/loqalabs/orator/internal/config"
	"gopkg.in/natefinch/lumberjack.v2"
)

func parseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("invalid log level %q", level)
}

// NewLogger builds the process logger from the telemetry section. When a log
// file is configured, output is rotated by size and the returned closer
// releases the file; otherwise it is a no-op.
func NewLogger(cfg config.TelemetryConfig, stdout io.Writer) (*slog.Logger, io.Closer, error) {
	level, err := parseLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	if stdout == nil {
		stdout = os.Stdout
	}

	var (
		out    = stdout
		closer io.Closer = nopCloser{}
	)
	if path := strings.TrimSpace(cfg.LogFile); path != "" {
		rotator := &lumberjack.Logger{
			Filename:   path,
			MaxSize:    cfg.LogMaxSizeMB,
			MaxBackups: cfg.LogMaxBackups,
			Compress:   true,
		}
		out = io.MultiWriter(stdout, rotator)
		closer = rotator
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.LogFormat == "text" {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}
	return slog.New(handler), closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
