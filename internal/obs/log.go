package obs

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"lostfound.org/authcore/internal/config"
)

var (
	loggerMu sync.RWMutex
	logger   *slog.Logger
)

// NewLogger builds a structured logger from configuration.
// JSON is the default format; "text" is intended for local development.
func NewLogger(cfg config.LoggingConfig, version string) *slog.Logger {
	return newLogger(cfg, version, outputFor(cfg.Output))
}

func newLogger(cfg config.LoggingConfig, version string, output io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "text":
		handler = slog.NewTextHandler(output, opts)
	default:
		handler = slog.NewJSONHandler(output, opts)
	}
	handler = handler.WithAttrs([]slog.Attr{
		slog.String("service", "lostfound-auth"),
		slog.String("version", version),
	})
	return slog.New(handler)
}

// Logger returns the shared logger used across the service.
func Logger() *slog.Logger {
	loggerMu.RLock()
	l := logger
	loggerMu.RUnlock()
	if l != nil {
		return l
	}

	loggerMu.Lock()
	defer loggerMu.Unlock()
	if logger == nil {
		logger = newLogger(config.LoggingConfig{Level: "info", Format: "json"}, "dev", os.Stdout)
	}
	return logger
}

// SetLogger replaces the shared logger. Tests use it to capture output.
func SetLogger(l *slog.Logger) {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	logger = l
}

// NewWriterLogger returns a JSON logger writing to w at debug level.
func NewWriterLogger(w io.Writer) *slog.Logger {
	return newLogger(config.LoggingConfig{Level: "debug", Format: "json"}, "test", w)
}

func outputFor(name string) io.Writer {
	if strings.EqualFold(name, "stderr") {
		return os.Stderr
	}
	return os.Stdout
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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
