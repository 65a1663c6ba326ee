// Package logging configures the process-wide slog logger for the gateway.
package logging

import (
	"io"
	"log/slog"
	"os"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	globalLogger *slog.Logger
	globalMu     sync.RWMutex

	// logWriter holds the rotating file writer (if any) for cleanup.
	logWriter   io.WriteCloser
	logWriterMu sync.Mutex
)

// Config holds logging configuration.
type Config struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string
	// JSON enables JSON output format.
	JSON bool
	// File is an optional path; when set, logs are also written there with rotation.
	File string
	// MaxSizeMB is the rotation threshold for File. Default: 10MB.
	MaxSizeMB int
	// MaxBackups is the number of rotated files to keep. Default: 3.
	MaxBackups int
}

// Initialize sets up the global logger and installs it as the slog default.
func Initialize(cfg Config) error {
	logWriterMu.Lock()
	defer logWriterMu.Unlock()

	var out io.Writer = os.Stderr
	if cfg.File != "" {
		maxSize := cfg.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 10
		}
		maxBackups := cfg.MaxBackups
		if maxBackups <= 0 {
			maxBackups = 3
		}
		lj := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    maxSize,
			MaxBackups: maxBackups,
		}
		if logWriter != nil {
			_ = logWriter.Close()
		}
		logWriter = lj
		out = io.MultiWriter(os.Stderr, lj)
	}

	logger := slog.New(newHandler(out, parseLevel(cfg.Level), cfg.JSON))

	globalMu.Lock()
	globalLogger = logger
	globalMu.Unlock()

	slog.SetDefault(logger)
	return nil
}

func newHandler(w io.Writer, level slog.Level, json bool) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if json {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// Get returns the global logger, or slog.Default() before Initialize.
func Get() *slog.Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	if globalLogger == nil {
		return slog.Default()
	}
	return globalLogger
}

// WithComponent returns a logger tagged with a component attribute.
func WithComponent(component string) *slog.Logger {
	return Get().With("component", component)
}

// WithClient returns a child logger carrying the client and session instance ids.
func WithClient(base *slog.Logger, clientID, sessionID string) *slog.Logger {
	if base == nil {
		return nil
	}
	if sessionID == "" {
		return base.With("client_id", clientID)
	}
	return base.With("client_id", clientID, "session_id", sessionID)
}

// Close releases the rotating log file if one was opened.
func Close() error {
	logWriterMu.Lock()
	defer logWriterMu.Unlock()
	if logWriter != nil {
		err := logWriter.Close()
		logWriter = nil
		return err
	}
	return nil
}

func parseLevel(level string) slog.Level {
	switch level {
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
