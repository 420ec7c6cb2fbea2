// Package log provides structured logging utilities for the ptsminer process.
// It wraps the standard library's slog package with mining-specific helpers.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger wraps slog.Logger with additional context and convenience methods
type Logger struct {
	*slog.Logger
	service string
	version string
}

// Options controls where and how log records are written.
type Options struct {
	Level  string
	Format string
	// File, when set, mirrors every record into a size-rotated log file.
	File       string
	MaxSizeMB  int
	MaxBackups int
}

// New creates a new logger writing to stdout
func New(service, version, level, format string) *Logger {
	return NewWithOptions(service, version, Options{Level: level, Format: format})
}

// NewWithOptions creates a logger, optionally teeing output into a rotated file.
func NewWithOptions(service, version string, opts Options) *Logger {
	var out io.Writer = os.Stdout
	if opts.File != "" {
		maxSize := opts.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 50
		}
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    maxSize,
			MaxBackups: opts.MaxBackups,
			Compress:   true,
		})
	}
	return newLogger(service, version, opts.Level, opts.Format, out)
}

// NewDiscard returns a logger that drops everything. Used by tests.
func NewDiscard() *Logger {
	return newLogger("test", "dev", "error", "text", io.Discard)
}

func newLogger(service, version, level, format string, out io.Writer) *Logger {
	var handler slog.Handler

	handlerOpts := &slog.HandlerOptions{
		Level:     parseLevel(level),
		AddSource: parseLevel(level) == slog.LevelDebug,
	}

	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(out, handlerOpts)
	default:
		// operators mostly watch the miner in a terminal
		handler = slog.NewTextHandler(out, handlerOpts)
	}

	baseLogger := slog.New(handler).With(
		"service", service,
		"version", version,
	)

	return &Logger{
		Logger:  baseLogger,
		service: service,
		version: version,
	}
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

// WithContext returns a logger with additional context fields
func (l *Logger) WithContext(ctx context.Context) *Logger {
	logger := l.Logger

	if deviceID := ctx.Value("device_index"); deviceID != nil {
		logger = logger.With("device_index", deviceID)
	}

	return &Logger{
		Logger:  logger,
		service: l.service,
		version: l.version,
	}
}

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{
		Logger:  l.With(fields...),
		service: l.service,
		version: l.version,
	}
}

// WithComponent returns a logger with a component field
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields("component", component)
}

// WithDevice returns a logger tagged with a compute device
func (l *Logger) WithDevice(index int, name string) *Logger {
	return l.WithFields("device_index", index, "device_name", name)
}

// WithAccount returns a logger tagged with the payout account in use
func (l *Logger) WithAccount(worker string, developer bool) *Logger {
	return l.WithFields("worker_name", worker, "developer", developer)
}

// WithError returns a logger with error context
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithFields("error", err.Error())
}

// LogDuration logs the duration of an operation
func (l *Logger) LogDuration(operation string, duration int64) {
	l.Debug("operation completed",
		"operation", operation,
		"duration_ns", duration,
		"duration_ms", float64(duration)/1e6,
	)
}

// LogConnection logs pool connection events
func (l *Logger) LogConnection(event, remoteAddr string) {
	l.Info("connection event",
		"event", event,
		"remote_addr", remoteAddr,
	)
}

// LogPoolMessage logs pool protocol lines (debug level)
func (l *Logger) LogPoolMessage(direction, message string) {
	l.Debug("pool message",
		"direction", direction,
		"message", message,
	)
}

// LogShareFound logs a share that met the share target
func (l *Logger) LogShareFound(nonceA, nonceB, height uint32) {
	l.Info("share found",
		"nonce_a", nonceA,
		"nonce_b", nonceB,
		"block_height", height,
	)
}

// LogMiningRate logs the periodic collision/table/share summary
func (l *Logger) LogMiningRate(collisionsPerMin, errorPct, tablesPerMin float64, total, valid, invalid uint64, sharesPerHour float64) {
	fields := []any{
		"collisions_per_min", collisionsPerMin,
		"error_pct", errorPct,
		"tables_per_min", tablesPerMin,
		"shares_total", total,
		"shares_valid", valid,
		"shares_invalid", invalid,
	}
	if sharesPerHour > 0 {
		fields = append(fields, "shares_per_hour", sharesPerHour)
	}
	l.Info("mining rate", fields...)
}
