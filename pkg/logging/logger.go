// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package logging provides structured logging for Armada components.
//
// The package is a thin layer over Go's standard library slog package.
// Every orchestration component receives a *Logger at construction time
// and tags its output with a "component" attribute, so logs from many
// concurrently running supervisors, monitors, and pools can be filtered
// in aggregated systems.
//
// # Basic Usage
//
//	logger := logging.Default()
//	logger.Info("agent started", "agent_id", id)
//	logger.Error("probe failed", "agent_id", id, "error", err)
//
// # Log Levels
//
// Four levels are supported, matching slog conventions:
//
//   - Debug: Development troubleshooting, verbose output
//   - Info: Normal operations (agent start/stop, state changes)
//   - Warn: Recoverable issues (probe timeouts, forced kills)
//   - Error: Operation failures (but the system continues)
//
// # Thread Safety
//
// Logger is safe for concurrent use.
package logging

import (
	"io"
	"log/slog"
	"os"
)

// Level represents log severity levels.
//
// Levels follow the slog convention and are ordered by severity:
// Debug < Info < Warn < Error. Setting a minimum level filters out
// all logs below that level.
type Level int

const (
	// LevelDebug is for development troubleshooting.
	LevelDebug Level = iota

	// LevelInfo is for normal operational messages.
	LevelInfo

	// LevelWarn is for potentially problematic situations.
	LevelWarn

	// LevelError is for error conditions.
	LevelError
)

// String returns the human-readable name of the level.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// toSlogLevel converts our Level to slog.Level.
func (l Level) toSlogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelInfo:
		return slog.LevelInfo
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config configures the Logger behavior.
//
// All fields have sensible defaults. A zero-value Config creates a logger
// that writes Info+ messages to stderr in text format.
type Config struct {
	// Level sets the minimum log level.
	// Messages below this level are discarded. Default: LevelInfo.
	Level Level

	// Service identifies the component generating logs.
	//
	// The value is included in every log entry as the "service" attribute.
	// Recommended values: "armada", "supervisor", "pool", "health".
	// Default: "" (no service attribute).
	Service string

	// JSON enables JSON output format.
	//
	// When true, logs are formatted as JSON objects (machine-parseable).
	// When false, logs are formatted as human-readable text.
	// Default: false.
	JSON bool

	// Output overrides the destination writer.
	//
	// Tests inject a bytes.Buffer here. Default: os.Stderr.
	Output io.Writer
}

// Logger is a structured logger for Armada components.
//
// # Thread Safety
//
// Safe for concurrent use; the underlying slog.Logger is thread-safe.
type Logger struct {
	slog *slog.Logger
}

// New creates a Logger from the given configuration.
//
// # Inputs
//
//   - config: Logger configuration. Zero value is valid.
//
// # Outputs
//
//   - *Logger: Ready-to-use logger. Never nil.
func New(config Config) *Logger {
	out := config.Output
	if out == nil {
		out = os.Stderr
	}

	opts := &slog.HandlerOptions{Level: config.Level.toSlogLevel()}

	var handler slog.Handler
	if config.JSON {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	logger := slog.New(handler)
	if config.Service != "" {
		logger = logger.With(slog.String("service", config.Service))
	}

	return &Logger{slog: logger}
}

// Default returns a logger with default configuration
// (Info level, stderr, text format).
func Default() *Logger {
	return New(Config{})
}

// Debug logs at debug level with optional key-value pairs.
func (l *Logger) Debug(msg string, args ...any) {
	l.slog.Debug(msg, args...)
}

// Info logs at info level with optional key-value pairs.
func (l *Logger) Info(msg string, args ...any) {
	l.slog.Info(msg, args...)
}

// Warn logs at warn level with optional key-value pairs.
func (l *Logger) Warn(msg string, args ...any) {
	l.slog.Warn(msg, args...)
}

// Error logs at error level with optional key-value pairs.
func (l *Logger) Error(msg string, args ...any) {
	l.slog.Error(msg, args...)
}

// With returns a logger that includes the given attributes in every entry.
//
// # Example
//
//	poolLog := logger.With("component", "pool", "pool", name)
func (l *Logger) With(args ...any) *Logger {
	return &Logger{slog: l.slog.With(args...)}
}

// Slog returns the underlying slog.Logger for interoperability with
// libraries that accept one directly.
func (l *Logger) Slog() *slog.Logger {
	return l.slog
}
