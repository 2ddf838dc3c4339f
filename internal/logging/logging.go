// Copyright (c) Edgeless Systems GmbH
// SPDX-License-Identifier: GPL-3.0-only

// Package logging sets up the sidecar's and agent SDK's shared *slog.Logger: a JSON handler
// writing to stderr by default, or an optionally rotated file.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/darrylhansen/agent-keyhole-sub000/internal/config"
)

// Flag and FlagShorthand are the cobra flag names cmd/keyhole-sidecar registers for the log
// level.
const (
	Flag             = "log-level"
	FlagShorthand    = "l"
	DefaultFlagValue = "info"
	// FlagInfo is the info string for the log level flag.
	FlagInfo = "set logging level (debug, info, warn, error, or a number)"
)

// NewLogger returns a *slog.Logger at logLevel, writing JSON to stderr.
func NewLogger(logLevel string) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: LevelFromString(logLevel, slog.LevelInfo),
	}))
}

// NewFileLogger returns a *slog.Logger at logLevel, writing JSON to a rotated file at filename
// (and additionally to out, when out is non-nil).
func NewFileLogger(logLevel, filename string, out io.Writer) *slog.Logger {
	writer := &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    100,
		MaxBackups: 2,
		MaxAge:     14,
		Compress:   false,
		LocalTime:  false,
	}
	var w io.Writer = writer
	if out != nil {
		w = io.MultiWriter(writer, out)
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: LevelFromString(logLevel, slog.LevelInfo),
	}))
}

// nopCloser satisfies io.Closer for sinks the Logger does not own.
type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// NewFromConfig builds the process-wide *slog.Logger from a LoggingConfig (§6, §4.10): sink
// "stderr" (default) or "stdout" writes JSON directly; sink "file" additionally rotates via
// lumberjack and returns a Closer the caller must close on shutdown.
func NewFromConfig(cfg config.LoggingConfig) (*slog.Logger, io.Closer, error) {
	opts := &slog.HandlerOptions{Level: LevelFromString(cfg.Level, slog.LevelInfo)}

	switch cfg.Sink {
	case "", "stderr":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nopCloser{}, nil
	case "stdout":
		return slog.New(slog.NewJSONHandler(os.Stdout, opts)), nopCloser{}, nil
	case "file":
		if cfg.Path == "" {
			return nil, nil, fmt.Errorf("logging: file sink requires a path")
		}
		lj := &lumberjack.Logger{
			Filename:   cfg.Path,
			MaxSize:    100,
			MaxBackups: 2,
			MaxAge:     14,
			Compress:   false,
			LocalTime:  false,
		}
		return slog.New(slog.NewJSONHandler(lj, opts)), lj, nil
	default:
		return nil, nil, fmt.Errorf("logging: unknown sink %q", cfg.Sink)
	}
}

// LevelFromString converts a level name ("debug", "info", "warn", "error", or a bare number) to a
// slog.Level, falling back to fallback for anything unrecognized.
func LevelFromString(s string, fallback slog.Level) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "", "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		n, err := strconv.Atoi(s)
		if err != nil {
			return fallback
		}
		return slog.Level(n)
	}
}
