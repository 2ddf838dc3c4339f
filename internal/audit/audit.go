// Copyright (c) Edgeless Systems GmbH
// SPDX-License-Identifier: GPL-3.0-only

// Package audit is a thin structured-event layer over the sidecar's one shared *slog.Logger
// (§4.10): per-request context as attributes, plus the path sanitizer that keeps query-param
// auth secrets out of every log line. It is not a separate logging stack — level filtering and
// the sink (stderr/stdout/file) are both inherited from the *slog.Logger it wraps, built by
// [github.com/darrylhansen/agent-keyhole-sub000/internal/logging.NewFromConfig].
package audit

import (
	"log/slog"
	"net/url"
	"strings"
	"time"
)

// Logger emits one structured event per call, using the event name as the slog message.
type Logger struct {
	sl *slog.Logger
}

// New wraps sl for audit event emission.
func New(sl *slog.Logger) *Logger {
	return &Logger{sl: sl}
}

// AuthFailure logs a rejected IPC request (invalid or missing one-time token). Matches the
// ipc.Server.OnAuthFailure callback signature.
func (l *Logger) AuthFailure(service string) {
	l.sl.Warn("auth.invalid_token", "service", service)
}

// Malformed logs a frame that failed to decode as a Request. Matches the
// ipc.Server.OnMalformed callback signature.
func (l *Logger) Malformed(err error) {
	l.sl.Warn("request.malformed", "error", err.Error())
}

// ConnError logs a connection-level failure (oversize frame, transport error). Matches the
// ipc.Server.OnConnError callback signature.
func (l *Logger) ConnError(err error) {
	l.sl.Error("connection.error", "error", err.Error())
}

// Unauthorized logs a request rejected by the multi-agent ACL (§4.7).
func (l *Logger) Unauthorized(agent, service string) {
	l.sl.Warn("auth.agent_unauthorized", "agent", agent, "service", service)
}

// Restarted logs a supervised sidecar respawn (§7).
func (l *Logger) Restarted(attempt int) {
	l.sl.Warn("sidecar.restarted", "attempt", attempt)
}

// RequestFields describes one completed (or failed) proxied request, for Request.
type RequestFields struct {
	Service         string
	Method          string
	Path            string
	Status          int
	Duration        time.Duration
	Redacted        bool
	RedactionLayers []string
	HeuristicKeys   []string
	Agent           string
	Err             error
}

// Request logs one completed proxied request. Status drives the slog level: 5xx logs as error,
// 4xx as warn, anything else as info.
func (l *Logger) Request(f RequestFields) {
	attrs := []any{
		"service", f.Service,
		"method", f.Method,
		"path", f.Path,
		"status", f.Status,
		"duration_ms", f.Duration.Milliseconds(),
		"redacted", f.Redacted,
	}
	if len(f.RedactionLayers) > 0 {
		attrs = append(attrs, "redaction_layers", f.RedactionLayers)
	}
	if len(f.HeuristicKeys) > 0 {
		attrs = append(attrs, "heuristic_keys", f.HeuristicKeys)
	}
	if f.Agent != "" {
		attrs = append(attrs, "agent", f.Agent)
	}
	if f.Err != nil {
		attrs = append(attrs, "error", f.Err.Error())
	}

	switch {
	case f.Status >= 500:
		l.sl.Error("request.completed", attrs...)
	case f.Status >= 400:
		l.sl.Warn("request.completed", attrs...)
	default:
		l.sl.Info("request.completed", attrs...)
	}
}

// SanitizePath strips a query-param-auth secret out of path before it reaches a log line. When
// paramName is empty (the service does not use query-param auth), path is returned unchanged. A
// path that fails to parse as a URL is truncated at the first "?" and marked, rather than logged
// verbatim.
func SanitizePath(path, paramName string) string {
	if paramName == "" {
		return path
	}

	u, err := url.Parse(path)
	if err != nil {
		if i := strings.IndexByte(path, '?'); i >= 0 {
			return path[:i] + "?[query redacted]"
		}
		return path
	}

	q := u.Query()
	q.Del(paramName)
	u.RawQuery = q.Encode()
	return u.String()
}
