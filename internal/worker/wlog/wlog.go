// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package wlog provides the worker agent's structured logging setup: a
// slog handler configured from the environment, field-key conventions
// shared across components, and a redacting wrapper that keeps credential
// material out of both the local log file and the events streamed to the
// dispatch service's log sink.
package wlog

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Format selects the on-disk/console encoding of log records.
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// Field-key constants used consistently across the worker's log output so
// that log consumers (including the uploaded log stream) can key off them.
const (
	WorkerIDKey  = "worker_id"
	FleetIDKey   = "fleet_id"
	QueueIDKey   = "queue_id"
	SessionIDKey = "session_id"
	ActionIDKey  = "action_id"
	OperationKey = "operation"
	DurationKey  = "duration_ms"
	ErrorKey     = "error"
)

// Config controls how the root logger is constructed.
type Config struct {
	Level     slog.Level
	Format    Format
	Output    *os.File
	AddSource bool
}

// DefaultConfig returns the worker agent's baseline logging configuration:
// info level, JSON output to stdout (captured by the detached process's
// log file), no source locations.
func DefaultConfig() Config {
	return Config{
		Level:  slog.LevelInfo,
		Format: FormatJSON,
		Output: os.Stdout,
	}
}

// FromEnv builds a Config from WORKER_AGENT_LOG_LEVEL, WORKER_AGENT_LOG_FORMAT,
// and WORKER_AGENT_LOG_SOURCE, falling back to DefaultConfig for anything unset.
func FromEnv() Config {
	cfg := DefaultConfig()

	if v := os.Getenv("WORKER_AGENT_LOG_LEVEL"); v != "" {
		cfg.Level = parseLevel(v)
	}
	if v := os.Getenv("WORKER_AGENT_LOG_FORMAT"); v != "" {
		switch strings.ToLower(v) {
		case "text":
			cfg.Format = FormatText
		default:
			cfg.Format = FormatJSON
		}
	}
	if v := os.Getenv("WORKER_AGENT_LOG_SOURCE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.AddSource = b
		}
	}

	return cfg
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "trace", "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds the root *slog.Logger for the given configuration, wrapping
// the base handler in a redactingHandler so that credential-shaped values
// never reach the sink.
func New(cfg Config) *slog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}

	opts := &slog.HandlerOptions{
		Level:     cfg.Level,
		AddSource: cfg.AddSource,
	}

	var base slog.Handler
	switch cfg.Format {
	case FormatText:
		base = slog.NewTextHandler(out, opts)
	default:
		base = slog.NewJSONHandler(out, opts)
	}

	return slog.New(&redactingHandler{next: base})
}

// WithWorker returns a logger annotated with the worker's identity.
func WithWorker(logger *slog.Logger, fleetID, workerID string) *slog.Logger {
	return logger.With(slog.String(FleetIDKey, fleetID), slog.String(WorkerIDKey, workerID))
}

// WithSession returns a logger annotated with a session's identity.
func WithSession(logger *slog.Logger, queueID, sessionID string) *slog.Logger {
	return logger.With(slog.String(QueueIDKey, queueID), slog.String(SessionIDKey, sessionID))
}

// WithAction returns a logger annotated with an action's identity.
func WithAction(logger *slog.Logger, actionID string) *slog.Logger {
	return logger.With(slog.String(ActionIDKey, actionID))
}

// redactingHandler wraps a base slog.Handler and masks attribute values
// whose key suggests they hold credential material.
type redactingHandler struct {
	next slog.Handler
}

func (h *redactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *redactingHandler) Handle(ctx context.Context, record slog.Record) error {
	redacted := slog.NewRecord(record.Time, record.Level, record.Message, record.PC)
	record.Attrs(func(a slog.Attr) bool {
		redacted.AddAttrs(redactAttr(a))
		return true
	})
	return h.next.Handle(ctx, redacted)
}

func (h *redactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		out[i] = redactAttr(a)
	}
	return &redactingHandler{next: h.next.WithAttrs(out)}
}

func (h *redactingHandler) WithGroup(name string) slog.Handler {
	return &redactingHandler{next: h.next.WithGroup(name)}
}

func redactAttr(a slog.Attr) slog.Attr {
	key := strings.ToLower(a.Key)
	if strings.Contains(key, "secret") || strings.Contains(key, "password") ||
		strings.Contains(key, "token") || strings.Contains(key, "access_key") ||
		strings.Contains(key, "session_token") {
		return slog.String(a.Key, "[REDACTED]")
	}
	if a.Value.Kind() == slog.KindString {
		return slog.String(a.Key, SanitizeAWSKey(a.Value.String()))
	}
	return a
}

// SanitizeAWSKey masks AWS-shaped access key IDs (AKIA followed by 16
// alphanumeric characters) that may have leaked into a free-form string,
// e.g. an upstream error message.
func SanitizeAWSKey(s string) string {
	const prefix = "AKIA"
	idx := strings.Index(s, prefix)
	if idx < 0 || idx+20 > len(s) {
		return s
	}
	candidate := s[idx : idx+20]
	for _, r := range candidate[4:] {
		if !((r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			return s
		}
	}
	return s[:idx] + "AKIA****" + s[idx+20:]
}
