// Copyright (c) Omni Directory Contributors.
// Licensed under the MIT license.

// Package logger provides the leveled logging hook used by the library. Logging is
// reserved for absorbed failures (degraded discovery, best-effort legacy cache
// writes); nothing on a cache hit path logs.
package logger

import (
	"context"
	"log/slog"
)

type Level string

const (
	Info  Level = "info"
	Err   Level = "error"
	Warn  Level = "warn"
	Debug Level = "debug"
)

// LoggerInterface defines the methods that a logger should implement.
type LoggerInterface interface {
	Log(ctx context.Context, level Level, message string, fields ...any)
}

type slogAdapter struct {
	logger *slog.Logger
}

func (s slogAdapter) Log(ctx context.Context, level Level, message string, fields ...any) {
	switch level {
	case Err:
		s.logger.ErrorContext(ctx, message, fields...)
	case Warn:
		s.logger.WarnContext(ctx, message, fields...)
	case Debug:
		s.logger.DebugContext(ctx, message, fields...)
	default:
		s.logger.InfoContext(ctx, message, fields...)
	}
}

// New wraps a *slog.Logger. A nil logger wraps slog.Default().
func New(slogLogger *slog.Logger) LoggerInterface {
	if slogLogger == nil {
		return slogAdapter{logger: slog.Default()}
	}
	return slogAdapter{logger: slogLogger}
}

type nopLogger struct{}

func (nopLogger) Log(ctx context.Context, level Level, message string, fields ...any) {}

// Nop returns a logger that discards everything.
func Nop() LoggerInterface {
	return nopLogger{}
}

// Field creates a structured logging field for any value.
func Field(key string, value any) any {
	return slog.Any(key, value)
}
