// Package kslog provides a plug-in kcons.Logger wrapping slog.Logger.
//
// This can be used like so:
//
//	c, err := kcons.NewConsumer(
//	        kcons.WithLogger(kslog.New(slog.Default())),
//	        // ...other opts
//	)
package kslog

import (
	"context"
	"log/slog"

	"github.com/kcons/kcons/pkg/kcons"
)

// Logger provides the kcons.Logger interface for usage in kcons.WithLogger.
type Logger struct {
	sl *slog.Logger
}

var _ kcons.Logger = (*Logger)(nil)

// New returns a new kcons.Logger that wraps an slog.Logger.
func New(sl *slog.Logger) *Logger {
	return &Logger{sl}
}

// Level is for the kcons.Logger interface.
func (l *Logger) Level() kcons.LogLevel {
	ctx := context.Background()
	switch {
	case l.sl.Enabled(ctx, slog.LevelDebug):
		return kcons.LogLevelDebug
	case l.sl.Enabled(ctx, slog.LevelInfo):
		return kcons.LogLevelInfo
	case l.sl.Enabled(ctx, slog.LevelWarn):
		return kcons.LogLevelWarn
	case l.sl.Enabled(ctx, slog.LevelError):
		return kcons.LogLevelError
	default:
		return kcons.LogLevelNone
	}
}

// Log is for the kcons.Logger interface.
func (l *Logger) Log(level kcons.LogLevel, msg string, keyvals ...any) {
	if level == kcons.LogLevelNone {
		return
	}
	l.sl.Log(context.Background(), kconsToSlogLevel(level), msg, keyvals...)
}

func kconsToSlogLevel(level kcons.LogLevel) slog.Level {
	switch level {
	case kcons.LogLevelError:
		return slog.LevelError
	case kcons.LogLevelWarn:
		return slog.LevelWarn
	case kcons.LogLevelDebug:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}
