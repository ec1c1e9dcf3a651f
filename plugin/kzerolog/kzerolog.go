// Package kzerolog provides a plug-in kcons.Logger wrapping zerolog.Logger.
//
// This can be used like so:
//
//	c, err := kcons.NewConsumer(
//	        kcons.WithLogger(kzerolog.New(&logger)),
//	        // ...other opts
//	)
package kzerolog

import (
	"github.com/rs/zerolog"

	"github.com/kcons/kcons/pkg/kcons"
)

// Logger provides the kcons.Logger interface for usage in kcons.WithLogger.
type Logger struct {
	zl *zerolog.Logger
}

var _ kcons.Logger = (*Logger)(nil)

// New returns a new logger.
func New(zl *zerolog.Logger) *Logger {
	return &Logger{zl}
}

// Level is for the kcons.Logger interface.
func (l *Logger) Level() kcons.LogLevel {
	switch l.zl.GetLevel() {
	case zerolog.ErrorLevel, zerolog.PanicLevel, zerolog.FatalLevel:
		return kcons.LogLevelError
	case zerolog.WarnLevel:
		return kcons.LogLevelWarn
	case zerolog.InfoLevel:
		return kcons.LogLevelInfo
	case zerolog.TraceLevel, zerolog.DebugLevel:
		return kcons.LogLevelDebug
	default:
		return kcons.LogLevelNone
	}
}

// Log is for the kcons.Logger interface.
func (l *Logger) Log(level kcons.LogLevel, msg string, keyvals ...any) {
	if level == kcons.LogLevelNone {
		return
	}
	l.zl.WithLevel(logLevelToZerolog(level)).Fields(keyvals).Msg(msg)
}

func logLevelToZerolog(level kcons.LogLevel) zerolog.Level {
	switch level {
	case kcons.LogLevelError:
		return zerolog.ErrorLevel
	case kcons.LogLevelWarn:
		return zerolog.WarnLevel
	case kcons.LogLevelInfo:
		return zerolog.InfoLevel
	default:
		return zerolog.DebugLevel
	}
}
