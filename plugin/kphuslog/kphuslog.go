// Package kphuslog provides a plug-in kcons.Logger wrapping a phuslu/log
// Logger.
//
// This can be used like so:
//
//	c, err := kcons.NewConsumer(
//	        kcons.WithLogger(kphuslog.New(&log.DefaultLogger)),
//	        // ...other opts
//	)
package kphuslog

import (
	"github.com/phuslu/log"

	"github.com/kcons/kcons/pkg/kcons"
)

// Logger provides the kcons.Logger interface for usage in kcons.WithLogger.
type Logger struct {
	pl *log.Logger
}

var _ kcons.Logger = (*Logger)(nil)

// New returns a new logger.
func New(pl *log.Logger) *Logger {
	return &Logger{pl}
}

// Level is for the kcons.Logger interface.
func (l *Logger) Level() kcons.LogLevel {
	switch l.pl.Level {
	case log.ErrorLevel, log.PanicLevel, log.FatalLevel:
		return kcons.LogLevelError
	case log.WarnLevel:
		return kcons.LogLevelWarn
	case log.InfoLevel:
		return kcons.LogLevelInfo
	case log.TraceLevel, log.DebugLevel:
		return kcons.LogLevelDebug
	default:
		return kcons.LogLevelNone
	}
}

// Log is for the kcons.Logger interface.
func (l *Logger) Log(level kcons.LogLevel, msg string, keyvals ...any) {
	var e *log.Entry
	switch level {
	case kcons.LogLevelError:
		e = l.pl.Error()
	case kcons.LogLevelWarn:
		e = l.pl.Warn()
	case kcons.LogLevelInfo:
		e = l.pl.Info()
	case kcons.LogLevelDebug:
		e = l.pl.Debug()
	default:
		return
	}
	// Entries below the logger's level are nil and safe to use.
	e.KeysAndValues(keyvals...).Msg(msg)
}
