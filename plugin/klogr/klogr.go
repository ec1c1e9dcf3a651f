// Package klogr provides a plug-in kcons.Logger wrapping go-logr.
//
// This can be used like so:
//
//	c, err := kcons.NewConsumer(
//	        kcons.WithLogger(klogr.New(logger)),
//	        // ...other opts
//	)
//
// logr has no warn level: warnings log at V(0), info at V(1), and debug at
// V(2). Errors go through logr's Error, with the "err" keyval as the error.
package klogr

import (
	"github.com/go-logr/logr"

	"github.com/kcons/kcons/pkg/kcons"
)

// Logger provides the kcons.Logger interface for usage in kcons.WithLogger.
type Logger struct {
	lr logr.Logger
}

var _ kcons.Logger = (*Logger)(nil)

// New returns a new logger.
func New(lr logr.Logger) *Logger {
	return &Logger{lr}
}

// Level is for the kcons.Logger interface.
func (l *Logger) Level() kcons.LogLevel {
	switch {
	case l.lr.V(2).Enabled():
		return kcons.LogLevelDebug
	case l.lr.V(1).Enabled():
		return kcons.LogLevelInfo
	case l.lr.Enabled():
		return kcons.LogLevelWarn
	default:
		return kcons.LogLevelError
	}
}

// Log is for the kcons.Logger interface.
func (l *Logger) Log(level kcons.LogLevel, msg string, keyvals ...any) {
	switch level {
	case kcons.LogLevelError:
		var err error
		rest := make([]any, 0, len(keyvals))
		for i := 0; i+1 < len(keyvals); i += 2 {
			if e, ok := keyvals[i+1].(error); ok && keyvals[i] == "err" && err == nil {
				err = e
				continue
			}
			rest = append(rest, keyvals[i], keyvals[i+1])
		}
		l.lr.Error(err, msg, rest...)
	case kcons.LogLevelWarn:
		l.lr.Info(msg, keyvals...)
	case kcons.LogLevelInfo:
		l.lr.V(1).Info(msg, keyvals...)
	case kcons.LogLevelDebug:
		l.lr.V(2).Info(msg, keyvals...)
	}
}
