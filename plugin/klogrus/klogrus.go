// Package klogrus provides a plug-in kcons.Logger wrapping a logrus logger.
//
// This can be used like so:
//
//	c, err := kcons.NewConsumer(
//	        kcons.WithLogger(klogrus.New(logrus.StandardLogger())),
//	        // ...other opts
//	)
package klogrus

import (
	"github.com/sirupsen/logrus"

	"github.com/kcons/kcons/pkg/kcons"
)

// Logger provides the kcons.Logger interface for usage in kcons.WithLogger.
type Logger struct {
	lr *logrus.Logger
}

var _ kcons.Logger = (*Logger)(nil)

// New returns a new Logger.
func New(lr *logrus.Logger) *Logger {
	return &Logger{lr}
}

// Level is for the kcons.Logger interface.
func (l *Logger) Level() kcons.LogLevel {
	return logrusToKconsLevel(l.lr.GetLevel())
}

// Log is for the kcons.Logger interface.
func (l *Logger) Log(level kcons.LogLevel, msg string, keyvals ...any) {
	logrusLevel, ok := kconsToLogrusLevel(level)
	if !ok {
		return
	}
	fields := make(logrus.Fields, len(keyvals)/2)
	for i := 0; i+1 < len(keyvals); i += 2 {
		k, _ := keyvals[i].(string)
		fields[k] = keyvals[i+1]
	}
	l.lr.WithFields(fields).Log(logrusLevel, msg)
}

func kconsToLogrusLevel(level kcons.LogLevel) (logrus.Level, bool) {
	switch level {
	case kcons.LogLevelError:
		return logrus.ErrorLevel, true
	case kcons.LogLevelWarn:
		return logrus.WarnLevel, true
	case kcons.LogLevelInfo:
		return logrus.InfoLevel, true
	case kcons.LogLevelDebug:
		return logrus.DebugLevel, true
	}
	return logrus.TraceLevel, false
}

func logrusToKconsLevel(level logrus.Level) kcons.LogLevel {
	switch level {
	case logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel:
		return kcons.LogLevelError
	case logrus.WarnLevel:
		return kcons.LogLevelWarn
	case logrus.InfoLevel:
		return kcons.LogLevelInfo
	case logrus.DebugLevel, logrus.TraceLevel:
		return kcons.LogLevelDebug
	default:
		return kcons.LogLevelNone
	}
}
