// Package kgokit provides a plug-in kcons.Logger wrapping a go-kit log.Logger.
//
// This can be used like so:
//
//	c, err := kcons.NewConsumer(
//	        kcons.WithLogger(kgokit.New(logger)),
//	        // ...other opts
//	)
package kgokit

import (
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/kcons/kcons/pkg/kcons"
)

// Logger provides the kcons.Logger interface for usage in kcons.WithLogger.
type Logger struct {
	logger log.Logger
	level  kcons.LogLevel
}

var _ kcons.Logger = (*Logger)(nil)

// New returns a logger that tags every line with component=kafka_consumer.
//
// go-kit loggers cannot report which levels they filter, so Level reports
// LogLevelInfo unless overridden with WithLevel; the go-kit level filter
// still applies to everything logged.
func New(l log.Logger) *Logger {
	return &Logger{
		logger: log.With(l, "component", "kafka_consumer"),
		level:  kcons.LogLevelInfo,
	}
}

// WithLevel returns a copy of l reporting level from Level.
func (l *Logger) WithLevel(level kcons.LogLevel) *Logger {
	return &Logger{logger: l.logger, level: level}
}

// Level is for the kcons.Logger interface.
func (l *Logger) Level() kcons.LogLevel { return l.level }

// Log is for the kcons.Logger interface.
func (l *Logger) Log(lev kcons.LogLevel, msg string, keyvals ...any) {
	keyvals = append([]any{"msg", msg}, keyvals...)
	switch lev {
	case kcons.LogLevelDebug:
		level.Debug(l.logger).Log(keyvals...)
	case kcons.LogLevelInfo:
		level.Info(l.logger).Log(keyvals...)
	case kcons.LogLevelWarn:
		level.Warn(l.logger).Log(keyvals...)
	case kcons.LogLevelError:
		level.Error(l.logger).Log(keyvals...)
	}
}
