// Package kzap provides a plug-in kcons.Logger wrapping uber's zap.
//
// This can be used like so:
//
//	c, err := kcons.NewConsumer(
//	        kcons.WithLogger(kzap.New(zapLogger)),
//	        // ...other opts
//	)
//
// By default, the logger chooses the highest level possible that is enabled on
// the zap logger, and then sticks with that level forever. A variable level
// can be chosen by specifying the LevelFn option.
//
// Every message from a consumer carries a facility (CGRP, FETCH, COMMIT, or
// CONSUMER). By default the facility is logged as a field; the NamedFacility
// option instead logs each facility through a named child logger.
package kzap

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/kcons/kcons/pkg/kcons"
)

// Logger provides the kcons.Logger interface for usage in kcons.WithLogger.
type Logger struct {
	zl *zap.Logger

	levelFn func() kcons.LogLevel

	named    bool
	children sync.Map // facility => *zap.Logger
}

var _ kcons.Logger = (*Logger)(nil)

// New returns a new logger that by default forever logs at the highest level
// enabled in the zap logger.
func New(zl *zap.Logger, opts ...Opt) *Logger {
	static := kcons.LogLevelError
	switch {
	case zl.Core().Enabled(zapcore.DebugLevel):
		static = kcons.LogLevelDebug
	case zl.Core().Enabled(zapcore.InfoLevel):
		static = kcons.LogLevelInfo
	case zl.Core().Enabled(zapcore.WarnLevel):
		static = kcons.LogLevelWarn
	}
	l := &Logger{
		zl:      zl,
		levelFn: func() kcons.LogLevel { return static },
	}
	for _, opt := range opts {
		opt.apply(l)
	}
	return l
}

// Opt applies options to the logger.
type Opt interface {
	apply(*Logger)
}

type opt struct{ fn func(*Logger) }

func (o opt) apply(l *Logger) { o.fn(l) }

// LevelFn sets a function that can dynamically change the log level.
//
// This level is checked before building a message, after which the zap
// logger's own level takes effect.
func LevelFn(fn func() kcons.LogLevel) Opt {
	return opt{func(l *Logger) { l.levelFn = fn }}
}

// Level sets a static level for the kcons.Logger Level function.
func Level(level kcons.LogLevel) Opt {
	return LevelFn(func() kcons.LogLevel { return level })
}

// NamedFacility logs each facility through zl.Named(facility) rather than as
// a "facility" field.
func NamedFacility() Opt {
	return opt{func(l *Logger) { l.named = true }}
}

// Level is for the kcons.Logger interface.
func (l *Logger) Level() kcons.LogLevel {
	return l.levelFn()
}

// Log is for the kcons.Logger interface.
func (l *Logger) Log(level kcons.LogLevel, msg string, keyvals ...any) {
	zl := l.zl
	fields := make([]zap.Field, 0, len(keyvals)/2)
	for i := 0; i+1 < len(keyvals); i += 2 {
		k, _ := keyvals[i].(string)
		v := keyvals[i+1]
		if k == "facility" && l.named {
			if facility, ok := v.(string); ok {
				zl = l.child(facility)
				continue
			}
		}
		if err, ok := v.(error); ok {
			fields = append(fields, zap.NamedError(k, err))
			continue
		}
		fields = append(fields, zap.Any(k, v))
	}
	switch level {
	case kcons.LogLevelDebug:
		zl.Debug(msg, fields...)
	case kcons.LogLevelError:
		zl.Error(msg, fields...)
	case kcons.LogLevelInfo:
		zl.Info(msg, fields...)
	case kcons.LogLevelWarn:
		zl.Warn(msg, fields...)
	default:
		// do nothing
	}
}

func (l *Logger) child(facility string) *zap.Logger {
	if c, ok := l.children.Load(facility); ok {
		return c.(*zap.Logger)
	}
	c, _ := l.children.LoadOrStore(facility, l.zl.Named(facility))
	return c.(*zap.Logger)
}
