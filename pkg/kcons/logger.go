package kcons

import (
	"fmt"
	"io"
	"strings"
	"sync"
)

// LogLevel designates which level the logger should log at.
type LogLevel int8

const (
	// LogLevelNone disables logging.
	LogLevelNone LogLevel = iota
	// LogLevelError logs all errors. Generally, these should not happen.
	LogLevelError
	// LogLevelWarn logs all warnings, such as request failures.
	LogLevelWarn
	// LogLevelInfo logs informational messages, such as group joins and
	// assignment changes. This is usually the default log level.
	LogLevelInfo
	// LogLevelDebug logs verbose information, and is usually not used in
	// production.
	LogLevelDebug
)

func (l LogLevel) String() string {
	switch l {
	case LogLevelError:
		return "ERROR"
	case LogLevelWarn:
		return "WARN"
	case LogLevelInfo:
		return "INFO"
	case LogLevelDebug:
		return "DEBUG"
	}
	return "NONE"
}

// Logger is used to log informational messages.
//
// Every message the consumer logs carries a "facility" key first, naming
// the component the message came from: CGRP for group membership, FETCH for
// fetching, COMMIT for offset commits, and CONSUMER for everything else.
type Logger interface {
	// Level returns the log level to log at.
	//
	// Implementations can change their log level on the fly, but this
	// function must be safe to call concurrently.
	Level() LogLevel

	// Log logs a message with key, value pair arguments for the given log
	// level. Keys are always strings, while values can be any type.
	//
	// This must be safe to call concurrently.
	Log(level LogLevel, msg string, keyvals ...any)
}

// BasicLogger returns a logger that will print to dst in the following
// format:
//
//	prefix [LEVEL] message; key: val, key: val
//
// prefixFn is optional; if non-nil, it is called for a per-message prefix.
func BasicLogger(dst io.Writer, level LogLevel, prefixFn func() string) Logger {
	return &basicLogger{dst: dst, level: level, pfxFn: prefixFn}
}

type basicLogger struct {
	mu    sync.Mutex
	dst   io.Writer
	level LogLevel
	pfxFn func() string
}

func (b *basicLogger) Level() LogLevel { return b.level }

func (b *basicLogger) Log(level LogLevel, msg string, keyvals ...any) {
	var sb strings.Builder
	if b.pfxFn != nil {
		sb.WriteString(b.pfxFn())
	}
	sb.WriteByte('[')
	sb.WriteString(level.String())
	sb.WriteString("] ")
	sb.WriteString(msg)

	if len(keyvals) > 0 {
		sb.WriteString("; ")
		format := strings.Repeat("%v: %v, ", len(keyvals)/2)
		format = format[:len(format)-2] // trim trailing comma and space
		fmt.Fprintf(&sb, format, keyvals...)
	}
	sb.WriteByte('\n')

	b.mu.Lock()
	defer b.mu.Unlock()
	io.WriteString(b.dst, sb.String())
}

// nopLogger, the default logger, drops everything.
type nopLogger struct{}

func (*nopLogger) Level() LogLevel            { return LogLevelNone }
func (*nopLogger) Log(LogLevel, string, ...any) {}

// facilityLogger wraps the configured logger for one component, prefixing
// every message's keyvals with the component's facility.
type facilityLogger struct {
	inner    Logger
	facility string
}

func newFacilityLogger(inner Logger, facility string) *facilityLogger {
	if inner == nil {
		inner = new(nopLogger)
	}
	return &facilityLogger{inner: inner, facility: facility}
}

func (w *facilityLogger) Level() LogLevel { return w.inner.Level() }

func (w *facilityLogger) Log(level LogLevel, msg string, keyvals ...any) {
	if w.Level() < level {
		return
	}
	kvs := make([]any, 0, len(keyvals)+2)
	kvs = append(kvs, "facility", w.facility)
	kvs = append(kvs, keyvals...)
	w.inner.Log(level, msg, kvs...)
}
