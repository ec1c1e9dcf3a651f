package kzap

import (
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kcons/kcons/pkg/kcons"
)

func TestLevelFromCore(t *testing.T) {
	for _, test := range []struct {
		zap  zapcore.Level
		want kcons.LogLevel
	}{
		{zapcore.DebugLevel, kcons.LogLevelDebug},
		{zapcore.InfoLevel, kcons.LogLevelInfo},
		{zapcore.WarnLevel, kcons.LogLevelWarn},
		{zapcore.ErrorLevel, kcons.LogLevelError},
	} {
		core, _ := observer.New(test.zap)
		if got := New(zap.New(core)).Level(); got != test.want {
			t.Errorf("zap level %v: got %v, want %v", test.zap, got, test.want)
		}
	}
}

func TestLogFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := New(zap.New(core))
	l.Log(kcons.LogLevelWarn, "heartbeat failed", "facility", "CGRP", "err", errors.New("boom"))

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	e := entries[0]
	if e.Level != zapcore.WarnLevel || e.Message != "heartbeat failed" {
		t.Errorf("got %v %q", e.Level, e.Message)
	}
	fields := e.ContextMap()
	if fields["facility"] != "CGRP" {
		t.Errorf("facility: got %v", fields["facility"])
	}
	if fields["err"] != "boom" {
		t.Errorf("err: got %v", fields["err"])
	}
}

func TestNamedFacility(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := New(zap.New(core), NamedFacility())
	l.Log(kcons.LogLevelInfo, "fetching", "facility", "FETCH", "broker", 1)
	l.Log(kcons.LogLevelNone, "dropped", "facility", "FETCH")

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	if entries[0].LoggerName != "FETCH" {
		t.Errorf("logger name: got %q, want FETCH", entries[0].LoggerName)
	}
	if _, ok := entries[0].ContextMap()["facility"]; ok {
		t.Error("facility unexpectedly logged as a field")
	}
}
