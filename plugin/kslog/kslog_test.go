package kslog

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/kcons/kcons/pkg/kcons"
)

func TestLog(t *testing.T) {
	var buf bytes.Buffer
	h := slog.NewTextHandler(&buf, &slog.HandlerOptions{
		Level: slog.LevelWarn,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				return slog.Attr{}
			}
			return a
		},
	})
	l := New(slog.New(h))

	if got := l.Level(); got != kcons.LogLevelWarn {
		t.Errorf("level: got %v, want %v", got, kcons.LogLevelWarn)
	}

	l.Log(kcons.LogLevelInfo, "filtered")
	l.Log(kcons.LogLevelNone, "dropped")
	l.Log(kcons.LogLevelWarn, "commit failed", "facility", "COMMIT", "generation", 4)

	got := strings.TrimSpace(buf.String())
	want := `level=WARN msg="commit failed" facility=COMMIT generation=4`
	if got != want {
		t.Errorf("got  %q\nwant %q", got, want)
	}
}
