package telemetry

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestLogRingCircular(t *testing.T) {
	r := NewLogRing(3)
	for i := 0; i < 5; i++ {
		r.Push(LogEntry{Message: string(rune('a' + i))})
	}
	if r.Len() != 3 {
		t.Fatalf("Len = %d, want 3", r.Len())
	}
	if r.Dropped() != 2 {
		t.Errorf("Dropped = %d, want 2", r.Dropped())
	}
	got := r.Peek(10)
	var msgs []string
	for _, e := range got {
		msgs = append(msgs, e.Message)
	}
	if strings.Join(msgs, "") != "cde" {
		t.Errorf("Peek = %v, want [c d e]", msgs)
	}
	r.Discard(2)
	if got := r.Peek(10); len(got) != 1 || got[0].Message != "e" {
		t.Errorf("after Discard = %v, want [e]", got)
	}
	r.Discard(5)
	if r.Len() != 0 {
		t.Errorf("Len after over-discard = %d", r.Len())
	}
}

func TestLogRingPaused(t *testing.T) {
	r := NewLogRing(4)
	r.SetPaused(true)
	r.Push(LogEntry{Message: "dropped"})
	if r.Len() != 0 {
		t.Error("paused ring queued an entry")
	}
	r.SetPaused(false)
	r.Push(LogEntry{Message: "kept"})
	if r.Len() != 1 {
		t.Error("resumed ring did not queue")
	}
}

func TestSlogHandlerTee(t *testing.T) {
	var out bytes.Buffer
	ring := NewLogRing(8)
	logger := slog.New(NewSlogHandler(&out, ring, &slog.HandlerOptions{Level: slog.LevelDebug}))

	logger.Debug("ota:state", slog.String("state", "connecting"))
	logger.Info("ota:success", slog.Uint64("bytes", 10240), slog.Duration("took", 1500*time.Millisecond))
	logger.WithGroup("net").Error("dial", slog.String("err", errors.New("timeout").Error()))

	if !strings.Contains(out.String(), "ota:state") {
		t.Error("debug record missing from text output")
	}
	entries := ring.Peek(10)
	if len(entries) != 2 {
		t.Fatalf("ring has %d entries, want 2 (INFO and above)", len(entries))
	}
	if got, want := entries[0].Message, "ota:success bytes=10240 took=1.5s"; got != want {
		t.Errorf("line = %q, want %q", got, want)
	}
	if got, want := entries[1].Message, "net:dial err=timeout"; got != want {
		t.Errorf("line = %q, want %q", got, want)
	}
	if entries[1].Level != slog.LevelError {
		t.Errorf("level = %v, want ERROR", entries[1].Level)
	}
}

func TestLogLineTruncation(t *testing.T) {
	r := slog.NewRecord(time.Now(), slog.LevelInfo, strings.Repeat("m", 200), 0)
	if got := logLine("", r); len(got) != maxLineLen {
		t.Errorf("len = %d, want %d", len(got), maxLineLen)
	}

	r = slog.NewRecord(time.Now(), slog.LevelInfo, "many", 0)
	for _, k := range []string{"a", "b", "c", "d", "e", "f"} {
		r.AddAttrs(slog.Bool(k, true))
	}
	if got, want := logLine("", r), "many a=true b=true c=true d=true"; got != want {
		t.Errorf("logLine = %q, want %q", got, want)
	}
}
