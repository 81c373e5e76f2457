package logger

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestRedactsSecretKeys(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	l := &Logger{SugaredLogger: zap.New(core).Sugar()}

	l.With("participant_id", "p1").Info("started", "token", "abc.def.ghi", "admin_secret", "s3", "phase", 2)

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["token"] != "[REDACTED]" || fields["admin_secret"] != "[REDACTED]" {
		t.Fatalf("secrets leaked: %v", fields)
	}
	if fields["participant_id"] != "p1" {
		t.Fatalf("participant_id missing: %v", fields)
	}
	if fields["phase"] != int64(2) {
		t.Fatalf("phase=%v (%T)", fields["phase"], fields["phase"])
	}
}

func TestOddKeyValues(t *testing.T) {
	got := redact([]interface{}{"a", 1, "dangling"})
	if len(got) != 3 || got[2] != "dangling" {
		t.Fatalf("unexpected %v", got)
	}
}
