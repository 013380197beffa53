package logger

import (
	"os"
	"sync/atomic"
	"testing"
)

func TestWithComponent(t *testing.T) {
	log := Logger()
	entry := log.WithComponent("test")
	if v, ok := entry.Entry.Data["component"]; !ok || v != "test" {
		t.Fatalf("component field missing: %v", entry.Entry.Data)
	}
}

func TestConfigureInvalidLevel(t *testing.T) {
	// Ensure environment variables do not override the provided level
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("invalid", "json", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid level")
	}
}

func TestConfigureInvalidFormat(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("info", "xml", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid format")
	}
}

func TestWithEnv(t *testing.T) {
	os.Setenv("FOO", "bar")
	log := Logger()
	entry := log.WithEnv("FOO")
	if v, ok := entry.Entry.Data["FOO"]; !ok || v != "bar" {
		t.Fatalf("env field not set: %v", entry.Entry.Data)
	}
}

func TestReportCounters(t *testing.T) {
	before := atomic.LoadInt64(&ticksReceived)
	IncrementTickRead(42)
	IncrementTickRead(8)
	if got := atomic.LoadInt64(&ticksReceived); got != before+2 {
		t.Fatalf("ticks_received = %d, want %d", got, before+2)
	}

	v, ok := flows.Load("tick_in")
	if !ok {
		t.Fatalf("tick_in flow not recorded")
	}
	fs := v.(*flowStat)
	if atomic.LoadInt64(&fs.bytes) < 50 {
		t.Fatalf("tick_in bytes = %d, want >= 50", fs.bytes)
	}
}

func TestWarnCountsSessionComponent(t *testing.T) {
	before := atomic.LoadInt64(&warnsSession)
	log := Logger()
	log.SetOutput(nopWriter{})
	log.WithComponent("dtc_session").Warn("socket hiccup")
	if got := atomic.LoadInt64(&warnsSession); got != before+1 {
		t.Fatalf("warns_session = %d, want %d", got, before+1)
	}
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }
