package logging

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestLogger_Levels(t *testing.T) {
	var buf bytes.Buffer
	logger := New()
	logger.SetOutput(&buf)
	logger.SetLevel(LevelInfo)

	logger.Debug("debug message")
	if buf.Len() > 0 {
		t.Error("debug message should be filtered at INFO level")
	}

	logger.Info("info message")
	output := buf.String()
	if !strings.Contains(output, "INFO") {
		t.Error("log should contain INFO level")
	}
	if !strings.Contains(output, "info message") {
		t.Error("log should contain the message")
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]Level{
		"debug":   LevelDebug,
		"WARN":    LevelWarn,
		"warning": LevelWarn,
		" error ": LevelError,
		"":        LevelInfo,
		"verbose": LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestLogger_WithComponent(t *testing.T) {
	var buf bytes.Buffer
	root := New()
	root.SetOutput(&buf)

	root.WithComponent("session").Info("test message")

	if !strings.Contains(buf.String(), "[session]") {
		t.Errorf("expected component in log, got: %s", buf.String())
	}
}

func TestLogger_DerivedSharesOutputAndLevel(t *testing.T) {
	var buf bytes.Buffer
	root := New()
	child := root.WithComponent("scheduler")
	root.SetOutput(&buf)
	root.SetLevel(LevelDebug)

	child.Debug("from child")
	if !strings.Contains(buf.String(), "from child") {
		t.Errorf("derived logger should follow root output and level, got %q", buf.String())
	}
}

func TestLogger_FieldsSorted(t *testing.T) {
	var buf bytes.Buffer
	logger := New()
	logger.SetOutput(&buf)

	logger.WithAccount("acct-1").Info("call", map[string]interface{}{
		"seq":    7,
		"method": "AllLands",
	})

	output := buf.String()
	if !strings.Contains(output, "account=acct-1 method=AllLands seq=7") {
		t.Errorf("expected sorted fields, got: %s", output)
	}
}

func TestLogger_Hook(t *testing.T) {
	var buf bytes.Buffer
	logger := New()
	logger.SetOutput(&buf)
	fixed := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	logger.sink.now = func() time.Time { return fixed }

	var got []Entry
	logger.SetHook(func(e Entry) { got = append(got, e) })

	logger.WithComponent("worker").WithAccount("a1").Warn("reconnecting", map[string]interface{}{"attempt": 2})
	logger.Debug("filtered")

	if len(got) != 1 {
		t.Fatalf("hook entries = %d, want 1", len(got))
	}
	e := got[0]
	if e.Level != LevelWarn || e.Component != "worker" || e.Account != "a1" || e.Message != "reconnecting" {
		t.Errorf("unexpected entry %+v", e)
	}
	if e.Fields["attempt"] != 2 || e.Fields["account"] != "a1" {
		t.Errorf("fields = %v", e.Fields)
	}
	if !e.Time.Equal(fixed) {
		t.Errorf("Time = %v", e.Time)
	}
	if !strings.Contains(buf.String(), "2026-03-01T08:00:00.000Z") {
		t.Errorf("timestamp missing: %s", buf.String())
	}

	logger.SetHook(nil)
	logger.Info("after")
	if len(got) != 1 {
		t.Error("removed hook should not be called")
	}
}

func TestLogger_EventHelpers(t *testing.T) {
	var buf bytes.Buffer
	logger := New()
	logger.SetOutput(&buf)
	logger.SetLevel(LevelDebug)

	logger.SessionConnected("wss://game/ws", 1)
	logger.SessionLost("heartbeat degraded", 3)
	logger.CallFailed("AllLands", 9, errors.New("timeout"))
	logger.HeartbeatState("suspect", "degraded", 2)
	logger.TickComplete("farm", time.Second, 10*time.Second, nil)
	logger.WorkerStarted("a1", 1)
	logger.WorkerExited("a1", true, 2)

	output := buf.String()
	for _, want := range []string{
		"session_connected", "session_lost", "rejected=3",
		"call_failed", "WARN  ", "heartbeat_state",
		"tick_complete", "worker_started", "forced=true",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output:\n%s", want, output)
		}
	}
}

func TestNop(t *testing.T) {
	logger := Nop()
	logger.Error("discarded")
}
