package tactile

import (
	"bytes"
	"context"
	"runtime"
	"strings"
	"testing"
	"time"
)

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("uses POSIX shell")
	}
}

func TestDirectExecutor_Success(t *testing.T) {
	skipOnWindows(t)
	e := NewDirectExecutor()

	result, err := e.Execute(context.Background(), Command{
		Binary:    "sh",
		Arguments: []string{"-c", "echo hello; echo oops 1>&2"},
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !result.Succeeded() {
		t.Fatalf("expected success, got %+v", result)
	}
	if strings.TrimSpace(result.Stdout) != "hello" {
		t.Errorf("stdout = %q", result.Stdout)
	}
	if !strings.Contains(result.Combined, "oops") {
		t.Errorf("combined should contain stderr, got %q", result.Combined)
	}
}

func TestDirectExecutor_NonZeroExit(t *testing.T) {
	skipOnWindows(t)
	e := NewDirectExecutor()

	result, err := e.Execute(context.Background(), Command{Binary: "sh", Arguments: []string{"-c", "exit 3"}})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !result.IsNonZeroExit() || result.ExitCode != 3 {
		t.Errorf("expected exit 3, got %d (success=%v)", result.ExitCode, result.Success)
	}
	if result.Succeeded() {
		t.Error("non-zero exit must not count as succeeded")
	}
}

func TestDirectExecutor_Timeout(t *testing.T) {
	skipOnWindows(t)
	e := NewDirectExecutor()

	result, err := e.Execute(context.Background(), Command{
		Binary:    "sleep",
		Arguments: []string{"5"},
		Limits:    &ResourceLimits{TimeoutMs: 100},
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !result.Killed {
		t.Fatalf("expected killed result, got %+v", result)
	}
	if !strings.Contains(result.KillReason, "timeout") {
		t.Errorf("KillReason = %q", result.KillReason)
	}
	if result.Duration > 3*time.Second {
		t.Errorf("timeout not enforced, ran %v", result.Duration)
	}
}

func TestDirectExecutor_Stdin(t *testing.T) {
	skipOnWindows(t)
	e := NewDirectExecutor()

	result, err := e.Execute(context.Background(), Command{Binary: "cat", Stdin: "piped"})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Stdout != "piped" {
		t.Errorf("stdout = %q, want piped", result.Stdout)
	}
}

func TestDirectExecutor_MissingBinary(t *testing.T) {
	e := NewDirectExecutor()

	if _, err := e.Execute(context.Background(), Command{}); err == nil {
		t.Error("expected validation error for empty binary")
	}

	result, err := e.Execute(context.Background(), Command{Binary: "definitely-not-a-real-binary-xyz"})
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if !result.IsError() {
		t.Errorf("expected infrastructure error, got %+v", result)
	}
}

func TestDirectExecutor_Audit(t *testing.T) {
	skipOnWindows(t)
	e := NewDirectExecutor()

	var events []AuditEventType
	e.SetAuditCallback(func(ev AuditEvent) { events = append(events, ev.Type) })

	if _, err := e.Execute(context.Background(), Command{Binary: "true"}); err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 || events[0] != AuditEventStart || events[1] != AuditEventComplete {
		t.Errorf("events = %v", events)
	}
}

func TestLimitedWriter(t *testing.T) {
	var buf bytes.Buffer
	lw := &limitedWriter{w: &buf, max: 5}

	n, err := lw.Write([]byte("abc"))
	if err != nil || n != 3 {
		t.Fatalf("first write: n=%d err=%v", n, err)
	}
	n, err = lw.Write([]byte("defgh"))
	if err != nil || n != 5 {
		t.Fatalf("second write: n=%d err=%v", n, err)
	}
	lw.Write([]byte("ij"))

	if buf.String() != "abcde" {
		t.Errorf("buffer = %q", buf.String())
	}
	if !lw.truncated || lw.discarded != 5 {
		t.Errorf("truncated=%v discarded=%d", lw.truncated, lw.discarded)
	}
}

func TestExecutorConfigMerge(t *testing.T) {
	cfg := DefaultExecutorConfig()
	cfg.MaxTimeout = time.Second

	merged := cfg.Merge(Command{Binary: "x", Limits: &ResourceLimits{TimeoutMs: 60000}})
	if merged.Limits.TimeoutMs != 1000 {
		t.Errorf("timeout should be capped to 1000ms, got %d", merged.Limits.TimeoutMs)
	}
	if merged.Limits.MaxOutputBytes != cfg.MaxOutputBytes {
		t.Errorf("max output default not applied")
	}
	if merged.WorkingDirectory != "." {
		t.Errorf("working dir default not applied: %q", merged.WorkingDirectory)
	}
}
