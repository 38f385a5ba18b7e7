package differ

import (
	"bytes"
	"context"
	"testing"
	"time"
)

func TestTruncateLeavesShortInputUntouched(t *testing.T) {
	in := []byte("hello")
	out := truncate(in, 100)
	if !bytes.Equal(in, out) {
		t.Fatalf("truncate(%q, 100) = %q, want unchanged", in, out)
	}
}

func TestTruncateCutsAtMax(t *testing.T) {
	in := bytes.Repeat([]byte("x"), 10)
	out := truncate(in, 4)
	if len(out) != 4 {
		t.Fatalf("len(truncate(...)) = %d, want 4", len(out))
	}
}

func TestRunToolSucceedsOnNonzeroExit(t *testing.T) {
	// debdiff/diffoscope both exit nonzero when they find differences;
	// runTool must treat that as success, not failure.
	out, err := runTool(context.Background(), "false", nil, ToolConfig{Timeout: time.Second})
	if err != nil {
		t.Fatalf("runTool(false) should not error on a plain nonzero exit: %v", err)
	}
	if out == nil {
		t.Fatal("runTool should return a non-nil (possibly empty) buffer")
	}
}

func TestRunToolFailsOnMissingBinary(t *testing.T) {
	_, err := runTool(context.Background(), "janitor-no-such-tool-binary", nil, ToolConfig{Timeout: time.Second})
	if err == nil {
		t.Fatal("expected an error for a nonexistent tool binary")
	}
}

func TestRunToolTimesOut(t *testing.T) {
	_, err := runTool(context.Background(), "sleep", []string{"5"}, ToolConfig{Timeout: 10 * time.Millisecond})
	if err == nil {
		t.Fatal("expected a timeout error")
	}
}

func TestRunToolReportsRlimitKill(t *testing.T) {
	// A 1-second CPU-time rlimit makes the busy loop raise SIGXCPU almost
	// at once — exercising the same signal path an actual memory/CPU blowout would
	// take, without needing to allocate real memory in the test.
	_, err := runTool(context.Background(), "sh", []string{"-c", "while :; do :; done"},
		ToolConfig{Timeout: 5 * time.Second, CPUTimeSeconds: 1, MemoryLimitBytes: defaultMemoryLimitBytes})
	if err == nil {
		t.Fatal("expected a CPU time limit error")
	}
}

func TestDefaultToolConfigSetsResourceLimits(t *testing.T) {
	cfg := DefaultToolConfig()
	if cfg.MemoryLimitBytes <= 0 {
		t.Fatal("DefaultToolConfig should set a positive memory limit")
	}
	if cfg.CPUTimeSeconds <= 0 {
		t.Fatal("DefaultToolConfig should set a positive CPU time limit")
	}
}
