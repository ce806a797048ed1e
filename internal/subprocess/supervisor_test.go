package subprocess

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestRunCleanExit(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out.log")
	result, err := Run(context.Background(), Options{
		Command:      []string{"true"},
		Dir:          t.TempDir(),
		OutputPath:   out,
		PollInterval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ExitCode != 0 || result.TimedOut || result.Canceled || result.LeaseExpired {
		t.Fatalf("expected clean exit, got %+v", result)
	}
}

func TestRunNonZeroExit(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out.log")
	result, err := Run(context.Background(), Options{
		Command:      []string{"false"},
		Dir:          t.TempDir(),
		OutputPath:   out,
		PollInterval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ExitCode == 0 {
		t.Fatal("expected non-zero exit code")
	}
}

func TestRunTimeout(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out.log")
	result, err := Run(context.Background(), Options{
		Command:      []string{"sleep", "30"},
		Dir:          t.TempDir(),
		OutputPath:   out,
		Timeout:      50 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.TimedOut {
		t.Fatalf("expected timeout, got %+v", result)
	}
}

func TestRunLeaseExpirySignal(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out.log")
	result, err := Run(context.Background(), Options{
		Command:      []string{"sleep", "30"},
		Dir:          t.TempDir(),
		OutputPath:   out,
		PollInterval: 10 * time.Millisecond,
		OnTick:       func() error { return ErrLeaseExpired },
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.LeaseExpired {
		t.Fatalf("expected lease expiry, got %+v", result)
	}
	if result.Canceled || result.TimedOut {
		t.Fatalf("lease expiry must not be conflated with cancellation or timeout: %+v", result)
	}
}

func TestRunCancelSignal(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out.log")
	result, err := Run(context.Background(), Options{
		Command:      []string{"sleep", "30"},
		Dir:          t.TempDir(),
		OutputPath:   out,
		PollInterval: 10 * time.Millisecond,
		ShouldCancel: func() bool { return true },
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Canceled {
		t.Fatalf("expected cancellation, got %+v", result)
	}
}

func TestRunMissingExecutable(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out.log")
	result, err := Run(context.Background(), Options{
		Command:      []string{"definitely-not-a-real-binary-1b9c"},
		Dir:          t.TempDir(),
		OutputPath:   out,
		PollInterval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ExitCode != 127 {
		t.Fatalf("expected exit code 127 for a missing executable, got %d", result.ExitCode)
	}
}

func TestTailLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.txt")
	if err := os.WriteFile(path, []byte("one\ntwo\nthree\nfour\n"), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	lines := tailLines(path, 2)
	if len(lines) != 2 || lines[0] != "three" || lines[1] != "four" {
		t.Fatalf("tailLines() = %v, want [three four]", lines)
	}

	if got := tailLines(filepath.Join(t.TempDir(), "missing"), 2); got != nil {
		t.Fatalf("expected nil for missing file, got %v", got)
	}
}
