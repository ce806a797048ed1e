package worker

import (
	"testing"
	"time"
)

func TestMinDuration(t *testing.T) {
	if got := minDuration(2*time.Second, 5*time.Second); got != 2*time.Second {
		t.Fatalf("minDuration() = %v, want 2s", got)
	}
	if got := minDuration(0, 5*time.Second); got != 5*time.Second {
		t.Fatalf("minDuration() with zero first arg = %v, want 5s", got)
	}
	if got := minDuration(5*time.Second, 0); got != 5*time.Second {
		t.Fatalf("minDuration() with zero second arg = %v, want 5s", got)
	}
}

func TestPtr(t *testing.T) {
	v := ptr(42)
	if v == nil || *v != 42 {
		t.Fatalf("ptr(42) = %v, want pointer to 42", v)
	}
}
