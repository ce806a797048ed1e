package checkrun

import (
	"testing"

	"github.com/oroboros/controlplane/internal/subprocess"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		result subprocess.Result
		want   string
	}{
		{"clean exit", subprocess.Result{ExitCode: 0}, "passed"},
		{"non-zero exit", subprocess.Result{ExitCode: 1}, "failed"},
		{"timed out", subprocess.Result{TimedOut: true, ExitCode: -1}, "timed_out"},
		{"canceled", subprocess.Result{Canceled: true, ExitCode: -1}, "canceled"},
		{"lease expired", subprocess.Result{LeaseExpired: true, ExitCode: -1}, "expired"},
		{"lease expiry wins over cancel", subprocess.Result{LeaseExpired: true, Canceled: true}, "expired"},
		{"cancel wins over timeout", subprocess.Result{Canceled: true, TimedOut: true}, "canceled"},
	}

	for _, tt := range tests {
		if got := Classify(tt.result); got != tt.want {
			t.Errorf("%s: Classify() = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestOutcomePassed(t *testing.T) {
	if !(Outcome{Status: "passed"}).Passed() {
		t.Fatal("expected passed outcome to report Passed")
	}
	for _, status := range []string{"failed", "timed_out", "canceled", "expired"} {
		if (Outcome{Status: status}).Passed() {
			t.Fatalf("expected %q outcome not to report Passed", status)
		}
	}
}
