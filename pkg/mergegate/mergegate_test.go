package mergegate

import (
	"errors"
	"testing"

	"github.com/oroboros/controlplane/pkg/runstate"
)

func TestShortRunID(t *testing.T) {
	if got := shortRunID("0123456789abcdef"); got != "01234567" {
		t.Fatalf("shortRunID() = %q, want %q", got, "01234567")
	}
	if got := shortRunID("abc"); got != "abc" {
		t.Fatalf("shortRunID() with short input = %q, want %q", got, "abc")
	}
}

func TestDerefOr(t *testing.T) {
	v := "branch"
	if got := derefOr(&v, "fallback"); got != "branch" {
		t.Fatalf("derefOr() = %q, want %q", got, "branch")
	}
	if got := derefOr(nil, "fallback"); got != "fallback" {
		t.Fatalf("derefOr(nil) = %q, want %q", got, "fallback")
	}
}

func TestAsFailure(t *testing.T) {
	var target *failure

	err := error(&failure{Reason: runstate.MergeConflict, Detail: "merge_failed"})
	if !asFailure(err, &target) {
		t.Fatal("expected asFailure to match a *failure")
	}
	if target.Reason != runstate.MergeConflict || target.Detail != "merge_failed" {
		t.Fatalf("asFailure extracted %+v", target)
	}

	if asFailure(errors.New("plain"), &target) {
		t.Fatal("expected asFailure to reject a plain error")
	}
}

func TestFailureError(t *testing.T) {
	f := &failure{Reason: runstate.DeployPushFailed, Detail: "push_failed"}
	if f.Error() != "push_failed" {
		t.Fatalf("failure.Error() = %q, want %q", f.Error(), "push_failed")
	}
}
