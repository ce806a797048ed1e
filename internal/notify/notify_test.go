package notify

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/oroboros/controlplane/pkg/run"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewDisabledWithoutToken(t *testing.T) {
	n := New("", "#releases", discardLogger())
	if n.IsEnabled() {
		t.Fatal("expected notifier to be disabled without a bot token")
	}
}

func TestNewDisabledWithoutChannel(t *testing.T) {
	n := New("xoxb-fake", "", discardLogger())
	if n.IsEnabled() {
		t.Fatal("expected notifier to be disabled without a channel")
	}
}

func TestNewEnabledWithTokenAndChannel(t *testing.T) {
	n := New("xoxb-fake", "#releases", discardLogger())
	if !n.IsEnabled() {
		t.Fatal("expected notifier to be enabled with both a token and channel")
	}
}

func TestRunTerminalNoopWhenDisabled(t *testing.T) {
	n := New("", "", discardLogger())
	// Must not panic or attempt any network call when disabled.
	n.RunTerminal(context.Background(), run.Row{ID: "r1", Title: "demo", Status: "merged"})
}

func TestEmojiMapping(t *testing.T) {
	cases := map[string]string{
		"merged":   ":white_check_mark:",
		"failed":   ":x:",
		"canceled": ":no_entry_sign:",
		"expired":  ":hourglass:",
		"queued":   ":information_source:",
	}
	for status, want := range cases {
		if got := emoji(status); got != want {
			t.Errorf("emoji(%q) = %q, want %q", status, got, want)
		}
	}
}
