package eventlog

import (
	"net/http/httptest"
	"testing"
	"time"
)

func TestParseListOptionsDefaults(t *testing.T) {
	r := httptest.NewRequest("GET", "/api/runs/r1/events", nil)
	opts, err := parseListOptions(r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if opts.SinceID != nil {
		t.Fatalf("expected nil SinceID, got %v", *opts.SinceID)
	}
	if opts.Desc {
		t.Fatal("expected ascending order by default")
	}
	if opts.Limit != 0 {
		t.Fatalf("expected zero limit (caller defaults), got %d", opts.Limit)
	}
}

func TestParseListOptionsFull(t *testing.T) {
	r := httptest.NewRequest("GET", "/api/runs/r1/events?since_id=42&limit=10&order=desc", nil)
	opts, err := parseListOptions(r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if opts.SinceID == nil || *opts.SinceID != 42 {
		t.Fatalf("expected SinceID 42, got %v", opts.SinceID)
	}
	if opts.Limit != 10 {
		t.Fatalf("expected limit 10, got %d", opts.Limit)
	}
	if !opts.Desc {
		t.Fatal("expected descending order")
	}
}

func TestParseListOptionsRejectsInvalidSinceID(t *testing.T) {
	r := httptest.NewRequest("GET", "/api/runs/r1/events?since_id=not-a-number", nil)
	if _, err := parseListOptions(r); err == nil {
		t.Fatal("expected error for non-numeric since_id")
	}
}

func TestParseFollow(t *testing.T) {
	tests := []struct {
		query string
		want  bool
	}{
		{"", true},
		{"follow=true", true},
		{"follow=1", true},
		{"follow=false", false},
		{"follow=0", false},
		{"follow=banana", true},
	}
	for _, tt := range tests {
		r := httptest.NewRequest("GET", "/api/runs/r1/events/stream?"+tt.query, nil)
		if got := parseFollow(r); got != tt.want {
			t.Errorf("parseFollow(%q) = %v, want %v", tt.query, got, tt.want)
		}
	}
}

func TestHeartbeatForOverride(t *testing.T) {
	h := &Handler{HeartbeatTimeout: 15 * time.Second}

	r := httptest.NewRequest("GET", "/api/runs/r1/events/stream?heartbeat_seconds=3", nil)
	if got := h.heartbeatFor(r); got != 3*time.Second {
		t.Fatalf("heartbeatFor() = %v, want 3s", got)
	}

	r = httptest.NewRequest("GET", "/api/runs/r1/events/stream", nil)
	if got := h.heartbeatFor(r); got != 15*time.Second {
		t.Fatalf("heartbeatFor() default = %v, want 15s", got)
	}

	for _, query := range []string{"heartbeat_seconds=0", "heartbeat_seconds=-5", "heartbeat_seconds=x"} {
		r = httptest.NewRequest("GET", "/api/runs/r1/events/stream?"+query, nil)
		if got := h.heartbeatFor(r); got != 15*time.Second {
			t.Errorf("heartbeatFor(%q) = %v, want fallback 15s", query, got)
		}
	}
}

func TestChannelNaming(t *testing.T) {
	got := Channel("run-123")
	want := "oroboros:run:run-123:events"
	if got != want {
		t.Fatalf("Channel() = %q, want %q", got, want)
	}
}
