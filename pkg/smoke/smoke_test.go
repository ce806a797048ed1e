package smoke

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNormalizePreviewURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"http://localhost:3001", "http://localhost:3001"},
		{"http://localhost:3001/", "http://localhost:3001"},
		{"localhost:3001", "http://localhost:3001"},
		{"  https://preview-1.example.test/  ", "https://preview-1.example.test"},
	}
	for _, tt := range tests {
		got, err := normalizePreviewURL(tt.in)
		if err != nil {
			t.Errorf("normalizePreviewURL(%q) error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("normalizePreviewURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}

	if _, err := normalizePreviewURL(""); err == nil {
		t.Fatal("expected empty preview URL to error")
	}
	if _, err := normalizePreviewURL("   "); err == nil {
		t.Fatal("expected blank preview URL to error")
	}
}

func TestNormalizeRoutes(t *testing.T) {
	got, err := normalizeRoutes([]string{"/health", "dashboard", " /codex "})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"/health", "/dashboard", "/codex"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("normalizeRoutes()[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	if _, err := normalizeRoutes([]string{""}); err == nil {
		t.Fatal("expected empty route to error")
	}
}

func TestDedupe(t *testing.T) {
	got := dedupe([]string{"/health", "/", "/health", "/codex", "/"})
	want := []string{"/health", "/", "/codex"}
	if len(got) != len(want) {
		t.Fatalf("dedupe() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("dedupe()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestRunSweepsCoreAndChangedRoutes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/broken" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	report, err := Run(context.Background(), Options{
		PreviewURLs:   []string{srv.URL},
		ChangedRoutes: []string{"/broken"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if report.Summary.TotalChecks != 3 {
		t.Fatalf("expected 3 checks (2 core + 1 changed), got %d", report.Summary.TotalChecks)
	}
	if report.Summary.FailedChecks != 1 {
		t.Fatalf("expected 1 failed check, got %d", report.Summary.FailedChecks)
	}
	if report.Summary.OverallStatus != "failed" {
		t.Fatalf("expected overall status failed, got %q", report.Summary.OverallStatus)
	}
	if len(report.Targets) != 1 || report.Targets[0].Passed {
		t.Fatalf("expected one failed target, got %+v", report.Targets)
	}
}

func TestRunAllPassing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	report, err := Run(context.Background(), Options{PreviewURLs: []string{srv.URL}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Summary.OverallStatus != "passed" {
		t.Fatalf("expected overall status passed, got %q", report.Summary.OverallStatus)
	}
	if report.Harness != "preview_smoke_e2e" {
		t.Fatalf("unexpected harness name %q", report.Harness)
	}
}

func TestRunRequiresPreviewURL(t *testing.T) {
	if _, err := Run(context.Background(), Options{}); err == nil {
		t.Fatal("expected error when no preview URLs configured")
	}
}
