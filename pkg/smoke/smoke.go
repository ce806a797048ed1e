// Package smoke implements the preview smoke harness: an HTTP sweep of core
// and changed routes across one or more preview URLs, persisted as a
// ValidationCheck + RunArtifact + RunEvent. Nothing in pkg/worker calls
// Run: a "preview_smoke_e2e" entry in WORKER_REQUIRED_CHECKS is run by the
// worker's validation loop (runValidationChecks) through its configured
// command, like any other named check.
package smoke

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oroboros/controlplane/internal/store"
	"github.com/oroboros/controlplane/pkg/artifact"
	"github.com/oroboros/controlplane/pkg/eventlog"
)

// DefaultCoreRoutes are probed on every target when Options.CoreRoutes is empty.
var DefaultCoreRoutes = []string{"/health", "/"}

// CheckResult is one route probe against one preview URL.
type CheckResult struct {
	PreviewURL string  `json:"preview_url"`
	Route      string  `json:"route"`
	RequestURL string  `json:"request_url"`
	StatusCode *int    `json:"status_code"`
	Passed     bool    `json:"passed"`
	LatencyMS  float64 `json:"latency_ms"`
	Error      *string `json:"error,omitempty"`
}

// TargetResult groups every route check run against a single preview URL.
type TargetResult struct {
	PreviewURL string        `json:"preview_url"`
	Host       string        `json:"host"`
	Passed     bool          `json:"passed"`
	Checks     []CheckResult `json:"checks"`
}

// Summary is the pass/fail rollup across every target.
type Summary struct {
	TotalChecks   int    `json:"total_checks"`
	PassedChecks  int    `json:"passed_checks"`
	FailedChecks  int    `json:"failed_checks"`
	OverallStatus string `json:"overall_status"`
}

// Report is the full smoke-suite result.
type Report struct {
	Harness    string       `json:"harness"`
	StartedAt  time.Time    `json:"started_at"`
	EndedAt    time.Time    `json:"ended_at"`
	DurationMS float64      `json:"duration_ms"`
	Routes     RoutesInput  `json:"routes"`
	Targets    []TargetResult `json:"targets"`
	Summary    Summary      `json:"summary"`
}

// RoutesInput records which routes were probed.
type RoutesInput struct {
	CoreRoutes    []string `json:"core_routes"`
	ChangedRoutes []string `json:"changed_routes"`
}

// Options configures one smoke-suite run.
type Options struct {
	PreviewURLs    []string
	ChangedRoutes  []string
	CoreRoutes     []string
	TimeoutSeconds float64
	Client         *http.Client
}

// Run executes the smoke suite described by opts.
func Run(ctx context.Context, opts Options) (Report, error) {
	if len(opts.PreviewURLs) == 0 {
		return Report{}, fmt.Errorf("preview_urls_required")
	}
	timeout := opts.TimeoutSeconds
	if timeout <= 0 {
		timeout = 8.0
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: time.Duration(timeout * float64(time.Second))}
	}

	started := time.Now().UTC()

	previewURLs := make([]string, 0, len(opts.PreviewURLs))
	for _, u := range opts.PreviewURLs {
		normalized, err := normalizePreviewURL(u)
		if err != nil {
			return Report{}, err
		}
		previewURLs = append(previewURLs, normalized)
	}

	coreRoutes := opts.CoreRoutes
	if len(coreRoutes) == 0 {
		coreRoutes = DefaultCoreRoutes
	}
	normalizedCore, err := normalizeRoutes(coreRoutes)
	if err != nil {
		return Report{}, err
	}
	normalizedChanged, err := normalizeRoutes(opts.ChangedRoutes)
	if err != nil {
		return Report{}, err
	}
	targetRoutes := dedupe(append(append([]string{}, normalizedCore...), normalizedChanged...))

	var allChecks []CheckResult
	targets := make([]TargetResult, 0, len(previewURLs))
	for _, previewURL := range previewURLs {
		parsed, err := url.Parse(previewURL)
		if err != nil {
			return Report{}, fmt.Errorf("invalid_preview_url:%s", previewURL)
		}
		checks := make([]CheckResult, 0, len(targetRoutes))
		allPassed := true
		for _, route := range targetRoutes {
			result := probe(ctx, client, previewURL, route)
			checks = append(checks, result)
			allChecks = append(allChecks, result)
			if !result.Passed {
				allPassed = false
			}
		}
		targets = append(targets, TargetResult{
			PreviewURL: previewURL, Host: parsed.Host, Passed: allPassed, Checks: checks,
		})
	}

	ended := time.Now().UTC()
	passed := 0
	for _, c := range allChecks {
		if c.Passed {
			passed++
		}
	}
	failed := len(allChecks) - passed
	overall := "passed"
	if failed > 0 {
		overall = "failed"
	}

	return Report{
		Harness:    "preview_smoke_e2e",
		StartedAt:  started,
		EndedAt:    ended,
		DurationMS: roundTo(ended.Sub(started).Seconds()*1000, 100),
		Routes:     RoutesInput{CoreRoutes: normalizedCore, ChangedRoutes: normalizedChanged},
		Targets:    targets,
		Summary: Summary{
			TotalChecks: len(allChecks), PassedChecks: passed, FailedChecks: failed, OverallStatus: overall,
		},
	}, nil
}

func probe(ctx context.Context, client *http.Client, previewURL, route string) CheckResult {
	requestURL := strings.TrimRight(previewURL, "/") + "/" + strings.TrimLeft(route, "/")

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		errStr := err.Error()
		return CheckResult{PreviewURL: previewURL, Route: route, RequestURL: requestURL, Error: &errStr}
	}

	resp, err := client.Do(req)
	latencyMS := time.Since(start).Seconds() * 1000
	if err != nil {
		errStr := "url_error:" + err.Error()
		return CheckResult{
			PreviewURL: previewURL, Route: route, RequestURL: requestURL,
			Passed: false, LatencyMS: roundTo(latencyMS, 100), Error: &errStr,
		}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	status := resp.StatusCode
	passed := status >= 200 && status < 400
	var errStr *string
	if !passed {
		s := fmt.Sprintf("http_error:%d", status)
		errStr = &s
	}
	return CheckResult{
		PreviewURL: previewURL, Route: route, RequestURL: requestURL,
		StatusCode: &status, Passed: passed, LatencyMS: roundTo(latencyMS, 100), Error: errStr,
	}
}

func normalizePreviewURL(v string) (string, error) {
	raw := strings.TrimSpace(v)
	if raw == "" {
		return "", fmt.Errorf("preview_url_empty")
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("invalid_preview_url:%s", v)
	}
	return strings.TrimRight(raw, "/"), nil
}

func normalizeRoutes(routes []string) ([]string, error) {
	out := make([]string, 0, len(routes))
	for _, r := range routes {
		route := strings.TrimSpace(r)
		if route == "" {
			return nil, fmt.Errorf("route_empty")
		}
		if !strings.HasPrefix(route, "/") {
			route = "/" + route
		}
		out = append(out, route)
	}
	return out, nil
}

func dedupe(items []string) []string {
	seen := make(map[string]bool, len(items))
	out := make([]string, 0, len(items))
	for _, item := range items {
		if seen[item] {
			continue
		}
		seen[item] = true
		out = append(out, item)
	}
	return out
}

func roundTo(f float64, factor float64) float64 {
	return float64(int64(f*factor+0.5)) / factor
}

// WriteReport persists report as indented JSON at outputPath, creating
// parent directories as needed.
func WriteReport(report Report, outputPath string) error {
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')
	return os.WriteFile(outputPath, b, 0o644)
}

// PersistForRun records the suite's outcome as a ValidationCheck,
// RunArtifact, and RunEvent in one transaction.
func PersistForRun(ctx context.Context, tx store.DBTX, runID string, report Report, artifactURI string) error {
	var currentStatus string
	if err := tx.QueryRow(ctx, `SELECT status FROM runs WHERE id = $1`, runID).Scan(&currentStatus); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO validation_checks (run_id, check_name, status, started_at, ended_at, artifact_uri)
		VALUES ($1, 'preview_smoke_e2e', $2, $3, $4, $5)
	`, runID, report.Summary.OverallStatus, report.StartedAt, report.EndedAt, artifactURI); err != nil {
		return err
	}

	if err := artifact.Record(ctx, tx, runID, "preview_smoke_e2e_report", artifactURI, map[string]any{
		"overall_status": report.Summary.OverallStatus,
		"failed_checks":  report.Summary.FailedChecks,
		"total_checks":   report.Summary.TotalChecks,
	}); err != nil {
		return err
	}

	_, err := eventlog.Append(ctx, tx, eventlog.AppendInput{
		RunID: runID, EventType: "preview_smoke_e2e_completed",
		StatusFrom: &currentStatus, StatusTo: &currentStatus,
		Payload: map[string]any{
			"overall_status": report.Summary.OverallStatus,
			"artifact_uri":   artifactURI,
			"failed_checks":  report.Summary.FailedChecks,
			"total_checks":   report.Summary.TotalChecks,
		},
	})
	return err
}
