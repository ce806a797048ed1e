package config

import (
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	tests := []struct {
		name   string
		check  func(*Config) bool
		expect string
	}{
		{
			name:   "default mode is api",
			check:  func(c *Config) bool { return c.Mode == "api" },
			expect: "api",
		},
		{
			name:   "default host is 0.0.0.0",
			check:  func(c *Config) bool { return c.Host == "0.0.0.0" },
			expect: "0.0.0.0",
		},
		{
			name:   "default port is 8080",
			check:  func(c *Config) bool { return c.Port == 8080 },
			expect: "8080",
		},
		{
			name:   "default log level is info",
			check:  func(c *Config) bool { return c.LogLevel == "info" },
			expect: "info",
		},
		{
			name:   "default log format is json",
			check:  func(c *Config) bool { return c.LogFormat == "json" },
			expect: "json",
		},
		{
			name:   "default metrics path",
			check:  func(c *Config) bool { return c.MetricsPath == "/metrics" },
			expect: "/metrics",
		},
		{
			name:   "listen addr format",
			check:  func(c *Config) bool { return c.ListenAddr() == "0.0.0.0:8080" },
			expect: "0.0.0.0:8080",
		},
		{
			name:   "default slot ids",
			check:  func(c *Config) bool { return len(c.SlotIDs) == 3 && c.SlotIDs[0] == "preview-1" },
			expect: "preview-1,preview-2,preview-3",
		},
		{
			name:   "default slot lease ttl",
			check:  func(c *Config) bool { return c.SlotLeaseTTL == 1800 },
			expect: "1800",
		},
		{
			name:   "default merge gate push mode",
			check:  func(c *Config) bool { return c.MergeGateGitPushMode == "manual" },
			expect: "manual",
		},
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.check(cfg) {
				t.Errorf("expected %s", tt.expect)
			}
		})
	}
}

func TestCheckCommandAndTimeout(t *testing.T) {
	t.Setenv("WORKER_CHECK_LINT_COMMAND", "npm run lint")
	t.Setenv("WORKER_CHECK_LINT_TIMEOUT_SECONDS", "45")

	if got := CheckCommand("WORKER", "lint"); got != "npm run lint" {
		t.Errorf("CheckCommand() = %q, want %q", got, "npm run lint")
	}
	if got := CheckTimeoutSeconds("WORKER", "lint", 60); got != 45 {
		t.Errorf("CheckTimeoutSeconds() = %d, want 45", got)
	}
	if got := CheckTimeoutSeconds("WORKER", "unset-check", 60); got != 60 {
		t.Errorf("CheckTimeoutSeconds() fallback = %d, want 60", got)
	}
}
