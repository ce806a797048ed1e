// Package checkrun runs a single named check command (lint, test, smoke, a
// merge-gate re-check, …) as a supervised subprocess and classifies its
// outcome into the fixed ValidationCheck status vocabulary. It is shared by
// the worker's validation loop and the merge-gate's commit-pinned
// re-checks since both run the same shape of
// command under the same env/allowlist contract, only the failure-code
// mapping afterward differs per caller.
package checkrun

import (
	"context"
	"time"

	"github.com/oroboros/controlplane/internal/subprocess"
	"github.com/oroboros/controlplane/internal/telemetry"
)

// Spec names one configured check and the command line that runs it.
type Spec struct {
	Name    string
	Command []string
	Timeout time.Duration
}

// Outcome is a check's classified result.
type Outcome struct {
	Name       string
	Status     string // passed|failed|timed_out|canceled|expired
	Result     subprocess.Result
	OutputPath string
}

// Passed reports whether the check's status is "passed".
func (o Outcome) Passed() bool { return o.Status == "passed" }

// Options configures one check invocation.
type Options struct {
	Dir          string
	OutputPath   string
	PollInterval time.Duration
	Env          []string
	ShouldCancel func() bool
	OnTick       func() error
}

// Run executes spec.Command under opts and classifies the result.
func Run(ctx context.Context, spec Spec, opts Options) (Outcome, error) {
	result, err := subprocess.Run(ctx, subprocess.Options{
		Command:      spec.Command,
		Dir:          opts.Dir,
		OutputPath:   opts.OutputPath,
		Timeout:      spec.Timeout,
		PollInterval: opts.PollInterval,
		Env:          opts.Env,
		ShouldCancel: opts.ShouldCancel,
		OnTick:       opts.OnTick,
	})
	if err != nil {
		return Outcome{}, err
	}

	status := Classify(result)
	telemetry.CheckDuration.WithLabelValues(spec.Name, status).Observe(result.Duration.Seconds())
	return Outcome{Name: spec.Name, Status: status, Result: result, OutputPath: opts.OutputPath}, nil
}

// Classify maps a supervised subprocess result onto the ValidationCheck
// status vocabulary. Lease expiry wins over cancellation wins over timeout,
// matching the supervision loop's own stop-condition precedence.
func Classify(result subprocess.Result) string {
	switch {
	case result.LeaseExpired:
		return "expired"
	case result.Canceled:
		return "canceled"
	case result.TimedOut:
		return "timed_out"
	case result.ExitCode != 0:
		return "failed"
	}
	return "passed"
}
