// Package metrics computes the GET /api/metrics/core JSON snapshot: queue
// depth over the active states, and average/max duration plus failure rate
// over terminal runs. Prometheus counters/histograms for the same
// concerns live in internal/telemetry/metrics.go and are incremented
// inline by pkg/worker and pkg/mergegate as events occur, while this
// package answers point-in-time queries against the runs table directly.
package metrics

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

var activeQueueStates = []string{"queued", "planning", "editing", "testing"}
var terminalStates = []string{"merged", "failed", "canceled", "expired"}

// DurationStats summarizes terminal-run duration in seconds.
type DurationStats struct {
	Avg        float64 `json:"avg"`
	Max        float64 `json:"max"`
	SampleSize int     `json:"sample_size"`
}

// Snapshot is the JSON body of GET /api/metrics/core.
type Snapshot struct {
	ObservedAt      time.Time     `json:"observed_at"`
	QueueDepth      int           `json:"queue_depth"`
	DurationSeconds DurationStats `json:"duration_seconds"`
	FailureRate     float64       `json:"failure_rate"`
	FailedRuns      int           `json:"failed_runs"`
	TerminalRuns    int           `json:"terminal_runs"`
}

// Collect computes the current snapshot against pool.
func Collect(ctx context.Context, pool *pgxpool.Pool) (Snapshot, error) {
	var queueDepth int
	if err := pool.QueryRow(ctx, `
		SELECT count(*) FROM runs WHERE status = ANY($1)
	`, activeQueueStates).Scan(&queueDepth); err != nil {
		return Snapshot{}, err
	}

	rows, err := pool.Query(ctx, `
		SELECT status, created_at, updated_at FROM runs WHERE status = ANY($1)
	`, terminalStates)
	if err != nil {
		return Snapshot{}, err
	}
	defer rows.Close()

	var (
		terminalCount int
		failedCount   int
		durations     []float64
		maxDuration   float64
	)
	for rows.Next() {
		var status string
		var createdAt, updatedAt time.Time
		if err := rows.Scan(&status, &createdAt, &updatedAt); err != nil {
			return Snapshot{}, err
		}
		terminalCount++
		if status == "failed" {
			failedCount++
		}
		d := updatedAt.Sub(createdAt).Seconds()
		if d < 0 {
			d = 0
		}
		durations = append(durations, d)
		if d > maxDuration {
			maxDuration = d
		}
	}
	if err := rows.Err(); err != nil {
		return Snapshot{}, err
	}

	var avgDuration float64
	if len(durations) > 0 {
		var sum float64
		for _, d := range durations {
			sum += d
		}
		avgDuration = sum / float64(len(durations))
	}

	var failureRate float64
	if terminalCount > 0 {
		failureRate = float64(failedCount) / float64(terminalCount)
	}

	return Snapshot{
		ObservedAt: time.Now().UTC(),
		QueueDepth: queueDepth,
		DurationSeconds: DurationStats{
			Avg:        round3(avgDuration),
			Max:        round3(maxDuration),
			SampleSize: terminalCount,
		},
		FailureRate:  round6(failureRate),
		FailedRuns:   failedCount,
		TerminalRuns: terminalCount,
	}, nil
}

func round3(f float64) float64 {
	return roundTo(f, 1000)
}

func round6(f float64) float64 {
	return roundTo(f, 1000000)
}

func roundTo(f float64, factor float64) float64 {
	return float64(int64(f*factor+0.5)) / factor
}
