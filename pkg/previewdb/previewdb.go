// Package previewdb drives the preview-database reset/seed step that runs
// before the coding agent touches a worktree: it records intent and result
// in PreviewDbReset rows and invokes the external reset script as an opaque
// subprocess, the same way the worker treats the agent and check commands.
package previewdb

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/oroboros/controlplane/internal/store"
	"github.com/oroboros/controlplane/pkg/eventlog"
)

var slotDBNames = map[string]string{
	"preview-1": "app_preview_1",
	"preview-2": "app_preview_2",
	"preview-3": "app_preview_3",
	"preview1":  "app_preview_1",
	"preview2":  "app_preview_2",
	"preview3":  "app_preview_3",
}

// DBNameForSlot returns the conventional database name for a slot id,
// falling back to a normalized derivation for slot ids outside the default
// three-slot pool.
func DBNameForSlot(slotID string) string {
	if name, ok := slotDBNames[strings.ToLower(slotID)]; ok {
		return name
	}
	return "app_" + strings.ReplaceAll(strings.ToLower(slotID), "-", "_")
}

// Options configures one reset-and-seed invocation.
type Options struct {
	ScriptPath      string
	SlotID          string
	RunID           string
	Strategy        string
	SeedVersion     string
	SnapshotVersion string
	DryRun          bool
	Timeout         time.Duration
}

// Result is the outcome persisted alongside the PreviewDbReset row.
type Result struct {
	Completed bool
	Details   map[string]any
	Err       error
}

// Reset records a running PreviewDbReset row, shells out to the configured
// reset script, and marks the row completed or failed with the script's
// outcome. The row insert/update happens in the caller's transaction so it
// is visible (or rolled back) together with the rest of the worker cycle's
// bookkeeping for this step. The script runs between the insert and the
// update while that transaction is open; the script itself is not
// transactional and is not undone by a rollback.
func Reset(ctx context.Context, tx store.DBTX, opts Options) (Result, error) {
	dbName := DBNameForSlot(opts.SlotID)

	if _, err := tx.Exec(ctx, `
		INSERT INTO preview_db_resets (run_id, slot_id, db_name, strategy, seed_version, snapshot_version, reset_status, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, 'running', now())
	`, opts.RunID, opts.SlotID, dbName, opts.Strategy, nullIfEmpty(opts.SeedVersion), nullIfEmpty(opts.SnapshotVersion)); err != nil {
		return Result{}, err
	}

	res := run(ctx, opts, dbName)

	status := "completed"
	if res.Err != nil {
		status = "failed"
	}
	details, err := json.Marshal(res.Details)
	if err != nil {
		return Result{}, err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE preview_db_resets
		SET reset_status = $1, completed_at = now(), details = $2
		WHERE run_id = $3 AND slot_id = $4 AND reset_status = 'running'
	`, status, json.RawMessage(details), opts.RunID, opts.SlotID); err != nil {
		return Result{}, err
	}

	if res.Err != nil {
		if _, err := eventlog.Append(ctx, tx, eventlog.AppendInput{
			RunID:     opts.RunID,
			EventType: "preview_db_reset_failed",
			Payload: map[string]any{
				"source":   "worker",
				"slot_id":  opts.SlotID,
				"db_name":  dbName,
				"strategy": opts.Strategy,
				"error":    res.Err.Error(),
			},
		}); err != nil {
			return res, err
		}
		return res, nil
	}

	if _, err := eventlog.Append(ctx, tx, eventlog.AppendInput{
		RunID:     opts.RunID,
		EventType: "preview_db_reset_completed",
		Payload: map[string]any{
			"source":   "worker",
			"slot_id":  opts.SlotID,
			"db_name":  dbName,
			"strategy": opts.Strategy,
		},
	}); err != nil {
		return res, err
	}
	return res, nil
}

func run(ctx context.Context, opts Options, dbName string) Result {
	if opts.ScriptPath == "" {
		return Result{Err: fmt.Errorf("preview_db_reset_script_not_configured")}
	}

	args := []string{
		"--slot", opts.SlotID,
		"--run-id", opts.RunID,
		"--strategy", opts.Strategy,
		"--seed-version", opts.SeedVersion,
	}
	if opts.SnapshotVersion != "" {
		args = append(args, "--snapshot-version", opts.SnapshotVersion)
	}
	if opts.DryRun {
		args = append(args, "--dry-run")
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if opts.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, opts.ScriptPath, args...)
	output, err := cmd.CombinedOutput()

	details := map[string]any{
		"db_name":          dbName,
		"strategy":         opts.Strategy,
		"seed_version":     opts.SeedVersion,
		"snapshot_version": opts.SnapshotVersion,
		"dry_run":          opts.DryRun,
	}
	if err != nil {
		details["output_tail"] = tail(string(output), 2000)
		return Result{Details: details, Err: fmt.Errorf("preview_db_reset_script_failed: %w", err)}
	}

	return Result{Completed: true, Details: details}
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
