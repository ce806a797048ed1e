// Package worker implements the worker orchestrator: the background loop
// that claims a queued run and binds it to a slot and worktree, resets its
// preview database, supervises the coding-agent subprocess, commits the result,
// runs required validation checks, publishes a preview surface, probes slot
// health, and drives the run into preview_ready (or a terminal
// failure/expiry/cancellation).
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oroboros/controlplane/internal/subprocess"
	"github.com/oroboros/controlplane/internal/store"
	"github.com/oroboros/controlplane/internal/telemetry"
	"github.com/oroboros/controlplane/pkg/artifact"
	"github.com/oroboros/controlplane/pkg/checkrun"
	"github.com/oroboros/controlplane/pkg/eventlog"
	"github.com/oroboros/controlplane/pkg/previewdb"
	"github.com/oroboros/controlplane/pkg/runstate"
	"github.com/oroboros/controlplane/pkg/slotlease"
	"github.com/oroboros/controlplane/pkg/worktree"
)

// errNoClaim signals that a candidate row could not be claimed this cycle
// (lost the slot race, invalid transition) and the caller should simply try
// the next tick — it is never surfaced to the operator as an error.
var errNoClaim = errors.New("worker: no run claimed")

// PublishConfig carries the subprocess commands and timeout for worker step 8.
type PublishConfig struct {
	FrontendInstallCommand string
	FrontendBuildCommand   string
	SyncCommand            string
	BackendSyncCommand     string
	BackendMigrateCommand  string
	BackendRestartCommand  string
	FrontendHealthCommand  string
	BackendHealthCommand   string
	StepTimeout            time.Duration
}

// Config carries every WORKER_* setting the orchestrator needs (internal/config).
type Config struct {
	RunTimeout           time.Duration
	PollInterval         time.Duration
	HeartbeatInterval    time.Duration
	CancelCheckInterval  time.Duration
	ArtifactRoot         string
	CodexBin             string
	CodexArgs            string
	CodexCommandTemplate string
	AllowedCommands      []string
	AllowedPaths         []string
	SubprocessEnvAllow   []string
	SubprocessEnvBlock   []string

	GitAuthorName  string
	GitAuthorEmail string

	RequiredChecks      []string
	CheckCommand        func(name string) string
	CheckTimeout        func(name string, fallback time.Duration) time.Duration
	DefaultCheckTimeout time.Duration

	PreviewDBResetScript          string
	PreviewDBResetStrategy        string
	PreviewDBResetSeedVersion     string
	PreviewDBResetSnapshotVersion string
	PreviewDBResetDryRun          bool
	PreviewDBResetTimeout         time.Duration

	Publish PublishConfig

	SlotProbeBaseURLTemplate string
	SlotProbeTimeout         time.Duration
}

// Orchestrator runs the worker loop against a single Postgres pool.
type Orchestrator struct {
	Pool      *pgxpool.Pool
	Slots     *slotlease.Manager
	Worktrees *worktree.Manager
	Config    Config
	Logger    *slog.Logger
}

// NewOrchestrator builds an Orchestrator from its wired dependencies.
func NewOrchestrator(pool *pgxpool.Pool, slots *slotlease.Manager, worktrees *worktree.Manager, cfg Config, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{Pool: pool, Slots: slots, Worktrees: worktrees, Config: cfg, Logger: logger}
}

// Run loops ProcessNextRun until ctx is canceled, sleeping one PollInterval
// whenever a cycle finds nothing to claim.
func (o *Orchestrator) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.Config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		processed, err := o.ProcessNextRun(ctx)
		if err != nil {
			o.Logger.Error("worker cycle failed", "error", err)
		}

		if !processed {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		}
	}
}

// claimedRun is the result of successfully claiming one queued run.
type claimedRun struct {
	RunID        string
	Prompt       string
	SlotID       string
	WorktreePath string
	TraceID      string
	CreatedBy    *string
}

// ProcessNextRun claims the oldest queued run (if any), binds it to a slot
// and worktree, and executes it. It returns false when there was nothing to
// claim this cycle.
func (o *Orchestrator) ProcessNextRun(ctx context.Context) (bool, error) {
	claimed, err := o.claimNextRun(ctx)
	if errors.Is(err, errNoClaim) {
		telemetry.RunsClaimedTotal.WithLabelValues("skipped").Inc()
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if claimed == nil {
		telemetry.RunsClaimedTotal.WithLabelValues("none").Inc()
		return false, nil
	}
	telemetry.RunsClaimedTotal.WithLabelValues("claimed").Inc()

	if err := o.executeClaimedRun(ctx, *claimed); err != nil {
		return true, err
	}
	return true, nil
}

func (o *Orchestrator) claimNextRun(ctx context.Context) (*claimedRun, error) {
	var result *claimedRun

	err := store.WithTx(ctx, o.Pool, func(ctx context.Context, tx store.DBTX) error {
		var runID, prompt, status string
		var createdBy *string
		err := tx.QueryRow(ctx, `
			SELECT id, prompt, status, created_by FROM runs
			WHERE status = $1
			ORDER BY created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		`, runstate.Queued).Scan(&runID, &prompt, &status, &createdBy)
		if err == store.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}

		lease, err := o.Slots.Acquire(ctx, tx, runID)
		if err != nil {
			return err
		}
		if !lease.Acquired || lease.SlotID == "" {
			return nil
		}

		statusFrom, statusTo, err := transitionRun(ctx, tx, runID, status, runstate.Planning, nil)
		if err != nil {
			var ruleErr *runstate.TransitionRuleError
			if errors.As(err, &ruleErr) {
				o.Logger.Warn("unable to claim run due to invalid transition", "run_id", runID, "error", err)
				return errNoClaim
			}
			return err
		}
		traceID, err := ensureTraceID(ctx, tx, runID)
		if err != nil {
			return err
		}
		if _, err := eventlog.Append(ctx, tx, eventlog.AppendInput{
			RunID:      runID,
			EventType:  "status_transition",
			StatusFrom: &statusFrom,
			StatusTo:   &statusTo,
			Payload:    map[string]any{"source": "worker", "phase": "claim"},
		}); err != nil {
			return err
		}

		assigned, err := o.Worktrees.Assign(ctx, tx, runID, lease.SlotID, createdBy)
		if err != nil {
			return err
		}
		if assigned.WorktreePath == "" {
			return nil
		}

		result = &claimedRun{
			RunID:        runID,
			Prompt:       prompt,
			SlotID:       lease.SlotID,
			WorktreePath: assigned.WorktreePath,
			TraceID:      traceID,
			CreatedBy:    createdBy,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ensureTraceID generates a trace id into RunContext.metadata if one is not
// already present, and returns the id in effect so the caller can carry it
// into subprocess environments.
func ensureTraceID(ctx context.Context, tx store.DBTX, runID string) (string, error) {
	fallback := "trc-" + runID

	var metadata json.RawMessage
	err := tx.QueryRow(ctx, `SELECT metadata FROM run_contexts WHERE run_id = $1 FOR UPDATE`, runID).Scan(&metadata)
	if err == store.ErrNoRows {
		return fallback, nil
	}
	if err != nil {
		return "", err
	}

	meta := map[string]any{}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &meta); err != nil {
			return "", err
		}
	}
	if v, ok := meta["trace_id"].(string); ok && v != "" {
		return v, nil
	}
	meta["trace_id"] = fallback

	encoded, err := json.Marshal(meta)
	if err != nil {
		return "", err
	}
	if _, err := tx.Exec(ctx, `UPDATE run_contexts SET metadata = $1 WHERE run_id = $2`, json.RawMessage(encoded), runID); err != nil {
		return "", err
	}
	return fallback, nil
}

func (o *Orchestrator) executeClaimedRun(ctx context.Context, claimed claimedRun) error {
	if failed, err := o.resetPreviewDB(ctx, claimed); err != nil || failed {
		return err
	}

	ok, err := o.markEditing(ctx, claimed.RunID, claimed.SlotID, claimed.CreatedBy)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	outputPath := filepath.Join(o.Config.ArtifactRoot, claimed.RunID, "codex.stdout.log")
	command, err := subprocess.BuildCommand(
		o.Config.CodexCommandTemplate, o.Config.CodexBin, o.Config.CodexArgs, claimed.Prompt, claimed.WorktreePath,
	)
	if err != nil {
		return err
	}

	if err := subprocess.EnsureCommandAllowed(command, o.Config.AllowedCommands); err != nil {
		return o.rejectBeforeExecution(ctx, claimed, err)
	}
	if err := subprocess.EnsurePathAllowed(claimed.WorktreePath, o.Config.AllowedPaths); err != nil {
		return o.rejectBeforeExecution(ctx, claimed, err)
	}

	o.Logger.Info("executing run", "run_id", claimed.RunID, "worktree_path", claimed.WorktreePath)

	shouldCancel, onTick := o.supervisionCallbacks(ctx, claimed)

	startedAt := time.Now().UTC()
	result, err := subprocess.Run(ctx, subprocess.Options{
		Command:      command,
		Dir:          claimed.WorktreePath,
		OutputPath:   outputPath,
		Timeout:      o.Config.RunTimeout,
		PollInterval: minDuration(o.Config.CancelCheckInterval, o.Config.HeartbeatInterval),
		ShouldCancel: shouldCancel,
		OnTick:       onTick,
		Env:          o.subprocessEnv(claimed, "", ""),
	})
	endedAt := time.Now().UTC()
	if err != nil {
		return err
	}

	outcome, err := store.WithTxResult(ctx, o.Pool, func(ctx context.Context, tx store.DBTX) (string, error) {
		var status string
		err := tx.QueryRow(ctx, `SELECT status FROM runs WHERE id = $1 FOR UPDATE`, claimed.RunID).Scan(&status)
		if err == store.ErrNoRows {
			return "", nil
		}
		if err != nil {
			return "", err
		}

		if err := recordOutputArtifact(ctx, tx, claimed.RunID, startedAt, endedAt, outputPath, result, command); err != nil {
			return "", err
		}

		switch {
		case status == string(runstate.Canceled) || result.Canceled:
			return "canceled", finalizeCanceledRun(ctx, tx, o.Slots, o.Worktrees, claimed.RunID, claimed.SlotID, result)
		case result.LeaseExpired:
			return "expired", finalizeExpiredRun(ctx, tx, o.Slots, claimed.RunID, status, claimed.SlotID, result)
		case result.TimedOut:
			return "failed", finalizeFailedRun(ctx, tx, o.Slots, claimed.RunID, status, claimed.SlotID, runstate.AgentTimeout, result)
		case result.ExitCode != 0:
			return "failed", finalizeFailedRun(ctx, tx, o.Slots, claimed.RunID, status, claimed.SlotID, runstate.UnknownError, result)
		default:
			return "success", nil
		}
	})
	if err != nil {
		return err
	}
	if outcome != "success" {
		return nil
	}

	return o.runPostAgentPipeline(ctx, claimed)
}

// runPostAgentPipeline covers steps 6-10: auto-commit, validation checks,
// preview publish, slot integration probe, and the final transition to
// preview_ready. Each step that can fail finalizes the run as failed with
// its mapped failure code and stops the pipeline.
func (o *Orchestrator) runPostAgentPipeline(ctx context.Context, claimed claimedRun) error {
	commitSHA, err := o.autoCommit(ctx, claimed)
	if err != nil {
		return o.finalizeFailure(ctx, claimed, runstate.UnknownError, "commit_required_for_detected_changes", err)
	}

	if err := store.WithTx(ctx, o.Pool, func(ctx context.Context, tx store.DBTX) error {
		var status string
		if err := tx.QueryRow(ctx, `SELECT status FROM runs WHERE id = $1 FOR UPDATE`, claimed.RunID).Scan(&status); err != nil {
			return err
		}
		if commitSHA != "" {
			if _, err := tx.Exec(ctx, `UPDATE runs SET commit_sha = $1 WHERE id = $2`, commitSHA, claimed.RunID); err != nil {
				return err
			}
		}
		statusFrom, statusTo, err := transitionRun(ctx, tx, claimed.RunID, status, runstate.Testing, nil)
		if err != nil {
			return err
		}
		_, err = eventlog.Append(ctx, tx, eventlog.AppendInput{
			RunID:      claimed.RunID,
			EventType:  "status_transition",
			StatusFrom: &statusFrom,
			StatusTo:   &statusTo,
			Payload:    map[string]any{"source": "worker", "commit_sha": commitSHA},
		})
		return err
	}); err != nil {
		return err
	}

	if err := o.runValidationChecks(ctx, claimed, commitSHA); err != nil {
		return err
	}
	if err := o.publishPreview(ctx, claimed); err != nil {
		return err
	}
	if err := o.probeSlot(ctx, claimed); err != nil {
		return err
	}

	return store.WithTx(ctx, o.Pool, func(ctx context.Context, tx store.DBTX) error {
		var status string
		if err := tx.QueryRow(ctx, `SELECT status FROM runs WHERE id = $1 FOR UPDATE`, claimed.RunID).Scan(&status); err != nil {
			return err
		}
		statusFrom, statusTo, err := transitionRun(ctx, tx, claimed.RunID, status, runstate.PreviewReady, nil)
		if err != nil {
			return err
		}
		_, err = eventlog.Append(ctx, tx, eventlog.AppendInput{
			RunID:      claimed.RunID,
			EventType:  "status_transition",
			StatusFrom: &statusFrom,
			StatusTo:   &statusTo,
			Payload:    map[string]any{"source": "worker", "result": "ready_for_preview"},
		})
		return err
	})
}

// resetPreviewDB runs step 2. It returns failed=true when the run has
// already been finalized (terminally failed) and the caller must stop.
func (o *Orchestrator) resetPreviewDB(ctx context.Context, claimed claimedRun) (failed bool, err error) {
	err = store.WithTx(ctx, o.Pool, func(ctx context.Context, tx store.DBTX) error {
		result, rerr := previewdb.Reset(ctx, tx, previewdb.Options{
			ScriptPath:      o.Config.PreviewDBResetScript,
			SlotID:          claimed.SlotID,
			RunID:           claimed.RunID,
			Strategy:        o.Config.PreviewDBResetStrategy,
			SeedVersion:     o.Config.PreviewDBResetSeedVersion,
			SnapshotVersion: o.Config.PreviewDBResetSnapshotVersion,
			DryRun:          o.Config.PreviewDBResetDryRun,
			Timeout:         o.Config.PreviewDBResetTimeout,
		})
		if rerr != nil {
			return rerr
		}
		if result.Err == nil {
			return nil
		}

		var status string
		if err := tx.QueryRow(ctx, `SELECT status FROM runs WHERE id = $1 FOR UPDATE`, claimed.RunID).Scan(&status); err != nil {
			return err
		}
		statusFrom, statusTo, ferr := transitionRun(ctx, tx, claimed.RunID, status, runstate.Failed, ptr(runstate.MigrationFailed))
		if ferr != nil {
			return ferr
		}
		if _, ferr := eventlog.Append(ctx, tx, eventlog.AppendInput{
			RunID:      claimed.RunID,
			EventType:  "status_transition",
			StatusFrom: &statusFrom,
			StatusTo:   &statusTo,
			Payload: map[string]any{
				"source":              "worker",
				"failure_reason_code": string(runstate.MigrationFailed),
				"error":               result.Err.Error(),
			},
			AuditAction: "run_failed",
		}); ferr != nil {
			return ferr
		}
		_, ferr = o.Slots.Release(ctx, tx, claimed.SlotID, claimed.RunID)
		if ferr != nil {
			return ferr
		}
		failed = true
		return nil
	})
	return failed, err
}

// autoCommit runs step 6 outside any transaction (it only touches the
// worktree on disk) and returns the resulting commit SHA, or "" if the tree
// was already clean.
func (o *Orchestrator) autoCommit(ctx context.Context, claimed claimedRun) (string, error) {
	message := fmt.Sprintf("codex: automated change for run %s", claimed.RunID)
	result, err := o.Worktrees.CommitChanges(ctx, claimed.WorktreePath, o.Config.GitAuthorName, o.Config.GitAuthorEmail, message)
	if err != nil {
		return "", err
	}
	if !result.Dirty {
		return "", nil
	}
	if !result.Committed {
		return "", fmt.Errorf("commit_required_for_detected_changes")
	}
	return result.CommitSHA, nil
}

// runValidationChecks runs step 7: each configured check in declared order,
// stopping and failing the run on the first non-passing one.
func (o *Orchestrator) runValidationChecks(ctx context.Context, claimed claimedRun, commitSHA string) error {
	for _, name := range o.Config.RequiredChecks {
		commandLine := o.Config.CheckCommand(name)
		if strings.TrimSpace(commandLine) == "" {
			return o.finalizeFailure(ctx, claimed, runstate.ChecksFailed, "missing_check_command_configuration", fmt.Errorf("no command configured for check %q", name))
		}
		command, err := subprocess.SplitCommand(commandLine)
		if err != nil {
			return o.finalizeFailure(ctx, claimed, runstate.ChecksFailed, "invalid_check_command_configuration", err)
		}
		if err := subprocess.EnsureCommandAllowed(command, o.Config.AllowedCommands); err != nil {
			return o.finalizeFailure(ctx, claimed, runstate.ChecksFailed, "check_command_not_allowed", err)
		}

		outputPath := filepath.Join(o.Config.ArtifactRoot, claimed.RunID, "checks", name+".log")
		startedAt := time.Now().UTC()
		shouldCancel, onTick := o.supervisionCallbacks(ctx, claimed)
		outcome, err := checkrun.Run(ctx, checkrun.Spec{
			Name:    name,
			Command: command,
			Timeout: o.Config.CheckTimeout(name, o.Config.DefaultCheckTimeout),
		}, checkrun.Options{
			Dir:          claimed.WorktreePath,
			OutputPath:   outputPath,
			PollInterval: minDuration(o.Config.CancelCheckInterval, o.Config.HeartbeatInterval),
			Env:          o.subprocessEnv(claimed, commitSHA, name),
			ShouldCancel: shouldCancel,
			OnTick:       onTick,
		})
		endedAt := time.Now().UTC()
		if err != nil {
			return err
		}

		if err := recordValidationCheck(ctx, o.Pool, claimed.RunID, outcome, startedAt, endedAt); err != nil {
			return err
		}

		if !outcome.Passed() {
			switch outcome.Status {
			case "canceled":
				return store.WithTx(ctx, o.Pool, func(ctx context.Context, tx store.DBTX) error {
					return finalizeCanceledRun(ctx, tx, o.Slots, o.Worktrees, claimed.RunID, claimed.SlotID, outcome.Result)
				})
			case "expired":
				return store.WithTx(ctx, o.Pool, func(ctx context.Context, tx store.DBTX) error {
					var status string
					if err := tx.QueryRow(ctx, `SELECT status FROM runs WHERE id = $1 FOR UPDATE`, claimed.RunID).Scan(&status); err != nil {
						return err
					}
					return finalizeExpiredRun(ctx, tx, o.Slots, claimed.RunID, status, claimed.SlotID, outcome.Result)
				})
			default:
				return o.finalizeFailure(ctx, claimed, runstate.ChecksFailed, fmt.Sprintf("check_failed:%s", name), fmt.Errorf("check %q did not pass (status=%s)", name, outcome.Status))
			}
		}
	}
	return nil
}

// publishPreview runs step 8: frontend build+sync, backend dependency
// sync/migrate/restart, and health probes. Any step failure fails the run
// with PREVIEW_PUBLISH_FAILED.
func (o *Orchestrator) publishPreview(ctx context.Context, claimed claimedRun) error {
	steps := []struct {
		name    string
		command string
	}{
		{"frontend_install", o.Config.Publish.FrontendInstallCommand},
		{"frontend_build", o.Config.Publish.FrontendBuildCommand},
		{"publish_sync", o.Config.Publish.SyncCommand},
		{"backend_sync", o.Config.Publish.BackendSyncCommand},
		{"backend_migrate", o.Config.Publish.BackendMigrateCommand},
		{"backend_restart", o.Config.Publish.BackendRestartCommand},
		{"frontend_health", o.Config.Publish.FrontendHealthCommand},
		{"backend_health", o.Config.Publish.BackendHealthCommand},
	}

	for _, step := range steps {
		if strings.TrimSpace(step.command) == "" {
			continue
		}
		command, err := subprocess.SplitCommand(step.command)
		if err != nil {
			return o.finalizeFailure(ctx, claimed, runstate.PreviewPublishFailed, step.name+"_invalid_command", err)
		}

		outputPath := filepath.Join(o.Config.ArtifactRoot, claimed.RunID, "publish", step.name+".log")
		result, err := subprocess.Run(ctx, subprocess.Options{
			Command:      command,
			Dir:          claimed.WorktreePath,
			OutputPath:   outputPath,
			Timeout:      o.Config.Publish.StepTimeout,
			PollInterval: minDuration(o.Config.CancelCheckInterval, o.Config.HeartbeatInterval),
			Env:          o.subprocessEnv(claimed, "", ""),
		})
		if err != nil {
			return err
		}
		if result.ExitCode != 0 || result.TimedOut {
			if ferr := recordPublishArtifact(ctx, o.Pool, claimed.RunID, step.name, outputPath, result); ferr != nil {
				return ferr
			}
			return o.finalizeFailure(ctx, claimed, runstate.PreviewPublishFailed, step.name+"_failed", fmt.Errorf("publish step %q failed (exit=%d, timed_out=%v)", step.name, result.ExitCode, result.TimedOut))
		}
		if err := recordPublishArtifact(ctx, o.Pool, claimed.RunID, step.name, outputPath, result); err != nil {
			return err
		}
	}
	return nil
}

// probeSlot runs step 9: verifies the slot-local backend reports healthy and
// that /api/slots reflects this run's binding.
func (o *Orchestrator) probeSlot(ctx context.Context, claimed claimedRun) error {
	if o.Config.SlotProbeBaseURLTemplate == "" {
		return nil
	}
	base := strings.TrimRight(strings.ReplaceAll(o.Config.SlotProbeBaseURLTemplate, "{slot_id}", claimed.SlotID), "/")

	client := &http.Client{Timeout: o.Config.SlotProbeTimeout}

	get := func(path string) (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+path, nil)
		if err != nil {
			return nil, err
		}
		return client.Do(req)
	}

	resp, err := get("/health")
	if err != nil {
		return o.finalizeFailure(ctx, claimed, runstate.ChecksFailed, "slot_probe_unreachable:/health", err)
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return o.finalizeFailure(ctx, claimed, runstate.ChecksFailed, "slot_probe_unhealthy:/health", fmt.Errorf("slot probe /health returned %d", resp.StatusCode))
	}

	resp, err = get("/api/slots")
	if err != nil {
		return o.finalizeFailure(ctx, claimed, runstate.ChecksFailed, "slot_probe_unreachable:/api/slots", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return o.finalizeFailure(ctx, claimed, runstate.ChecksFailed, "slot_probe_unhealthy:/api/slots", fmt.Errorf("slot probe /api/slots returned %d", resp.StatusCode))
	}

	var body struct {
		Slots []struct {
			SlotID string  `json:"slot_id"`
			RunID  *string `json:"run_id"`
		} `json:"slots"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return o.finalizeFailure(ctx, claimed, runstate.ChecksFailed, "slot_probe_response_invalid", err)
	}
	for _, slot := range body.Slots {
		if slot.SlotID != claimed.SlotID {
			continue
		}
		if slot.RunID != nil && *slot.RunID == claimed.RunID {
			return nil
		}
		return o.finalizeFailure(ctx, claimed, runstate.ChecksFailed, "slot_probe_run_mismatch", fmt.Errorf("slot %s is not bound to run %s", claimed.SlotID, claimed.RunID))
	}
	return o.finalizeFailure(ctx, claimed, runstate.ChecksFailed, "slot_probe_slot_missing", fmt.Errorf("slot %s absent from /api/slots", claimed.SlotID))
}

// finalizeFailure transitions claimed.RunID to failed with reason, releases
// its slot lease, and records the cause in the status_transition event.
func (o *Orchestrator) finalizeFailure(ctx context.Context, claimed claimedRun, reason runstate.FailureReason, detail string, cause error) error {
	return store.WithTx(ctx, o.Pool, func(ctx context.Context, tx store.DBTX) error {
		var status string
		if err := tx.QueryRow(ctx, `SELECT status FROM runs WHERE id = $1 FOR UPDATE`, claimed.RunID).Scan(&status); err != nil {
			return err
		}
		statusFrom, statusTo, err := transitionRun(ctx, tx, claimed.RunID, status, runstate.Failed, &reason)
		if err != nil {
			return err
		}
		causeMsg := ""
		if cause != nil {
			causeMsg = cause.Error()
		}
		if _, err := eventlog.Append(ctx, tx, eventlog.AppendInput{
			RunID:      claimed.RunID,
			EventType:  "status_transition",
			StatusFrom: &statusFrom,
			StatusTo:   &statusTo,
			Payload: map[string]any{
				"source":              "worker",
				"failure_reason_code": string(reason),
				"detail":              detail,
				"error":               causeMsg,
			},
			AuditAction: "run_failed",
		}); err != nil {
			return err
		}
		_, err = o.Slots.Release(ctx, tx, claimed.SlotID, claimed.RunID)
		return err
	})
}

// subprocessEnv builds the restricted environment every worker subprocess
// receives: the configured allow/blocklist filter plus the injected run
// variables. commitSHA and checkName are added only when non-empty.
func (o *Orchestrator) subprocessEnv(claimed claimedRun, commitSHA, checkName string) []string {
	env := subprocess.FilterEnv(o.Config.SubprocessEnvAllow, o.Config.SubprocessEnvBlock)
	env = append(env,
		"RUN_ID="+claimed.RunID,
		"SLOT_ID="+claimed.SlotID,
		"TRACE_ID="+claimed.TraceID,
	)
	if commitSHA != "" {
		env = append(env, "COMMIT_SHA="+commitSHA)
	}
	if checkName != "" {
		env = append(env, "CHECK_NAME="+checkName)
	}
	return env
}

func (o *Orchestrator) supervisionCallbacks(ctx context.Context, claimed claimedRun) (func() bool, func() error) {
	lastCancelCheck := time.Time{}
	lastHeartbeat := time.Time{}

	shouldCancel := func() bool {
		if time.Since(lastCancelCheck) < o.Config.CancelCheckInterval {
			return false
		}
		lastCancelCheck = time.Now()
		canceled, err := o.isRunCanceled(ctx, claimed.RunID)
		if err != nil {
			o.Logger.Warn("cancel check failed", "run_id", claimed.RunID, "error", err)
			return false
		}
		return canceled
	}

	onTick := func() error {
		if time.Since(lastHeartbeat) < o.Config.HeartbeatInterval {
			return nil
		}
		lastHeartbeat = time.Now()
		reason, err := o.heartbeatSlot(ctx, claimed.RunID, claimed.SlotID)
		if err != nil {
			o.Logger.Warn("heartbeat failed", "run_id", claimed.RunID, "error", err)
			return nil
		}
		switch reason {
		case "lease_expired", "lease_released":
			return subprocess.ErrLeaseExpired
		case "run_canceled":
			return subprocess.ErrRunCanceled
		default:
			return nil
		}
	}

	return shouldCancel, onTick
}

// rejectBeforeExecution finalizes a run as failed when its command or
// working directory fails the allow/blocklist checks, without ever starting
// the subprocess.
func (o *Orchestrator) rejectBeforeExecution(ctx context.Context, claimed claimedRun, cause error) error {
	return store.WithTx(ctx, o.Pool, func(ctx context.Context, tx store.DBTX) error {
		var status string
		if err := tx.QueryRow(ctx, `SELECT status FROM runs WHERE id = $1 FOR UPDATE`, claimed.RunID).Scan(&status); err != nil {
			return err
		}
		statusFrom, statusTo, err := transitionRun(ctx, tx, claimed.RunID, status, runstate.Failed, ptr(runstate.ValidationFailed))
		if err != nil {
			return err
		}
		if _, err := eventlog.Append(ctx, tx, eventlog.AppendInput{
			RunID:      claimed.RunID,
			EventType:  "status_transition",
			StatusFrom: &statusFrom,
			StatusTo:   &statusTo,
			Payload: map[string]any{
				"source":              "worker",
				"failure_reason_code": string(runstate.ValidationFailed),
				"reason":              cause.Error(),
				"exit_code":           126,
			},
			AuditAction: "run_rejected_by_allowlist",
		}); err != nil {
			return err
		}
		_, err = o.Slots.Release(ctx, tx, claimed.SlotID, claimed.RunID)
		return err
	})
}

func (o *Orchestrator) markEditing(ctx context.Context, runID, slotID string, createdBy *string) (bool, error) {
	ok := false
	err := store.WithTx(ctx, o.Pool, func(ctx context.Context, tx store.DBTX) error {
		var status string
		err := tx.QueryRow(ctx, `SELECT status FROM runs WHERE id = $1 FOR UPDATE`, runID).Scan(&status)
		if err == store.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}

		if status == string(runstate.Canceled) {
			if _, err := eventlog.Append(ctx, tx, eventlog.AppendInput{
				RunID:     runID,
				EventType: "worker_skipped_canceled_before_execution",
				Payload:   map[string]any{"source": "worker", "slot_id": slotID},
			}); err != nil {
				return err
			}
			_, err := o.Slots.Release(ctx, tx, slotID, runID)
			return err
		}

		statusFrom, statusTo, err := transitionRun(ctx, tx, runID, status, runstate.Editing, nil)
		if err != nil {
			return err
		}
		if _, err := eventlog.Append(ctx, tx, eventlog.AppendInput{
			RunID:      runID,
			EventType:  "status_transition",
			StatusFrom: &statusFrom,
			StatusTo:   &statusTo,
			Payload:    map[string]any{"source": "worker", "slot_id": slotID},
		}); err != nil {
			return err
		}
		if _, err := eventlog.Append(ctx, tx, eventlog.AppendInput{
			RunID:     runID,
			EventType: "codex_command_started",
			Payload:   map[string]any{"source": "worker", "slot_id": slotID},
		}); err != nil {
			return err
		}

		ok = true
		return nil
	})
	return ok, err
}

func recordOutputArtifact(ctx context.Context, tx store.DBTX, runID string, startedAt, endedAt time.Time, outputPath string, result subprocess.Result, command []string) error {
	checkStatus := "passed"
	if result.TimedOut || result.Canceled || result.ExitCode != 0 {
		checkStatus = "failed"
	}

	if err := artifact.Record(ctx, tx, runID, "codex_stdout", outputPath, map[string]any{
		"exit_code":     result.ExitCode,
		"timed_out":     result.TimedOut,
		"canceled":      result.Canceled,
		"lease_expired": result.LeaseExpired,
	}); err != nil {
		return err
	}

	if _, err := eventlog.Append(ctx, tx, eventlog.AppendInput{
		RunID:     runID,
		EventType: "codex_command_finished",
		Payload: map[string]any{
			"source":           "worker",
			"command":          command,
			"artifact_uri":     outputPath,
			"exit_code":        result.ExitCode,
			"timed_out":        result.TimedOut,
			"canceled":         result.Canceled,
			"lease_expired":    result.LeaseExpired,
			"duration_seconds": result.Duration.Seconds(),
			"output_excerpt":   result.OutputExcerpt,
		},
	}); err != nil {
		return err
	}

	_, err := tx.Exec(ctx, `
		INSERT INTO validation_checks (run_id, check_name, status, started_at, ended_at, artifact_uri)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, runID, "codex_cli_execution", checkStatus, startedAt, endedAt, outputPath)
	return err
}

func recordValidationCheck(ctx context.Context, pool *pgxpool.Pool, runID string, outcome checkrun.Outcome, startedAt, endedAt time.Time) error {
	return store.WithTx(ctx, pool, func(ctx context.Context, tx store.DBTX) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO validation_checks (run_id, check_name, status, started_at, ended_at, artifact_uri)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, runID, outcome.Name, outcome.Status, startedAt, endedAt, outcome.OutputPath); err != nil {
			return err
		}
		_, err := eventlog.Append(ctx, tx, eventlog.AppendInput{
			RunID:     runID,
			EventType: "validation_check_completed",
			Payload: map[string]any{
				"source":       "worker",
				"check_name":   outcome.Name,
				"status":       outcome.Status,
				"artifact_uri": outcome.OutputPath,
				"exit_code":    outcome.Result.ExitCode,
			},
		})
		return err
	})
}

func recordPublishArtifact(ctx context.Context, pool *pgxpool.Pool, runID, stepName, outputPath string, result subprocess.Result) error {
	return store.WithTx(ctx, pool, func(ctx context.Context, tx store.DBTX) error {
		if err := artifact.Record(ctx, tx, runID, "preview_publish_"+stepName, outputPath, map[string]any{
			"step":      stepName,
			"exit_code": result.ExitCode,
			"timed_out": result.TimedOut,
		}); err != nil {
			return err
		}
		_, err := eventlog.Append(ctx, tx, eventlog.AppendInput{
			RunID:     runID,
			EventType: "preview_publish_step_completed",
			Payload: map[string]any{
				"source":       "worker",
				"step":         stepName,
				"artifact_uri": outputPath,
				"exit_code":    result.ExitCode,
			},
		})
		return err
	})
}

func finalizeExpiredRun(ctx context.Context, tx store.DBTX, slots *slotlease.Manager, runID, currentStatus, slotID string, result subprocess.Result) error {
	statusFrom, statusTo, err := transitionRun(ctx, tx, runID, currentStatus, runstate.Expired, nil)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `UPDATE runs SET failure_reason_code = $1 WHERE id = $2`, string(runstate.PreviewExpired), runID); err != nil {
		return err
	}
	if _, err := eventlog.Append(ctx, tx, eventlog.AppendInput{
		RunID:      runID,
		EventType:  "status_transition",
		StatusFrom: &statusFrom,
		StatusTo:   &statusTo,
		Payload: map[string]any{
			"source":              "worker",
			"reason":              string(runstate.PreviewExpired),
			"failure_reason_code": string(runstate.PreviewExpired),
			"recoverable":         true,
			"recovery_strategy":   "create_child_run",
			"resume_endpoint":     fmt.Sprintf("/api/runs/%s/resume", runID),
			"lease_expired":       result.LeaseExpired,
		},
	}); err != nil {
		return err
	}
	_, err = slots.Release(ctx, tx, slotID, runID)
	return err
}

func finalizeFailedRun(ctx context.Context, tx store.DBTX, slots *slotlease.Manager, runID, currentStatus string, slotID string, reason runstate.FailureReason, result subprocess.Result) error {
	statusFrom, statusTo, err := transitionRun(ctx, tx, runID, currentStatus, runstate.Failed, &reason)
	if err != nil {
		return err
	}
	payload := map[string]any{
		"source":              "worker",
		"failure_reason_code": string(reason),
		"exit_code":           result.ExitCode,
		"timed_out":           result.TimedOut,
	}
	if runstate.Recoverable(reason) {
		payload["recoverable"] = true
		payload["recovery_strategy"] = "create_child_run"
		payload["resume_endpoint"] = fmt.Sprintf("/api/runs/%s/resume", runID)
	}
	if _, err := eventlog.Append(ctx, tx, eventlog.AppendInput{
		RunID:       runID,
		EventType:   "status_transition",
		StatusFrom:  &statusFrom,
		StatusTo:    &statusTo,
		Payload:     payload,
		AuditAction: "run_failed",
	}); err != nil {
		return err
	}
	_, err = slots.Release(ctx, tx, slotID, runID)
	return err
}

// finalizeCanceledRun additionally cleans up the worktree and deletes the
// run's branch, matching scenario 5's "cleanup_worktree and delete_run_branch
// results recorded" expectation.
func finalizeCanceledRun(ctx context.Context, tx store.DBTX, slots *slotlease.Manager, worktrees *worktree.Manager, runID, slotID string, result subprocess.Result) error {
	cleanup, cerr := worktrees.Cleanup(ctx, tx, slotID, runID)
	if cerr != nil {
		return cerr
	}
	derr := worktrees.DeleteRunBranch(ctx, tx, "", runID)

	payload := map[string]any{
		"source":    "worker",
		"exit_code": result.ExitCode,
		"canceled":  true,
		"cleanup":   cleanup.Reason,
	}
	if derr != nil {
		payload["delete_run_branch_error"] = derr.Error()
	}
	if _, err := eventlog.Append(ctx, tx, eventlog.AppendInput{
		RunID:     runID,
		EventType: "worker_observed_canceled",
		Payload:   payload,
	}); err != nil {
		return err
	}
	_, err := slots.Release(ctx, tx, slotID, runID)
	return err
}

func (o *Orchestrator) heartbeatSlot(ctx context.Context, runID, slotID string) (string, error) {
	reason := ""
	err := store.WithTx(ctx, o.Pool, func(ctx context.Context, tx store.DBTX) error {
		var status string
		err := tx.QueryRow(ctx, `SELECT status FROM runs WHERE id = $1`, runID).Scan(&status)
		if err == store.ErrNoRows {
			reason = "run_missing"
			return nil
		}
		if err != nil {
			return err
		}
		if status == string(runstate.Canceled) {
			reason = "run_canceled"
			return nil
		}

		result, err := o.Slots.Heartbeat(ctx, tx, slotID, runID)
		if err != nil {
			return err
		}
		if !result.Updated {
			reason = result.Reason
		}
		return nil
	})
	return reason, err
}

func (o *Orchestrator) isRunCanceled(ctx context.Context, runID string) (bool, error) {
	var status string
	err := store.NewPool(o.Pool).QueryRow(ctx, `SELECT status FROM runs WHERE id = $1`, runID).Scan(&status)
	if err == store.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return status == string(runstate.Canceled), nil
}

// transitionRun is a no-op when currentStatus already equals target
// (idempotent re-entry), otherwise validates and applies the transition,
// persisting failure_reason_code alongside a transition to failed.
func transitionRun(ctx context.Context, tx store.DBTX, runID, currentStatus string, target runstate.State, failureReason *runstate.FailureReason) (string, string, error) {
	current := runstate.State(currentStatus)
	if current == target {
		return string(current), string(target), nil
	}

	if err := runstate.EnsureTransitionAllowed(current, target, failureReason); err != nil {
		return "", "", err
	}

	if target == runstate.Failed && failureReason != nil {
		if _, err := tx.Exec(ctx, `
			UPDATE runs SET status = $1, failure_reason_code = $2, updated_at = now() WHERE id = $3
		`, target, string(*failureReason), runID); err != nil {
			return "", "", err
		}
		telemetry.RunsFailedTotal.WithLabelValues(string(*failureReason)).Inc()
	} else {
		if _, err := tx.Exec(ctx, `UPDATE runs SET status = $1, updated_at = now() WHERE id = $2`, target, runID); err != nil {
			return "", "", err
		}
	}
	telemetry.RunsTransitionedTotal.WithLabelValues(string(target)).Inc()

	return string(current), string(target), nil
}

func ptr[T any](v T) *T { return &v }

func minDuration(a, b time.Duration) time.Duration {
	if a <= 0 {
		return b
	}
	if b <= 0 {
		return a
	}
	if a < b {
		return a
	}
	return b
}
