// Package mergegate implements the approval/merge-gate pipeline:
// commit-pinned re-checks, a --no-ff merge commit of the run's branch into
// trunk, an optional remote push, a deploy reload+healthcheck, and the
// reject path.
package mergegate

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
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
	"github.com/oroboros/controlplane/pkg/release"
	"github.com/oroboros/controlplane/pkg/runstate"
	"github.com/oroboros/controlplane/pkg/slotlease"
	"github.com/oroboros/controlplane/pkg/worktree"
)

// PushMode selects how the merge-gate treats the remote after a local merge.
type PushMode string

const (
	PushManual  PushMode = "manual"
	PushAuto    PushMode = "auto"
	PushDryRun  PushMode = "dry-run"
)

// Config carries every MERGE_GATE_* setting the gate needs (internal/config).
type Config struct {
	RequiredChecks []string
	CheckCommand   func(name string) string
	CheckTimeout   func(name string, fallback time.Duration) time.Duration
	DefaultTimeout time.Duration

	ArtifactRoot string

	GitPushMode           PushMode
	GitPushRemote         string
	GitPushBranch         string
	GitPushTimeout        time.Duration
	DeployReloadCommand   string
	DeployHealthCommand   string
	DeployStepTimeout     time.Duration
	TrunkBranch           string
	RepoRoot              string

	SubprocessEnvAllow []string
	SubprocessEnvBlock []string
}

// Gate drives the approval pipeline against a single Postgres pool.
type Gate struct {
	Pool      *pgxpool.Pool
	Slots     *slotlease.Manager
	Worktrees *worktree.Manager
	Config    Config
	Logger    *slog.Logger
}

// NewGate builds a Gate from its wired dependencies.
func NewGate(pool *pgxpool.Pool, slots *slotlease.Manager, worktrees *worktree.Manager, cfg Config, logger *slog.Logger) *Gate {
	return &Gate{Pool: pool, Slots: slots, Worktrees: worktrees, Config: cfg, Logger: logger}
}

// runRow is the subset of the run row the gate needs while holding its lock.
type runRow struct {
	Status       string
	CommitSHA    *string
	WorktreePath *string
	BranchName   *string
	SlotID       *string
}

func loadRunForUpdate(ctx context.Context, tx store.DBTX, runID string) (runRow, error) {
	var r runRow
	err := tx.QueryRow(ctx, `
		SELECT status, commit_sha, worktree_path, branch_name, slot_id
		FROM runs WHERE id = $1 FOR UPDATE
	`, runID).Scan(&r.Status, &r.CommitSHA, &r.WorktreePath, &r.BranchName, &r.SlotID)
	return r, err
}

// ApproveResult reports the terminal shape of an Approve call.
type ApproveResult struct {
	FinalStatus string
	ReleaseID   string
	FailureCode string
	Detail      string
}

// Approve runs the full six-step pipeline under a pessimistic lock on the
// run row, re-acquiring the lock fresh across each step's own transaction so
// that long-running check/merge/deploy subprocesses never hold the row lock
// across a blocking external call.
func (g *Gate) Approve(ctx context.Context, runID string, reviewerID, reason *string) (ApproveResult, error) {
	if err := g.recordApproval(ctx, runID, "approved", reviewerID, reason); err != nil {
		return ApproveResult{}, err
	}

	if err := g.advanceToApproved(ctx, runID); err != nil {
		return ApproveResult{}, err
	}

	run, err := g.snapshot(ctx, runID)
	if err != nil {
		return ApproveResult{}, err
	}
	if run.CommitSHA == nil || *run.CommitSHA == "" {
		return g.fail(ctx, runID, runstate.UnknownError, "missing_commit_sha", nil)
	}
	if run.WorktreePath == nil || *run.WorktreePath == "" {
		return g.fail(ctx, runID, runstate.UnknownError, "missing_worktree_path", nil)
	}

	if res, err := g.runCommitPinnedChecks(ctx, runID, *run.CommitSHA, *run.WorktreePath); err != nil || res.FinalStatus != "" {
		return res, err
	}

	releaseID, err := g.merge(ctx, runID, *run.CommitSHA, *run.WorktreePath, derefOr(run.BranchName, ""))
	if err != nil {
		var failErr *failure
		if asFailure(err, &failErr) {
			return g.fail(ctx, runID, failErr.Reason, failErr.Detail, failErr.Cause)
		}
		return ApproveResult{}, err
	}

	if err := g.push(ctx, runID); err != nil {
		var failErr *failure
		if asFailure(err, &failErr) {
			return g.fail(ctx, runID, failErr.Reason, failErr.Detail, failErr.Cause)
		}
		return ApproveResult{}, err
	}

	if err := g.deploy(ctx, runID); err != nil {
		var failErr *failure
		if asFailure(err, &failErr) {
			return g.fail(ctx, runID, failErr.Reason, failErr.Detail, failErr.Cause)
		}
		return ApproveResult{}, err
	}

	final, err := g.finalizeMerged(ctx, runID)
	if err != nil {
		return ApproveResult{}, err
	}
	final.ReleaseID = releaseID
	return final, nil
}

// failure carries a mapped failure code through the pipeline's helper
// functions so every early-return path converges on the same fail() call.
type failure struct {
	Reason runstate.FailureReason
	Detail string
	Cause  error
}

func (f *failure) Error() string { return f.Detail }

func asFailure(err error, target **failure) bool {
	f, ok := err.(*failure)
	if ok {
		*target = f
	}
	return ok
}

func (g *Gate) recordApproval(ctx context.Context, runID, decision string, reviewerID, reason *string) error {
	return store.WithTx(ctx, g.Pool, func(ctx context.Context, tx store.DBTX) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO approvals (run_id, reviewer_id, decision, reason)
			VALUES ($1, $2, $3, $4)
		`, runID, reviewerID, decision, reason)
		return err
	})
}

// advanceToApproved auto-advances preview_ready -> needs_approval, then
// needs_approval -> approved, matching step 1.
func (g *Gate) advanceToApproved(ctx context.Context, runID string) error {
	return store.WithTx(ctx, g.Pool, func(ctx context.Context, tx store.DBTX) error {
		var status string
		if err := tx.QueryRow(ctx, `SELECT status FROM runs WHERE id = $1 FOR UPDATE`, runID).Scan(&status); err != nil {
			return err
		}

		if status == string(runstate.PreviewReady) {
			from, to, err := applyTransition(ctx, tx, runID, status, runstate.NeedsApproval, nil)
			if err != nil {
				return err
			}
			if _, err := eventlog.Append(ctx, tx, eventlog.AppendInput{
				RunID: runID, EventType: "status_transition", StatusFrom: &from, StatusTo: &to,
				Payload: map[string]any{"source": "merge_gate", "phase": "auto_advance"},
			}); err != nil {
				return err
			}
			status = string(runstate.NeedsApproval)
		}

		from, to, err := applyTransition(ctx, tx, runID, status, runstate.Approved, nil)
		if err != nil {
			return err
		}
		_, err = eventlog.Append(ctx, tx, eventlog.AppendInput{
			RunID: runID, EventType: "status_transition", StatusFrom: &from, StatusTo: &to,
			Payload: map[string]any{"source": "merge_gate", "phase": "approve"},
		})
		return err
	})
}

func (g *Gate) snapshot(ctx context.Context, runID string) (runRow, error) {
	return store.WithTxResult(ctx, g.Pool, func(ctx context.Context, tx store.DBTX) (runRow, error) {
		return loadRunForUpdate(ctx, tx, runID)
	})
}

func (g *Gate) headSHA(ctx context.Context, worktreePath string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "-C", worktreePath, "rev-parse", "HEAD")
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git_rev_parse_failed: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// runCommitPinnedChecks runs step 2. It returns a non-empty FinalStatus only
// when the run was already finalized by fail() inside this call.
func (g *Gate) runCommitPinnedChecks(ctx context.Context, runID, commitSHA, worktreePath string) (ApproveResult, error) {
	head, err := g.headSHA(ctx, worktreePath)
	if err != nil {
		return ApproveResult{}, err
	}
	if head != commitSHA {
		res, ferr := g.fail(ctx, runID, runstate.MergeConflict, "head_sha_mismatch_before_checks", nil)
		return res, ferr
	}

	for _, name := range g.Config.RequiredChecks {
		commandLine := g.Config.CheckCommand(name)
		if strings.TrimSpace(commandLine) == "" {
			return g.fail(ctx, runID, runstate.ChecksFailed, "missing_check_command_configuration", nil)
		}
		command, err := subprocess.SplitCommand(commandLine)
		if err != nil {
			return g.fail(ctx, runID, runstate.ChecksFailed, "invalid_check_command_configuration", err)
		}

		outputPath := filepath.Join(g.Config.ArtifactRoot, runID, "merge-gate", name+".log")
		startedAt := time.Now().UTC()
		outcome, err := checkrun.Run(ctx, checkrun.Spec{
			Name:    name,
			Command: command,
			Timeout: g.Config.CheckTimeout(name, g.Config.DefaultTimeout),
		}, checkrun.Options{
			Dir:        worktreePath,
			OutputPath: outputPath,
			Env:        g.subprocessEnv(runID, commitSHA, name),
		})
		endedAt := time.Now().UTC()
		if err != nil {
			return ApproveResult{}, err
		}

		if err := g.recordCheck(ctx, runID, outcome, startedAt, endedAt); err != nil {
			return ApproveResult{}, err
		}

		newHead, err := g.headSHA(ctx, worktreePath)
		if err != nil {
			return ApproveResult{}, err
		}
		if newHead != commitSHA {
			return g.fail(ctx, runID, runstate.MergeConflict, "head_sha_changed_during_checks", nil)
		}

		if !outcome.Passed() {
			reason := runstate.ChecksFailed
			if outcome.Status == "timed_out" {
				reason = runstate.AgentTimeout
			}
			return g.fail(ctx, runID, reason, "check_failed:"+name, nil)
		}
	}
	return ApproveResult{}, nil
}

// subprocessEnv builds the restricted environment for merge-gate check and
// deploy subprocesses, mirroring the worker's env injection with the run
// identity and the pinned commit.
func (g *Gate) subprocessEnv(runID, commitSHA, checkName string) []string {
	env := subprocess.FilterEnv(g.Config.SubprocessEnvAllow, g.Config.SubprocessEnvBlock)
	env = append(env, "RUN_ID="+runID)
	if commitSHA != "" {
		env = append(env, "COMMIT_SHA="+commitSHA)
	}
	if checkName != "" {
		env = append(env, "CHECK_NAME="+checkName)
	}
	return env
}

func (g *Gate) recordCheck(ctx context.Context, runID string, outcome checkrun.Outcome, startedAt, endedAt time.Time) error {
	return store.WithTx(ctx, g.Pool, func(ctx context.Context, tx store.DBTX) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO validation_checks (run_id, check_name, status, started_at, ended_at, artifact_uri)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, runID, outcome.Name, outcome.Status, startedAt, endedAt, outcome.OutputPath); err != nil {
			return err
		}
		_, err := eventlog.Append(ctx, tx, eventlog.AppendInput{
			RunID:     runID,
			EventType: "merge_gate_check_completed",
			Payload: map[string]any{
				"source":       "merge_gate",
				"check_name":   outcome.Name,
				"status":       outcome.Status,
				"artifact_uri": outcome.OutputPath,
			},
		})
		return err
	})
}

// merge runs step 3: transitions approved -> merging, then merges the run's
// branch into trunk as a --no-ff merge commit on the repo root,
// restoring the prior branch on both success and failure.
func (g *Gate) merge(ctx context.Context, runID, commitSHA, worktreePath, branchName string) (string, error) {
	if err := store.WithTx(ctx, g.Pool, func(ctx context.Context, tx store.DBTX) error {
		var status string
		if err := tx.QueryRow(ctx, `SELECT status FROM runs WHERE id = $1 FOR UPDATE`, runID).Scan(&status); err != nil {
			return err
		}
		from, to, err := applyTransition(ctx, tx, runID, status, runstate.Merging, nil)
		if err != nil {
			return err
		}
		_, err = eventlog.Append(ctx, tx, eventlog.AppendInput{
			RunID: runID, EventType: "status_transition", StatusFrom: &from, StatusTo: &to,
			Payload: map[string]any{"source": "merge_gate", "phase": "merge"},
		})
		return err
	}); err != nil {
		return "", err
	}

	priorBranch, err := g.currentBranch(ctx)
	if err != nil {
		return "", err
	}

	restore := func() {
		_ = g.runRepoGit(ctx, []string{"checkout", priorBranch})
	}

	if err := g.runRepoGit(ctx, []string{"checkout", g.Config.TrunkBranch}); err != nil {
		restore()
		return "", &failure{Reason: runstate.MergeConflict, Detail: "trunk_checkout_failed", Cause: err}
	}
	if err := g.runRepoGit(ctx, []string{"merge", "--no-ff", "--no-edit", branchName}); err != nil {
		_ = g.runRepoGit(ctx, []string{"merge", "--abort"})
		restore()
		return "", &failure{Reason: runstate.MergeConflict, Detail: "merge_failed", Cause: err}
	}
	restore()

	releaseID := fmt.Sprintf("rel-%s-%d", shortRunID(runID), time.Now().Unix())
	releases := release.NewStore(g.Pool)
	if err := store.WithTx(ctx, g.Pool, func(ctx context.Context, tx store.DBTX) error {
		if _, err := releases.Upsert(ctx, tx, release.UpsertInput{
			ReleaseID: releaseID, CommitSHA: commitSHA, Status: "deployed",
		}); err != nil {
			return err
		}
		_, err := eventlog.Append(ctx, tx, eventlog.AppendInput{
			RunID:     runID,
			EventType: "release_recorded",
			Payload:   map[string]any{"source": "merge_gate", "release_id": releaseID, "commit_sha": commitSHA},
		})
		return err
	}); err != nil {
		return "", err
	}

	return releaseID, nil
}

// push runs step 4: the optional remote push, guarded by GitPushMode.
func (g *Gate) push(ctx context.Context, runID string) error {
	if g.Config.GitPushMode == PushManual || g.Config.GitPushMode == "" {
		return nil
	}

	pushCtx := ctx
	if g.Config.GitPushTimeout > 0 {
		var cancel context.CancelFunc
		pushCtx, cancel = context.WithTimeout(ctx, g.Config.GitPushTimeout)
		defer cancel()
	}

	if err := g.runRepoGitCtx(pushCtx, []string{"fetch", "--prune", g.Config.GitPushRemote}); err != nil {
		return &failure{Reason: runstate.DeployPushFailed, Detail: "fetch_failed", Cause: err}
	}

	ancestorCheck := exec.CommandContext(pushCtx, "git", "-C", g.Config.RepoRoot,
		"merge-base", "--is-ancestor",
		g.Config.GitPushRemote+"/"+g.Config.GitPushBranch, g.Config.TrunkBranch)
	if err := ancestorCheck.Run(); err != nil {
		return &failure{Reason: runstate.DeployPushFailed, Detail: "remote_not_ancestor_non_ff_guard", Cause: err}
	}

	args := []string{"push", g.Config.GitPushRemote, g.Config.TrunkBranch + ":" + g.Config.GitPushBranch}
	if g.Config.GitPushMode == PushDryRun {
		args = append(args, "--dry-run")
	}
	if err := g.runRepoGitCtx(pushCtx, args); err != nil {
		return &failure{Reason: runstate.DeployPushFailed, Detail: "push_failed", Cause: err}
	}
	return nil
}

// deploy runs step 5: merging -> deploying, backend reload + healthcheck.
func (g *Gate) deploy(ctx context.Context, runID string) error {
	if err := store.WithTx(ctx, g.Pool, func(ctx context.Context, tx store.DBTX) error {
		var status string
		if err := tx.QueryRow(ctx, `SELECT status FROM runs WHERE id = $1 FOR UPDATE`, runID).Scan(&status); err != nil {
			return err
		}
		from, to, err := applyTransition(ctx, tx, runID, status, runstate.Deploying, nil)
		if err != nil {
			return err
		}
		_, err = eventlog.Append(ctx, tx, eventlog.AppendInput{
			RunID: runID, EventType: "status_transition", StatusFrom: &from, StatusTo: &to,
			Payload: map[string]any{"source": "merge_gate", "phase": "deploy"},
		})
		return err
	}); err != nil {
		return err
	}

	for _, step := range []struct {
		name    string
		command string
	}{
		{"reload", g.Config.DeployReloadCommand},
		{"healthcheck", g.Config.DeployHealthCommand},
	} {
		if strings.TrimSpace(step.command) == "" {
			continue
		}
		command, err := subprocess.SplitCommand(step.command)
		if err != nil {
			return &failure{Reason: runstate.DeployHealthcheckFailed, Detail: step.name + "_invalid_command", Cause: err}
		}
		outputPath := filepath.Join(g.Config.ArtifactRoot, runID, "merge-gate", "deploy-"+step.name+".log")
		result, err := subprocess.Run(ctx, subprocess.Options{
			Command:    command,
			Dir:        g.Config.RepoRoot,
			OutputPath: outputPath,
			Timeout:    g.Config.DeployStepTimeout,
			Env:        g.subprocessEnv(runID, "", ""),
		})
		if err != nil {
			return err
		}
		if recErr := g.recordDeployArtifact(ctx, runID, step.name, outputPath, result); recErr != nil {
			return recErr
		}
		if result.ExitCode != 0 || result.TimedOut {
			return &failure{Reason: runstate.DeployHealthcheckFailed, Detail: step.name + "_failed"}
		}
	}
	return nil
}

func (g *Gate) recordDeployArtifact(ctx context.Context, runID, stepName, outputPath string, result subprocess.Result) error {
	return store.WithTx(ctx, g.Pool, func(ctx context.Context, tx store.DBTX) error {
		if err := artifact.Record(ctx, tx, runID, "deploy_"+stepName, outputPath, map[string]any{
			"exit_code": result.ExitCode,
		}); err != nil {
			return err
		}
		_, err := eventlog.Append(ctx, tx, eventlog.AppendInput{
			RunID:     runID,
			EventType: "deploy_step_completed",
			Payload:   map[string]any{"source": "merge_gate", "step": stepName, "artifact_uri": outputPath, "exit_code": result.ExitCode},
		})
		return err
	})
}

// finalizeMerged runs step 6: deploying -> merged, releasing the slot lease.
func (g *Gate) finalizeMerged(ctx context.Context, runID string) (ApproveResult, error) {
	return store.WithTxResult(ctx, g.Pool, func(ctx context.Context, tx store.DBTX) (ApproveResult, error) {
		var status string
		var slotID *string
		if err := tx.QueryRow(ctx, `SELECT status, slot_id FROM runs WHERE id = $1 FOR UPDATE`, runID).Scan(&status, &slotID); err != nil {
			return ApproveResult{}, err
		}
		from, to, err := applyTransition(ctx, tx, runID, status, runstate.Merged, nil)
		if err != nil {
			return ApproveResult{}, err
		}
		if _, err := eventlog.Append(ctx, tx, eventlog.AppendInput{
			RunID: runID, EventType: "status_transition", StatusFrom: &from, StatusTo: &to,
			Payload: map[string]any{"source": "merge_gate", "phase": "merged"},
		}); err != nil {
			return ApproveResult{}, err
		}

		if slotID != nil && *slotID != "" {
			release, err := g.Slots.Release(ctx, tx, *slotID, runID)
			if err != nil {
				return ApproveResult{}, err
			}
			if release.Reason != "" {
				if _, err := eventlog.Append(ctx, tx, eventlog.AppendInput{
					RunID:     runID,
					EventType: "slot_release_skipped",
					Payload:   map[string]any{"source": "merge_gate", "slot_id": *slotID, "reason": release.Reason},
				}); err != nil {
					return ApproveResult{}, err
				}
			}
		}

		return ApproveResult{FinalStatus: string(runstate.Merged)}, nil
	})
}

// fail finalizes runID as failed with reason/detail and returns the result
// the caller propagates up through Approve.
func (g *Gate) fail(ctx context.Context, runID string, reason runstate.FailureReason, detail string, cause error) (ApproveResult, error) {
	err := store.WithTx(ctx, g.Pool, func(ctx context.Context, tx store.DBTX) error {
		var status string
		var slotID *string
		if err := tx.QueryRow(ctx, `SELECT status, slot_id FROM runs WHERE id = $1 FOR UPDATE`, runID).Scan(&status, &slotID); err != nil {
			return err
		}
		from, to, err := applyTransition(ctx, tx, runID, status, runstate.Failed, &reason)
		if err != nil {
			return err
		}
		causeMsg := ""
		if cause != nil {
			causeMsg = cause.Error()
		}
		payload := map[string]any{
			"source":              "merge_gate",
			"failure_reason_code": string(reason),
			"detail":              detail,
			"error":               causeMsg,
		}
		if reason == runstate.DeployPushFailed {
			payload["rollback_guidance"] = "local trunk has already merged the run branch; revert the merge commit before retrying the push"
		}
		if _, err := eventlog.Append(ctx, tx, eventlog.AppendInput{
			RunID: runID, EventType: "status_transition", StatusFrom: &from, StatusTo: &to,
			Payload: payload, AuditAction: "run_failed",
		}); err != nil {
			return err
		}
		if slotID != nil && *slotID != "" {
			if _, err := g.Slots.Release(ctx, tx, *slotID, runID); err != nil {
				return err
			}
		}
		return nil
	})
	return ApproveResult{FinalStatus: string(runstate.Failed), FailureCode: string(reason), Detail: detail}, err
}

// RejectResult reports the outcome of Reject.
type RejectResult struct {
	Terminal    bool // run was already terminal; only the Approval row was recorded
	FinalStatus string
}

// Reject implements the reject flow: non-terminal runs transition to failed
// with the caller-supplied (or default) reason, then have their worktree
// cleaned up and branch deleted. Terminal runs only get the Approval row.
func (g *Gate) Reject(ctx context.Context, runID string, reviewerID, reason *string, failureReasonCode runstate.FailureReason) (RejectResult, error) {
	if failureReasonCode == "" {
		failureReasonCode = runstate.PolicyRejected
	}
	if err := g.recordApproval(ctx, runID, "rejected", reviewerID, reason); err != nil {
		return RejectResult{}, err
	}

	return store.WithTxResult(ctx, g.Pool, func(ctx context.Context, tx store.DBTX) (RejectResult, error) {
		var status string
		var slotID *string
		if err := tx.QueryRow(ctx, `SELECT status, slot_id FROM runs WHERE id = $1 FOR UPDATE`, runID).Scan(&status, &slotID); err != nil {
			return RejectResult{}, err
		}

		if runstate.IsTerminal(runstate.State(status)) {
			return RejectResult{Terminal: true, FinalStatus: status}, nil
		}

		from, to, err := applyTransition(ctx, tx, runID, status, runstate.Failed, &failureReasonCode)
		if err != nil {
			return RejectResult{}, err
		}
		if _, err := eventlog.Append(ctx, tx, eventlog.AppendInput{
			RunID: runID, EventType: "status_transition", StatusFrom: &from, StatusTo: &to,
			Payload:     map[string]any{"source": "merge_gate", "failure_reason_code": string(failureReasonCode)},
			AuditAction: "run_rejected",
		}); err != nil {
			return RejectResult{}, err
		}

		ownedSlot := ""
		if slotID != nil {
			ownedSlot = *slotID
		}
		if ownedSlot != "" {
			if err := g.Worktrees.DeleteRunBranch(ctx, tx, ownedSlot, runID); err != nil {
				return RejectResult{}, err
			}
			if _, err := g.Slots.Release(ctx, tx, ownedSlot, runID); err != nil {
				return RejectResult{}, err
			}
		} else {
			if err := g.Worktrees.DeleteRunBranch(ctx, tx, "", runID); err != nil {
				return RejectResult{}, err
			}
		}

		return RejectResult{FinalStatus: string(runstate.Failed)}, nil
	})
}

func applyTransition(ctx context.Context, tx store.DBTX, runID, currentStatus string, target runstate.State, failureReason *runstate.FailureReason) (string, string, error) {
	current := runstate.State(currentStatus)
	if err := runstate.EnsureTransitionAllowed(current, target, failureReason); err != nil {
		return "", "", err
	}
	if target == runstate.Failed && failureReason != nil {
		if _, err := tx.Exec(ctx, `UPDATE runs SET status = $1, failure_reason_code = $2, updated_at = now() WHERE id = $3`, target, string(*failureReason), runID); err != nil {
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

func (g *Gate) currentBranch(ctx context.Context) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "-C", g.Config.RepoRoot, "rev-parse", "--abbrev-ref", "HEAD")
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git_rev_parse_failed: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

func (g *Gate) runRepoGit(ctx context.Context, args []string) error {
	return g.runRepoGitCtx(ctx, args)
}

func (g *Gate) runRepoGitCtx(ctx context.Context, args []string) error {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", g.Config.RepoRoot}, args...)...)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return fmt.Errorf("git_command_failed: %s", msg)
	}
	return nil
}

func shortRunID(runID string) string {
	if len(runID) > 8 {
		return runID[:8]
	}
	return runID
}

func derefOr(s *string, fallback string) string {
	if s == nil {
		return fallback
	}
	return *s
}

// ApprovalRow is one row of the approvals table.
type ApprovalRow struct {
	ID         int64
	RunID      string
	ReviewerID *string
	Decision   string
	Reason     *string
	CreatedAt  time.Time
}

// ListApprovals returns a run's approval history, oldest first, backing
// GET /api/runs/{id}/approvals.
func (g *Gate) ListApprovals(ctx context.Context, runID string) ([]ApprovalRow, error) {
	rows, err := g.Pool.Query(ctx, `
		SELECT id, run_id, reviewer_id, decision, reason, created_at
		FROM approvals
		WHERE run_id = $1
		ORDER BY id ASC
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ApprovalRow
	for rows.Next() {
		var a ApprovalRow
		if err := rows.Scan(&a.ID, &a.RunID, &a.ReviewerID, &a.Decision, &a.Reason, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

