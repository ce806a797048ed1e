// Package worktree manages the one-worktree-per-slot binding between a
// preview slot, a git branch, and a checked-out working tree on disk,
// shelling out to the git CLI the same way the slot's lease is managed
// purely in SQL.
package worktree

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/oroboros/controlplane/internal/store"
	"github.com/oroboros/controlplane/pkg/eventlog"
)

const (
	branchPrefix         = "codex/run-"
	activeBindingState   = "active"
	releasedBindingState = "released"
)

var runIDPattern = regexp.MustCompile(`^[A-Za-z0-9-]+$`)

// Manager assigns and cleans up worktrees under RepoRoot/WorktreeRoot for
// the configured slot pool.
type Manager struct {
	SlotIDs      []string
	RepoRoot     string
	WorktreeRoot string
}

// NewManager builds a Manager from REPO_ROOT_PATH / WORKTREE_ROOT_PATH /
// SLOT_IDS_CSV (internal/config).
func NewManager(slotIDs []string, repoRoot, worktreeRoot string) *Manager {
	return &Manager{SlotIDs: slotIDs, RepoRoot: repoRoot, WorktreeRoot: worktreeRoot}
}

func (m *Manager) slotIDs() []string {
	if len(m.SlotIDs) == 0 {
		return []string{"preview-1", "preview-2", "preview-3"}
	}
	return m.SlotIDs
}

func (m *Manager) validateSlot(slotID string) error {
	for _, s := range m.slotIDs() {
		if s == slotID {
			return nil
		}
	}
	return fmt.Errorf("invalid_slot_id: %s", slotID)
}

// BranchName returns the branch a run's worktree is checked out onto.
func BranchName(runID string) (string, error) {
	if !runIDPattern.MatchString(runID) {
		return "", fmt.Errorf("invalid_run_id_for_branch: %s", runID)
	}
	return branchPrefix + runID, nil
}

func (m *Manager) slotWorktreePath(slotID string) (string, error) {
	abs, err := filepath.Abs(filepath.Join(m.WorktreeRoot, slotID))
	if err != nil {
		return "", err
	}
	return abs, nil
}

func (m *Manager) runGit(ctx context.Context, args []string, allowFailure bool) (string, error) {
	command := append([]string{"-C", m.RepoRoot}, args...)
	cmd := exec.CommandContext(ctx, "git", command...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil && !allowFailure {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = strings.TrimSpace(stdout.String())
		}
		if msg == "" {
			msg = "unknown_error"
		}
		return stdout.String(), fmt.Errorf("git_command_failed: %s", msg)
	}
	return stdout.String(), nil
}

type registeredWorktree struct {
	Branch string
	Head   string
}

func (m *Manager) listRegisteredWorktrees(ctx context.Context) (map[string]registeredWorktree, error) {
	out, err := m.runGit(ctx, []string{"worktree", "list", "--porcelain"}, true)
	if err != nil {
		return map[string]registeredWorktree{}, nil
	}

	items := make(map[string]registeredWorktree)
	var currentPath string
	for _, raw := range strings.Split(out, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			currentPath = ""
			continue
		}
		switch {
		case strings.HasPrefix(line, "worktree "):
			p := strings.TrimSpace(strings.TrimPrefix(line, "worktree "))
			abs, err := filepath.Abs(p)
			if err != nil {
				abs = p
			}
			currentPath = abs
			items[currentPath] = registeredWorktree{}
		case currentPath == "":
			continue
		case strings.HasPrefix(line, "branch "):
			ref := strings.TrimSpace(strings.TrimPrefix(line, "branch "))
			entry := items[currentPath]
			entry.Branch = strings.TrimPrefix(ref, "refs/heads/")
			items[currentPath] = entry
		case strings.HasPrefix(line, "HEAD "):
			entry := items[currentPath]
			entry.Head = strings.TrimSpace(strings.TrimPrefix(line, "HEAD "))
			items[currentPath] = entry
		}
	}
	return items, nil
}

func (m *Manager) ensureBranchExists(ctx context.Context, branchName string) error {
	_, err := m.runGit(ctx, []string{"show-ref", "--verify", "--quiet", "refs/heads/" + branchName}, true)
	if err == nil {
		return nil
	}
	_, err = m.runGit(ctx, []string{"branch", branchName}, false)
	return err
}

// ensureActiveSlotLease re-checks, at assign time, that the slot lease for
// slotID is still held by runID and has not expired. On the worker's claim
// path the caller's transaction already holds the lease row lock by this
// point; the lease row is read here without taking a lock.
func ensureActiveSlotLease(ctx context.Context, tx store.DBTX, slotID, runID string) error {
	var leaseRunID, leaseState string
	var expiresAt time.Time
	err := tx.QueryRow(ctx, `
		SELECT run_id, lease_state, expires_at FROM slot_leases WHERE slot_id = $1
	`, slotID).Scan(&leaseRunID, &leaseState, &expiresAt)
	if err == store.ErrNoRows {
		return fmt.Errorf("active_lease_required")
	}
	if err != nil {
		return err
	}
	if leaseRunID != runID {
		return fmt.Errorf("slot_bound_to_other_run")
	}
	if leaseState != "leased" {
		return fmt.Errorf("active_lease_required")
	}
	if !expiresAt.After(time.Now().UTC()) {
		return fmt.Errorf("active_lease_required")
	}
	return nil
}

// AssignResult is the outcome of Assign.
type AssignResult struct {
	Assigned     bool
	Reused       bool
	SlotID       string
	RunID        string
	BranchName   string
	WorktreePath string
}

// Assign checks out (or reuses) the worktree for runID at slotID, creating
// its branch if necessary. It requires an active, run-owned slot lease.
func (m *Manager) Assign(ctx context.Context, tx store.DBTX, runID, slotID string, createdBy *string) (AssignResult, error) {
	if err := m.validateSlot(slotID); err != nil {
		return AssignResult{}, err
	}

	var runBranch, runSlotID *string
	err := tx.QueryRow(ctx, `SELECT branch_name, slot_id FROM runs WHERE id = $1`, runID).Scan(&runBranch, &runSlotID)
	if err == store.ErrNoRows {
		return AssignResult{}, fmt.Errorf("run_not_found")
	}
	if err != nil {
		return AssignResult{}, err
	}

	if err := ensureActiveSlotLease(ctx, tx, slotID, runID); err != nil {
		return AssignResult{}, err
	}

	branchName, err := BranchName(runID)
	if err != nil {
		return AssignResult{}, err
	}
	if runBranch != nil && *runBranch != branchName {
		return AssignResult{}, fmt.Errorf("branch_name_conflict")
	}
	if runSlotID != nil && *runSlotID != slotID {
		return AssignResult{}, fmt.Errorf("run_bound_to_other_slot")
	}

	if _, err := os.Stat(filepath.Join(m.RepoRoot, ".git")); err != nil {
		return AssignResult{}, fmt.Errorf("repo_root_not_found")
	}

	worktreePath, err := m.slotWorktreePath(slotID)
	if err != nil {
		return AssignResult{}, err
	}
	worktreeRootAbs, err := filepath.Abs(m.WorktreeRoot)
	if err != nil {
		return AssignResult{}, err
	}
	if worktreePath != worktreeRootAbs && !strings.HasPrefix(worktreePath, worktreeRootAbs+string(filepath.Separator)) {
		return AssignResult{}, fmt.Errorf("worktree_path_out_of_bounds")
	}

	if err := os.MkdirAll(m.WorktreeRoot, 0o755); err != nil {
		return AssignResult{}, err
	}

	registered, err := m.listRegisteredWorktrees(ctx)
	if err != nil {
		return AssignResult{}, err
	}

	var existingBindingRunID, existingBindingState *string
	err = tx.QueryRow(ctx, `
		SELECT run_id, binding_state FROM slot_worktree_bindings WHERE slot_id = $1 FOR UPDATE
	`, slotID).Scan(&existingBindingRunID, &existingBindingState)
	bindingExists := err == nil
	if err != nil && err != store.ErrNoRows {
		return AssignResult{}, err
	}

	reused := false
	entry, isRegistered := registered[worktreePath]
	if isRegistered && entry.Branch == branchName && bindingExists &&
		existingBindingRunID != nil && *existingBindingRunID == runID &&
		existingBindingState != nil && *existingBindingState == activeBindingState {
		reused = true
	} else {
		if isRegistered && entry.Branch != branchName {
			if _, err := m.runGit(ctx, []string{"worktree", "remove", worktreePath}, false); err != nil {
				return AssignResult{}, err
			}
		}
		if err := m.ensureBranchExists(ctx, branchName); err != nil {
			return AssignResult{}, err
		}
		registered, err = m.listRegisteredWorktrees(ctx)
		if err != nil {
			return AssignResult{}, err
		}
		entry, isRegistered = registered[worktreePath]
		if isRegistered && entry.Branch == branchName {
			reused = true
		} else {
			if _, err := m.runGit(ctx, []string{"worktree", "add", worktreePath, branchName}, false); err != nil {
				return AssignResult{}, err
			}
		}
	}

	lastAction := "assigned"
	if reused {
		lastAction = "reused"
	}

	if bindingExists {
		if _, err := tx.Exec(ctx, `
			UPDATE slot_worktree_bindings
			SET run_id = $1, branch_name = $2, worktree_path = $3, binding_state = $4,
			    last_action = $5, released_at = NULL, updated_at = now()
			WHERE slot_id = $6
		`, runID, branchName, worktreePath, activeBindingState, lastAction, slotID); err != nil {
			return AssignResult{}, err
		}
	} else {
		if _, err := tx.Exec(ctx, `
			INSERT INTO slot_worktree_bindings (slot_id, run_id, branch_name, worktree_path, binding_state, last_action)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, slotID, runID, branchName, worktreePath, activeBindingState, lastAction); err != nil {
			return AssignResult{}, err
		}
	}

	if _, err := tx.Exec(ctx, `
		UPDATE runs SET slot_id = $1, branch_name = $2, worktree_path = $3 WHERE id = $4
	`, slotID, branchName, worktreePath, runID); err != nil {
		return AssignResult{}, err
	}

	eventType := "worktree_assigned"
	auditAction := "worktree.assign"
	if reused {
		eventType = "worktree_reused"
		auditAction = "worktree.reuse"
	}

	payload := map[string]any{
		"slot_id":       slotID,
		"run_id":        runID,
		"branch_name":   branchName,
		"worktree_path": worktreePath,
		"reused":        reused,
	}
	if _, err := eventlog.Append(ctx, tx, eventlog.AppendInput{
		RunID:       runID,
		EventType:   eventType,
		Payload:     payload,
		ActorID:     createdBy,
		AuditAction: auditAction,
	}); err != nil {
		return AssignResult{}, err
	}

	return AssignResult{
		Assigned:     true,
		Reused:       reused,
		SlotID:       slotID,
		RunID:        runID,
		BranchName:   branchName,
		WorktreePath: worktreePath,
	}, nil
}

// CleanupResult is the outcome of Cleanup.
type CleanupResult struct {
	Cleaned      bool
	SlotID       string
	RunID        string
	BranchName   string
	WorktreePath string
	Reason       string
}

// Cleanup removes the checked-out worktree for slotID and releases its
// binding. If expectedRunID is non-empty, Cleanup refuses to act on a slot
// bound to a different run.
func (m *Manager) Cleanup(ctx context.Context, tx store.DBTX, slotID, expectedRunID string) (CleanupResult, error) {
	if err := m.validateSlot(slotID); err != nil {
		return CleanupResult{}, err
	}

	var bindingRunID, bindingState, branchName, worktreePath *string
	err := tx.QueryRow(ctx, `
		SELECT run_id, binding_state, branch_name, worktree_path
		FROM slot_worktree_bindings WHERE slot_id = $1 FOR UPDATE
	`, slotID).Scan(&bindingRunID, &bindingState, &branchName, &worktreePath)
	if err == store.ErrNoRows || (err == nil && (bindingState == nil || *bindingState != activeBindingState)) {
		return CleanupResult{SlotID: slotID, RunID: expectedRunID, Reason: "no_active_binding"}, nil
	}
	if err != nil {
		return CleanupResult{}, err
	}

	if expectedRunID != "" && (bindingRunID == nil || *bindingRunID != expectedRunID) {
		return CleanupResult{SlotID: slotID, RunID: expectedRunID, Reason: "slot_bound_to_other_run"}, nil
	}

	if _, err := os.Stat(filepath.Join(m.RepoRoot, ".git")); err != nil {
		return CleanupResult{}, fmt.Errorf("repo_root_not_found")
	}

	resolvedPath := ""
	if worktreePath != nil {
		if abs, err := filepath.Abs(*worktreePath); err == nil {
			resolvedPath = abs
		}
	}

	registered, err := m.listRegisteredWorktrees(ctx)
	if err != nil {
		return CleanupResult{}, err
	}
	if _, ok := registered[resolvedPath]; ok {
		if _, err := m.runGit(ctx, []string{"worktree", "remove", resolvedPath}, false); err != nil {
			return CleanupResult{}, err
		}
	}

	if _, err := tx.Exec(ctx, `
		UPDATE slot_worktree_bindings
		SET binding_state = $1, last_action = 'cleaned_up', released_at = now(), updated_at = now()
		WHERE slot_id = $2
	`, releasedBindingState, slotID); err != nil {
		return CleanupResult{}, err
	}

	var owningRunID string
	var actorID *string
	if bindingRunID != nil {
		owningRunID = *bindingRunID
		err := tx.QueryRow(ctx, `SELECT created_by FROM runs WHERE id = $1`, owningRunID).Scan(&actorID)
		if err != nil && err != store.ErrNoRows {
			return CleanupResult{}, err
		}
		if _, err := tx.Exec(ctx, `
			UPDATE runs SET slot_id = NULL WHERE id = $1 AND slot_id = $2
		`, owningRunID, slotID); err != nil {
			return CleanupResult{}, err
		}
		if worktreePath != nil {
			if _, err := tx.Exec(ctx, `
				UPDATE runs SET worktree_path = NULL WHERE id = $1 AND worktree_path = $2
			`, owningRunID, *worktreePath); err != nil {
				return CleanupResult{}, err
			}
		}
	}

	payload := map[string]any{
		"slot_id":       slotID,
		"run_id":        owningRunID,
		"branch_name":   derefOrEmpty(branchName),
		"worktree_path": derefOrEmpty(worktreePath),
	}
	if owningRunID != "" {
		if _, err := eventlog.Append(ctx, tx, eventlog.AppendInput{
			RunID:     owningRunID,
			EventType: "worktree_cleaned",
			Payload:   payload,
			ActorID:   actorID,
		}); err != nil {
			return CleanupResult{}, err
		}
	}

	return CleanupResult{
		Cleaned:      true,
		SlotID:       slotID,
		RunID:        owningRunID,
		BranchName:   derefOrEmpty(branchName),
		WorktreePath: derefOrEmpty(worktreePath),
	}, nil
}

// CommitResult reports whether CommitChanges found and committed anything.
type CommitResult struct {
	Dirty     bool
	Committed bool
	CommitSHA string
}

// CommitChanges stages and commits any working-tree changes in worktreePath
// under authorName/authorEmail. Returns Dirty=false, Committed=false when the
// tree was already clean — the caller treats that as a no-op, not a failure.
func (m *Manager) CommitChanges(ctx context.Context, worktreePath, authorName, authorEmail, message string) (CommitResult, error) {
	cmd := exec.CommandContext(ctx, "git", "-C", worktreePath, "status", "--porcelain")
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return CommitResult{}, fmt.Errorf("git_status_failed: %w", err)
	}
	if strings.TrimSpace(stdout.String()) == "" {
		return CommitResult{}, nil
	}

	if err := runGitIn(ctx, worktreePath, []string{"add", "-A"}); err != nil {
		return CommitResult{Dirty: true}, err
	}

	commitCmd := exec.CommandContext(ctx, "git", "-C", worktreePath,
		"-c", "user.name="+authorName, "-c", "user.email="+authorEmail,
		"commit", "-m", message)
	var commitOut, commitErr bytes.Buffer
	commitCmd.Stdout = &commitOut
	commitCmd.Stderr = &commitErr
	if err := commitCmd.Run(); err != nil {
		msg := strings.TrimSpace(commitErr.String())
		if msg == "" {
			msg = strings.TrimSpace(commitOut.String())
		}
		return CommitResult{Dirty: true}, fmt.Errorf("git_commit_failed: %s", msg)
	}

	shaCmd := exec.CommandContext(ctx, "git", "-C", worktreePath, "rev-parse", "HEAD")
	var shaOut bytes.Buffer
	shaCmd.Stdout = &shaOut
	if err := shaCmd.Run(); err != nil {
		return CommitResult{Dirty: true, Committed: true}, fmt.Errorf("git_rev_parse_failed: %w", err)
	}

	return CommitResult{Dirty: true, Committed: true, CommitSHA: strings.TrimSpace(shaOut.String())}, nil
}

func runGitIn(ctx context.Context, dir string, args []string) error {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", dir}, args...)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = "unknown_error"
		}
		return fmt.Errorf("git_command_failed: %s", msg)
	}
	return nil
}

// DeleteRunBranch removes the checked-out worktree (if still registered) and
// deletes the run's branch outright. Used by the merge-gate reject path,
// where the branch is not meant to be reused by a later run.
func (m *Manager) DeleteRunBranch(ctx context.Context, tx store.DBTX, slotID, runID string) error {
	if slotID != "" {
		if _, err := m.Cleanup(ctx, tx, slotID, runID); err != nil {
			return err
		}
	}

	branchName, err := BranchName(runID)
	if err != nil {
		return err
	}
	if _, err := os.Stat(filepath.Join(m.RepoRoot, ".git")); err != nil {
		return fmt.Errorf("repo_root_not_found")
	}
	if _, err := m.runGit(ctx, []string{"branch", "-D", branchName}, true); err != nil {
		return err
	}
	return nil
}

func derefOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// Binding describes one configured slot's worktree-binding state.
type Binding struct {
	SlotID       string
	State        string // "unbound" | "bound" | "released"
	RunID        *string
	BranchName   *string
	WorktreePath *string
	BindingState *string
	LastAction   *string
}

// ListBindings reports the worktree-binding state of every configured slot.
func (m *Manager) ListBindings(ctx context.Context, tx store.DBTX) ([]Binding, error) {
	slotIDs := m.slotIDs()

	rows, err := tx.Query(ctx, `
		SELECT slot_id, run_id, branch_name, worktree_path, binding_state, last_action
		FROM slot_worktree_bindings
		WHERE slot_id = ANY($1)
		ORDER BY slot_id ASC
	`, slotIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byID := make(map[string]Binding)
	for rows.Next() {
		var b Binding
		if err := rows.Scan(&b.SlotID, &b.RunID, &b.BranchName, &b.WorktreePath, &b.BindingState, &b.LastAction); err != nil {
			return nil, err
		}
		byID[b.SlotID] = b
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]Binding, 0, len(slotIDs))
	for _, slotID := range slotIDs {
		b, ok := byID[slotID]
		if !ok {
			out = append(out, Binding{SlotID: slotID, State: "unbound"})
			continue
		}
		state := "released"
		if b.BindingState != nil && *b.BindingState == activeBindingState {
			state = "bound"
		}
		b.State = state
		out = append(out, b)
	}
	return out, nil
}
