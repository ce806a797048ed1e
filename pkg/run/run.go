// Package run implements Run/RunContext persistence and the state-machine
// HTTP operations that wrap pkg/runstate: creation, listing, transition,
// cancel, retry, and the recoverable-failure resume flow.
package run

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/oroboros/controlplane/internal/store"
	"github.com/oroboros/controlplane/internal/telemetry"
	"github.com/oroboros/controlplane/pkg/eventlog"
	"github.com/oroboros/controlplane/pkg/runstate"
	"github.com/oroboros/controlplane/pkg/slotlease"
	"github.com/oroboros/controlplane/pkg/worktree"
)

// Store provides Run/RunContext persistence. Read paths query the pool
// directly; writes that touch more than one table run inside store.WithTx.
// Slots/Worktrees are only required by Expire (the resource-cleanup path);
// every other method leaves them nil. RDB, when set, wakes stream readers
// after each committed create, transition and child-run fork (Expire does
// not publish); a nil RDB only costs stream latency.
type Store struct {
	Pool      *pgxpool.Pool
	Slots     *slotlease.Manager
	Worktrees *worktree.Manager
	RDB       *redis.Client
}

func NewStore(pool *pgxpool.Pool) *Store { return &Store{Pool: pool} }

// NewStoreWithResources builds a Store whose Expire method can also release
// the run's slot lease and clean up its worktree binding, and whose create,
// transition and fork paths publish a stream wake-up after commit.
func NewStoreWithResources(pool *pgxpool.Pool, slots *slotlease.Manager, worktrees *worktree.Manager, rdb *redis.Client) *Store {
	return &Store{Pool: pool, Slots: slots, Worktrees: worktrees, RDB: rdb}
}

// Row is a run row as read back from Postgres.
type Row struct {
	ID            string
	Title         string
	Prompt        string
	Status        string
	Route         *string
	SlotID        *string
	BranchName    *string
	WorktreePath  *string
	CommitSHA     *string
	ParentRunID   *string
	CreatedBy     *string
	FailureReason *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Response is the JSON representation of a Run.
type Response struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	Prompt        string    `json:"prompt"`
	Status        string    `json:"status"`
	Route         *string   `json:"route"`
	SlotID        *string   `json:"slot_id"`
	BranchName    *string   `json:"branch_name"`
	WorktreePath  *string   `json:"worktree_path"`
	CommitSHA     *string   `json:"commit_sha"`
	ParentRunID   *string   `json:"parent_run_id"`
	CreatedBy     *string   `json:"created_by"`
	FailureReason *string   `json:"failure_reason_code,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ToResponse converts a Row to its JSON DTO.
func (r *Row) ToResponse() Response {
	return Response{
		ID:            r.ID,
		Title:         r.Title,
		Prompt:        r.Prompt,
		Status:        r.Status,
		Route:         r.Route,
		SlotID:        r.SlotID,
		BranchName:    r.BranchName,
		WorktreePath:  r.WorktreePath,
		CommitSHA:     r.CommitSHA,
		ParentRunID:   r.ParentRunID,
		CreatedBy:     r.CreatedBy,
		FailureReason: r.FailureReason,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}

const runColumns = `id, title, prompt, status, route, slot_id, branch_name, worktree_path,
	       commit_sha, parent_run_id, created_by, failure_reason_code, created_at, updated_at`

func scanRow(row interface{ Scan(...any) error }) (Row, error) {
	var r Row
	err := row.Scan(&r.ID, &r.Title, &r.Prompt, &r.Status, &r.Route, &r.SlotID,
		&r.BranchName, &r.WorktreePath, &r.CommitSHA, &r.ParentRunID, &r.CreatedBy,
		&r.FailureReason, &r.CreatedAt, &r.UpdatedAt)
	return r, err
}

// CreateInput is the JSON body for POST /api/runs.
type CreateInput struct {
	Title       string         `json:"title"`
	Prompt      string         `json:"prompt"`
	Route       *string        `json:"route"`
	PageTitle   *string        `json:"page_title"`
	ElementHint *string        `json:"element_hint"`
	Note        *string        `json:"note"`
	Metadata    map[string]any `json:"metadata"`
	CreatedBy   *string        `json:"created_by"`
}

// Create inserts a new run in queued, its RunContext, and a run_created
// event, all in one transaction.
func (s *Store) Create(ctx context.Context, in CreateInput) (Row, error) {
	if in.Title == "" {
		return Row{}, fmt.Errorf("title is required")
	}
	if in.Prompt == "" {
		return Row{}, fmt.Errorf("prompt is required")
	}

	id := uuid.NewString()
	now := time.Now().UTC()

	row, err := store.WithTxResult(ctx, s.Pool, func(ctx context.Context, tx store.DBTX) (Row, error) {
		if _, err := tx.Exec(ctx, `
			INSERT INTO runs (id, title, prompt, status, route, created_by, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		`, id, in.Title, in.Prompt, string(runstate.Queued), in.Route, in.CreatedBy, now); err != nil {
			return Row{}, err
		}

		metadata := in.Metadata
		if metadata == nil {
			metadata = map[string]any{}
		}
		metadataJSON, err := json.Marshal(metadata)
		if err != nil {
			return Row{}, fmt.Errorf("encoding run context metadata: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO run_contexts (run_id, route, page_title, element_hint, note, metadata)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, id, in.Route, in.PageTitle, in.ElementHint, in.Note, metadataJSON); err != nil {
			return Row{}, err
		}

		statusTo := string(runstate.Queued)
		if _, err := eventlog.Append(ctx, tx, eventlog.AppendInput{
			RunID:     id,
			EventType: "run_created",
			StatusTo:  &statusTo,
			Payload:   map[string]any{"source": "api"},
		}); err != nil {
			return Row{}, err
		}

		return Row{
			ID: id, Title: in.Title, Prompt: in.Prompt, Status: string(runstate.Queued),
			Route: in.Route, CreatedBy: in.CreatedBy, CreatedAt: now, UpdatedAt: now,
		}, nil
	})
	if err != nil {
		return Row{}, err
	}
	_ = eventlog.Publish(ctx, s.RDB, id)
	return row, nil
}

// Get reads a single run by id.
func (s *Store) Get(ctx context.Context, runID string) (Row, error) {
	return scanRow(s.Pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, runID))
}

// ListFilters holds the optional query parameters for List.
type ListFilters struct {
	Status string
	Limit  int
	Offset int
}

// Count returns the number of runs matching the status filter.
func (s *Store) Count(ctx context.Context, status string) (int, error) {
	var n int
	err := s.Pool.QueryRow(ctx, `
		SELECT count(*) FROM runs WHERE $1 = '' OR status = $1
	`, status).Scan(&n)
	return n, err
}

// List returns runs ordered newest-first, optionally filtered by status.
func (s *Store) List(ctx context.Context, f ListFilters) ([]Row, error) {
	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	pgRows, err := s.Pool.Query(ctx, `
		SELECT `+runColumns+`
		FROM runs
		WHERE $1 = '' OR status = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, f.Status, limit, offset)
	if err != nil {
		return nil, err
	}
	defer pgRows.Close()

	var out []Row
	for pgRows.Next() {
		r, err := scanRow(pgRows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, pgRows.Err()
}

// TransitionInput is the JSON body for POST /api/runs/{id}/transition.
type TransitionInput struct {
	ToStatus          runstate.State          `json:"to_status"`
	FailureReasonCode *runstate.FailureReason `json:"failure_reason_code"`
}

// TransitionOutcome is returned by Transition/Cancel so HTTP handlers can
// surface the recoverable-failure metadata attached to
// AGENT_TIMEOUT/PREVIEW_EXPIRED.
type TransitionOutcome struct {
	Row            Row
	Recoverable    bool
	RecoveryReason string
	ResumeEndpoint string
}

// Transition applies a caller-requested state change under a row lock,
// rejecting anything pkg/runstate disallows.
func (s *Store) Transition(ctx context.Context, runID string, in TransitionInput) (TransitionOutcome, error) {
	return s.transition(ctx, runID, in.ToStatus, in.FailureReasonCode, "api")
}

// Cancel transitions a run to canceled from any non-terminal state.
func (s *Store) Cancel(ctx context.Context, runID string) (TransitionOutcome, error) {
	return s.transition(ctx, runID, runstate.Canceled, nil, "api")
}

// Expire is the thin wrapper over the reaper's transition-to-expired-with-
// cleanup pipeline: it reuses
// slotlease.Manager.ExpireRun for the status transition and lease release,
// then releases any worktree binding the run still owns.
func (s *Store) Expire(ctx context.Context, runID string) (slotlease.ExpireRunResult, error) {
	return store.WithTxResult(ctx, s.Pool, func(ctx context.Context, tx store.DBTX) (slotlease.ExpireRunResult, error) {
		result, err := s.Slots.ExpireRun(ctx, tx, runID, "api")
		if err != nil {
			return slotlease.ExpireRunResult{}, err
		}
		if result.SlotID != "" {
			if _, err := s.Worktrees.Cleanup(ctx, tx, result.SlotID, runID); err != nil {
				return slotlease.ExpireRunResult{}, err
			}
		}
		return result, nil
	})
}

func (s *Store) transition(ctx context.Context, runID string, target runstate.State, failureReason *runstate.FailureReason, source string) (TransitionOutcome, error) {
	outcome, err := store.WithTxResult(ctx, s.Pool, func(ctx context.Context, tx store.DBTX) (TransitionOutcome, error) {
		var currentStatus string
		if err := tx.QueryRow(ctx, `SELECT status FROM runs WHERE id = $1 FOR UPDATE`, runID).Scan(&currentStatus); err != nil {
			return TransitionOutcome{}, err
		}
		current := runstate.State(currentStatus)

		if err := runstate.EnsureTransitionAllowed(current, target, failureReason); err != nil {
			return TransitionOutcome{}, err
		}

		if failureReason != nil {
			if _, err := tx.Exec(ctx, `UPDATE runs SET status = $1, failure_reason_code = $2, updated_at = now() WHERE id = $3`,
				string(target), string(*failureReason), runID); err != nil {
				return TransitionOutcome{}, err
			}
			telemetry.RunsFailedTotal.WithLabelValues(string(*failureReason)).Inc()
		} else {
			if _, err := tx.Exec(ctx, `UPDATE runs SET status = $1, updated_at = now() WHERE id = $2`, string(target), runID); err != nil {
				return TransitionOutcome{}, err
			}
		}
		telemetry.RunsTransitionedTotal.WithLabelValues(string(target)).Inc()

		payload := map[string]any{"source": source}
		recoverable := (target == runstate.Failed || target == runstate.Expired) &&
			failureReason != nil && runstate.Recoverable(*failureReason)
		resumeEndpoint := ""
		if recoverable {
			payload["recoverable"] = true
			payload["recovery_strategy"] = "create_child_run"
			resumeEndpoint = fmt.Sprintf("/api/runs/%s/resume", runID)
			payload["resume_endpoint"] = resumeEndpoint
		}
		if failureReason != nil {
			payload["failure_reason_code"] = string(*failureReason)
		}

		currentStr := string(current)
		targetStr := string(target)
		if _, err := eventlog.Append(ctx, tx, eventlog.AppendInput{
			RunID: runID, EventType: "status_transition", StatusFrom: &currentStr, StatusTo: &targetStr,
			Payload: payload,
		}); err != nil {
			return TransitionOutcome{}, err
		}

		row, err := scanRow(tx.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, runID))
		if err != nil {
			return TransitionOutcome{}, err
		}

		reasonStr := ""
		if failureReason != nil {
			reasonStr = string(*failureReason)
		}
		return TransitionOutcome{
			Row: row, Recoverable: recoverable,
			RecoveryReason: reasonStr, ResumeEndpoint: resumeEndpoint,
		}, nil
	})
	if err != nil {
		return TransitionOutcome{}, err
	}
	_ = eventlog.Publish(ctx, s.RDB, runID)
	return outcome, nil
}

// Retry creates a child run from any run, regardless of its terminal cause,
// copying prompt/route/created_by (the title gets a "Retry: " prefix) with
// parent_run_id set. Unlike
// resume this never inspects whether the parent's failure was recoverable —
// it is a plain do-over.
func (s *Store) Retry(ctx context.Context, parentRunID string) (Row, error) {
	return s.forkChild(ctx, parentRunID, "run_retried", nil)
}

// Resume creates a child run the same way Retry does, but only from a parent
// whose failure_reason_code is one of the recoverable set (AGENT_TIMEOUT,
// PREVIEW_EXPIRED); the recovery reason is recorded on the run_resumed event.
func (s *Store) Resume(ctx context.Context, parentRunID string) (Row, error) {
	var failureReason *string
	if err := s.Pool.QueryRow(ctx, `SELECT failure_reason_code FROM runs WHERE id = $1`, parentRunID).Scan(&failureReason); err != nil {
		return Row{}, err
	}
	if failureReason == nil || !runstate.Recoverable(runstate.FailureReason(*failureReason)) {
		return Row{}, fmt.Errorf("run %s is not in a recoverable failure state", parentRunID)
	}
	return s.forkChild(ctx, parentRunID, "run_resumed", failureReason)
}

func (s *Store) forkChild(ctx context.Context, parentRunID, eventType string, recoveryReason *string) (Row, error) {
	row, err := store.WithTxResult(ctx, s.Pool, func(ctx context.Context, tx store.DBTX) (Row, error) {
		parent, err := scanRow(tx.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, parentRunID))
		if err != nil {
			return Row{}, err
		}

		childID := uuid.NewString()
		now := time.Now().UTC()
		title := "Retry: " + parent.Title
		if eventType == "run_resumed" {
			title = "Resume: " + parent.Title
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO runs (id, title, prompt, status, route, created_by, parent_run_id, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		`, childID, title, parent.Prompt, string(runstate.Queued), parent.Route, parent.CreatedBy, parentRunID, now); err != nil {
			return Row{}, err
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO run_contexts (run_id, route, metadata)
			SELECT $1, route, metadata FROM run_contexts WHERE run_id = $2
		`, childID, parentRunID); err != nil {
			return Row{}, err
		}

		payload := map[string]any{"parent_run_id": parentRunID}
		if recoveryReason != nil {
			payload["recovery_reason_code"] = *recoveryReason
		}
		statusTo := string(runstate.Queued)
		if _, err := eventlog.Append(ctx, tx, eventlog.AppendInput{
			RunID: childID, EventType: eventType, StatusTo: &statusTo, Payload: payload,
		}); err != nil {
			return Row{}, err
		}

		return Row{
			ID: childID, Title: title, Prompt: parent.Prompt, Status: string(runstate.Queued),
			Route: parent.Route, CreatedBy: parent.CreatedBy, ParentRunID: &parentRunID,
			CreatedAt: now, UpdatedAt: now,
		}, nil
	})
	if err != nil {
		return Row{}, err
	}
	_ = eventlog.Publish(ctx, s.RDB, row.ID)
	return row, nil
}

// Contract reports the fixed state/failure-reason vocabulary.
type Contract struct {
	States             []string `json:"states"`
	FailureReasonCodes []string `json:"failure_reason_codes"`
}

// RunContract returns the fixed state machine vocabulary for GET /api/runs/contract.
func RunContract() Contract {
	states := make([]string, 0, len(runstate.AllStates()))
	for _, s := range runstate.AllStates() {
		states = append(states, string(s))
	}
	reasons := make([]string, 0, len(runstate.AllFailureReasons()))
	for _, r := range runstate.AllFailureReasons() {
		reasons = append(reasons, string(r))
	}
	return Contract{States: states, FailureReasonCodes: reasons}
}
