package worktree

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oroboros/controlplane/internal/httpserver"
	"github.com/oroboros/controlplane/internal/store"
)

// Handler serves the worktree binding HTTP surface, following the same
// Manager+Pool-per-request transaction pattern as pkg/slotlease's handler.
type Handler struct {
	Manager *Manager
	Pool    *pgxpool.Pool
}

func NewHandler(manager *Manager, pool *pgxpool.Pool) *Handler {
	return &Handler{Manager: manager, Pool: pool}
}

// Routes registers the handler's endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/worktrees", h.List)
	r.Get("/worktrees/contract", h.Contract)
	r.Post("/worktrees/assign", h.Assign)
	r.Post("/worktrees/{slot_id}/cleanup", h.Cleanup)
}

// Contract implements GET /api/worktrees/contract, mirroring
// pkg/slotlease.Handler.Contract's static description of the resource pool
// this manager binds against.
func (h *Handler) Contract(w http.ResponseWriter, r *http.Request) {
	httpserver.Respond(w, http.StatusOK, map[string]any{
		"slot_ids":           h.Manager.SlotIDs,
		"repo_root":          h.Manager.RepoRoot,
		"worktree_root":      h.Manager.WorktreeRoot,
		"branch_name_format": "codex/run-<run_id>",
	})
}

// List implements GET /api/worktrees.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	bindings, err := store.WithTxResult(r.Context(), h.Pool, func(ctx context.Context, tx store.DBTX) ([]Binding, error) {
		return h.Manager.ListBindings(ctx, tx)
	})
	if err != nil {
		httpserver.RespondAppError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"worktrees": bindings})
}

type assignRequest struct {
	RunID     string  `json:"run_id" validate:"required"`
	SlotID    string  `json:"slot_id" validate:"required"`
	CreatedBy *string `json:"created_by"`
}

// Assign implements POST /api/worktrees/assign.
func (h *Handler) Assign(w http.ResponseWriter, r *http.Request) {
	var in assignRequest
	if !httpserver.DecodeAndValidate(w, r, &in) {
		return
	}

	result, err := store.WithTxResult(r.Context(), h.Pool, func(ctx context.Context, tx store.DBTX) (AssignResult, error) {
		return h.Manager.Assign(ctx, tx, in.RunID, in.SlotID, in.CreatedBy)
	})
	if err != nil {
		httpserver.RespondAppError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, result)
}

// cleanupRequest's run_id is optional: absent means clean up whatever run
// currently holds the binding, mismatched means a soft no-op with a reason.
type cleanupRequest struct {
	RunID string `json:"run_id"`
}

// Cleanup implements POST /api/worktrees/{slot_id}/cleanup.
func (h *Handler) Cleanup(w http.ResponseWriter, r *http.Request) {
	var in cleanupRequest
	if r.ContentLength != 0 {
		if !httpserver.DecodeAndValidate(w, r, &in) {
			return
		}
	}
	slotID := chi.URLParam(r, "slot_id")

	result, err := store.WithTxResult(r.Context(), h.Pool, func(ctx context.Context, tx store.DBTX) (CleanupResult, error) {
		return h.Manager.Cleanup(ctx, tx, slotID, in.RunID)
	})
	if err != nil {
		httpserver.RespondAppError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, result)
}
