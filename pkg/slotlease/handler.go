package slotlease

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oroboros/controlplane/internal/httpserver"
	"github.com/oroboros/controlplane/internal/store"
)

// Handler serves the slot pool HTTP surface. Every Manager method expects
// the caller to hold a transaction, so the handler opens one per request
// via store.WithTx(Result).
type Handler struct {
	Manager *Manager
	Pool    *pgxpool.Pool
}

func NewHandler(manager *Manager, pool *pgxpool.Pool) *Handler {
	return &Handler{Manager: manager, Pool: pool}
}

// Routes registers the handler's endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/slots", h.List)
	r.Get("/slots/contract", h.Contract)
	r.Post("/slots/acquire", h.Acquire)
	r.Post("/slots/reap-expired", h.ReapExpired)
	r.Post("/slots/{id}/release", h.Release)
	r.Post("/slots/{id}/heartbeat", h.Heartbeat)
}

type slotStateResponse struct {
	SlotID      string  `json:"slot_id"`
	State       string  `json:"state"`
	RunID       *string `json:"run_id,omitempty"`
	ExpiresAt   *string `json:"expires_at,omitempty"`
	HeartbeatAt *string `json:"heartbeat_at,omitempty"`
}

func toSlotStateResponse(s SlotState) slotStateResponse {
	resp := slotStateResponse{SlotID: s.SlotID, State: s.State, RunID: s.RunID}
	if s.ExpiresAt != nil {
		v := s.ExpiresAt.Format(time.RFC3339Nano)
		resp.ExpiresAt = &v
	}
	if s.HeartbeatAt != nil {
		v := s.HeartbeatAt.Format(time.RFC3339Nano)
		resp.HeartbeatAt = &v
	}
	return resp
}

// List implements GET /api/slots.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	states, err := store.WithTxResult(r.Context(), h.Pool, func(ctx context.Context, tx store.DBTX) ([]SlotState, error) {
		return h.Manager.ListStates(ctx, tx)
	})
	if err != nil {
		httpserver.RespondAppError(w, err)
		return
	}

	out := make([]slotStateResponse, 0, len(states))
	for _, s := range states {
		out = append(out, toSlotStateResponse(s))
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"slots": out})
}

// Contract implements GET /api/slots/contract.
func (h *Handler) Contract(w http.ResponseWriter, r *http.Request) {
	httpserver.Respond(w, http.StatusOK, map[string]any{
		"slot_ids":          h.Manager.slotIDs(),
		"lease_ttl_seconds": int(h.Manager.LeaseTTL.Seconds()),
	})
}

type acquireRequest struct {
	RunID string `json:"run_id" validate:"required"`
}

// Acquire implements POST /api/slots/acquire.
func (h *Handler) Acquire(w http.ResponseWriter, r *http.Request) {
	var in acquireRequest
	if !httpserver.DecodeAndValidate(w, r, &in) {
		return
	}

	result, err := store.WithTxResult(r.Context(), h.Pool, func(ctx context.Context, tx store.DBTX) (AcquireResult, error) {
		return h.Manager.Acquire(ctx, tx, in.RunID)
	})
	if err != nil {
		httpserver.RespondAppError(w, err)
		return
	}

	status := http.StatusOK
	if !result.Acquired {
		status = http.StatusConflict
	}
	httpserver.Respond(w, status, result)
}

// ReapExpired implements POST /api/slots/reap-expired.
func (h *Handler) ReapExpired(w http.ResponseWriter, r *http.Request) {
	result, err := store.WithTxResult(r.Context(), h.Pool, func(ctx context.Context, tx store.DBTX) (ReapResult, error) {
		return h.Manager.ReapExpired(ctx, tx)
	})
	if err != nil {
		httpserver.RespondAppError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, result)
}

type slotOwnerRequest struct {
	RunID string `json:"run_id" validate:"required"`
}

// releaseRequest carries Release's optional owner check: when run_id is
// present it must match the lease owner, an absent body releases
// unconditionally.
type releaseRequest struct {
	RunID string `json:"run_id"`
}

// Release implements POST /api/slots/{id}/release.
func (h *Handler) Release(w http.ResponseWriter, r *http.Request) {
	var in releaseRequest
	if r.ContentLength != 0 {
		if !httpserver.DecodeAndValidate(w, r, &in) {
			return
		}
	}
	slotID := chi.URLParam(r, "id")

	result, err := store.WithTxResult(r.Context(), h.Pool, func(ctx context.Context, tx store.DBTX) (ReleaseResult, error) {
		return h.Manager.Release(ctx, tx, slotID, in.RunID)
	})
	if err != nil {
		httpserver.RespondAppError(w, err)
		return
	}

	status := http.StatusOK
	if !result.Released {
		status = http.StatusConflict
	}
	httpserver.Respond(w, status, result)
}

// Heartbeat implements POST /api/slots/{id}/heartbeat.
func (h *Handler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	var in slotOwnerRequest
	if !httpserver.DecodeAndValidate(w, r, &in) {
		return
	}
	slotID := chi.URLParam(r, "id")

	result, err := store.WithTxResult(r.Context(), h.Pool, func(ctx context.Context, tx store.DBTX) (HeartbeatResult, error) {
		return h.Manager.Heartbeat(ctx, tx, slotID, in.RunID)
	})
	if err != nil {
		httpserver.RespondAppError(w, err)
		return
	}

	status := http.StatusOK
	if !result.Updated {
		status = http.StatusConflict
	}
	httpserver.Respond(w, status, result)
}
