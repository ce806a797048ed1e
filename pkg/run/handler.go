package run

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/oroboros/controlplane/internal/httpserver"
	"github.com/oroboros/controlplane/internal/store"
	"github.com/oroboros/controlplane/pkg/runstate"
)

// Handler serves the run lifecycle HTTP surface.
type Handler struct {
	Store *Store
}

func NewHandler(store *Store) *Handler { return &Handler{Store: store} }

// Routes registers the handler's endpoints on r under /api/runs.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/runs", h.Create)
	r.Get("/runs", h.List)
	r.Get("/runs/contract", h.Contract)
	r.Get("/runs/{id}", h.Get)
	r.Post("/runs/{id}/transition", h.Transition)
	r.Post("/runs/{id}/cancel", h.Cancel)
	r.Post("/runs/{id}/retry", h.Retry)
	r.Post("/runs/{id}/resume", h.Resume)
	r.Post("/runs/{id}/expire", h.Expire)
}

// Create implements POST /api/runs.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var in CreateInput
	if !httpserver.DecodeAndValidate(w, r, &in) {
		return
	}

	row, err := h.Store.Create(r.Context(), in)
	if err != nil {
		httpserver.RespondAppError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusCreated, row.ToResponse())
}

// List implements GET /api/runs with an offset-paginated envelope.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	params, err := httpserver.ParseOffsetParams(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	status := r.URL.Query().Get("status")

	total, err := h.Store.Count(r.Context(), status)
	if err != nil {
		httpserver.RespondAppError(w, err)
		return
	}
	rows, err := h.Store.List(r.Context(), ListFilters{Status: status, Limit: params.PageSize, Offset: params.Offset})
	if err != nil {
		httpserver.RespondAppError(w, err)
		return
	}

	out := make([]Response, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].ToResponse())
	}
	httpserver.Respond(w, http.StatusOK, httpserver.NewOffsetPage(out, params, total))
}

// Get implements GET /api/runs/{id}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	row, err := h.Store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrNoRows) {
			httpserver.RespondError(w, http.StatusNotFound, "not_found", "run not found")
			return
		}
		httpserver.RespondAppError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, row.ToResponse())
}

// Contract implements GET /api/runs/contract.
func (h *Handler) Contract(w http.ResponseWriter, r *http.Request) {
	httpserver.Respond(w, http.StatusOK, RunContract())
}

func respondTransition(w http.ResponseWriter, outcome TransitionOutcome) {
	resp := map[string]any{"run": outcome.Row.ToResponse()}
	if outcome.Recoverable {
		resp["recoverable"] = true
		resp["recovery_reason_code"] = outcome.RecoveryReason
		resp["resume_endpoint"] = outcome.ResumeEndpoint
	}
	httpserver.Respond(w, http.StatusOK, resp)
}

// transitionRequest is the shared body shape for explicit transitions.
type transitionRequest struct {
	ToStatus          runstate.State          `json:"to_status" validate:"required"`
	FailureReasonCode *runstate.FailureReason `json:"failure_reason_code"`
}

// Transition implements POST /api/runs/{id}/transition.
func (h *Handler) Transition(w http.ResponseWriter, r *http.Request) {
	var in transitionRequest
	if !httpserver.DecodeAndValidate(w, r, &in) {
		return
	}

	outcome, err := h.Store.Transition(r.Context(), chi.URLParam(r, "id"), TransitionInput{
		ToStatus:          in.ToStatus,
		FailureReasonCode: in.FailureReasonCode,
	})
	if err != nil {
		var ruleErr *runstate.TransitionRuleError
		if errors.As(err, &ruleErr) {
			httpserver.RespondError(w, http.StatusConflict, "invalid_transition", ruleErr.Error())
			return
		}
		httpserver.RespondAppError(w, err)
		return
	}
	respondTransition(w, outcome)
}

// Cancel implements POST /api/runs/{id}/cancel.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	outcome, err := h.Store.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		var ruleErr *runstate.TransitionRuleError
		if errors.As(err, &ruleErr) {
			httpserver.RespondError(w, http.StatusConflict, "invalid_transition", ruleErr.Error())
			return
		}
		httpserver.RespondAppError(w, err)
		return
	}
	respondTransition(w, outcome)
}

// Retry implements POST /api/runs/{id}/retry.
func (h *Handler) Retry(w http.ResponseWriter, r *http.Request) {
	row, err := h.Store.Retry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondAppError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusCreated, row.ToResponse())
}

// Resume implements POST /api/runs/{id}/resume.
func (h *Handler) Resume(w http.ResponseWriter, r *http.Request) {
	row, err := h.Store.Resume(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusConflict, "not_recoverable", err.Error())
		return
	}
	httpserver.Respond(w, http.StatusCreated, row.ToResponse())
}

// Expire implements POST /api/runs/{id}/expire, the thin wrapper over the
// reaper's transition-to-expired-with-cleanup pipeline.
func (h *Handler) Expire(w http.ResponseWriter, r *http.Request) {
	result, err := h.Store.Expire(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondAppError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, result)
}
