package mergegate

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/oroboros/controlplane/internal/httpserver"
	"github.com/oroboros/controlplane/pkg/runstate"
)

// Handler serves the approval/merge-gate HTTP surface.
type Handler struct {
	Gate *Gate
}

func NewHandler(gate *Gate) *Handler { return &Handler{Gate: gate} }

// Routes registers the handler's endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/runs/{id}/approvals", h.ListApprovals)
	r.Post("/runs/{id}/approve", h.Approve)
	r.Post("/runs/{id}/reject", h.Reject)
}

type approvalResponse struct {
	ID         int64   `json:"id"`
	RunID      string  `json:"run_id"`
	ReviewerID *string `json:"reviewer_id"`
	Decision   string  `json:"decision"`
	Reason     *string `json:"reason"`
	CreatedAt  string  `json:"created_at"`
}

// ListApprovals implements GET /api/runs/{id}/approvals.
func (h *Handler) ListApprovals(w http.ResponseWriter, r *http.Request) {
	rows, err := h.Gate.ListApprovals(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondAppError(w, err)
		return
	}

	out := make([]approvalResponse, 0, len(rows))
	for _, a := range rows {
		out = append(out, approvalResponse{
			ID: a.ID, RunID: a.RunID, ReviewerID: a.ReviewerID,
			Decision: a.Decision, Reason: a.Reason,
			CreatedAt: a.CreatedAt.Format("2006-01-02T15:04:05.999999999Z07:00"),
		})
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"approvals": out})
}

type decisionRequest struct {
	ReviewerID        *string                `json:"reviewer_id"`
	Reason            *string                `json:"reason"`
	FailureReasonCode runstate.FailureReason `json:"failure_reason_code"`
}

// Approve implements POST /api/runs/{id}/approve.
func (h *Handler) Approve(w http.ResponseWriter, r *http.Request) {
	var in decisionRequest
	if r.ContentLength != 0 {
		if !httpserver.DecodeAndValidate(w, r, &in) {
			return
		}
	}

	result, err := h.Gate.Approve(r.Context(), chi.URLParam(r, "id"), in.ReviewerID, in.Reason)
	if err != nil {
		httpserver.RespondAppError(w, err)
		return
	}

	status := http.StatusOK
	if result.FinalStatus == string(runstate.Failed) {
		status = http.StatusUnprocessableEntity
	}
	httpserver.Respond(w, status, result)
}

// Reject implements POST /api/runs/{id}/reject.
func (h *Handler) Reject(w http.ResponseWriter, r *http.Request) {
	var in decisionRequest
	if r.ContentLength != 0 {
		if !httpserver.DecodeAndValidate(w, r, &in) {
			return
		}
	}

	result, err := h.Gate.Reject(r.Context(), chi.URLParam(r, "id"), in.ReviewerID, in.Reason, in.FailureReasonCode)
	if err != nil {
		var ruleErr *runstate.TransitionRuleError
		if errors.As(err, &ruleErr) {
			httpserver.RespondError(w, http.StatusConflict, "invalid_transition", ruleErr.Error())
			return
		}
		httpserver.RespondAppError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, result)
}
