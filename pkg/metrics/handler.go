package metrics

import (
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/go-chi/chi/v5"

	"github.com/oroboros/controlplane/internal/httpserver"
)

// Handler serves GET /api/metrics/core, the point-in-time JSON snapshot
// complementing the always-on Prometheus /metrics endpoint
// internal/telemetry registers.
type Handler struct {
	Pool *pgxpool.Pool
}

func NewHandler(pool *pgxpool.Pool) *Handler { return &Handler{Pool: pool} }

// Routes registers the handler's endpoint on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/metrics/core", h.Core)
}

// Core implements GET /api/metrics/core.
func (h *Handler) Core(w http.ResponseWriter, r *http.Request) {
	snapshot, err := Collect(r.Context(), h.Pool)
	if err != nil {
		httpserver.RespondAppError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, snapshot)
}
