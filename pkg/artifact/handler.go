package artifact

import (
	"errors"
	"net/http"
	"os"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/oroboros/controlplane/internal/httpserver"
)

// Handler serves the artifact listing and content read endpoints.
type Handler struct {
	Store *Store
}

func NewHandler(store *Store) *Handler { return &Handler{Store: store} }

// Routes registers the handler's endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/runs/{id}/artifacts", h.List)
	r.Get("/runs/{id}/artifacts/content", h.Content)
}

// List implements GET /api/runs/{id}/artifacts[?limit].
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}

	rows, err := h.Store.ListByRun(r.Context(), runID, limit)
	if err != nil {
		httpserver.RespondAppError(w, err)
		return
	}

	out := make([]Response, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].ToResponse())
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"artifacts": out})
}

// Content implements GET /api/runs/{id}/artifacts/content?uri=….
func (h *Handler) Content(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	uri := r.URL.Query().Get("uri")
	if uri == "" {
		httpserver.RespondError(w, http.StatusBadRequest, "missing_uri", "uri query parameter is required")
		return
	}

	content, err := h.Store.ReadContent(r.Context(), runID, uri)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotLinked), os.IsNotExist(err):
			httpserver.RespondError(w, http.StatusNotFound, "not_found", "artifact not found for this run")
		case errors.Is(err, ErrPathDenied):
			httpserver.RespondError(w, http.StatusForbidden, "path_denied", "artifact path is outside the allowed root")
		default:
			httpserver.RespondAppError(w, err)
		}
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(content)
}
