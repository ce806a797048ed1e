package release

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/oroboros/controlplane/internal/httpserver"
	"github.com/oroboros/controlplane/internal/store"
)

// Handler serves the release registry's read endpoints.
type Handler struct {
	Store *Store
}

func NewHandler(store *Store) *Handler { return &Handler{Store: store} }

// Routes registers the handler's endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/releases", h.List)
	r.Get("/releases/{release_id}", h.Get)
}

// List implements GET /api/releases with an offset-paginated envelope.
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

// Get implements GET /api/releases/{release_id}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	row, err := h.Store.GetByReleaseID(r.Context(), chi.URLParam(r, "release_id"))
	if err != nil {
		if errors.Is(err, store.ErrNoRows) {
			httpserver.RespondError(w, http.StatusNotFound, "not_found", "release not found")
			return
		}
		httpserver.RespondAppError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, row.ToResponse())
}
