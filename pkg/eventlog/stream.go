package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/oroboros/controlplane/internal/apperr"
	"github.com/oroboros/controlplane/internal/store"
)

// Channel returns the Redis pub/sub channel used to wake stream readers for
// a given run, immediately after a commit appends a new event. Readers never
// depend on the publish arriving — the poll loop below is always correct on
// its own, the channel is strictly a latency optimization.
func Channel(runID string) string {
	return fmt.Sprintf("oroboros:run:%s:events", runID)
}

// Publish notifies any listening stream readers that runID has new events.
// Failures are logged by the caller and never block the write path.
func Publish(ctx context.Context, rdb *redis.Client, runID string) error {
	if rdb == nil {
		return nil
	}
	return rdb.Publish(ctx, Channel(runID), "new_event").Err()
}

// Handler serves the by-run event listing and SSE streaming endpoints.
type Handler struct {
	DB  store.DBTX
	RDB *redis.Client

	PollInterval     time.Duration
	HeartbeatTimeout time.Duration
}

// NewHandler constructs a Handler with the default polling and heartbeat
// intervals.
func NewHandler(db store.DBTX, rdb *redis.Client) *Handler {
	return &Handler{
		DB:               db,
		RDB:              rdb,
		PollInterval:     1 * time.Second,
		HeartbeatTimeout: 15 * time.Second,
	}
}

type eventResponse struct {
	ID         int64          `json:"id"`
	RunID      string         `json:"run_id"`
	EventType  string         `json:"event_type"`
	StatusFrom *string        `json:"status_from,omitempty"`
	StatusTo   *string        `json:"status_to,omitempty"`
	Payload    map[string]any `json:"payload"`
	CreatedAt  string         `json:"created_at"`
}

func toResponse(e Event) eventResponse {
	return eventResponse{
		ID:         e.ID,
		RunID:      e.RunID,
		EventType:  e.EventType,
		StatusFrom: e.StatusFrom,
		StatusTo:   e.StatusTo,
		Payload:    e.Payload,
		CreatedAt:  e.CreatedAt.Format(time.RFC3339Nano),
	}
}

// ListEvents implements GET /api/runs/{id}/events.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	opts, err := parseListOptions(r)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.ValidationError, "invalid query parameters", err))
		return
	}

	events, err := ListByRun(r.Context(), h.DB, runID, opts)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.ConfigurationError, "listing events", err))
		return
	}

	out := make([]eventResponse, 0, len(events))
	for _, e := range events {
		out = append(out, toResponse(e))
	}
	writeJSON(w, http.StatusOK, out)
}

// Schema implements GET /api/events/schema.
func (h *Handler) Schema(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"current_schema_version": SchemaVersion,
		"fields": []string{
			"id", "run_id", "event_type", "status_from", "status_to", "payload", "created_at",
		},
	})
}

func parseListOptions(r *http.Request) (ListOptions, error) {
	q := r.URL.Query()
	opts := ListOptions{}

	if v := q.Get("since_id"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return opts, fmt.Errorf("since_id: %w", err)
		}
		opts.SinceID = &n
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return opts, fmt.Errorf("limit: %w", err)
		}
		opts.Limit = n
	}
	if q.Get("order") == "desc" {
		opts.Desc = true
	}

	return opts, nil
}

// parseFollow reports whether a stream connection should keep polling after
// the first batch. Absent or unparseable values default to true; follow=false
// and follow=0 both terminate after the first batch.
func parseFollow(r *http.Request) bool {
	v := r.URL.Query().Get("follow")
	if v == "" {
		return true
	}
	follow, err := strconv.ParseBool(v)
	if err != nil {
		return true
	}
	return follow
}

// heartbeatFor returns the heartbeat interval for one stream connection,
// honoring the heartbeat_seconds query parameter when present and positive.
func (h *Handler) heartbeatFor(r *http.Request) time.Duration {
	if v := r.URL.Query().Get("heartbeat_seconds"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
	}
	return h.HeartbeatTimeout
}

// Stream implements GET /api/runs/{id}/events/stream, a server-sent-events
// long poll: each tick re-queries for events after the cursor, emits them as
// `id:`/`event:`/`data:` frames, advances the cursor, and emits a heartbeat
// comment frame whenever nothing has arrived for the heartbeat interval.
// follow=false returns after the first batch instead of polling forever.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	ctx := r.Context()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, apperr.New(apperr.ConfigurationError, "streaming unsupported by response writer"))
		return
	}

	follow := parseFollow(r)
	heartbeat := h.heartbeatFor(r)
	var cursor *int64
	if v := r.URL.Query().Get("since_id"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cursor = &n
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ticker := time.NewTicker(h.PollInterval)
	defer ticker.Stop()

	var wake <-chan *redis.Message
	if h.RDB != nil && follow {
		sub := h.RDB.Subscribe(ctx, Channel(runID))
		defer sub.Close()
		wake = sub.Channel()
	}

	lastSent := time.Now()

	for {
		events, err := ListByRun(ctx, h.DB, runID, ListOptions{SinceID: cursor, Limit: 500})
		if err != nil {
			return
		}

		for _, e := range events {
			body, err := json.Marshal(toResponse(e))
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "id: %d\nevent: run_event\ndata: %s\n\n", e.ID, body); err != nil {
				return
			}
			cursor = &e.ID
			lastSent = time.Now()
		}
		if len(events) > 0 {
			flusher.Flush()
		}

		if !follow {
			return
		}

		if time.Since(lastSent) >= heartbeat {
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
			lastSent = time.Now()
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-wake:
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err *apperr.Error) {
	writeJSON(w, apperr.HTTPStatus(err.Kind), map[string]any{
		"error":   string(err.Kind),
		"message": err.Message,
	})
}
