package eventlog

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The event stream is read by the same dashboard origins that serve the
	// SSE endpoint; CheckOrigin lives on the chi CORS middleware upstream.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// StreamWS implements GET /api/runs/{id}/events/ws, a WebSocket mirror of
// Stream for clients that prefer a bidirectional socket over SSE (browser
// extensions and some proxies strip text/event-stream). Frames carry the
// same JSON event envelope as the SSE data: lines; a ping control frame
// substitutes for the SSE heartbeat comment.
func (h *Handler) StreamWS(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	ctx := r.Context()
	heartbeat := h.heartbeatFor(r)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var cursor *int64
	if v := r.URL.Query().Get("since_id"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cursor = &n
		}
	}

	ticker := time.NewTicker(h.PollInterval)
	defer ticker.Stop()

	var wake <-chan *redis.Message
	if h.RDB != nil {
		sub := h.RDB.Subscribe(ctx, Channel(runID))
		defer sub.Close()
		wake = sub.Channel()
	}

	lastSent := time.Now()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

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
			if err := conn.WriteMessage(websocket.TextMessage, body); err != nil {
				return
			}
			cursor = &e.ID
			lastSent = time.Now()
		}

		if time.Since(lastSent) >= heartbeat {
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			lastSent = time.Now()
		}

		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
		case <-wake:
		}
	}
}
