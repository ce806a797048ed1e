// Package eventlog implements the append-only RunEvent/AuditLog write path
// and its readers: by-run listing, cursor-based pagination, and a
// long-polling streaming reader.
package eventlog

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"golang.org/x/crypto/blake2b"

	"github.com/oroboros/controlplane/internal/store"
)

// SchemaVersion is the current RunEvent payload schema version. Readers
// tolerate absent or lower versions; writers never mutate existing rows.
const SchemaVersion = 1

// Event is one row of the append-only run_events table.
type Event struct {
	ID         int64
	RunID      string
	EventType  string
	StatusFrom *string
	StatusTo   *string
	Payload    map[string]any
	CreatedAt  time.Time
}

// SchemaVersionOf extracts the schema_version carried in an event payload,
// defaulting to SchemaVersion when absent or not a positive number.
func SchemaVersionOf(payload map[string]any) int {
	if payload == nil {
		return SchemaVersion
	}
	if v, ok := payload["schema_version"]; ok {
		if n, ok := toInt(v); ok && n > 0 {
			return n
		}
	}
	return SchemaVersion
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

func normalizePayload(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		out[k] = v
	}
	if _, ok := out["schema_version"]; !ok {
		out["schema_version"] = SchemaVersion
	} else if n, ok := toInt(out["schema_version"]); !ok || n <= 0 {
		out["schema_version"] = SchemaVersion
	}
	return out
}

// AppendInput describes a single RunEvent append, optionally accompanied by
// an atomically-written AuditLog row.
type AppendInput struct {
	RunID       string
	EventType   string
	StatusFrom  *string
	StatusTo    *string
	Payload     map[string]any
	ActorID     *string
	AuditAction string // empty means no AuditLog row is written
}

// Append writes a RunEvent and, when AuditAction is set, an AuditLog row in
// the same transaction — the two rows are never observed independently by
// a reader. tx must already be inside the caller's transaction; this
// function performs no locking of its own, only inserts.
func Append(ctx context.Context, tx store.DBTX, in AppendInput) (Event, error) {
	payload := normalizePayload(in.Payload)
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}

	var id int64
	var createdAt time.Time
	err = tx.QueryRow(ctx, `
		INSERT INTO run_events (run_id, event_type, status_from, status_to, payload)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`, in.RunID, in.EventType, in.StatusFrom, in.StatusTo, payloadJSON).Scan(&id, &createdAt)
	if err != nil {
		return Event{}, err
	}

	if in.AuditAction != "" {
		auditPayload := map[string]any{
			"schema_version": SchemaVersionOf(payload),
			"run_id":         in.RunID,
			"event_type":     in.EventType,
			"status_from":    in.StatusFrom,
			"status_to":      in.StatusTo,
			"payload":        payload,
		}
		hash, err := payloadHash(auditPayload)
		if err != nil {
			return Event{}, err
		}
		auditJSON, err := json.Marshal(auditPayload)
		if err != nil {
			return Event{}, err
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO audit_log (actor_id, action, payload_hash, payload)
			VALUES ($1, $2, $3, $4)
		`, in.ActorID, in.AuditAction, hash, auditJSON); err != nil {
			return Event{}, err
		}
	}

	return Event{
		ID:         id,
		RunID:      in.RunID,
		EventType:  in.EventType,
		StatusFrom: in.StatusFrom,
		StatusTo:   in.StatusTo,
		Payload:    payload,
		CreatedAt:  createdAt,
	}, nil
}

// payloadHash canonicalizes payload (sorted keys, compact separators — the
// same shape json.Marshal with Go's map-key-sorting already produces) and
// hashes it with blake2b-256, matching the original service's content-hash
// invariant on AuditLog.payload_hash.
func payloadHash(payload map[string]any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	sum := blake2b.Sum256(body)
	return hexEncode(sum[:]), nil
}

const hexDigits = "0123456789abcdef"

func hexEncode(b []byte) string {
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = hexDigits[v>>4]
		out[i*2+1] = hexDigits[v&0x0f]
	}
	return string(out)
}

// ListOptions configures a by-run event listing.
type ListOptions struct {
	SinceID *int64
	Limit   int
	Desc    bool
}

// ListByRun returns events for runID honoring cursor and ordering options.
func ListByRun(ctx context.Context, tx store.DBTX, runID string, opts ListOptions) ([]Event, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 200
	}

	order := "ASC"
	if opts.Desc {
		order = "DESC"
	}

	var rows pgx.Rows
	var err error
	if opts.SinceID != nil {
		rows, err = tx.Query(ctx, `
			SELECT id, run_id, event_type, status_from, status_to, payload, created_at
			FROM run_events
			WHERE run_id = $1 AND id > $2
			ORDER BY id `+order+`
			LIMIT $3
		`, runID, *opts.SinceID, limit)
	} else {
		rows, err = tx.Query(ctx, `
			SELECT id, run_id, event_type, status_from, status_to, payload, created_at
			FROM run_events
			WHERE run_id = $1
			ORDER BY id `+order+`
			LIMIT $2
		`, runID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEvents(rows)
}

func scanEvents(rows pgx.Rows) ([]Event, error) {
	var events []Event
	for rows.Next() {
		var e Event
		var payloadJSON []byte
		if err := rows.Scan(&e.ID, &e.RunID, &e.EventType, &e.StatusFrom, &e.StatusTo, &payloadJSON, &e.CreatedAt); err != nil {
			return nil, err
		}
		if len(payloadJSON) > 0 {
			if err := json.Unmarshal(payloadJSON, &e.Payload); err != nil {
				return nil, err
			}
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}
