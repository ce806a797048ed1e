// Package artifact implements the RunArtifact store and the path-allowlisted
// content endpoint backing GET /api/runs/{id}/artifacts[?limit] and
// GET /api/runs/{id}/artifacts/content?uri=…. Content reads require the
// URI to be linked to the run via a RunArtifact or ValidationCheck row.
package artifact

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oroboros/controlplane/internal/store"
)

// Store provides RunArtifact persistence and the content-read path.
type Store struct {
	Pool         *pgxpool.Pool
	ArtifactRoot string
}

func NewStore(pool *pgxpool.Pool, artifactRoot string) *Store {
	return &Store{Pool: pool, ArtifactRoot: artifactRoot}
}

// Row is a run_artifacts row.
type Row struct {
	ID           int64
	RunID        string
	ArtifactType string
	ArtifactURI  string
	Metadata     map[string]any
	CreatedAt    time.Time
}

// Response is the JSON representation of a RunArtifact.
type Response struct {
	ID           int64          `json:"id"`
	RunID        string         `json:"run_id"`
	ArtifactType string         `json:"artifact_type"`
	ArtifactURI  string         `json:"artifact_uri"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

func (r *Row) ToResponse() Response {
	return Response{
		ID: r.ID, RunID: r.RunID, ArtifactType: r.ArtifactType,
		ArtifactURI: r.ArtifactURI, Metadata: r.Metadata, CreatedAt: r.CreatedAt,
	}
}

// ListByRun returns a run's artifacts, oldest first, capped at limit (or 100
// when unset/too large).
func (s *Store) ListByRun(ctx context.Context, runID string, limit int) ([]Row, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.Pool.Query(ctx, `
		SELECT id, run_id, artifact_type, artifact_uri, metadata, created_at
		FROM run_artifacts
		WHERE run_id = $1
		ORDER BY id ASC
		LIMIT $2
	`, runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		var metadata []byte
		if err := rows.Scan(&r.ID, &r.RunID, &r.ArtifactType, &r.ArtifactURI, &metadata, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Metadata = decodeMetadata(metadata)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Record inserts a RunArtifact row inside the caller's transaction. It is a
// free function, not a Store method, since every caller already holds an
// open tx and none of Store's fields (Pool, ArtifactRoot) are needed to
// write a single row.
func Record(ctx context.Context, tx store.DBTX, runID, artifactType, artifactURI string, metadata map[string]any) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO run_artifacts (run_id, artifact_type, artifact_uri, metadata)
		VALUES ($1, $2, $3, $4)
	`, runID, artifactType, artifactURI, encodeMetadata(metadata))
	return err
}

// ErrNotLinked is returned by ReadContent when uri is not attached to runID
// via either a RunArtifact or a ValidationCheck row.
var ErrNotLinked = fmt.Errorf("artifact uri is not linked to the requesting run")

// ErrPathDenied is returned by ReadContent when uri escapes ArtifactRoot.
var ErrPathDenied = fmt.Errorf("artifact path is outside the configured artifact root")

// ReadContent serves the bytes at uri after verifying both (a) uri resolves
// under ArtifactRoot and (b) uri is linked to runID via a RunArtifact or
// ValidationCheck row.
func (s *Store) ReadContent(ctx context.Context, runID, uri string) ([]byte, error) {
	abs, err := s.resolveUnderRoot(uri)
	if err != nil {
		return nil, err
	}

	linked, err := s.isLinked(ctx, runID, uri)
	if err != nil {
		return nil, err
	}
	if !linked {
		return nil, ErrNotLinked
	}

	f, err := os.Open(abs)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (s *Store) resolveUnderRoot(uri string) (string, error) {
	root, err := filepath.Abs(s.ArtifactRoot)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(uri)
	if err != nil {
		return "", err
	}
	if abs != root && !strings.HasPrefix(abs, root+string(filepath.Separator)) {
		return "", ErrPathDenied
	}
	return abs, nil
}

func (s *Store) isLinked(ctx context.Context, runID, uri string) (bool, error) {
	var exists bool
	err := s.Pool.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM run_artifacts WHERE run_id = $1 AND artifact_uri = $2
			UNION ALL
			SELECT 1 FROM validation_checks WHERE run_id = $1 AND artifact_uri = $2
		)
	`, runID, uri).Scan(&exists)
	return exists, err
}

func encodeMetadata(m map[string]any) []byte {
	if m == nil {
		return []byte("{}")
	}
	b, err := json.Marshal(m)
	if err != nil {
		return []byte("{}")
	}
	return b
}

func decodeMetadata(b []byte) map[string]any {
	if len(b) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil
	}
	return m
}
