// Package release implements the release registry: the append-mostly
// Release rows the merge-gate pipeline writes on every successful merge and
// the GET /api/releases[/{release_id}] listing endpoints read back.
package release

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oroboros/controlplane/internal/store"
)

// Store provides Release persistence.
type Store struct {
	Pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store { return &Store{Pool: pool} }

// Row is a release row as read back from Postgres.
type Row struct {
	ID               int64
	ReleaseID        string
	CommitSHA        string
	MigrationMarker  *string
	Status           string
	DeployedAt       *time.Time
	CreatedAt        time.Time
}

// Response is the JSON representation of a Release.
type Response struct {
	ID              int64      `json:"id"`
	ReleaseID       string     `json:"release_id"`
	CommitSHA       string     `json:"commit_sha"`
	MigrationMarker *string    `json:"migration_marker"`
	Status          string     `json:"status"`
	DeployedAt      *time.Time `json:"deployed_at"`
	CreatedAt       time.Time  `json:"created_at"`
}

// ToResponse converts a Row to its JSON DTO.
func (r *Row) ToResponse() Response {
	return Response{
		ID: r.ID, ReleaseID: r.ReleaseID, CommitSHA: r.CommitSHA,
		MigrationMarker: r.MigrationMarker, Status: r.Status,
		DeployedAt: r.DeployedAt, CreatedAt: r.CreatedAt,
	}
}

const releaseColumns = `id, release_id, commit_sha, migration_marker, status, deployed_at, created_at`

func scanRow(row interface{ Scan(...any) error }) (Row, error) {
	var r Row
	err := row.Scan(&r.ID, &r.ReleaseID, &r.CommitSHA, &r.MigrationMarker, &r.Status, &r.DeployedAt, &r.CreatedAt)
	return r, err
}

// ListFilters holds the optional query parameters for List.
type ListFilters struct {
	Status string
	Limit  int
	Offset int
}

// Count returns the number of releases matching the status filter.
func (s *Store) Count(ctx context.Context, status string) (int, error) {
	var n int
	err := s.Pool.QueryRow(ctx, `
		SELECT count(*) FROM releases WHERE $1 = '' OR status = $1
	`, status).Scan(&n)
	return n, err
}

// List returns releases newest-first, optionally filtered by status.
func (s *Store) List(ctx context.Context, f ListFilters) ([]Row, error) {
	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 100
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	rows, err := s.Pool.Query(ctx, `
		SELECT `+releaseColumns+`
		FROM releases
		WHERE $1 = '' OR status = $1
		ORDER BY id DESC
		LIMIT $2 OFFSET $3
	`, f.Status, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetByReleaseID reads a single release by its external release_id.
func (s *Store) GetByReleaseID(ctx context.Context, releaseID string) (Row, error) {
	return scanRow(s.Pool.QueryRow(ctx, `SELECT `+releaseColumns+` FROM releases WHERE release_id = $1`, releaseID))
}

// UpsertInput describes a release creation or update.
type UpsertInput struct {
	ReleaseID       string
	CommitSHA       string
	Status          string
	MigrationMarker *string
	DeployedAt      *time.Time
}

// Upsert creates or updates a release row keyed on release_id. When the
// row doesn't yet have a deployed_at and status lands in the terminal
// deployed/rolled_back set, deployed_at defaults to now.
func (s *Store) Upsert(ctx context.Context, tx store.DBTX, in UpsertInput) (Row, error) {
	existing, err := scanRow(tx.QueryRow(ctx, `SELECT `+releaseColumns+` FROM releases WHERE release_id = $1 FOR UPDATE`, in.ReleaseID))
	if err == store.ErrNoRows {
		return s.insert(ctx, tx, in)
	}
	if err != nil {
		return Row{}, err
	}
	return s.update(ctx, tx, existing, in)
}

func (s *Store) insert(ctx context.Context, tx store.DBTX, in UpsertInput) (Row, error) {
	deployedAt := in.DeployedAt
	if deployedAt == nil && isTerminalReleaseStatus(in.Status) {
		now := time.Now().UTC()
		deployedAt = &now
	}
	row, err := scanRow(tx.QueryRow(ctx, `
		INSERT INTO releases (release_id, commit_sha, migration_marker, status, deployed_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+releaseColumns+`
	`, in.ReleaseID, in.CommitSHA, in.MigrationMarker, in.Status, deployedAt))
	return row, err
}

func (s *Store) update(ctx context.Context, tx store.DBTX, existing Row, in UpsertInput) (Row, error) {
	marker := existing.MigrationMarker
	if in.MigrationMarker != nil {
		marker = in.MigrationMarker
	}
	deployedAt := existing.DeployedAt
	if in.DeployedAt != nil {
		deployedAt = in.DeployedAt
	}
	if deployedAt == nil && isTerminalReleaseStatus(in.Status) {
		now := time.Now().UTC()
		deployedAt = &now
	}
	row, err := scanRow(tx.QueryRow(ctx, `
		UPDATE releases SET commit_sha = $1, migration_marker = $2, status = $3, deployed_at = $4
		WHERE release_id = $5
		RETURNING `+releaseColumns+`
	`, in.CommitSHA, marker, in.Status, deployedAt, in.ReleaseID))
	return row, err
}

func isTerminalReleaseStatus(status string) bool {
	return status == "deployed" || status == "rolled_back"
}
