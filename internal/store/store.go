// Package store defines the single DBTX calling convention every entity
// store in this module is written against, and the transaction helper that
// gives the worker orchestrator and approval pipeline their row-lock
// atomicity guarantees.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx, so every Store type
// in this module can be constructed against a bare pool for read paths and
// against a transaction for read-then-write paths, without two copies of
// the query code.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPool wraps a pgxpool.Pool as a DBTX for read-only store construction.
func NewPool(pool *pgxpool.Pool) DBTX { return pool }

// WithTx runs fn inside a single pgx transaction, committing on success and
// rolling back on error or panic. Every lock-acquiring operation (claim,
// acquire, assign, cleanup, release, heartbeat, transition, approve,
// reject) calls WithTx exactly once and issues its row locks as the first
// statements inside fn.
func WithTx(ctx context.Context, pool *pgxpool.Pool, fn func(ctx context.Context, tx DBTX) error) (err error) {
	pgxTx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = pgxTx.Rollback(ctx)
			panic(p)
		}
		if err != nil {
			if rbErr := pgxTx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				err = fmt.Errorf("%w (rollback also failed: %v)", err, rbErr)
			}
			return
		}
		err = pgxTx.Commit(ctx)
	}()

	err = fn(ctx, pgxTx)
	return err
}

// ErrNoRows re-exports pgx.ErrNoRows so callers outside this package never
// need to import pgx directly just to check for a missing row.
var ErrNoRows = pgx.ErrNoRows

// WithTxResult is WithTx for a transaction body that also produces a value,
// such as a classification outcome the caller acts on after commit.
func WithTxResult[T any](ctx context.Context, pool *pgxpool.Pool, fn func(ctx context.Context, tx DBTX) (T, error)) (T, error) {
	var result T
	err := WithTx(ctx, pool, func(ctx context.Context, tx DBTX) error {
		var ferr error
		result, ferr = fn(ctx, tx)
		return ferr
	})
	return result, err
}
