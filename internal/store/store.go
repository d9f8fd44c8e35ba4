// Package store is the Postgres implementation of the evaluation pipeline's
// Queue and EntityStore. Queries use *pgxpool.Pool directly; the claim path
// relies on FOR UPDATE SKIP LOCKED and the in-flight guard on a partial
// unique index over job_queue.lock_key.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/scarson/evalq/internal/evaluation"
)

// DefaultQueue is the job_queue.queue value used for evaluation jobs.
const DefaultQueue = "evaluation"

// Store is the central data access object.
type Store struct {
	pool  *pgxpool.Pool
	queue string
}

var (
	_ evaluation.Queue       = (*Store)(nil)
	_ evaluation.EntityStore = (*Store)(nil)
)

// New creates a Store backed by pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, queue: DefaultQueue}
}

// Pool returns the underlying pgxpool.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return nil
}

// withTx runs fn inside a pgx transaction. The transaction is committed if fn
// returns nil, rolled back otherwise.
func (s *Store) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback on panic or fn error
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// entityTable maps a kind to its table. The result is only ever one of two
// constants, never caller input.
func entityTable(k evaluation.Kind) (string, error) {
	switch k {
	case evaluation.KindQuestion:
		return "questions", nil
	case evaluation.KindResponse:
		return "responses", nil
	}
	return "", fmt.Errorf("%w: unknown kind %q", evaluation.ErrInvalidPayload, k)
}
