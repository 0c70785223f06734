package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// PostgresStore runs units of work as PostgreSQL transactions. The per-investor
// single-writer lock is a transaction-scoped advisory lock keyed by investor id.
type PostgresStore struct {
	db  *DB
	loc *time.Location
}

// NewPostgresStore binds a store to db. DATE columns are read back as
// midnights in loc.
func NewPostgresStore(db *DB, loc *time.Location) *PostgresStore {
	if loc == nil {
		loc = time.Local
	}
	return &PostgresStore{db: db, loc: loc}
}

func (s *PostgresStore) WithinInvestor(ctx context.Context, investorID string, fn func(ctx context.Context, tx Tx) error) error {
	return s.run(ctx, pgx.TxOptions{}, func(ctx context.Context, tx Tx) error {
		if err := tx.LockInvestor(ctx, investorID); err != nil {
			return err
		}
		return fn(ctx, tx)
	})
}

func (s *PostgresStore) WithinBatch(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return s.run(ctx, pgx.TxOptions{}, fn)
}

func (s *PostgresStore) ReadOnly(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return s.run(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}, fn)
}

func (s *PostgresStore) Close() { s.db.Close() }

func (s *PostgresStore) run(ctx context.Context, opts pgx.TxOptions, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.db.Pool.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if err := fn(ctx, &Repository{tx: tx, loc: s.loc}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	committed = true
	return nil
}
