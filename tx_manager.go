package gavel

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Tx is the minimal query surface the store needs; satisfied by both
// *pgxpool.Pool and pgx.Tx, so store methods run the same inside and
// outside a transaction.
type Tx interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TxManager runs a function inside a database transaction. The engine wraps
// multi-step mutations (short-circuit skips, cancellation) so a workflow
// never becomes visible half-transitioned.
type TxManager interface {
	ReadCommitted(ctx context.Context, fn func(ctx context.Context) error) error
	RepeatableRead(ctx context.Context, fn func(ctx context.Context) error) error
}

type PgxTxManager struct {
	pool *pgxpool.Pool
}

func NewPgxTxManager(pool *pgxpool.Pool) *PgxTxManager {
	return &PgxTxManager{pool: pool}
}

func (m *PgxTxManager) ReadCommitted(ctx context.Context, fn func(ctx context.Context) error) error {
	return m.run(ctx, pgx.ReadCommitted, fn)
}

func (m *PgxTxManager) RepeatableRead(ctx context.Context, fn func(ctx context.Context) error) error {
	return m.run(ctx, pgx.RepeatableRead, fn)
}

func (m *PgxTxManager) run(ctx context.Context, level pgx.TxIsoLevel, fn func(ctx context.Context) error) error {
	if TxFromContext(ctx) != nil {
		// Already inside a transaction, join it.
		return fn(ctx)
	}

	tx, err := m.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: level})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	ctx = context.WithValue(ctx, txKey{}, tx)

	if err := fn(ctx); err != nil {
		_ = tx.Rollback(ctx)

		return err
	}

	return tx.Commit(ctx)
}
