package postgres

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"medshard/internal/core/tx"
	"medshard/pkg/logger"
)

var tracer = otel.Tracer("medshard/tx")

var _ tx.SavepointManager = (*TxManager)(nil)

// TxOptions configures transaction behavior.
type TxOptions struct {
	// IsolationLevel: pgx.Serializable, pgx.RepeatableRead, pgx.ReadCommitted
	IsolationLevel pgx.TxIsoLevel

	// AccessMode: pgx.ReadWrite, pgx.ReadOnly
	AccessMode pgx.TxAccessMode

	// StatementTimeout protects against long-running queries (default 30s)
	StatementTimeout time.Duration
}

// DefaultTxOptions returns production-safe defaults.
func DefaultTxOptions() TxOptions {
	return TxOptions{
		IsolationLevel:   pgx.ReadCommitted,
		AccessMode:       pgx.ReadWrite,
		StatementTimeout: 30 * time.Second,
	}
}

// PoolFunc resolves the pool a TxManager works on. The catalog pool can be
// retired and recreated by the tenant manager, so it is looked up per call.
type PoolFunc func(ctx context.Context) (*pgxpool.Pool, error)

// TxManager manages transactions on one database.
//
// The catalog and every shard get their own TxManager with a distinct scope,
// so a shard transaction and a catalog transaction can both live in one
// context without either picking up the other.
type TxManager struct {
	scope string
	pools PoolFunc
	spSeq atomic.Int64
}

// NewTxManager creates a transaction manager for the named scope.
func NewTxManager(scope string, pools PoolFunc) *TxManager {
	return &TxManager{scope: scope, pools: pools}
}

// NewTxManagerFromRawPool creates a transaction manager over a fixed pool.
func NewTxManagerFromRawPool(scope string, pool *pgxpool.Pool) *TxManager {
	return NewTxManager(scope, func(context.Context) (*pgxpool.Pool, error) { return pool, nil })
}

// txKey is the context key for the active transaction of one scope.
type txKey struct{ scope string }

// Tx wraps pgx.Tx with metadata.
type Tx struct {
	pgx.Tx
	scope string
}

// RunInTransaction executes fn within a transaction.
// If a transaction of the same scope already exists in ctx, it is reused.
func (m *TxManager) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return m.RunInTransactionWithOptions(ctx, DefaultTxOptions(), fn)
}

// RunInTransactionWithOptions executes fn with custom transaction options.
func (m *TxManager) RunInTransactionWithOptions(ctx context.Context, opts TxOptions, fn func(ctx context.Context) error) error {
	if m.GetTx(ctx) != nil {
		return fn(ctx)
	}

	ctx, span := tracer.Start(ctx, "transaction",
		trace.WithAttributes(
			attribute.String("tx.scope", m.scope),
			attribute.String("tx.isolation", string(opts.IsolationLevel)),
		))
	defer span.End()

	return m.startNewTransaction(ctx, opts, fn)
}

// RunInSavepoint executes fn inside a savepoint of the scope's transaction.
// Only fn's work is rolled back on error; the enclosing transaction stays usable.
func (m *TxManager) RunInSavepoint(ctx context.Context, fn func(ctx context.Context) error) error {
	existing := m.GetTx(ctx)
	if existing == nil {
		return m.RunInTransaction(ctx, fn)
	}

	name := "sp_" + strconv.FormatInt(m.spSeq.Add(1), 10)
	if _, err := existing.Exec(ctx, "SAVEPOINT "+name); err != nil {
		return fmt.Errorf("create savepoint: %w", err)
	}

	if err := fn(ctx); err != nil {
		if _, rbErr := existing.Exec(ctx, "ROLLBACK TO SAVEPOINT "+name); rbErr != nil {
			logger.Error(ctx, "rollback to savepoint failed", "savepoint", name, "scope", m.scope, "error", rbErr)
			return fmt.Errorf("rollback to savepoint: %w (after %v)", rbErr, err)
		}
		return err
	}

	if _, err := existing.Exec(ctx, "RELEASE SAVEPOINT "+name); err != nil {
		return fmt.Errorf("release savepoint: %w", err)
	}
	return nil
}

// startNewTransaction begins a new database transaction.
func (m *TxManager) startNewTransaction(ctx context.Context, opts TxOptions, fn func(ctx context.Context) error) error {
	pool, err := m.pools(ctx)
	if err != nil {
		return fmt.Errorf("resolve %s pool: %w", m.scope, err)
	}

	tx, err := pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   opts.IsolationLevel,
		AccessMode: opts.AccessMode,
	})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if opts.StatementTimeout > 0 {
		_, err = tx.Exec(ctx, fmt.Sprintf("SET LOCAL statement_timeout = '%dms'", opts.StatementTimeout.Milliseconds()))
		if err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("set statement_timeout: %w", err)
		}
	}

	txCtx := context.WithValue(ctx, txKey{m.scope}, &Tx{Tx: tx, scope: m.scope})

	if err := fn(txCtx); err != nil {
		// Background context so rollback completes even if ctx was cancelled.
		if rbErr := tx.Rollback(context.Background()); rbErr != nil {
			logger.Error(ctx, "rollback failed", "scope", m.scope, "error", rbErr, "original_error", err)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// GetTx returns the scope's transaction from context, or nil if none.
func (m *TxManager) GetTx(ctx context.Context) *Tx {
	if tx, ok := ctx.Value(txKey{m.scope}).(*Tx); ok {
		return tx
	}
	return nil
}

// Querier is implemented by pgx.Tx, *pgxpool.Pool and *pgx.Conn.
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// GetQuerier returns the transaction in ctx, or the pool outside a transaction.
func (m *TxManager) GetQuerier(ctx context.Context) (Querier, error) {
	if tx := m.GetTx(ctx); tx != nil {
		return tx.Tx, nil
	}
	pool, err := m.pools(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve %s pool: %w", m.scope, err)
	}
	return pool, nil
}

// ReadOnly executes fn in a read-only repeatable-read transaction, so every
// statement in fn sees the same snapshot.
func (m *TxManager) ReadOnly(ctx context.Context, fn func(ctx context.Context) error) error {
	opts := DefaultTxOptions()
	opts.IsolationLevel = pgx.RepeatableRead
	opts.AccessMode = pgx.ReadOnly
	return m.RunInTransactionWithOptions(ctx, opts, fn)
}
