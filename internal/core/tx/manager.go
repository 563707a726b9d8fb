// Package tx provides transaction management abstractions.
// Domain services depend on these interfaces; the pgx implementation
// lives in infrastructure/storage/postgres.
package tx

import (
	"context"
)

// Manager defines the contract for transaction management.
//
// Nested calls reuse the existing transaction from context.
type Manager interface {
	// RunInTransaction executes fn within a database transaction.
	// If fn returns an error, the transaction is rolled back.
	RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// SavepointManager adds savepoint-scoped sub-transactions.
// Used where one failing unit of work must not abort its siblings,
// e.g. applying a batch of inbox events.
type SavepointManager interface {
	Manager

	// RunInSavepoint executes fn inside a savepoint of the transaction in ctx.
	// On error only the work done by fn is rolled back. Without an
	// enclosing transaction it behaves like RunInTransaction.
	RunInSavepoint(ctx context.Context, fn func(ctx context.Context) error) error
}
