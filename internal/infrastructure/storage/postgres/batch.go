package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// batchSender is implemented by pgx.Tx and *pgxpool.Pool.
type batchSender interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// sendBatch executes every queued statement in a single round-trip.
func sendBatch(ctx context.Context, q Querier, batch *pgx.Batch) error {
	sender, ok := q.(batchSender)
	if !ok {
		return fmt.Errorf("querier %T cannot send batches", q)
	}

	results := sender.SendBatch(ctx, batch)
	defer results.Close()

	for i := range batch.Len() {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("batch statement %d: %w", i, err)
		}
	}
	return results.Close()
}
