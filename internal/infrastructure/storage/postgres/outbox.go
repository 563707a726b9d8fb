package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"

	"medshard/internal/domain/replication"
)

var _ replication.OutboxStore = (*OutboxRepo)(nil)

// OutboxRepo reads and writes the sync_outbox table of each shard.
type OutboxRepo struct {
	pools ShardPools
}

// NewOutboxRepo creates an outbox repository over the shard pools.
func NewOutboxRepo(pools ShardPools) *OutboxRepo {
	return &OutboxRepo{pools: pools}
}

// Unsent returns up to limit unsent events in local event order.
// Callers hold the shard's drain lease, so no row lock is taken.
func (r *OutboxRepo) Unsent(ctx context.Context, tenantID int64, limit int) ([]replication.OutboxEvent, error) {
	var events []replication.OutboxEvent
	err := withShard(ctx, r.pools, tenantID, func(txm *TxManager) error {
		q, err := txm.GetQuerier(ctx)
		if err != nil {
			return err
		}
		return pgxscan.Select(ctx, q, &events, `
			SELECT local_event_id, entity_type, operation, global_id::text AS global_id,
			       payload, created_at, sent_at
			FROM sync_outbox
			WHERE sent_at IS NULL
			ORDER BY local_event_id
			LIMIT $1
		`, limit)
	})
	if err != nil {
		return nil, fmt.Errorf("select unsent outbox events: %w", err)
	}
	return events, nil
}

// MarkSent flags acknowledged events. Already-sent rows are left untouched.
func (r *OutboxRepo) MarkSent(ctx context.Context, tenantID int64, localEventIDs []int64, at time.Time) (int64, error) {
	if len(localEventIDs) == 0 {
		return 0, nil
	}
	var n int64
	err := withShard(ctx, r.pools, tenantID, func(txm *TxManager) error {
		q, err := txm.GetQuerier(ctx)
		if err != nil {
			return err
		}
		tag, err := q.Exec(ctx, `
			UPDATE sync_outbox
			SET sent_at = $1
			WHERE local_event_id = ANY($2) AND sent_at IS NULL
		`, at, localEventIDs)
		if err != nil {
			return err
		}
		n = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("mark outbox events sent: %w", err)
	}
	return n, nil
}

// Append writes one change event through q, which must be the transaction
// that made the change so the event commits or rolls back with it.
func (r *OutboxRepo) Append(ctx context.Context, q Querier, entityType string, op replication.Operation, globalID uuid.UUID, payload json.RawMessage) (int64, error) {
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	var localID int64
	err := q.QueryRow(ctx, `
		INSERT INTO sync_outbox (entity_type, operation, global_id, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING local_event_id
	`, entityType, string(op), globalID, payload, time.Now().UTC()).Scan(&localID)
	if err != nil {
		return 0, fmt.Errorf("insert outbox event: %w", err)
	}
	return localID, nil
}
