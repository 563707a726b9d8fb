package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"

	"medshard/internal/domain/replication"
)

var _ replication.InboxStore = (*InboxRepo)(nil)

// psql builds PostgreSQL-flavoured statements.
var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

var inboxColumns = selectList[replication.InboxEvent]()

// InboxRepo stores received events in the catalog's sync_inbox table.
type InboxRepo struct {
	txm *TxManager
}

// NewInboxRepo creates an inbox repository on the catalog transaction manager.
func NewInboxRepo(txm *TxManager) *InboxRepo {
	return &InboxRepo{txm: txm}
}

// Receive inserts events that are new and returns the rows for all of them,
// existing ones included, in the order of events.
func (r *InboxRepo) Receive(ctx context.Context, tenantID int64, events []replication.OutboxEvent) ([]*replication.InboxEvent, error) {
	if len(events) == 0 {
		return nil, nil
	}
	q, err := r.txm.GetQuerier(ctx)
	if err != nil {
		return nil, err
	}

	batch := &pgx.Batch{}
	ids := make([]int64, 0, len(events))
	for _, ev := range events {
		batch.Queue(`
			INSERT INTO sync_inbox (source_tenant_id, local_event_id, entity_type, operation, global_id, payload)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (source_tenant_id, local_event_id) DO NOTHING
		`, tenantID, ev.LocalEventID, ev.EntityType, string(ev.Operation), ev.GlobalID, storablePayload(ev.Payload))
		ids = append(ids, ev.LocalEventID)
	}

	if err := sendBatch(ctx, q, batch); err != nil {
		return nil, fmt.Errorf("insert inbox events: %w", err)
	}

	var rows []*replication.InboxEvent
	err = pgxscan.Select(ctx, q, &rows, `
		SELECT `+inboxColumns+`
		FROM sync_inbox
		WHERE source_tenant_id = $1 AND local_event_id = ANY($2)
	`, tenantID, ids)
	if err != nil {
		return nil, fmt.Errorf("select inbox events: %w", err)
	}

	byLocal := make(map[int64]*replication.InboxEvent, len(rows))
	for _, row := range rows {
		byLocal[row.LocalEventID] = row
	}
	out := make([]*replication.InboxEvent, 0, len(events))
	for _, ev := range events {
		row, ok := byLocal[ev.LocalEventID]
		if !ok {
			return nil, fmt.Errorf("inbox event %d/%d vanished after insert", tenantID, ev.LocalEventID)
		}
		out = append(out, row)
	}
	return out, nil
}

// storablePayload keeps valid JSON as-is and stores anything else as a JSON
// string, so one malformed event is recorded and fails at apply time instead
// of aborting the whole batch insert.
func storablePayload(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte("null")
	}
	if json.Valid(raw) {
		return raw
	}
	b, _ := json.Marshal(string(raw))
	return b
}

// Pending locks unprocessed rows below the retry cap. Concurrent passes skip each other's rows.
func (r *InboxRepo) Pending(ctx context.Context, limit, maxRetries int) ([]*replication.InboxEvent, error) {
	query := psql.Select(inboxColumns).
		From("sync_inbox").
		Where(sq.Eq{"processed_at": nil}).
		OrderBy("source_tenant_id", "local_event_id").
		Limit(uint64(limit)).
		Suffix("FOR UPDATE SKIP LOCKED")
	if maxRetries > 0 {
		query = query.Where(sq.Lt{"retry_count": maxRetries})
	}

	sqlStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build pending query: %w", err)
	}

	q, err := r.txm.GetQuerier(ctx)
	if err != nil {
		return nil, err
	}
	var rows []*replication.InboxEvent
	if err := pgxscan.Select(ctx, q, &rows, sqlStr, args...); err != nil {
		return nil, fmt.Errorf("select pending inbox events: %w", err)
	}
	return rows, nil
}

// Lock returns one row locked for update.
func (r *InboxRepo) Lock(ctx context.Context, inboxID int64) (*replication.InboxEvent, error) {
	q, err := r.txm.GetQuerier(ctx)
	if err != nil {
		return nil, err
	}
	var row replication.InboxEvent
	err = pgxscan.Get(ctx, q, &row, `SELECT `+inboxColumns+` FROM sync_inbox WHERE inbox_id = $1 FOR UPDATE`, inboxID)
	if pgxscan.NotFound(err) {
		return nil, fmt.Errorf("%w: %d", replication.ErrInboxEventNotFound, inboxID)
	}
	if err != nil {
		return nil, fmt.Errorf("lock inbox event: %w", err)
	}
	return &row, nil
}

func (r *InboxRepo) MarkProcessed(ctx context.Context, inboxID int64, at time.Time) error {
	return r.exec(ctx, "mark inbox event processed",
		`UPDATE sync_inbox SET processed_at = $2, error_message = NULL WHERE inbox_id = $1`, inboxID, at)
}

// MarkFailed records the error and counts the attempt.
func (r *InboxRepo) MarkFailed(ctx context.Context, inboxID int64, message string) error {
	return r.exec(ctx, "mark inbox event failed",
		`UPDATE sync_inbox SET retry_count = retry_count + 1, error_message = $2 WHERE inbox_id = $1`, inboxID, message)
}

func (r *InboxRepo) ClearError(ctx context.Context, inboxID int64) error {
	return r.exec(ctx, "clear inbox error",
		`UPDATE sync_inbox SET error_message = NULL WHERE inbox_id = $1`, inboxID)
}

// Status aggregates the inbox. Row states follow InboxEvent.State.
// The counts and the per-tenant rows are read in one read-only transaction.
func (r *InboxRepo) Status(ctx context.Context, recentErrors int) (*replication.Status, error) {
	var st *replication.Status
	err := r.txm.ReadOnly(ctx, func(ctx context.Context) error {
		var err error
		st, err = r.status(ctx, recentErrors)
		return err
	})
	return st, err
}

func (r *InboxRepo) status(ctx context.Context, recentErrors int) (*replication.Status, error) {
	q, err := r.txm.GetQuerier(ctx)
	if err != nil {
		return nil, err
	}

	st := &replication.Status{ByTenant: []replication.TenantStatus{}, RecentErrors: []replication.InboxError{}}

	err = q.QueryRow(ctx, `
		SELECT
			count(*) FILTER (WHERE processed_at IS NULL AND error_message IS NULL),
			count(*) FILTER (WHERE processed_at IS NOT NULL),
			count(*) FILTER (WHERE processed_at IS NULL AND error_message IS NOT NULL)
		FROM sync_inbox
	`).Scan(&st.Pending, &st.Processed, &st.Failed)
	if err != nil {
		return nil, fmt.Errorf("count inbox events: %w", err)
	}

	err = pgxscan.Select(ctx, q, &st.ByTenant, `
		SELECT
			source_tenant_id,
			count(*) FILTER (WHERE processed_at IS NULL AND error_message IS NULL) AS pending,
			count(*) FILTER (WHERE processed_at IS NOT NULL) AS processed,
			count(*) FILTER (WHERE processed_at IS NULL AND error_message IS NOT NULL) AS failed,
			max(received_at) AS last_received_at,
			max(local_event_id) AS last_local_event_id
		FROM sync_inbox
		GROUP BY source_tenant_id
		ORDER BY source_tenant_id
	`)
	if err != nil {
		return nil, fmt.Errorf("inbox status by tenant: %w", err)
	}

	if recentErrors > 0 {
		err = pgxscan.Select(ctx, q, &st.RecentErrors, `
			SELECT inbox_id, source_tenant_id, local_event_id, entity_type, retry_count, error_message, received_at
			FROM sync_inbox
			WHERE processed_at IS NULL AND error_message IS NOT NULL
			ORDER BY received_at DESC, inbox_id DESC
			LIMIT $1
		`, recentErrors)
		if err != nil {
			return nil, fmt.Errorf("recent inbox errors: %w", err)
		}
	}
	return st, nil
}

// DeleteProcessedBefore removes processed rows older than cutoff. Failed and pending rows are kept.
func (r *InboxRepo) DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	q, err := r.txm.GetQuerier(ctx)
	if err != nil {
		return 0, err
	}
	tag, err := q.Exec(ctx, `DELETE FROM sync_inbox WHERE processed_at IS NOT NULL AND processed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete processed inbox events: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *InboxRepo) exec(ctx context.Context, what, sql string, args ...any) error {
	q, err := r.txm.GetQuerier(ctx)
	if err != nil {
		return err
	}
	if _, err := q.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	return nil
}
