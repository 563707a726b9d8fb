package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"medshard/internal/domain/entity"
	"medshard/internal/domain/replication"
	"medshard/internal/domain/trash"
	"medshard/pkg/logger"
)

var _ trash.ShardWriter = (*ShardEffects)(nil)

// ShardEffects applies trash transitions to shard tables. Every change is
// paired with its outbox event in the same shard transaction.
type ShardEffects struct {
	pools  ShardPools
	outbox *OutboxRepo
	log    *logger.Logger
}

func NewShardEffects(pools ShardPools, outbox *OutboxRepo, log *logger.Logger) *ShardEffects {
	return &ShardEffects{pools: pools, outbox: outbox, log: log.WithComponent("shard-effects")}
}

// SoftDelete stamps deleted_at on the live row with the given key, hands the
// row to archive and emits a DELETE event so the catalog drops its mirror.
func (s *ShardEffects) SoftDelete(ctx context.Context, tenantID int64, def entity.Definition, key string,
	archive func(ctx context.Context, row trash.DeletedRow) error,
) error {
	sqlStr, args, err := psql.Update(def.Table).
		Set(def.DeletedAtColumn, sq.Expr("now()")).
		Where(sq.Eq{def.KeyColumn: key, def.DeletedAtColumn: nil}).
		Suffix("RETURNING " + returningRow(def)).
		ToSql()
	if err != nil {
		return fmt.Errorf("build soft delete: %w", err)
	}

	return s.inShardTx(ctx, tenantID, func(ctx context.Context, q Querier) error {
		row, err := scanDeletedRow(q.QueryRow(ctx, sqlStr, args...))
		if err != nil {
			return err
		}
		if err := archive(ctx, row); err != nil {
			return err
		}
		_, err = s.outbox.Append(ctx, q, def.Type, replication.OpDelete, row.GlobalID, row.Snapshot)
		return err
	})
}

// Restore clears deleted_at, then runs claim. The row goes back to the
// catalog through an UPDATE event carrying its current state.
func (s *ShardEffects) Restore(ctx context.Context, tenantID int64, def entity.Definition, globalID uuid.UUID,
	claim func(ctx context.Context) error,
) error {
	sqlStr, args, err := psql.Update(def.Table).
		Set(def.DeletedAtColumn, nil).
		Where(sq.Eq{def.GlobalIDColumn: globalID}).
		Where(sq.NotEq{def.DeletedAtColumn: nil}).
		Suffix("RETURNING " + returningRow(def)).
		ToSql()
	if err != nil {
		return fmt.Errorf("build restore: %w", err)
	}

	return s.inShardTx(ctx, tenantID, func(ctx context.Context, q Querier) error {
		row, err := scanDeletedRow(q.QueryRow(ctx, sqlStr, args...))
		if err != nil {
			return err
		}
		if err := claim(ctx); err != nil {
			return err
		}
		_, err = s.outbox.Append(ctx, q, def.Type, replication.OpUpdate, row.GlobalID, row.Snapshot)
		return err
	})
}

// Purge hard-deletes a soft-deleted row, then runs claim. The mirror was
// already dropped by the soft delete, so no event is emitted.
func (s *ShardEffects) Purge(ctx context.Context, tenantID int64, def entity.Definition, globalID uuid.UUID,
	claim func(ctx context.Context) error,
) error {
	sqlStr, args, err := psql.Delete(def.Table).
		Where(sq.Eq{def.GlobalIDColumn: globalID}).
		Where(sq.NotEq{def.DeletedAtColumn: nil}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build purge: %w", err)
	}

	return s.inShardTx(ctx, tenantID, func(ctx context.Context, q Querier) error {
		tag, err := q.Exec(ctx, sqlStr, args...)
		if err != nil {
			return fmt.Errorf("purge %s: %w", def.Table, err)
		}
		if tag.RowsAffected() == 0 {
			return trash.ErrRowNotFound
		}
		return claim(ctx)
	})
}

// inShardTx runs fn in one transaction on the shard. If the commit fails after
// fn ran a catalog step, that step stays; the error is logged for follow-up.
func (s *ShardEffects) inShardTx(ctx context.Context, tenantID int64, fn func(ctx context.Context, q Querier) error) error {
	return withShard(ctx, s.pools, tenantID, func(txm *TxManager) error {
		err := txm.RunInTransaction(ctx, func(ctx context.Context) error {
			q, err := txm.GetQuerier(ctx)
			if err != nil {
				return err
			}
			return fn(ctx, q)
		})
		if err != nil && !errors.Is(err, trash.ErrRowNotFound) {
			s.log.WithContext(ctx).WithTenant(tenantID).Warnw("shard transaction failed", "error", err)
		}
		return err
	})
}

// returningRow selects the archive fields and a JSON image of the row.
func returningRow(def entity.Definition) string {
	title := "''"
	if def.TitleColumn != "" {
		title = "COALESCE(" + pgx.Identifier{def.TitleColumn}.Sanitize() + "::text, '')"
	}
	table := pgx.Identifier{def.Table}.Sanitize()
	return fmt.Sprintf("%s::text, %s, %s, to_jsonb(%s.*)",
		pgx.Identifier{def.IDColumn}.Sanitize(),
		pgx.Identifier{def.GlobalIDColumn}.Sanitize(),
		title,
		table,
	)
}

func scanDeletedRow(row pgx.Row) (trash.DeletedRow, error) {
	var (
		out      trash.DeletedRow
		snapshot json.RawMessage
	)
	err := row.Scan(&out.EntityID, &out.GlobalID, &out.Title, &snapshot)
	if errors.Is(err, pgx.ErrNoRows) {
		return out, trash.ErrRowNotFound
	}
	if err != nil {
		return out, fmt.Errorf("scan shard row: %w", err)
	}
	out.Snapshot = snapshot
	return out, nil
}
