package postgres

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"medshard/internal/domain/entity"
	"medshard/internal/domain/routing"
)

var _ routing.Prober = (*ShardProber)(nil)

// ShardProber answers "does this shard hold the entity?" with a read-only EXISTS query.
type ShardProber struct {
	pools ShardPools
}

func NewShardProber(pools ShardPools) *ShardProber {
	return &ShardProber{pools: pools}
}

// Probe reports whether a live row with the given key exists on the shard.
// Soft-deleted rows do not count.
func (p *ShardProber) Probe(ctx context.Context, tenantID int64, def entity.Definition, key string) (bool, error) {
	sqlStr, args, err := probeQuery(def, key).ToSql()
	if err != nil {
		return false, fmt.Errorf("build probe: %w", err)
	}

	var found bool
	err = withShard(ctx, p.pools, tenantID, func(txm *TxManager) error {
		q, err := txm.GetQuerier(ctx)
		if err != nil {
			return err
		}
		return q.QueryRow(ctx, sqlStr, args...).Scan(&found)
	})
	if err != nil {
		return false, fmt.Errorf("probe %s on tenant %d: %w", def.Type, tenantID, err)
	}
	return found, nil
}

func probeQuery(def entity.Definition, key string) sq.SelectBuilder {
	return psql.Select("1").
		From(def.Table).
		Where(sq.Eq{def.KeyColumn: key}).
		Where(sq.Eq{def.DeletedAtColumn: nil}).
		Limit(1).
		Prefix("SELECT EXISTS (").
		Suffix(")")
}
