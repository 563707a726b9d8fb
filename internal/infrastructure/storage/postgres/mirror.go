package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/jackc/pgx/v5"

	"medshard/internal/domain/entity"
	"medshard/internal/domain/replication"
)

var _ replication.Mirror = (*MirrorRepo)(nil)

// MirrorRepo writes replicated rows into the catalog's mirror tables.
type MirrorRepo struct {
	txm *TxManager
}

// NewMirrorRepo creates a mirror repository on the catalog transaction manager.
func NewMirrorRepo(txm *TxManager) *MirrorRepo {
	return &MirrorRepo{txm: txm}
}

// Upsert writes row into def's mirror table keyed by global ID.
// Values are cast by jsonb_populate_record against the table's own column types.
func (r *MirrorRepo) Upsert(ctx context.Context, def entity.Definition, row replication.MirrorRow) error {
	values, err := json.Marshal(row.Values)
	if err != nil {
		return fmt.Errorf("encode mirror values: %w", err)
	}
	q, err := r.txm.GetQuerier(ctx)
	if err != nil {
		return err
	}
	if _, err := q.Exec(ctx, mirrorUpsertSQL(def), row.GlobalID, row.SourceTenantID, row.SourceEventID, values); err != nil {
		return fmt.Errorf("upsert %s: %w", def.MirrorTable, err)
	}
	return nil
}

// Delete leaves a tombstone: the row keeps its global ID and gets deleted_at
// and the delete's version, so a late older upsert cannot bring it back.
// Readers see live rows only through deleted_at IS NULL.
func (r *MirrorRepo) Delete(ctx context.Context, def entity.Definition, row replication.MirrorRow) error {
	q, err := r.txm.GetQuerier(ctx)
	if err != nil {
		return err
	}
	if _, err := q.Exec(ctx, mirrorTombstoneSQL(def), row.GlobalID, row.SourceTenantID, row.SourceEventID); err != nil {
		return fmt.Errorf("tombstone %s: %w", def.MirrorTable, err)
	}
	return nil
}

// mirrorUpsertSQL renders the upsert for def. Identifiers come from a
// validated entity.Definition and are quoted besides.
func mirrorUpsertSQL(def entity.Definition) string {
	table := pgx.Identifier{def.MirrorTable}.Sanitize()

	cols := make([]string, 0, len(def.MirrorColumns))
	picks := make([]string, 0, len(def.MirrorColumns))
	sets := make([]string, 0, len(def.MirrorColumns)+4)
	for _, c := range def.MirrorColumns {
		col := pgx.Identifier{c}.Sanitize()
		cols = append(cols, col)
		picks = append(picks, "r."+col)
		sets = append(sets, col+" = EXCLUDED."+col)
	}
	sets = append(sets, versionSets...)
	sets = append(sets, "deleted_at = NULL")

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (global_id, source_tenant_id, source_event_id, replicated_at", table)
	for _, c := range cols {
		b.WriteString(", " + c)
	}
	b.WriteString(")\nSELECT $1::uuid, $2::bigint, $3::bigint, now()")
	for _, p := range picks {
		b.WriteString(", " + p)
	}
	fmt.Fprintf(&b, "\nFROM jsonb_populate_record(NULL::%s, $4::jsonb) AS r", table)
	fmt.Fprintf(&b, "\nON CONFLICT (global_id) DO UPDATE SET %s", strings.Join(sets, ", "))
	b.WriteString(versionGuard(table))
	return b.String()
}

// mirrorTombstoneSQL marks def's row deleted, creating a bare tombstone when
// the row was never replicated.
func mirrorTombstoneSQL(def entity.Definition) string {
	table := pgx.Identifier{def.MirrorTable}.Sanitize()
	sets := append(slices.Clone(versionSets), "deleted_at = EXCLUDED.deleted_at")

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (global_id, source_tenant_id, source_event_id, replicated_at, deleted_at)", table)
	b.WriteString("\nVALUES ($1::uuid, $2::bigint, $3::bigint, now(), now())")
	fmt.Fprintf(&b, "\nON CONFLICT (global_id) DO UPDATE SET %s", strings.Join(sets, ", "))
	b.WriteString(versionGuard(table))
	return b.String()
}

var versionSets = []string{
	"source_tenant_id = EXCLUDED.source_tenant_id",
	"source_event_id = EXCLUDED.source_event_id",
	"replicated_at = EXCLUDED.replicated_at",
}

// versionGuard lets an existing row or tombstone be overwritten only by a
// newer event from the same shard, or by any event from a different shard.
func versionGuard(table string) string {
	return fmt.Sprintf("\nWHERE %[1]s.source_tenant_id <> EXCLUDED.source_tenant_id OR %[1]s.source_event_id <= EXCLUDED.source_event_id", table)
}
