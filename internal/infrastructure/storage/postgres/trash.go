package postgres

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/klauspost/compress/zstd"

	"medshard/internal/core/jsonblob"
	"medshard/internal/domain/trash"
)

var _ trash.Repository = (*TrashRepo)(nil)

// CompressionAlgo specifies how a snapshot is stored.
type CompressionAlgo string

const (
	CompressionNone CompressionAlgo = "none"
	CompressionZstd CompressionAlgo = "zstd"
)

// DefaultCompressThreshold is the snapshot size above which zstd kicks in.
const DefaultCompressThreshold = 10 * 1024

// trashRow is trash_records as stored: the snapshot lives in one of two columns.
type trashRow struct {
	trash.Record
	SnapshotJSON       []byte          `db:"snapshot"`
	SnapshotCompressed []byte          `db:"snapshot_compressed"`
	CompressionAlgo    CompressionAlgo `db:"compression_algo"`
}

var trashColumns = selectList[trashRow]()

// TrashRepo stores archived deletions in the catalog.
type TrashRepo struct {
	txm               *TxManager
	encoder           *zstd.Encoder
	decoder           *zstd.Decoder
	compressThreshold int
}

// NewTrashRepo creates a trash repository. Snapshots larger than
// threshold bytes are zstd-compressed; threshold <= 0 uses the default.
func NewTrashRepo(txm *TxManager, threshold int) (*TrashRepo, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	if threshold <= 0 {
		threshold = DefaultCompressThreshold
	}
	return &TrashRepo{
		txm:               txm,
		encoder:           encoder,
		decoder:           decoder,
		compressThreshold: threshold,
	}, nil
}

// Insert appends rec and fills rec.ID.
func (r *TrashRepo) Insert(ctx context.Context, rec *trash.Record) error {
	row := r.encode(rec)
	values := StructToMap(row)
	delete(values, "trash_id")

	sqlStr, args, err := psql.Insert("trash_records").SetMap(values).Suffix("RETURNING trash_id").ToSql()
	if err != nil {
		return fmt.Errorf("build trash insert: %w", err)
	}

	q, err := r.txm.GetQuerier(ctx)
	if err != nil {
		return err
	}
	if err := q.QueryRow(ctx, sqlStr, args...).Scan(&rec.ID); err != nil {
		return fmt.Errorf("insert trash record: %w", err)
	}
	return nil
}

func (r *TrashRepo) GetByID(ctx context.Context, trashID int64) (*trash.Record, error) {
	q, err := r.txm.GetQuerier(ctx)
	if err != nil {
		return nil, err
	}
	var row trashRow
	err = pgxscan.Get(ctx, q, &row, `SELECT `+trashColumns+` FROM trash_records WHERE trash_id = $1`, trashID)
	if pgxscan.NotFound(err) {
		return nil, fmt.Errorf("%w: %d", trash.ErrRecordNotFound, trashID)
	}
	if err != nil {
		return nil, fmt.Errorf("get trash record: %w", err)
	}
	return r.decode(&row)
}

// MarkRestored settles an active record as restored.
func (r *TrashRepo) MarkRestored(ctx context.Context, trashID int64, by string, at time.Time) (bool, error) {
	return r.settle(ctx, trashID, "restored", by, at)
}

// MarkPurged settles an active record as purged.
func (r *TrashRepo) MarkPurged(ctx context.Context, trashID int64, by string, at time.Time) (bool, error) {
	return r.settle(ctx, trashID, "purged", by, at)
}

// settle is a conditional update: only the first transition of a record wins.
func (r *TrashRepo) settle(ctx context.Context, trashID int64, outcome, by string, at time.Time) (bool, error) {
	sqlStr, args, err := psql.Update("trash_records").
		Set(outcome+"_at", at).
		Set(outcome+"_by", by).
		Where(sq.Eq{"trash_id": trashID, "restored_at": nil, "purged_at": nil}).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("build trash update: %w", err)
	}

	q, err := r.txm.GetQuerier(ctx)
	if err != nil {
		return false, err
	}
	tag, err := q.Exec(ctx, sqlStr, args...)
	if err != nil {
		return false, fmt.Errorf("mark trash record %s: %w", outcome, err)
	}
	return tag.RowsAffected() == 1, nil
}

// List returns records newest first.
func (r *TrashRepo) List(ctx context.Context, f trash.Filter) ([]*trash.Record, error) {
	sqlStr, args, err := listQuery(f).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build trash list: %w", err)
	}

	q, err := r.txm.GetQuerier(ctx)
	if err != nil {
		return nil, err
	}
	var rows []*trashRow
	if err := pgxscan.Select(ctx, q, &rows, sqlStr, args...); err != nil {
		return nil, fmt.Errorf("list trash records: %w", err)
	}

	out := make([]*trash.Record, 0, len(rows))
	for _, row := range rows {
		rec, err := r.decode(row)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func listQuery(f trash.Filter) sq.SelectBuilder {
	query := psql.Select(trashColumns).
		From("trash_records").
		OrderBy("deleted_at DESC", "trash_id DESC")

	if f.TenantID > 0 {
		query = query.Where(sq.Eq{"tenant_id": f.TenantID})
	}
	if f.EntityType != "" {
		query = query.Where(sq.Eq{"entity_type": f.EntityType})
	}
	switch f.State {
	case trash.StateActive:
		query = query.Where(sq.Eq{"restored_at": nil, "purged_at": nil})
	case trash.StateRestored:
		query = query.Where(sq.NotEq{"restored_at": nil})
	case trash.StatePurged:
		query = query.Where(sq.NotEq{"purged_at": nil})
	}
	if f.Limit > 0 {
		query = query.Limit(uint64(f.Limit))
	}
	if f.Offset > 0 {
		query = query.Offset(uint64(f.Offset))
	}
	return query
}

// encode moves large snapshots into the compressed column.
func (r *TrashRepo) encode(rec *trash.Record) *trashRow {
	row := &trashRow{Record: *rec, CompressionAlgo: CompressionNone}
	raw := rec.Snapshot.Raw()
	if len(raw) > r.compressThreshold {
		row.SnapshotCompressed = r.encoder.EncodeAll(raw, nil)
		row.CompressionAlgo = CompressionZstd
		return row
	}
	row.SnapshotJSON = raw
	return row
}

func (r *TrashRepo) decode(row *trashRow) (*trash.Record, error) {
	rec := row.Record
	raw := row.SnapshotJSON
	if row.CompressionAlgo == CompressionZstd && len(row.SnapshotCompressed) > 0 {
		decompressed, err := r.decoder.DecodeAll(row.SnapshotCompressed, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress snapshot of trash record %d: %w", row.ID, err)
		}
		raw = decompressed
	}
	rec.Snapshot = jsonblob.FromRaw(raw)
	return &rec, nil
}
