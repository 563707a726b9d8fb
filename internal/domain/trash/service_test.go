package trash

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appctx "medshard/internal/core/context"
	"medshard/internal/core/tenant"
	"medshard/internal/domain/entity"
	"medshard/pkg/logger"
)

type memRepo struct {
	mu        sync.Mutex
	nextID    int64
	records   map[int64]*Record
	insertErr error
	lastLimit int
}

func newMemRepo() *memRepo {
	return &memRepo{records: make(map[int64]*Record)}
}

func (r *memRepo) Insert(_ context.Context, rec *Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.insertErr != nil {
		return r.insertErr
	}
	r.nextID++
	rec.ID = r.nextID
	cp := *rec
	r.records[rec.ID] = &cp
	return nil
}

func (r *memRepo) GetByID(_ context.Context, id int64) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	cp := *rec
	return &cp, nil
}

func (r *memRepo) mark(id int64, by string, at time.Time, purge bool) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok || rec.RestoredAt != nil || rec.PurgedAt != nil {
		return false, nil
	}
	if purge {
		rec.PurgedAt, rec.PurgedBy = &at, &by
	} else {
		rec.RestoredAt, rec.RestoredBy = &at, &by
	}
	return true, nil
}

func (r *memRepo) MarkRestored(_ context.Context, id int64, by string, at time.Time) (bool, error) {
	return r.mark(id, by, at, false)
}

func (r *memRepo) MarkPurged(_ context.Context, id int64, by string, at time.Time) (bool, error) {
	return r.mark(id, by, at, true)
}

func (r *memRepo) List(_ context.Context, f Filter) ([]*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastLimit = f.Limit
	var out []*Record
	for id := int64(1); id <= r.nextID; id++ {
		rec, ok := r.records[id]
		if !ok || (f.TenantID != 0 && rec.TenantID != f.TenantID) {
			continue
		}
		if f.State != "" && rec.State() != f.State {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// fakeShard keeps one row per global ID and emulates rollback on callback failure.
type fakeShard struct {
	mu      sync.Mutex
	rows    map[string]*shardRow // by key
	outbox  []string
	delayed time.Duration
}

type shardRow struct {
	id       string
	globalID uuid.UUID
	title    string
	deleted  bool
	purged   bool
}

func newFakeShard() *fakeShard {
	return &fakeShard{rows: make(map[string]*shardRow)}
}

func (f *fakeShard) add(key string) *shardRow {
	row := &shardRow{id: "101", globalID: uuid.New(), title: "Broken AC in ward 3"}
	f.rows[key] = row
	return row
}

func (f *fakeShard) byGlobal(gid uuid.UUID) *shardRow {
	for _, r := range f.rows {
		if r.globalID == gid {
			return r
		}
	}
	return nil
}

func (f *fakeShard) SoftDelete(ctx context.Context, _ int64, def entity.Definition, key string, archive func(context.Context, DeletedRow) error) error {
	f.mu.Lock()
	row, ok := f.rows[key]
	f.mu.Unlock()
	if !ok || row.deleted {
		return ErrRowNotFound
	}
	if err := archive(ctx, DeletedRow{
		EntityID: row.id,
		GlobalID: row.globalID,
		Title:    row.title,
		Snapshot: []byte(`{"complaint_code":"` + key + `","title":"` + row.title + `"}`),
	}); err != nil {
		return err // rolled back: row untouched
	}
	f.mu.Lock()
	row.deleted = true
	f.outbox = append(f.outbox, "DELETE "+def.Type)
	f.mu.Unlock()
	return nil
}

func (f *fakeShard) settle(ctx context.Context, gid uuid.UUID, claim func(context.Context) error, purge bool) error {
	if f.delayed > 0 {
		time.Sleep(f.delayed)
	}
	f.mu.Lock()
	row := f.byGlobal(gid)
	f.mu.Unlock()
	if row == nil {
		return ErrRowNotFound
	}
	if err := claim(ctx); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if purge {
		row.purged = true
	} else {
		row.deleted = false
		f.outbox = append(f.outbox, "UPDATE")
	}
	return nil
}

func (f *fakeShard) Restore(ctx context.Context, _ int64, _ entity.Definition, gid uuid.UUID, claim func(context.Context) error) error {
	return f.settle(ctx, gid, claim, false)
}

func (f *fakeShard) Purge(ctx context.Context, _ int64, _ entity.Definition, gid uuid.UUID, claim func(context.Context) error) error {
	return f.settle(ctx, gid, claim, true)
}

type fakeTenants map[int64]*tenant.Tenant

func (f fakeTenants) GetByID(_ context.Context, id int64) (*tenant.Tenant, error) {
	t, ok := f[id]
	if !ok {
		return nil, tenant.ErrTenantNotFound
	}
	return t, nil
}

var (
	staff3 = &appctx.UserContext{UserID: "nurse-3", TenantID: 3}
	staff4 = &appctx.UserContext{UserID: "nurse-4", TenantID: 4}
	admin  = &appctx.UserContext{UserID: "ops", IsAdmin: true}
)

type fixture struct {
	svc   *Service
	repo  *memRepo
	shard *fakeShard
}

func newFixture() *fixture {
	repo, shard := newMemRepo(), newFakeShard()
	tenants := fakeTenants{3: {ID: 3, DBName: "hosp_north", IsActive: true}}
	return &fixture{
		svc:   NewService(repo, shard, tenants, entity.Default(), logger.Nop()),
		repo:  repo,
		shard: shard,
	}
}

func (f *fixture) archived(t *testing.T) *Record {
	t.Helper()
	f.shard.add("C-1")
	rec, err := f.svc.SoftDelete(context.Background(), SoftDeleteInput{
		TenantID: 3, EntityType: entity.TypeComplaint, Key: "C-1", Reason: "duplicate",
	}, staff3)
	require.NoError(t, err)
	return rec
}

func TestArchive_UsesCatalogDatabaseName(t *testing.T) {
	f := newFixture()

	rec, err := f.svc.Archive(context.Background(), ArchiveInput{
		TenantID: 3, EntityType: "COMPLAINT", EntityTable: "complaints", EntityID: "1",
		Snapshot: map[string]any{"title": "x"}, ActorUserID: "u",
	})

	require.NoError(t, err)
	assert.Equal(t, "hosp_north", rec.SourceDB)
	assert.Equal(t, StateActive, rec.State())
	assert.True(t, rec.Snapshot.Valid())
}

func TestArchive_FallsBackToPlaceholderDatabaseName(t *testing.T) {
	f := newFixture()

	rec, err := f.svc.Archive(context.Background(), ArchiveInput{TenantID: 8, EntityType: "COMPLAINT", EntityID: "1"})

	require.NoError(t, err)
	assert.Equal(t, "hospital_8", rec.SourceDB)
}

func TestArchive_UnserializableSnapshotStoresSentinel(t *testing.T) {
	f := newFixture()

	rec, err := f.svc.Archive(context.Background(), ArchiveInput{
		TenantID: 3, EntityType: "COMPLAINT", EntityID: "1",
		Snapshot: map[string]any{"ch": make(chan int)},
	})

	require.NoError(t, err)
	assert.True(t, rec.Snapshot.IsSentinel())
	stored, _ := f.repo.GetByID(context.Background(), rec.ID)
	assert.True(t, stored.Snapshot.IsSentinel())
}

func TestArchive_IsAppendOnly(t *testing.T) {
	f := newFixture()
	in := ArchiveInput{TenantID: 3, EntityType: "COMPLAINT", EntityID: "1"}

	a, err := f.svc.Archive(context.Background(), in)
	require.NoError(t, err)
	b, err := f.svc.Archive(context.Background(), in)
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
	all, _ := f.repo.List(context.Background(), Filter{})
	assert.Len(t, all, 2)
}

func TestSoftDelete_ArchivesSnapshotAndStampsRow(t *testing.T) {
	f := newFixture()
	rec := f.archived(t)

	assert.Equal(t, "101", rec.EntityID)
	assert.Equal(t, "complaints", rec.EntityTable)
	assert.Equal(t, "nurse-3", rec.DeletedBy)
	obj, err := rec.Snapshot.Object()
	require.NoError(t, err)
	assert.Equal(t, "C-1", obj["complaint_code"])

	assert.True(t, f.shard.rows["C-1"].deleted)
	assert.Equal(t, []string{"DELETE COMPLAINT"}, f.shard.outbox)
}

func TestSoftDelete_ArchiveFailureRollsBackShard(t *testing.T) {
	f := newFixture()
	f.shard.add("C-1")
	f.repo.insertErr = errors.New("catalog unavailable")

	_, err := f.svc.SoftDelete(context.Background(), SoftDeleteInput{
		TenantID: 3, EntityType: entity.TypeComplaint, Key: "C-1",
	}, staff3)

	require.ErrorContains(t, err, "catalog unavailable")
	assert.False(t, f.shard.rows["C-1"].deleted)
	assert.Empty(t, f.shard.outbox)
}

func TestSoftDelete_RequiresOwnership(t *testing.T) {
	f := newFixture()
	f.shard.add("C-1")

	_, err := f.svc.SoftDelete(context.Background(), SoftDeleteInput{
		TenantID: 3, EntityType: entity.TypeComplaint, Key: "C-1",
	}, staff4)

	assert.ErrorIs(t, err, ErrForbidden)
}

func TestRestore_ThenPurgeConflicts(t *testing.T) {
	f := newFixture()
	rec := f.archived(t)

	restored, err := f.svc.Restore(context.Background(), rec.ID, staff3)
	require.NoError(t, err)
	assert.Equal(t, StateRestored, restored.State())
	assert.False(t, f.shard.rows["C-1"].deleted)

	_, err = f.svc.Purge(context.Background(), rec.ID, staff3)
	require.ErrorIs(t, err, ErrTerminalStateConflict)
	var tse *TerminalStateError
	require.ErrorAs(t, err, &tse)
	assert.Equal(t, StateRestored, tse.State)
	assert.False(t, f.shard.rows["C-1"].purged)
}

func TestPurge_ThenRestoreConflicts(t *testing.T) {
	f := newFixture()
	rec := f.archived(t)

	purged, err := f.svc.Purge(context.Background(), rec.ID, admin)
	require.NoError(t, err)
	assert.Equal(t, StatePurged, purged.State())
	assert.True(t, f.shard.rows["C-1"].purged)

	_, err = f.svc.Restore(context.Background(), rec.ID, admin)
	assert.ErrorIs(t, err, ErrTerminalStateConflict)

	_, err = f.svc.Purge(context.Background(), rec.ID, admin)
	assert.ErrorIs(t, err, ErrTerminalStateConflict)
}

func TestSettle_RacingTransitionsOnlyOneWins(t *testing.T) {
	f := newFixture()
	rec := f.archived(t)
	f.shard.delayed = 10 * time.Millisecond

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() { defer wg.Done(); _, errs[0] = f.svc.Restore(context.Background(), rec.ID, staff3) }()
	go func() { defer wg.Done(); _, errs[1] = f.svc.Purge(context.Background(), rec.ID, staff3) }()
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, ErrTerminalStateConflict)
		}
	}
	assert.Equal(t, 1, succeeded)

	stored, _ := f.repo.GetByID(context.Background(), rec.ID)
	assert.False(t, stored.RestoredAt != nil && stored.PurgedAt != nil)
}

// shardFirst moves the shard row for a concurrent winner, then reports it gone.
type shardFirst struct {
	*fakeShard
	winner func()
}

func (s shardFirst) Restore(context.Context, int64, entity.Definition, uuid.UUID, func(context.Context) error) error {
	s.winner()
	return ErrRowNotFound
}

func TestSettle_ShardRowTakenByConcurrentTransition(t *testing.T) {
	f := newFixture()
	rec := f.archived(t)
	svc := NewService(f.repo, shardFirst{
		fakeShard: f.shard,
		winner:    func() { _, _ = f.repo.MarkPurged(context.Background(), rec.ID, "other", time.Now()) },
	}, fakeTenants{}, entity.Default(), logger.Nop())

	_, err := svc.Restore(context.Background(), rec.ID, staff3)

	var tse *TerminalStateError
	require.ErrorAs(t, err, &tse)
	assert.Equal(t, StatePurged, tse.State)
}

func TestSettle_MissingShardRowOnActiveRecord(t *testing.T) {
	f := newFixture()
	rec := f.archived(t)
	delete(f.shard.rows, "C-1")

	_, err := f.svc.Purge(context.Background(), rec.ID, staff3)

	assert.ErrorIs(t, err, ErrRowNotFound)
}

func TestSettle_ChecksOwnership(t *testing.T) {
	f := newFixture()
	rec := f.archived(t)

	_, err := f.svc.Restore(context.Background(), rec.ID, staff4)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.svc.Purge(context.Background(), rec.ID, nil)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.svc.Restore(context.Background(), 999, admin)
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestList_ScopesToCallerTenant(t *testing.T) {
	f := newFixture()
	f.archived(t)
	_, err := f.svc.Archive(context.Background(), ArchiveInput{TenantID: 4, EntityType: "COMPLAINT", EntityID: "9"})
	require.NoError(t, err)

	mine, err := f.svc.List(context.Background(), Filter{}, staff4)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, int64(4), mine[0].TenantID)

	_, err = f.svc.List(context.Background(), Filter{TenantID: 3}, staff4)
	assert.ErrorIs(t, err, ErrForbidden)

	all, err := f.svc.List(context.Background(), Filter{}, admin)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestFilter_EffectiveLimit(t *testing.T) {
	tests := []struct {
		limit int
		want  int
	}{
		{0, DefaultListLimit},
		{-5, DefaultListLimit},
		{1, 1},
		{MaxListLimit, MaxListLimit},
		{MaxListLimit + 1, DefaultListLimit},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Filter{Limit: tt.limit}.EffectiveLimit(), "limit %d", tt.limit)
	}
}

func TestList_UsesEffectiveLimit(t *testing.T) {
	f := newFixture()

	_, err := f.svc.List(context.Background(), Filter{Limit: 1000}, admin)
	require.NoError(t, err)
	assert.Equal(t, DefaultListLimit, f.repo.lastLimit)

	_, err = f.svc.List(context.Background(), Filter{Limit: 25}, admin)
	require.NoError(t, err)
	assert.Equal(t, 25, f.repo.lastLimit)
}
