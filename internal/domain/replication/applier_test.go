package replication

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medshard/internal/domain/entity"
	"medshard/pkg/logger"
)

type applierFixture struct {
	applier *Applier
	inbox   *memInbox
	mirror  *memMirror
}

func newApplierFixture(cfg ...ApplierConfig) *applierFixture {
	inbox, mirror := newMemInbox(), newMemMirror()
	c := DefaultApplierConfig()
	if len(cfg) > 0 {
		c = cfg[0]
	}
	txm := &fakeTx{stores: []snapshotter{inbox, mirror}}
	return &applierFixture{
		applier: NewApplier(txm, inbox, mirror, entity.Default(), c, logger.Nop()),
		inbox:   inbox,
		mirror:  mirror,
	}
}

func complaintEvent(localID int64, op Operation, gid uuid.UUID, title string) OutboxEvent {
	payload, _ := json.Marshal(map[string]any{
		"complaint_id":   localID,
		"complaint_code": "C-2025-0000" + title,
		"title":          title,
		"status":         "open",
		"internal_note":  "not mirrored",
	})
	return OutboxEvent{
		LocalEventID: localID,
		EntityType:   entity.TypeComplaint,
		Operation:    op,
		GlobalID:     gid.String(),
		Payload:      payload,
	}
}

func TestIntake_AppliesAndAcknowledges(t *testing.T) {
	f := newApplierFixture()
	gid := uuid.New()

	res, err := f.applier.Intake(context.Background(), Batch{
		SourceTenantID: 5,
		Events:         []OutboxEvent{complaintEvent(10, OpInsert, gid, "42")},
	})

	require.NoError(t, err)
	assert.Equal(t, 1, res.Received)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, []int64{10}, res.ProcessedEventIDs)
	assert.Empty(t, res.Errors)

	row, ok := f.mirror.get(gid)
	require.True(t, ok)
	assert.Equal(t, int64(5), row.SourceTenantID)
	assert.Equal(t, "42", row.Values["title"])
	assert.NotContains(t, row.Values, "internal_note")

	assert.Equal(t, InboxProcessed, f.inbox.byLocal(5, 10).State())
}

func TestIntake_IdempotentRedelivery(t *testing.T) {
	f := newApplierFixture()
	gid := uuid.New()
	batch := Batch{SourceTenantID: 5, Events: []OutboxEvent{complaintEvent(10, OpInsert, gid, "42")}}

	_, err := f.applier.Intake(context.Background(), batch)
	require.NoError(t, err)
	first, _ := f.mirror.get(gid)

	res, err := f.applier.Intake(context.Background(), batch)
	require.NoError(t, err)
	second, _ := f.mirror.get(gid)

	assert.Equal(t, first, second)
	assert.Equal(t, []int64{10}, res.ProcessedEventIDs, "duplicate is acknowledged again")
	assert.Len(t, f.inbox.rows, 1, "duplicate must not create a second inbox row")
	assert.Equal(t, 1, f.mirror.writes, "applied events are not re-applied")
}

func TestIntake_ReapplyingSamePayloadIsNoChange(t *testing.T) {
	f := newApplierFixture()
	gid := uuid.New()

	_, err := f.applier.Intake(context.Background(), Batch{SourceTenantID: 5, Events: []OutboxEvent{complaintEvent(10, OpInsert, gid, "x")}})
	require.NoError(t, err)
	once, _ := f.mirror.get(gid)

	// Same payload under a new local ID, e.g. the shard re-emitted the change.
	_, err = f.applier.Intake(context.Background(), Batch{SourceTenantID: 5, Events: []OutboxEvent{complaintEvent(11, OpUpdate, gid, "x")}})
	require.NoError(t, err)
	twice, _ := f.mirror.get(gid)

	assert.Equal(t, once.Values, twice.Values)
	assert.Equal(t, 1, f.mirror.live())
}

func TestIntake_FailuresAreIsolatedPerEvent(t *testing.T) {
	f := newApplierFixture()
	g1, g2, g3 := uuid.New(), uuid.New(), uuid.New()
	bad := complaintEvent(2, OpInsert, g2, "bad")
	bad.Payload = json.RawMessage(`"not an object"`)

	res, err := f.applier.Intake(context.Background(), Batch{
		SourceTenantID: 7,
		Events: []OutboxEvent{
			complaintEvent(3, OpInsert, g3, "c"),
			bad,
			complaintEvent(1, OpInsert, g1, "a"),
		},
	})

	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, []int64{1, 3}, res.ProcessedEventIDs, "applied in local event order")
	assert.Equal(t, []int64{1, 2, 3}, res.ReceivedEventIDs, "the failed event is stored too")
	require.Len(t, res.Errors, 1)
	assert.Equal(t, int64(2), res.Errors[0].LocalEventID)

	failed := f.inbox.byLocal(7, 2)
	assert.Equal(t, InboxFailed, failed.State())
	assert.Equal(t, 1, failed.RetryCount)
	assert.Nil(t, failed.ProcessedAt)

	_, ok := f.mirror.get(g1)
	assert.True(t, ok)
	_, ok = f.mirror.get(g3)
	assert.True(t, ok)
	_, ok = f.mirror.get(g2)
	assert.False(t, ok)
}

func TestIntake_RejectsUnknownTypesOperationsAndIDs(t *testing.T) {
	f := newApplierFixture()
	unknownType := complaintEvent(1, OpInsert, uuid.New(), "a")
	unknownType.EntityType = "PATIENT"
	unknownOp := complaintEvent(2, "MERGE", uuid.New(), "b")
	badID := complaintEvent(3, OpInsert, uuid.New(), "c")
	badID.GlobalID = "uuid-A"

	res, err := f.applier.Intake(context.Background(), Batch{SourceTenantID: 1, Events: []OutboxEvent{unknownType, unknownOp, badID}})

	require.NoError(t, err)
	assert.Equal(t, 3, res.Failed)
	assert.Empty(t, res.ProcessedEventIDs)
}

func TestIntake_DeleteRemovesMirrorRow(t *testing.T) {
	f := newApplierFixture()
	gid := uuid.New()

	_, err := f.applier.Intake(context.Background(), Batch{SourceTenantID: 2, Events: []OutboxEvent{
		complaintEvent(1, OpInsert, gid, "a"),
		complaintEvent(2, OpDelete, gid, "a"),
	}})
	require.NoError(t, err)

	_, ok := f.mirror.get(gid)
	assert.False(t, ok)
}

func TestIntake_LateOlderEventDoesNotUndoDelete(t *testing.T) {
	f := newApplierFixture()
	gid := uuid.New()
	f.mirror.failOnce[gid] = errMirrorDown

	res, err := f.applier.Intake(context.Background(), Batch{SourceTenantID: 5, Events: []OutboxEvent{
		complaintEvent(10, OpInsert, gid, "a"),
		complaintEvent(11, OpDelete, gid, "a"),
	}})
	require.NoError(t, err)
	assert.Equal(t, []int64{11}, res.ProcessedEventIDs)
	assert.Equal(t, 1, res.Failed)

	pending, err := f.applier.ProcessPending(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, pending.Processed, "the insert applies as a no-op")

	_, ok := f.mirror.get(gid)
	assert.False(t, ok, "the tombstone of event 11 outranks event 10")

	// A newer change from the shard, e.g. a restore, revives the row.
	_, err = f.applier.Intake(context.Background(), Batch{SourceTenantID: 5, Events: []OutboxEvent{
		complaintEvent(12, OpUpdate, gid, "restored"),
	}})
	require.NoError(t, err)
	row, ok := f.mirror.get(gid)
	require.True(t, ok)
	assert.Equal(t, "restored", row.Values["title"])
}

func TestIntake_RedeliveredFailureIsNotReapplied(t *testing.T) {
	cfg := DefaultApplierConfig()
	cfg.MaxAutoRetries = 3
	f := newApplierFixture(cfg)
	gid := uuid.New()
	f.mirror.failOn[gid] = errMirrorDown
	batch := Batch{SourceTenantID: 6, Events: []OutboxEvent{complaintEvent(1, OpInsert, gid, "a")}}

	for range 10 {
		res, err := f.applier.Intake(context.Background(), batch)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Failed)
		assert.Equal(t, []int64{1}, res.ReceivedEventIDs, "a stored event is acknowledged as received")
		assert.Empty(t, res.ProcessedEventIDs)
		require.Len(t, res.Errors, 1)
		assert.Contains(t, res.Errors[0].Error, "mirror table locked")
	}
	assert.Equal(t, 1, f.inbox.byLocal(6, 1).RetryCount, "only the first delivery applies inline")

	for range 10 {
		_, err := f.applier.ProcessPending(context.Background(), 10)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, f.inbox.byLocal(6, 1).RetryCount, "automatic retries stop at the cap")

	_, err := f.applier.Intake(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, 3, f.inbox.byLocal(6, 1).RetryCount, "redelivery does not bypass the cap")
}

func TestIntake_InvalidBatch(t *testing.T) {
	f := newApplierFixture()

	_, err := f.applier.Intake(context.Background(), Batch{SourceTenantID: 0})
	assert.ErrorIs(t, err, ErrInvalidBatch)

	_, err = f.applier.Intake(context.Background(), Batch{SourceTenantID: 1, Events: []OutboxEvent{{LocalEventID: 0}}})
	assert.ErrorIs(t, err, ErrInvalidBatch)

	res, err := f.applier.Intake(context.Background(), Batch{SourceTenantID: 1})
	require.NoError(t, err)
	assert.Zero(t, res.Received)
	assert.NotNil(t, res.ProcessedEventIDs)
}

func TestRetry_ReappliesAfterTransientFailure(t *testing.T) {
	f := newApplierFixture()
	gid := uuid.New()
	f.mirror.failOn[gid] = errMirrorDown

	res, err := f.applier.Intake(context.Background(), Batch{SourceTenantID: 4, Events: []OutboxEvent{complaintEvent(1, OpInsert, gid, "a")}})
	require.NoError(t, err)
	require.Equal(t, 1, res.Failed)
	inboxID := res.Errors[0].InboxID
	assert.Contains(t, *f.inbox.rows[inboxID].ErrorMessage, "mirror table locked")

	delete(f.mirror.failOn, gid)
	rr, err := f.applier.Retry(context.Background(), inboxID)
	require.NoError(t, err)
	assert.Equal(t, InboxProcessed, rr.State)

	row := f.inbox.byLocal(4, 1)
	assert.Nil(t, row.ErrorMessage)
	assert.NotNil(t, row.ProcessedAt)
	_, ok := f.mirror.get(gid)
	assert.True(t, ok)

	again, err := f.applier.Retry(context.Background(), inboxID)
	require.NoError(t, err)
	assert.Equal(t, InboxProcessed, again.State, "retrying a processed row is a no-op")
}

func TestRetry_StillFailing(t *testing.T) {
	f := newApplierFixture()
	ev := complaintEvent(1, OpInsert, uuid.New(), "a")
	ev.Payload = json.RawMessage(`[]`)
	res, err := f.applier.Intake(context.Background(), Batch{SourceTenantID: 4, Events: []OutboxEvent{ev}})
	require.NoError(t, err)

	rr, err := f.applier.Retry(context.Background(), res.Errors[0].InboxID)
	require.NoError(t, err)
	assert.Equal(t, InboxFailed, rr.State)
	assert.Equal(t, 2, rr.RetryCount)
	assert.NotEmpty(t, rr.Error)

	_, err = f.applier.Retry(context.Background(), 999)
	assert.ErrorIs(t, err, ErrInboxEventNotFound)
}

func TestProcessPending_RetriesFailedRowsUnderCap(t *testing.T) {
	cfg := DefaultApplierConfig()
	cfg.MaxAutoRetries = 2
	f := newApplierFixture(cfg)
	gid := uuid.New()
	f.mirror.failOn[gid] = errMirrorDown

	_, err := f.applier.Intake(context.Background(), Batch{SourceTenantID: 1, Events: []OutboxEvent{complaintEvent(1, OpInsert, gid, "a")}})
	require.NoError(t, err)

	res, err := f.applier.ProcessPending(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Attempted)
	assert.Equal(t, 1, res.Failed)

	// retry_count is now 2: automatic passes leave it for a manual retry.
	res, err = f.applier.ProcessPending(context.Background(), 10)
	require.NoError(t, err)
	assert.Zero(t, res.Attempted)

	delete(f.mirror.failOn, gid)
	rr, err := f.applier.Retry(context.Background(), f.inbox.byLocal(1, 1).InboxID)
	require.NoError(t, err)
	assert.Equal(t, InboxProcessed, rr.State)
}

func TestStatusAndCleanup(t *testing.T) {
	f := newApplierFixture()
	bad := complaintEvent(2, OpInsert, uuid.New(), "b")
	bad.Payload = json.RawMessage(`1`)
	_, err := f.applier.Intake(context.Background(), Batch{SourceTenantID: 1, Events: []OutboxEvent{
		complaintEvent(1, OpInsert, uuid.New(), "a"), bad,
	}})
	require.NoError(t, err)

	st, err := f.applier.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Processed)
	assert.Equal(t, int64(1), st.Failed)
	assert.Len(t, st.RecentErrors, 1)

	_, err = f.applier.Cleanup(context.Background(), 0)
	assert.ErrorIs(t, err, ErrInvalidBatch)

	n, err := f.applier.Cleanup(context.Background(), 30)
	require.NoError(t, err)
	assert.Zero(t, n, "fresh rows are kept")

	f.applier.now = func() time.Time { return time.Now().AddDate(0, 0, 31) }
	n, err = f.applier.Cleanup(context.Background(), 30)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "only processed rows are purged")
}

func TestMirrorValues(t *testing.T) {
	def, _ := entity.Default().Lookup(entity.TypeDepartment)
	vals := MirrorValues(def, map[string]any{"code": "CARD", "extra": 1})
	assert.Equal(t, map[string]any{"code": "CARD", "name": nil, "is_active": nil}, vals)
}
