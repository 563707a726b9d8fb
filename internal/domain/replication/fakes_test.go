package replication

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"medshard/internal/domain/entity"
)

// snapshotter is a fake store that can roll back to an earlier copy of itself.
type snapshotter interface {
	snapshot() func()
}

// fakeTx emulates savepoints by restoring store snapshots on error.
type fakeTx struct {
	stores []snapshotter
}

func (f *fakeTx) RunInTransaction(ctx context.Context, fn func(context.Context) error) error {
	return f.RunInSavepoint(ctx, fn)
}

func (f *fakeTx) RunInSavepoint(ctx context.Context, fn func(context.Context) error) error {
	restores := make([]func(), 0, len(f.stores))
	for _, s := range f.stores {
		restores = append(restores, s.snapshot())
	}
	if err := fn(ctx); err != nil {
		for _, restore := range restores {
			restore()
		}
		return err
	}
	return nil
}

type memInbox struct {
	mu     sync.Mutex
	nextID int64
	rows   map[int64]*InboxEvent
}

func newMemInbox() *memInbox {
	return &memInbox{rows: make(map[int64]*InboxEvent)}
}

func (m *memInbox) snapshot() func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	saved := make(map[int64]InboxEvent, len(m.rows))
	for id, r := range m.rows {
		saved[id] = *r
	}
	next := m.nextID
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.rows = make(map[int64]*InboxEvent, len(saved))
		for id, r := range saved {
			m.rows[id] = &r
		}
		m.nextID = next
	}
}

func (m *memInbox) Receive(_ context.Context, tenantID int64, events []OutboxEvent) ([]*InboxEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*InboxEvent, 0, len(events))
	for _, ev := range events {
		var found *InboxEvent
		for _, r := range m.rows {
			if r.SourceTenantID == tenantID && r.LocalEventID == ev.LocalEventID {
				found = r
				break
			}
		}
		if found == nil {
			m.nextID++
			found = &InboxEvent{
				InboxID:        m.nextID,
				SourceTenantID: tenantID,
				LocalEventID:   ev.LocalEventID,
				EntityType:     ev.EntityType,
				Operation:      ev.Operation,
				GlobalID:       ev.GlobalID,
				Payload:        ev.Payload,
				ReceivedAt:     time.Now(),
			}
			m.rows[found.InboxID] = found
		}
		cp := *found
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memInbox) Pending(_ context.Context, limit, maxRetries int) ([]*InboxEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*InboxEvent
	for _, r := range m.rows {
		if r.ProcessedAt == nil && (maxRetries <= 0 || r.RetryCount < maxRetries) {
			cp := *r
			out = append(out, &cp)
		}
	}
	slices.SortFunc(out, func(a, b *InboxEvent) int {
		return cmp.Or(cmp.Compare(a.SourceTenantID, b.SourceTenantID), cmp.Compare(a.LocalEventID, b.LocalEventID))
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memInbox) Lock(_ context.Context, id int64) (*InboxEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[id]
	if !ok {
		return nil, ErrInboxEventNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *memInbox) MarkProcessed(_ context.Context, id int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[id].ProcessedAt = &at
	m.rows[id].ErrorMessage = nil
	return nil
}

func (m *memInbox) MarkFailed(_ context.Context, id int64, msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[id].RetryCount++
	m.rows[id].ErrorMessage = &msg
	return nil
}

func (m *memInbox) ClearError(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[id].ErrorMessage = nil
	return nil
}

func (m *memInbox) Status(_ context.Context, recent int) (*Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := &Status{ByTenant: []TenantStatus{}, RecentErrors: []InboxError{}}
	for _, r := range m.rows {
		switch r.State() {
		case InboxProcessed:
			st.Processed++
		case InboxFailed:
			st.Failed++
			if len(st.RecentErrors) < recent {
				st.RecentErrors = append(st.RecentErrors, InboxError{InboxID: r.InboxID, ErrorMessage: *r.ErrorMessage})
			}
		default:
			st.Pending++
		}
	}
	return st, nil
}

func (m *memInbox) DeleteProcessedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, r := range m.rows {
		if r.ProcessedAt != nil && r.ProcessedAt.Before(cutoff) {
			delete(m.rows, id)
			n++
		}
	}
	return n, nil
}

func (m *memInbox) byLocal(tenantID, localID int64) *InboxEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows {
		if r.SourceTenantID == tenantID && r.LocalEventID == localID {
			cp := *r
			return &cp
		}
	}
	return nil
}

// memMirror keeps deleted rows as tombstones, versioned like the SQL mirror.
type memMirror struct {
	mu       sync.Mutex
	rows     map[uuid.UUID]MirrorRow
	deleted  map[uuid.UUID]bool
	writes   int
	failOn   map[uuid.UUID]error
	failOnce map[uuid.UUID]error
}

func newMemMirror() *memMirror {
	return &memMirror{
		rows:     make(map[uuid.UUID]MirrorRow),
		deleted:  make(map[uuid.UUID]bool),
		failOn:   make(map[uuid.UUID]error),
		failOnce: make(map[uuid.UUID]error),
	}
}

func (m *memMirror) snapshot() func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows, deleted := maps.Clone(m.rows), maps.Clone(m.deleted)
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.rows, m.deleted = rows, deleted
	}
}

// write applies row unless a newer version from the same tenant is stored.
func (m *memMirror) write(row MirrorRow, deleted bool) error {
	if err := m.failOn[row.GlobalID]; err != nil {
		return err
	}
	if err := m.failOnce[row.GlobalID]; err != nil {
		delete(m.failOnce, row.GlobalID)
		return err
	}
	m.writes++
	if cur, ok := m.rows[row.GlobalID]; ok && cur.SourceTenantID == row.SourceTenantID && cur.SourceEventID > row.SourceEventID {
		return nil
	}
	if deleted {
		row.Values = m.rows[row.GlobalID].Values
	}
	m.rows[row.GlobalID] = row
	m.deleted[row.GlobalID] = deleted
	return nil
}

func (m *memMirror) Upsert(_ context.Context, _ entity.Definition, row MirrorRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.write(row, false)
}

func (m *memMirror) Delete(_ context.Context, _ entity.Definition, row MirrorRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.write(row, true)
}

// get returns the live row; tombstones read as absent.
func (m *memMirror) get(gid uuid.UUID) (MirrorRow, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[gid]
	if !ok || m.deleted[gid] {
		return MirrorRow{}, false
	}
	return r, true
}

func (m *memMirror) live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for gid := range m.rows {
		if !m.deleted[gid] {
			n++
		}
	}
	return n
}

type memOutbox struct {
	mu          sync.Mutex
	events      map[int64][]OutboxEvent
	markSentErr error
	markCalls   [][]int64
}

func newMemOutbox() *memOutbox {
	return &memOutbox{events: make(map[int64][]OutboxEvent)}
}

func (o *memOutbox) add(tenantID int64, ev OutboxEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events[tenantID] = append(o.events[tenantID], ev)
}

func (o *memOutbox) Unsent(_ context.Context, tenantID int64, limit int) ([]OutboxEvent, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []OutboxEvent
	for _, ev := range o.events[tenantID] {
		if ev.SentAt == nil {
			out = append(out, ev)
		}
	}
	slices.SortFunc(out, func(a, b OutboxEvent) int { return cmp.Compare(a.LocalEventID, b.LocalEventID) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (o *memOutbox) MarkSent(_ context.Context, tenantID int64, ids []int64, at time.Time) (int64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.markCalls = append(o.markCalls, slices.Clone(ids))
	if o.markSentErr != nil {
		err := o.markSentErr
		o.markSentErr = nil
		return 0, err
	}
	var n int64
	for i := range o.events[tenantID] {
		ev := &o.events[tenantID][i]
		if ev.SentAt == nil && slices.Contains(ids, ev.LocalEventID) {
			ev.SentAt = &at
			n++
		}
	}
	return n, nil
}

func (o *memOutbox) sent(tenantID, localID int64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, ev := range o.events[tenantID] {
		if ev.LocalEventID == localID {
			return ev.SentAt != nil
		}
	}
	return false
}

// loopbackTransport pushes batches through JSON into an Applier, like the HTTP hop would.
type loopbackTransport struct {
	mu         sync.Mutex
	applier    *Applier
	deliveries int
	failNext   error
}

func (t *loopbackTransport) Deliver(ctx context.Context, batch Batch) (*IntakeResult, error) {
	t.mu.Lock()
	t.deliveries++
	failed := t.failNext
	t.failNext = nil
	t.mu.Unlock()
	if failed != nil {
		return nil, failed
	}
	body, err := json.Marshal(batch)
	if err != nil {
		return nil, err
	}
	var decoded Batch
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, err
	}
	return t.applier.Intake(ctx, decoded)
}

type fakeLocker struct {
	held map[string]bool
}

func (l *fakeLocker) TryAcquire(_ context.Context, key string, _ time.Duration) (func(), bool, error) {
	if l.held[key] {
		return nil, false, nil
	}
	l.held[key] = true
	return func() { delete(l.held, key) }, true, nil
}

var errMirrorDown = errors.New("mirror table locked")
