package replication

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"medshard/internal/core/id"
	"medshard/internal/core/jsonblob"
	"medshard/internal/core/tx"
	"medshard/internal/domain/entity"
	"medshard/pkg/logger"
)

// InboxStore persists received events in the catalog.
// All methods use the transaction carried by ctx when there is one.
type InboxStore interface {
	// Receive inserts events keyed by (tenant, local event ID). An event seen
	// before returns its existing row, so redelivery never duplicates it.
	// Rows come back in the order of events.
	Receive(ctx context.Context, tenantID int64, events []OutboxEvent) ([]*InboxEvent, error)
	// Pending locks up to limit unprocessed rows with retry_count below maxRetries,
	// ordered by tenant then local event ID.
	Pending(ctx context.Context, limit, maxRetries int) ([]*InboxEvent, error)
	// Lock returns one row locked for update.
	Lock(ctx context.Context, inboxID int64) (*InboxEvent, error)
	MarkProcessed(ctx context.Context, inboxID int64, at time.Time) error
	MarkFailed(ctx context.Context, inboxID int64, message string) error
	ClearError(ctx context.Context, inboxID int64) error
	Status(ctx context.Context, recentErrors int) (*Status, error)
	DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Mirror writes replicated rows into catalog mirror tables.
// Both writes are versioned by (SourceTenantID, SourceEventID): a row or
// tombstone already holding a newer event from the same tenant is left alone,
// so an older event applied late never undoes a newer one.
type Mirror interface {
	// Upsert inserts or updates the row keyed by globalID and clears any tombstone.
	Upsert(ctx context.Context, def entity.Definition, row MirrorRow) error
	// Delete turns the row into a tombstone carrying row's version.
	// Row values are ignored.
	Delete(ctx context.Context, def entity.Definition, row MirrorRow) error
}

// MirrorRow is one replicated row ready for its mirror table.
type MirrorRow struct {
	GlobalID       id.GlobalID
	SourceTenantID int64
	SourceEventID  int64
	Values         map[string]any // only the definition's mirror columns
}

// ApplierConfig tunes catalog-side processing.
type ApplierConfig struct {
	MaxAutoRetries   int // rows failing this often wait for a manual retry
	RecentErrorLimit int
	DefaultBatchSize int
	MaxBatchSize     int
}

func DefaultApplierConfig() ApplierConfig {
	return ApplierConfig{
		MaxAutoRetries:   10,
		RecentErrorLimit: 20,
		DefaultBatchSize: 100,
		MaxBatchSize:     1000,
	}
}

// Applier is the catalog half of the pipeline.
type Applier struct {
	tx       tx.SavepointManager
	inbox    InboxStore
	mirror   Mirror
	entities *entity.Registry
	cfg      ApplierConfig
	metrics  Metrics
	now      func() time.Time
	log      *logger.Logger
}

// ApplierOption customizes an Applier.
type ApplierOption func(*Applier)

// WithApplierMetrics attaches metrics.
func WithApplierMetrics(m Metrics) ApplierOption {
	return func(a *Applier) { a.metrics = m }
}

func NewApplier(
	txm tx.SavepointManager,
	inbox InboxStore,
	mirror Mirror,
	entities *entity.Registry,
	cfg ApplierConfig,
	log *logger.Logger,
	opts ...ApplierOption,
) *Applier {
	a := &Applier{
		tx:       txm,
		inbox:    inbox,
		mirror:   mirror,
		entities: entities,
		cfg:      cfg,
		metrics:  nopMetrics{},
		now:      time.Now,
		log:      log.WithComponent("replication-applier"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Intake stores a shard's batch in the inbox and applies new events inline.
// Each event succeeds or fails on its own; the batch as a whole only fails
// when the inbox itself cannot be written. A redelivered event that already
// failed is not applied again here: ProcessPending and Retry own it, under
// the MaxAutoRetries cap.
func (a *Applier) Intake(ctx context.Context, batch Batch) (*IntakeResult, error) {
	if batch.SourceTenantID <= 0 {
		return nil, fmt.Errorf("%w: sourceTenantId is required", ErrInvalidBatch)
	}
	for _, ev := range batch.Events {
		if ev.LocalEventID <= 0 {
			return nil, fmt.Errorf("%w: localEventId must be positive", ErrInvalidBatch)
		}
	}

	events := slices.Clone(batch.Events)
	slices.SortStableFunc(events, func(x, y OutboxEvent) int { return cmp.Compare(x.LocalEventID, y.LocalEventID) })

	result := newIntakeResult(len(events))
	if len(events) == 0 {
		return result, nil
	}

	err := a.tx.RunInTransaction(ctx, func(ctx context.Context) error {
		rows, err := a.inbox.Receive(ctx, batch.SourceTenantID, events)
		if err != nil {
			return fmt.Errorf("store inbox events: %w", err)
		}

		for _, row := range rows {
			result.ReceivedEventIDs = append(result.ReceivedEventIDs, row.LocalEventID)

			if row.ProcessedAt != nil {
				// Redelivery of an applied event: acknowledge again.
				result.Processed++
				result.ProcessedEventIDs = append(result.ProcessedEventIDs, row.LocalEventID)
				continue
			}
			if row.RetryCount > 0 || row.ErrorMessage != nil {
				result.Failed++
				result.Errors = append(result.Errors, EventError{
					LocalEventID: row.LocalEventID,
					InboxID:      row.InboxID,
					Error:        storedError(row),
				})
				continue
			}

			applyErr, err := a.applyRow(ctx, row)
			if err != nil {
				return err
			}
			if applyErr != nil {
				result.Failed++
				result.Errors = append(result.Errors, EventError{
					LocalEventID: row.LocalEventID,
					InboxID:      row.InboxID,
					Error:        applyErr.Error(),
				})
				continue
			}
			result.Processed++
			result.ProcessedEventIDs = append(result.ProcessedEventIDs, row.LocalEventID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	a.log.WithContext(ctx).WithTenant(batch.SourceTenantID).Infow("inbox batch received",
		"received", result.Received,
		"processed", result.Processed,
		"failed", result.Failed,
	)
	return result, nil
}

func storedError(row *InboxEvent) string {
	if row.ErrorMessage != nil {
		return *row.ErrorMessage
	}
	return "awaiting retry"
}

// ProcessPending applies up to batchSize unprocessed inbox rows.
func (a *Applier) ProcessPending(ctx context.Context, batchSize int) (*ProcessResult, error) {
	if batchSize <= 0 {
		batchSize = a.cfg.DefaultBatchSize
	}
	if a.cfg.MaxBatchSize > 0 && batchSize > a.cfg.MaxBatchSize {
		batchSize = a.cfg.MaxBatchSize
	}

	result := &ProcessResult{Errors: []EventError{}}
	err := a.tx.RunInTransaction(ctx, func(ctx context.Context) error {
		rows, err := a.inbox.Pending(ctx, batchSize, a.cfg.MaxAutoRetries)
		if err != nil {
			return fmt.Errorf("load pending inbox events: %w", err)
		}
		result.Attempted = len(rows)

		for _, row := range rows {
			applyErr, err := a.applyRow(ctx, row)
			if err != nil {
				return err
			}
			if applyErr != nil {
				result.Failed++
				result.Errors = append(result.Errors, EventError{
					LocalEventID: row.LocalEventID,
					InboxID:      row.InboxID,
					Error:        applyErr.Error(),
				})
				continue
			}
			result.Processed++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.Attempted > 0 {
		a.log.WithContext(ctx).Infow("processed pending inbox events",
			"attempted", result.Attempted, "processed", result.Processed, "failed", result.Failed)
	}
	return result, nil
}

// Retry clears a row's error and applies it again. Already processed rows are left as they are.
func (a *Applier) Retry(ctx context.Context, inboxID int64) (*RetryResult, error) {
	var result *RetryResult
	err := a.tx.RunInTransaction(ctx, func(ctx context.Context) error {
		row, err := a.inbox.Lock(ctx, inboxID)
		if err != nil {
			return err
		}
		result = &RetryResult{InboxID: row.InboxID, RetryCount: row.RetryCount}

		if row.ProcessedAt != nil {
			result.State = InboxProcessed
			return nil
		}

		if err := a.inbox.ClearError(ctx, inboxID); err != nil {
			return fmt.Errorf("clear inbox error: %w", err)
		}

		applyErr, err := a.applyRow(ctx, row)
		if err != nil {
			return err
		}
		if applyErr != nil {
			result.State = InboxFailed
			result.RetryCount = row.RetryCount + 1
			result.Error = applyErr.Error()
			return nil
		}
		result.State = InboxProcessed
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Status reports inbox counts, a per-tenant breakdown and recent errors.
func (a *Applier) Status(ctx context.Context) (*Status, error) {
	st, err := a.inbox.Status(ctx, a.cfg.RecentErrorLimit)
	if err != nil {
		return nil, fmt.Errorf("inbox status: %w", err)
	}
	return st, nil
}

// Cleanup deletes processed inbox rows older than daysOld days.
func (a *Applier) Cleanup(ctx context.Context, daysOld int) (int64, error) {
	if daysOld < 1 {
		return 0, fmt.Errorf("%w: daysOld must be at least 1", ErrInvalidBatch)
	}
	cutoff := a.now().UTC().AddDate(0, 0, -daysOld)
	n, err := a.inbox.DeleteProcessedBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup inbox: %w", err)
	}
	a.log.WithContext(ctx).Infow("inbox cleanup", "days_old", daysOld, "deleted", n)
	return n, nil
}

// applyRow applies one inbox row inside a savepoint and records the outcome.
// applyErr is the event's own failure; err means the surrounding transaction is unusable.
func (a *Applier) applyRow(ctx context.Context, row *InboxEvent) (applyErr, err error) {
	applyErr = a.tx.RunInSavepoint(ctx, func(ctx context.Context) error {
		if err := a.apply(ctx, row); err != nil {
			return err
		}
		return a.inbox.MarkProcessed(ctx, row.InboxID, a.now().UTC())
	})

	if applyErr == nil {
		a.metrics.EventApplied(row.EntityType, row.Operation)
		return nil, nil
	}

	if !errors.Is(applyErr, ErrApplyFailure) {
		// Database errors are recorded too; the event stays eligible for retry.
		applyErr = fmt.Errorf("%w: %v", ErrApplyFailure, applyErr)
	}
	a.metrics.EventFailed(row.EntityType)
	a.log.WithContext(ctx).WithTenant(row.SourceTenantID).Warnw("inbox event apply failed",
		"inbox_id", row.InboxID,
		"local_event_id", row.LocalEventID,
		"entity_type", row.EntityType,
		"error", applyErr,
	)

	if err := a.inbox.MarkFailed(ctx, row.InboxID, applyErr.Error()); err != nil {
		return applyErr, fmt.Errorf("record apply failure: %w", err)
	}
	return applyErr, nil
}

// apply upserts or deletes the mirrored row.
func (a *Applier) apply(ctx context.Context, ev *InboxEvent) error {
	def, err := a.entities.Lookup(ev.EntityType)
	if err != nil {
		return applyErrorf("%v", err)
	}
	if !ev.Operation.Valid() {
		return applyErrorf("unknown operation %q", ev.Operation)
	}
	globalID, err := id.Parse(ev.GlobalID)
	if err != nil || id.IsNil(globalID) {
		return applyErrorf("invalid globalId %q", ev.GlobalID)
	}

	row := MirrorRow{
		GlobalID:       globalID,
		SourceTenantID: ev.SourceTenantID,
		SourceEventID:  ev.LocalEventID,
	}
	if ev.Operation == OpDelete {
		return a.mirror.Delete(ctx, def, row)
	}

	obj, err := jsonblob.FromRaw(ev.Payload).Object()
	if err != nil {
		return applyErrorf("payload: %v", err)
	}
	row.Values = MirrorValues(def, obj)
	return a.mirror.Upsert(ctx, def, row)
}

// MirrorValues keeps the definition's mirror columns from a payload.
// Columns absent from the payload are set to NULL.
func MirrorValues(def entity.Definition, payload map[string]any) map[string]any {
	values := make(map[string]any, len(def.MirrorColumns))
	for _, col := range def.MirrorColumns {
		values[col] = payload[col]
	}
	return values
}
