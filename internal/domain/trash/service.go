package trash

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	appctx "medshard/internal/core/context"
	"medshard/internal/core/jsonblob"
	"medshard/internal/core/tenant"
	"medshard/internal/domain/entity"
	"medshard/pkg/logger"
)

// Repository stores trash records in the catalog.
type Repository interface {
	Insert(ctx context.Context, rec *Record) error
	GetByID(ctx context.Context, trashID int64) (*Record, error)
	// MarkRestored and MarkPurged only touch a record that is still active.
	// They return false when another transition got there first.
	MarkRestored(ctx context.Context, trashID int64, by string, at time.Time) (bool, error)
	MarkPurged(ctx context.Context, trashID int64, by string, at time.Time) (bool, error)
	List(ctx context.Context, f Filter) ([]*Record, error)
}

// ShardWriter applies trash transitions to a hospital shard.
// Each method runs one shard transaction and calls the catalog step inside it,
// so a failing catalog step rolls the shard change back.
type ShardWriter interface {
	SoftDelete(ctx context.Context, tenantID int64, def entity.Definition, key string,
		archive func(ctx context.Context, row DeletedRow) error) error
	Restore(ctx context.Context, tenantID int64, def entity.Definition, globalID uuid.UUID,
		claim func(ctx context.Context) error) error
	Purge(ctx context.Context, tenantID int64, def entity.Definition, globalID uuid.UUID,
		claim func(ctx context.Context) error) error
}

// TenantLookup reads the shard's database name for the audit label.
type TenantLookup interface {
	GetByID(ctx context.Context, tenantID int64) (*tenant.Tenant, error)
}

// Service is the archival/trash state machine.
type Service struct {
	repo     Repository
	shards   ShardWriter
	tenants  TenantLookup
	entities *entity.Registry
	now      func() time.Time
	log      *logger.Logger
}

func NewService(repo Repository, shards ShardWriter, tenants TenantLookup, entities *entity.Registry, log *logger.Logger) *Service {
	return &Service{
		repo:     repo,
		shards:   shards,
		tenants:  tenants,
		entities: entities,
		now:      time.Now,
		log:      log.WithComponent("trash"),
	}
}

// Archive appends one trash record. It never overwrites: archiving the same
// delete twice yields two rows. A missing database label or an unserializable
// snapshot degrades to placeholders instead of failing the delete.
func (s *Service) Archive(ctx context.Context, in ArchiveInput) (*Record, error) {
	log := s.log.WithContext(ctx).WithTenant(in.TenantID)

	snapshot, ok := in.Snapshot.(jsonblob.Blob)
	if !ok {
		snapshot = jsonblob.FromValue(in.Snapshot)
	}
	if err := snapshot.Err(); err != nil {
		log.Warnw("storing sentinel snapshot", "entity_type", in.EntityType, "entity_id", in.EntityID, "error", err)
	}

	rec := &Record{
		TenantID:       in.TenantID,
		SourceDB:       s.sourceDB(ctx, in.TenantID),
		EntityType:     in.EntityType,
		EntityTable:    in.EntityTable,
		EntityID:       in.EntityID,
		EntityGlobalID: in.EntityGlobalID,
		EntityTitle:    in.Title,
		Snapshot:       snapshot,
		DeleteReason:   in.Reason,
		DeletedBy:      in.ActorUserID,
		DeletedAt:      s.now().UTC(),
	}

	if err := s.repo.Insert(ctx, rec); err != nil {
		return nil, fmt.Errorf("archive %s %s: %w", in.EntityType, in.EntityID, err)
	}

	log.Infow("entity archived", "trash_id", rec.ID, "entity_type", rec.EntityType, "entity_id", rec.EntityID)
	return rec, nil
}

func (s *Service) sourceDB(ctx context.Context, tenantID int64) string {
	t, err := s.tenants.GetByID(ctx, tenantID)
	if err != nil || t.DBName == "" {
		s.log.WithContext(ctx).Warnw("source database name unavailable, using placeholder",
			"tenant_id", tenantID, "error", err)
		return tenant.PlaceholderDBName(tenantID)
	}
	return t.DBName
}

// SoftDeleteInput identifies the row to delete on an already-resolved tenant.
type SoftDeleteInput struct {
	TenantID   int64
	EntityType string
	Key        string
	Reason     string
}

// SoftDelete marks a shard row deleted and archives its snapshot.
// The shard change rolls back when archiving fails.
func (s *Service) SoftDelete(ctx context.Context, in SoftDeleteInput, caller *appctx.UserContext) (*Record, error) {
	if !caller.Owns(in.TenantID) {
		return nil, ErrForbidden
	}
	def, err := s.entities.Lookup(in.EntityType)
	if err != nil {
		return nil, err
	}

	var rec *Record
	err = s.shards.SoftDelete(ctx, in.TenantID, def, in.Key, func(ctx context.Context, row DeletedRow) error {
		var archiveErr error
		rec, archiveErr = s.Archive(ctx, ArchiveInput{
			TenantID:       in.TenantID,
			EntityType:     def.Type,
			EntityTable:    def.Table,
			EntityID:       row.EntityID,
			EntityGlobalID: row.GlobalID,
			Title:          row.Title,
			Snapshot:       jsonblob.FromRaw(row.Snapshot),
			Reason:         in.Reason,
			ActorUserID:    caller.UserID,
		})
		return archiveErr
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Restore brings the archived row back in its shard.
func (s *Service) Restore(ctx context.Context, trashID int64, caller *appctx.UserContext) (*Record, error) {
	return s.settle(ctx, trashID, caller, StateRestored)
}

// Purge hard-deletes the archived row from its shard. The trash record stays.
func (s *Service) Purge(ctx context.Context, trashID int64, caller *appctx.UserContext) (*Record, error) {
	return s.settle(ctx, trashID, caller, StatePurged)
}

func (s *Service) settle(ctx context.Context, trashID int64, caller *appctx.UserContext, target State) (*Record, error) {
	rec, err := s.repo.GetByID(ctx, trashID)
	if err != nil {
		return nil, err
	}
	if !caller.Owns(rec.TenantID) {
		return nil, ErrForbidden
	}
	if st := rec.State(); st != StateActive {
		return nil, &TerminalStateError{TrashID: rec.ID, State: st}
	}

	def, err := s.entities.Lookup(rec.EntityType)
	if err != nil {
		return nil, err
	}

	at := s.now().UTC()
	claim := func(ctx context.Context) error {
		mark := s.repo.MarkRestored
		if target == StatePurged {
			mark = s.repo.MarkPurged
		}
		ok, err := mark(ctx, trashID, caller.UserID, at)
		if err != nil {
			return err
		}
		if !ok {
			return s.conflict(ctx, trashID)
		}
		return nil
	}

	if target == StatePurged {
		err = s.shards.Purge(ctx, rec.TenantID, def, rec.EntityGlobalID, claim)
	} else {
		err = s.shards.Restore(ctx, rec.TenantID, def, rec.EntityGlobalID, claim)
	}
	if errors.Is(err, ErrRowNotFound) {
		// A concurrent transition may have moved the shard row first.
		if current, getErr := s.repo.GetByID(ctx, trashID); getErr == nil && current.State() != StateActive {
			return nil, &TerminalStateError{TrashID: trashID, State: current.State()}
		}
	}
	if err != nil {
		return nil, err
	}

	by := caller.UserID
	if target == StatePurged {
		rec.PurgedAt, rec.PurgedBy = &at, &by
	} else {
		rec.RestoredAt, rec.RestoredBy = &at, &by
	}

	s.log.WithContext(ctx).WithTenant(rec.TenantID).Infow("trash record settled",
		"trash_id", rec.ID, "state", target, "entity_type", rec.EntityType, "entity_id", rec.EntityID)
	return rec, nil
}

// conflict reports the state a concurrent transition left behind.
func (s *Service) conflict(ctx context.Context, trashID int64) error {
	current, err := s.repo.GetByID(ctx, trashID)
	if err != nil {
		return errors.Join(ErrTerminalStateConflict, err)
	}
	return &TerminalStateError{TrashID: trashID, State: current.State()}
}

// Get returns one record the caller may see.
func (s *Service) Get(ctx context.Context, trashID int64, caller *appctx.UserContext) (*Record, error) {
	rec, err := s.repo.GetByID(ctx, trashID)
	if err != nil {
		return nil, err
	}
	if !caller.Owns(rec.TenantID) {
		return nil, ErrForbidden
	}
	return rec, nil
}

// List returns records; callers bound to one tenant only see that tenant.
func (s *Service) List(ctx context.Context, f Filter, caller *appctx.UserContext) ([]*Record, error) {
	if caller == nil {
		return nil, ErrForbidden
	}
	if !caller.CanSpanTenants() {
		if caller.TenantID == 0 || (f.TenantID != 0 && f.TenantID != caller.TenantID) {
			return nil, ErrForbidden
		}
		f.TenantID = caller.TenantID
	}
	f.Limit = f.EffectiveLimit()
	return s.repo.List(ctx, f)
}
