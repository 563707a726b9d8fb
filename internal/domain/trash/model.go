// Package trash archives soft-deleted shard rows into the catalog and
// settles each archive record exactly once, by restore or by purge.
package trash

import (
	"time"

	"github.com/google/uuid"

	"medshard/internal/core/jsonblob"
)

// State of a trash record. Restored and purged are terminal.
type State string

const (
	StateActive   State = "active"
	StateRestored State = "restored"
	StatePurged   State = "purged"
)

// Record is one archived deletion. Records are never deleted.
type Record struct {
	ID             int64         `db:"trash_id" json:"trashId"`
	TenantID       int64         `db:"tenant_id" json:"tenantId"`
	SourceDB       string        `db:"source_db" json:"sourceDb"`
	EntityType     string        `db:"entity_type" json:"entityType"`
	EntityTable    string        `db:"entity_table" json:"entityTable"`
	EntityID       string        `db:"entity_id" json:"entityId"`
	EntityGlobalID uuid.UUID     `db:"entity_global_id" json:"entityGlobalId"`
	EntityTitle    string        `db:"entity_title" json:"entityTitle,omitempty"`
	Snapshot       jsonblob.Blob `db:"-" json:"snapshot"`
	DeleteReason   string        `db:"delete_reason" json:"deleteReason,omitempty"`
	DeletedBy      string        `db:"deleted_by" json:"deletedBy"`
	DeletedAt      time.Time     `db:"deleted_at" json:"deletedAt"`
	RestoredAt     *time.Time    `db:"restored_at" json:"restoredAt,omitempty"`
	RestoredBy     *string       `db:"restored_by" json:"restoredBy,omitempty"`
	PurgedAt       *time.Time    `db:"purged_at" json:"purgedAt,omitempty"`
	PurgedBy       *string       `db:"purged_by" json:"purgedBy,omitempty"`
}

// State derives the record state from its timestamps.
func (r *Record) State() State {
	switch {
	case r.PurgedAt != nil:
		return StatePurged
	case r.RestoredAt != nil:
		return StateRestored
	default:
		return StateActive
	}
}

// ArchiveInput describes one logical delete.
type ArchiveInput struct {
	TenantID       int64
	EntityType     string
	EntityTable    string
	EntityID       string
	EntityGlobalID uuid.UUID
	Title          string
	Snapshot       any // jsonblob.Blob is stored as-is, anything else is marshaled
	Reason         string
	ActorUserID    string
}

// Filter narrows List. Zero values mean "any".
type Filter struct {
	TenantID   int64
	EntityType string
	State      State
	Limit      int
	Offset     int
}

const (
	DefaultListLimit = 100
	MaxListLimit     = 500
)

// EffectiveLimit is the page size List actually uses.
func (f Filter) EffectiveLimit() int {
	if f.Limit <= 0 || f.Limit > MaxListLimit {
		return DefaultListLimit
	}
	return f.Limit
}

// DeletedRow is what the shard hands back after stamping deleted_at.
type DeletedRow struct {
	EntityID string
	GlobalID uuid.UUID
	Title    string
	Snapshot []byte
}
