// Package replication moves shard outbox events into the catalog.
//
// A shard's Shipper drains its outbox to the catalog inbox over HTTP; the
// catalog's Applier stores each event in the inbox and upserts it into a
// mirror table keyed by global ID. Delivery is at-least-once and apply is
// idempotent, so redelivered events change nothing.
package replication

import (
	"encoding/json"
	"time"
)

// Operation is the kind of change an event records.
type Operation string

const (
	OpInsert Operation = "INSERT"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

// Valid reports whether op is a known operation.
func (op Operation) Valid() bool {
	switch op {
	case OpInsert, OpUpdate, OpDelete:
		return true
	}
	return false
}

// OutboxEvent is one shard-local change. Content is never mutated; only SentAt flips.
// GlobalID travels as text so a malformed value fails one event, not the batch.
type OutboxEvent struct {
	LocalEventID int64           `db:"local_event_id" json:"localEventId"`
	EntityType   string          `db:"entity_type" json:"entityType"`
	Operation    Operation       `db:"operation" json:"operation"`
	GlobalID     string          `db:"global_id" json:"globalId"`
	Payload      json.RawMessage `db:"payload" json:"payload"`
	CreatedAt    time.Time       `db:"created_at" json:"-"`
	SentAt       *time.Time      `db:"sent_at" json:"-"`
}

// Batch is the body of POST /sync/inbox.
type Batch struct {
	SourceTenantID int64         `json:"sourceTenantId"`
	Events         []OutboxEvent `json:"events"`
}

// EventError explains why one event was not applied.
type EventError struct {
	LocalEventID int64  `json:"localEventId"`
	InboxID      int64  `json:"inboxId,omitempty"`
	Error        string `json:"error"`
}

// IntakeResult is the response of POST /sync/inbox.
// ProcessedEventIDs were applied. ReceivedEventIDs are every event now held
// by the inbox, failed ones included; the shard may mark all of them sent
// because retrying a stored event is the catalog's job.
type IntakeResult struct {
	Received          int          `json:"received"`
	Processed         int          `json:"processed"`
	Failed            int          `json:"failed"`
	ProcessedEventIDs []int64      `json:"processedEventIds"`
	ReceivedEventIDs  []int64      `json:"receivedEventIds"`
	Errors            []EventError `json:"errors"`
}

func newIntakeResult(received int) *IntakeResult {
	return &IntakeResult{
		Received:          received,
		ProcessedEventIDs: []int64{},
		ReceivedEventIDs:  []int64{},
		Errors:            []EventError{},
	}
}

// InboxState is derived from an inbox row's columns.
type InboxState string

const (
	InboxReceived  InboxState = "received"
	InboxProcessed InboxState = "processed"
	InboxFailed    InboxState = "failed"
)

// InboxEvent is a received event in the catalog.
type InboxEvent struct {
	InboxID        int64           `db:"inbox_id" json:"inboxId"`
	SourceTenantID int64           `db:"source_tenant_id" json:"sourceTenantId"`
	LocalEventID   int64           `db:"local_event_id" json:"localEventId"`
	EntityType     string          `db:"entity_type" json:"entityType"`
	Operation      Operation       `db:"operation" json:"operation"`
	GlobalID       string          `db:"global_id" json:"globalId"`
	Payload        json.RawMessage `db:"payload" json:"payload"`
	ReceivedAt     time.Time       `db:"received_at" json:"receivedAt"`
	ProcessedAt    *time.Time      `db:"processed_at" json:"processedAt,omitempty"`
	RetryCount     int             `db:"retry_count" json:"retryCount"`
	ErrorMessage   *string         `db:"error_message" json:"errorMessage,omitempty"`
}

// State reports where the row sits in the apply state machine.
func (e *InboxEvent) State() InboxState {
	switch {
	case e.ProcessedAt != nil:
		return InboxProcessed
	case e.ErrorMessage != nil:
		return InboxFailed
	default:
		return InboxReceived
	}
}

// TenantStatus is the per-tenant line of GET /sync/status.
type TenantStatus struct {
	SourceTenantID int64      `db:"source_tenant_id" json:"sourceTenantId"`
	Pending        int64      `db:"pending" json:"pending"`
	Processed      int64      `db:"processed" json:"processed"`
	Failed         int64      `db:"failed" json:"failed"`
	LastReceivedAt *time.Time `db:"last_received_at" json:"lastReceivedAt,omitempty"`
	LastLocalEvent int64      `db:"last_local_event_id" json:"lastLocalEventId"`
}

// InboxError is one entry of the recent-errors list.
type InboxError struct {
	InboxID        int64     `db:"inbox_id" json:"inboxId"`
	SourceTenantID int64     `db:"source_tenant_id" json:"sourceTenantId"`
	LocalEventID   int64     `db:"local_event_id" json:"localEventId"`
	EntityType     string    `db:"entity_type" json:"entityType"`
	RetryCount     int       `db:"retry_count" json:"retryCount"`
	ErrorMessage   string    `db:"error_message" json:"errorMessage"`
	ReceivedAt     time.Time `db:"received_at" json:"receivedAt"`
}

// Status is the body of GET /sync/status.
type Status struct {
	Pending      int64          `json:"pending"`
	Processed    int64          `json:"processed"`
	Failed       int64          `json:"failed"`
	ByTenant     []TenantStatus `json:"byTenant"`
	RecentErrors []InboxError   `json:"recentErrors"`
}

// ProcessResult is the body of POST /sync/process.
type ProcessResult struct {
	Attempted int          `json:"attempted"`
	Processed int          `json:"processed"`
	Failed    int          `json:"failed"`
	Errors    []EventError `json:"errors"`
}

// RetryResult is the body of POST /sync/retry/:inboxId.
type RetryResult struct {
	InboxID    int64      `json:"inboxId"`
	State      InboxState `json:"state"`
	RetryCount int        `json:"retryCount"`
	Error      string     `json:"error,omitempty"`
}

// ShipResult summarizes one drain attempt of a shard outbox.
type ShipResult struct {
	TenantID int64 `json:"tenantId"`
	Skipped  bool  `json:"skipped"` // another drainer holds the lease
	Sent     int   `json:"sent"`
	Acked    int   `json:"acked"`
	Failed   int   `json:"failed"`
}
