package replication

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"medshard/pkg/logger"
)

var tracer = otel.Tracer("medshard/replication")

// OutboxStore reads and acknowledges a shard's outbox.
type OutboxStore interface {
	// Unsent returns up to limit unsent events ordered by local event ID.
	Unsent(ctx context.Context, tenantID int64, limit int) ([]OutboxEvent, error)
	// MarkSent flags the given events as sent and returns how many changed.
	MarkSent(ctx context.Context, tenantID int64, localEventIDs []int64, at time.Time) (int64, error)
}

// Transport delivers a batch to the catalog inbox.
type Transport interface {
	Deliver(ctx context.Context, batch Batch) (*IntakeResult, error)
}

// Locker grants exclusive drain rights for one shard across processes.
type Locker interface {
	// TryAcquire returns ok=false without error when someone else holds key.
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

// ShipperConfig tunes shard-side draining.
type ShipperConfig struct {
	BatchSize       int
	DeliveryTimeout time.Duration
	LeaseTTL        time.Duration
	MaxRounds       int // batches per Drain call
}

func DefaultShipperConfig() ShipperConfig {
	return ShipperConfig{
		BatchSize:       100,
		DeliveryTimeout: 10 * time.Second,
		LeaseTTL:        30 * time.Second,
		MaxRounds:       10,
	}
}

// Shipper is the shard half of the pipeline.
type Shipper struct {
	outbox    OutboxStore
	transport Transport
	locker    Locker
	cfg       ShipperConfig
	metrics   Metrics
	now       func() time.Time
	log       *logger.Logger
}

// ShipperOption customizes a Shipper.
type ShipperOption func(*Shipper)

// WithShipperMetrics attaches metrics.
func WithShipperMetrics(m Metrics) ShipperOption {
	return func(s *Shipper) { s.metrics = m }
}

func NewShipper(outbox OutboxStore, transport Transport, locker Locker, cfg ShipperConfig, log *logger.Logger, opts ...ShipperOption) *Shipper {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultShipperConfig().BatchSize
	}
	s := &Shipper{
		outbox:    outbox,
		transport: transport,
		locker:    locker,
		cfg:       cfg,
		metrics:   nopMetrics{},
		now:       time.Now,
		log:       log.WithComponent("replication-shipper"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LeaseKey names the drain lease of one shard.
func LeaseKey(tenantID int64) string {
	return "medshard:sync:drain:tenant_" + strconv.FormatInt(tenantID, 10)
}

// ShipOnce sends one batch of unsent events and marks the acknowledged ones sent.
// On transport failure nothing is marked and the events go out again next time.
func (s *Shipper) ShipOnce(ctx context.Context, tenantID int64) (ShipResult, error) {
	result := ShipResult{TenantID: tenantID}

	if s.locker != nil {
		release, ok, err := s.locker.TryAcquire(ctx, LeaseKey(tenantID), s.cfg.LeaseTTL)
		if err != nil {
			return result, fmt.Errorf("acquire drain lease: %w", err)
		}
		if !ok {
			result.Skipped = true
			return result, nil
		}
		defer release()
	}

	return s.shipBatch(ctx, tenantID)
}

// Drain ships batches until the outbox is empty, nothing new is acknowledged,
// or MaxRounds is reached. The lease is held for the whole drain.
func (s *Shipper) Drain(ctx context.Context, tenantID int64) (ShipResult, error) {
	total := ShipResult{TenantID: tenantID}

	if s.locker != nil {
		release, ok, err := s.locker.TryAcquire(ctx, LeaseKey(tenantID), s.cfg.LeaseTTL)
		if err != nil {
			return total, fmt.Errorf("acquire drain lease: %w", err)
		}
		if !ok {
			total.Skipped = true
			return total, nil
		}
		defer release()
	}

	rounds := max(s.cfg.MaxRounds, 1)
	for range rounds {
		res, err := s.shipBatch(ctx, tenantID)
		total.Sent += res.Sent
		total.Acked += res.Acked
		total.Failed += res.Failed
		if err != nil {
			return total, err
		}
		if res.Sent < s.cfg.BatchSize || res.Acked == 0 {
			break
		}
	}
	return total, nil
}

func (s *Shipper) shipBatch(ctx context.Context, tenantID int64) (ShipResult, error) {
	result := ShipResult{TenantID: tenantID}
	log := s.log.WithContext(ctx).WithTenant(tenantID)

	ctx, span := tracer.Start(ctx, "replication.ship")
	span.SetAttributes(attribute.Int64("tenant.id", tenantID))
	defer span.End()

	events, err := s.outbox.Unsent(ctx, tenantID, s.cfg.BatchSize)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return result, fmt.Errorf("read outbox: %w", err)
	}
	if len(events) == 0 {
		return result, nil
	}
	result.Sent = len(events)

	deliverCtx := ctx
	if s.cfg.DeliveryTimeout > 0 {
		var cancel context.CancelFunc
		deliverCtx, cancel = context.WithTimeout(ctx, s.cfg.DeliveryTimeout)
		defer cancel()
	}

	start := s.now()
	resp, err := s.transport.Deliver(deliverCtx, Batch{SourceTenantID: tenantID, Events: events})
	if err != nil {
		s.metrics.ShipFailed(tenantID)
		span.SetStatus(codes.Error, err.Error())
		if !errors.Is(err, ErrTransportFailure) {
			err = fmt.Errorf("%w: %v", ErrTransportFailure, err)
		}
		log.Warnw("outbox batch delivery failed, will retry",
			"events", len(events),
			"first_event_id", events[0].LocalEventID,
			"error", err,
		)
		return result, err
	}

	acked := acknowledged(events, resp.ProcessedEventIDs, resp.ReceivedEventIDs)
	result.Failed = resp.Failed
	if len(acked) > 0 {
		n, err := s.outbox.MarkSent(ctx, tenantID, acked, s.now().UTC())
		if err != nil {
			// The catalog already has these; the next tick resends and they are acked again.
			span.SetStatus(codes.Error, err.Error())
			return result, fmt.Errorf("mark outbox events sent: %w", err)
		}
		result.Acked = int(n)
	}

	s.metrics.BatchShipped(tenantID, result.Sent, result.Acked, s.now().Sub(start))
	span.SetAttributes(attribute.Int("events.sent", result.Sent), attribute.Int("events.acked", result.Acked))

	if resp.Failed > 0 {
		log.Warnw("some events failed to apply, the catalog keeps them for retry", "failed", resp.Failed, "errors", resp.Errors)
	}
	log.Debugw("outbox batch shipped", "sent", result.Sent, "acked", result.Acked)
	return result, nil
}

// acknowledged keeps the acked IDs that belong to this batch, each once.
func acknowledged(events []OutboxEvent, lists ...[]int64) []int64 {
	sent := make(map[int64]struct{}, len(events))
	for _, ev := range events {
		sent[ev.LocalEventID] = struct{}{}
	}
	var out []int64
	for _, ids := range lists {
		for _, id := range ids {
			if _, ok := sent[id]; ok {
				out = append(out, id)
				delete(sent, id)
			}
		}
	}
	return out
}
