package routing

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"medshard/internal/core/tenant"
	"medshard/internal/domain/entity"
	"medshard/pkg/logger"
)

var tracer = otel.Tracer("medshard/routing")

// TenantLookup reads hospital metadata. tenant.Registry implements it.
type TenantLookup interface {
	GetByID(ctx context.Context, tenantID int64) (*tenant.Tenant, error)
	ListActive(ctx context.Context) ([]*tenant.Tenant, error)
}

// Prober checks whether one shard holds an entity. Probes are read-only.
type Prober interface {
	Probe(ctx context.Context, tenantID int64, def entity.Definition, key string) (bool, error)
}

// ProbeOutcome labels a single shard probe.
type ProbeOutcome string

const (
	ProbeHit     ProbeOutcome = "hit"
	ProbeMiss    ProbeOutcome = "miss"
	ProbeError   ProbeOutcome = "error"
	ProbeTimeout ProbeOutcome = "timeout"
)

// Observer receives resolver measurements.
type Observer interface {
	ObserveProbe(outcome ProbeOutcome, elapsed time.Duration)
	ObserveLocate(found bool, probes int, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) ObserveProbe(ProbeOutcome, time.Duration) {}
func (nopObserver) ObserveLocate(bool, int, time.Duration)   {}

// ResolverConfig bounds how long a locate may take.
type ResolverConfig struct {
	ProbeTimeout  time.Duration // per shard
	LocateTimeout time.Duration // whole scan (0 = only the caller's deadline)
}

func DefaultResolverConfig() ResolverConfig {
	return ResolverConfig{
		ProbeTimeout:  2 * time.Second,
		LocateTimeout: 15 * time.Second,
	}
}

// LocateQuery is a request-scoped "where does this entity live" question.
type LocateQuery struct {
	EntityType string
	Key        string
	Hints      HintSet
}

// Resolver finds the shard holding an entity by linear probing.
// Hinted tenants go first; then every active tenant in ascending ID order.
// The first hit wins and nothing is cached.
type Resolver struct {
	tenants  TenantLookup
	prober   Prober
	entities *entity.Registry
	cfg      ResolverConfig
	observer Observer
	log      *logger.Logger
}

// ResolverOption customizes a Resolver.
type ResolverOption func(*Resolver)

// WithObserver attaches metrics.
func WithObserver(o Observer) ResolverOption {
	return func(r *Resolver) { r.observer = o }
}

func NewResolver(
	tenants TenantLookup,
	prober Prober,
	entities *entity.Registry,
	cfg ResolverConfig,
	log *logger.Logger,
	opts ...ResolverOption,
) *Resolver {
	r := &Resolver{
		tenants:  tenants,
		prober:   prober,
		entities: entities,
		cfg:      cfg,
		observer: nopObserver{},
		log:      log.WithComponent("cross-shard-resolver"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Locate returns the ID of the tenant whose shard contains q.Key.
func (r *Resolver) Locate(ctx context.Context, q LocateQuery) (int64, error) {
	if q.Key == "" {
		return 0, ErrEntityKeyRequired
	}
	def, err := r.entities.Lookup(q.EntityType)
	if err != nil {
		return 0, err
	}

	ctx, span := tracer.Start(ctx, "resolver.locate")
	span.SetAttributes(
		attribute.String("entity.type", def.Type),
		attribute.Int("hints", len(q.Hints.Ordered())),
	)
	defer span.End()

	if r.cfg.LocateTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.LocateTimeout)
		defer cancel()
	}

	start := time.Now()
	s := &scan{r: r, def: def, key: q.Key, probed: make(map[int64]struct{})}

	tenantID, err := s.run(ctx, q.Hints)
	r.observer.ObserveLocate(err == nil, s.probes, time.Since(start))

	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}
	span.SetAttributes(attribute.Int64("tenant.id", tenantID), attribute.Int("probes", s.probes))
	return tenantID, nil
}

// scan is the state of one Locate call.
type scan struct {
	r      *Resolver
	def    entity.Definition
	key    string
	probed map[int64]struct{}
	probes int
}

func (s *scan) run(ctx context.Context, hints HintSet) (int64, error) {
	log := s.r.log.WithContext(ctx)

	for _, tenantID := range hints.Ordered() {
		if err := budgetErr(ctx); err != nil {
			return 0, err
		}
		s.probed[tenantID] = struct{}{}

		t, err := s.r.tenants.GetByID(ctx, tenantID)
		if err != nil {
			log.Debugw("skipping hinted tenant", "tenant_id", tenantID, "error", err)
			continue
		}
		if !t.IsActive {
			log.Debugw("skipping inactive hinted tenant", "tenant_id", tenantID)
			continue
		}
		if s.probe(ctx, tenantID) {
			return tenantID, nil
		}
	}

	active, err := s.r.tenants.ListActive(ctx)
	if err != nil {
		if budget := budgetErr(ctx); budget != nil {
			return 0, budget
		}
		return 0, fmt.Errorf("list active tenants: %w", err)
	}
	slices.SortFunc(active, func(a, b *tenant.Tenant) int { return cmp.Compare(a.ID, b.ID) })

	for _, t := range active {
		if _, done := s.probed[t.ID]; done {
			continue
		}
		if err := budgetErr(ctx); err != nil {
			return 0, err
		}
		s.probed[t.ID] = struct{}{}
		if s.probe(ctx, t.ID) {
			return t.ID, nil
		}
	}

	if err := budgetErr(ctx); err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("%w: %s %q after %d probes", ErrEntityNotFound, s.def.Type, s.key, s.probes)
}

// probe runs one bounded existence check. Errors and timeouts count as a miss.
func (s *scan) probe(ctx context.Context, tenantID int64) bool {
	s.probes++

	probeCtx := ctx
	if s.r.cfg.ProbeTimeout > 0 {
		var cancel context.CancelFunc
		probeCtx, cancel = context.WithTimeout(ctx, s.r.cfg.ProbeTimeout)
		defer cancel()
	}

	start := time.Now()
	found, err := s.r.prober.Probe(probeCtx, tenantID, s.def, s.key)
	elapsed := time.Since(start)

	switch {
	case err != nil && probeCtx.Err() != nil:
		s.r.observer.ObserveProbe(ProbeTimeout, elapsed)
		s.r.log.WithContext(ctx).Warnw("shard probe timed out, trying next",
			"tenant_id", tenantID, "elapsed", elapsed)
		return false
	case err != nil:
		s.r.observer.ObserveProbe(ProbeError, elapsed)
		s.r.log.WithContext(ctx).Warnw("shard probe failed, trying next",
			"tenant_id", tenantID, "error", err)
		return false
	case found:
		s.r.observer.ObserveProbe(ProbeHit, elapsed)
		return true
	default:
		s.r.observer.ObserveProbe(ProbeMiss, elapsed)
		return false
	}
}

// budgetErr maps an exhausted locate context to ErrLocateTimeout.
func budgetErr(ctx context.Context) error {
	switch err := ctx.Err(); {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return ErrLocateTimeout
	default:
		return err
	}
}
