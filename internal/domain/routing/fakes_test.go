package routing

import (
	"context"
	"sync"
	"time"

	"medshard/internal/core/tenant"
	"medshard/internal/domain/entity"
)

type fakeTenants struct {
	tenants map[int64]*tenant.Tenant
	listErr error
}

func newFakeTenants(active []int64, inactive ...int64) *fakeTenants {
	f := &fakeTenants{tenants: make(map[int64]*tenant.Tenant)}
	for _, id := range active {
		f.tenants[id] = &tenant.Tenant{ID: id, IsActive: true}
	}
	for _, id := range inactive {
		f.tenants[id] = &tenant.Tenant{ID: id, IsActive: false}
	}
	return f
}

func (f *fakeTenants) GetByID(_ context.Context, id int64) (*tenant.Tenant, error) {
	t, ok := f.tenants[id]
	if !ok {
		return nil, tenant.ErrTenantNotFound
	}
	return t, nil
}

// ListActive deliberately returns tenants in descending order; the resolver must sort.
func (f *fakeTenants) ListActive(context.Context) ([]*tenant.Tenant, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []*tenant.Tenant
	for _, t := range f.tenants {
		if t.IsActive {
			out = append(out, t)
		}
	}
	for i := range out {
		for j := i + 1; j < len(out); j++ {
			if out[j].ID > out[i].ID {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out, nil
}

type fakeProber struct {
	mu     sync.Mutex
	has    map[int64]map[string]bool
	errs   map[int64]error
	delays map[int64]time.Duration
	calls  []int64
}

func newFakeProber() *fakeProber {
	return &fakeProber{
		has:    make(map[int64]map[string]bool),
		errs:   make(map[int64]error),
		delays: make(map[int64]time.Duration),
	}
}

func (p *fakeProber) put(tenantID int64, key string) *fakeProber {
	if p.has[tenantID] == nil {
		p.has[tenantID] = make(map[string]bool)
	}
	p.has[tenantID][key] = true
	return p
}

func (p *fakeProber) Probe(ctx context.Context, tenantID int64, _ entity.Definition, key string) (bool, error) {
	p.mu.Lock()
	p.calls = append(p.calls, tenantID)
	delay, err := p.delays[tenantID], p.errs[tenantID]
	found := p.has[tenantID][key]
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(delay):
		}
	}
	if err != nil {
		return false, err
	}
	return found, nil
}

func (p *fakeProber) probed() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int64(nil), p.calls...)
}

type fakePools struct {
	mu    sync.Mutex
	calls []int64
	err   error
}

func (f *fakePools) TenantPool(_ context.Context, tenantID int64) (*tenant.ManagedPool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, tenantID)
	if f.err != nil {
		return nil, f.err
	}
	return &tenant.ManagedPool{}, nil
}
