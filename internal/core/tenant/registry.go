package tenant

import (
	"context"
	"fmt"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Registry provides access to hospital metadata stored in the catalog.
type Registry interface {
	// GetByID retrieves a hospital by its stable integer key.
	GetByID(ctx context.Context, tenantID int64) (*Tenant, error)

	// ListActive returns all active hospitals ordered by ID ascending.
	ListActive(ctx context.Context) ([]*Tenant, error)

	// ListAll returns all hospitals ordered by ID ascending.
	ListAll(ctx context.Context) ([]*Tenant, error)

	// SetActive toggles the activation flag.
	SetActive(ctx context.Context, tenantID int64, active bool) error
}

// CatalogSource hands out the catalog pool on demand.
// Manager implements it, so the registry reads through the same cache.
type CatalogSource interface {
	CatalogPool(ctx context.Context) (*pgxpool.Pool, error)
}

// PostgresRegistry implements Registry on the catalog database.
type PostgresRegistry struct {
	source CatalogSource
}

func NewPostgresRegistry(source CatalogSource) *PostgresRegistry {
	return &PostgresRegistry{source: source}
}

const tenantColumns = `hospital_id, name, db_host, db_port, db_name, db_user, db_password,
		       is_active, created_at, updated_at`

func (r *PostgresRegistry) GetByID(ctx context.Context, tenantID int64) (*Tenant, error) {
	pool, err := r.source.CatalogPool(ctx)
	if err != nil {
		return nil, err
	}

	var t Tenant
	err = pgxscan.Get(ctx, pool, &t, `
		SELECT `+tenantColumns+`
		FROM hospitals
		WHERE hospital_id = $1
	`, tenantID)
	if err != nil {
		if pgxscan.NotFound(err) {
			return nil, ErrTenantNotFound
		}
		return nil, fmt.Errorf("get hospital by id: %w", err)
	}
	return &t, nil
}

func (r *PostgresRegistry) ListActive(ctx context.Context) ([]*Tenant, error) {
	pool, err := r.source.CatalogPool(ctx)
	if err != nil {
		return nil, err
	}

	var tenants []*Tenant
	err = pgxscan.Select(ctx, pool, &tenants, `
		SELECT `+tenantColumns+`
		FROM hospitals
		WHERE is_active
		ORDER BY hospital_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list active hospitals: %w", err)
	}
	return tenants, nil
}

func (r *PostgresRegistry) ListAll(ctx context.Context) ([]*Tenant, error) {
	pool, err := r.source.CatalogPool(ctx)
	if err != nil {
		return nil, err
	}

	var tenants []*Tenant
	err = pgxscan.Select(ctx, pool, &tenants, `
		SELECT `+tenantColumns+`
		FROM hospitals
		ORDER BY hospital_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list hospitals: %w", err)
	}
	return tenants, nil
}

func (r *PostgresRegistry) SetActive(ctx context.Context, tenantID int64, active bool) error {
	pool, err := r.source.CatalogPool(ctx)
	if err != nil {
		return err
	}

	tag, err := pool.Exec(ctx, `
		UPDATE hospitals
		SET is_active = $2, updated_at = NOW()
		WHERE hospital_id = $1
	`, tenantID, active)
	if err != nil {
		return fmt.Errorf("update hospital activation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTenantNotFound
	}
	return nil
}

var _ Registry = (*PostgresRegistry)(nil)
