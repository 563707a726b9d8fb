package tenant

import "errors"

var (
	// ErrTenantNotFound is returned when the hospital does not exist in the catalog.
	ErrTenantNotFound = errors.New("tenant not found")

	// ErrTenantInactive is returned when the hospital exists but is not active.
	ErrTenantInactive = errors.New("tenant is not active")

	// ErrMaxPoolLimit is returned when the manager reached its pool limit.
	ErrMaxPoolLimit = errors.New("max tenant pool limit reached")

	// ErrInvalidPoolKey is returned for keys other than "catalog" or "tenant_<id>".
	ErrInvalidPoolKey = errors.New("invalid pool key")

	// ErrManagerClosed is returned after Close.
	ErrManagerClosed = errors.New("tenant manager is closed")
)
