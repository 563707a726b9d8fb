package routing

import "errors"

var (
	// ErrTenantRequired is returned when no hint is present and the caller may not omit one.
	ErrTenantRequired = errors.New("tenant hint required")

	// ErrResolveRequired tells a privileged caller without a hint to locate the entity instead.
	ErrResolveRequired = errors.New("no tenant hint: resolve entity across shards")

	// ErrEntityNotFound is returned when no active shard holds the entity.
	ErrEntityNotFound = errors.New("entity not found in any active tenant")

	// ErrLocateTimeout is returned when the overall locate budget runs out.
	ErrLocateTimeout = errors.New("entity locate timed out")

	// ErrEntityKeyRequired is returned for an empty entity key.
	ErrEntityKeyRequired = errors.New("entity key required")
)
