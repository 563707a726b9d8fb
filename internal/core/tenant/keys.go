package tenant

import (
	"fmt"
	"strconv"
	"strings"
)

// PoolKey identifies one cached pool: the catalog or a single hospital shard.
type PoolKey string

// CatalogKey addresses the central catalog database.
const CatalogKey PoolKey = "catalog"

const tenantKeyPrefix = "tenant_"

// TenantKey returns the pool key of a hospital shard.
func TenantKey(tenantID int64) PoolKey {
	return PoolKey(tenantKeyPrefix + strconv.FormatInt(tenantID, 10))
}

// IsCatalog reports whether k addresses the catalog.
func (k PoolKey) IsCatalog() bool {
	return k == CatalogKey
}

// TenantID extracts the hospital ID from a tenant key.
func (k PoolKey) TenantID() (int64, error) {
	raw, ok := strings.CutPrefix(string(k), tenantKeyPrefix)
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPoolKey, string(k))
	}
	tenantID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || tenantID <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPoolKey, string(k))
	}
	return tenantID, nil
}

func (k PoolKey) String() string {
	return string(k)
}
