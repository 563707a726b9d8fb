// Package context provides request-scoped values extraction.
package context

import (
	"context"
	"slices"
)

// Well-known roles carried in caller tokens.
const (
	RoleAdmin     = "admin"
	RoleSyncAgent = "sync-agent"
)

// UserContext describes the authenticated caller.
type UserContext struct {
	UserID   string
	TenantID int64 // caller's own hospital; 0 for cross-tenant operators
	Email    string
	Roles    []string
	IsAdmin  bool
}

// CanSpanTenants reports whether the caller may omit a tenant hint
// and have the entity located across every shard.
func (u *UserContext) CanSpanTenants() bool {
	return u != nil && (u.IsAdmin || slices.Contains(u.Roles, RoleAdmin))
}

// Owns reports whether the caller may act on rows that belong to tenantID.
func (u *UserContext) Owns(tenantID int64) bool {
	if u == nil {
		return false
	}
	return u.CanSpanTenants() || (u.TenantID != 0 && u.TenantID == tenantID)
}

type userContextKey struct{}

// WithUser adds UserContext to context.
func WithUser(ctx context.Context, user *UserContext) context.Context {
	return context.WithValue(ctx, userContextKey{}, user)
}

// GetUser returns UserContext from context.
func GetUser(ctx context.Context) *UserContext {
	if v, ok := ctx.Value(userContextKey{}).(*UserContext); ok {
		return v
	}
	return nil
}

// GetUserID returns user ID from context or empty string.
func GetUserID(ctx context.Context) string {
	if u := GetUser(ctx); u != nil {
		return u.UserID
	}
	return ""
}

// GetTenantID returns the caller's own tenant ID or 0.
func GetTenantID(ctx context.Context) int64 {
	if u := GetUser(ctx); u != nil {
		return u.TenantID
	}
	return 0
}

// HasRole checks if user has specific role.
func HasRole(ctx context.Context, role string) bool {
	u := GetUser(ctx)
	if u == nil {
		return false
	}
	return slices.Contains(u.Roles, role)
}
