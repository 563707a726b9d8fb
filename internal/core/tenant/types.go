// Package tenant provides multi-tenant database management for the
// Database-per-Hospital architecture. Each hospital owns an isolated
// PostgreSQL database (a shard) whose connection parameters are stored
// in the central catalog database.
package tenant

import (
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// Tenant represents one hospital row of the catalog.
type Tenant struct {
	ID         int64     `db:"hospital_id"`
	Name       string    `db:"name"`
	DBHost     string    `db:"db_host"`
	DBPort     int       `db:"db_port"`
	DBName     string    `db:"db_name"`
	DBUser     string    `db:"db_user"`
	DBPassword string    `db:"db_password"`
	IsActive   bool      `db:"is_active"`
	CreatedAt  time.Time `db:"created_at"`
	UpdatedAt  time.Time `db:"updated_at"`
}

// DSN builds the connection string for this hospital's shard.
// Per-tenant credentials win; fallbackUser/fallbackPassword are used when
// the catalog row leaves them empty.
func (t *Tenant) DSN(fallbackUser, fallbackPassword, sslMode string) string {
	user, password := t.DBUser, t.DBPassword
	if user == "" {
		user, password = fallbackUser, fallbackPassword
	}
	if sslMode == "" {
		sslMode = "disable"
	}
	port := t.DBPort
	if port == 0 {
		port = 5432
	}

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(user, password),
		Host:     t.DBHost + ":" + strconv.Itoa(port),
		Path:     "/" + t.DBName,
		RawQuery: "sslmode=" + url.QueryEscape(sslMode),
	}
	return u.String()
}

// DisplayDB returns the shard database name used for audit and display.
func (t *Tenant) DisplayDB() string {
	if t == nil || t.DBName == "" {
		return ""
	}
	return t.DBName
}

// PlaceholderDBName is used when a hospital's database name cannot be read.
func PlaceholderDBName(tenantID int64) string {
	return fmt.Sprintf("hospital_%d", tenantID)
}
