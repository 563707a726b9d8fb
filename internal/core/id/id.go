// Package id provides identifiers shared between shards and the catalog.
package id

import (
	"github.com/google/uuid"
)

// GlobalID correlates one logical entity across its shard and the catalog.
// It is generated on the shard and never reassigned.
type GlobalID = uuid.UUID

// New generates a time-ordered UUIDv7.
func New() GlobalID {
	gid, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return gid
}

// Parse converts string to GlobalID with validation.
func Parse(s string) (GlobalID, error) {
	return uuid.Parse(s)
}

// IsNil checks if the ID is the zero value.
func IsNil(gid GlobalID) bool {
	return gid == uuid.Nil
}
