package replication

import (
	"errors"
	"fmt"
)

var (
	// ErrTransportFailure wraps any failure to deliver a batch to the catalog.
	ErrTransportFailure = errors.New("replication transport failure")

	// ErrApplyFailure marks an event that could not be upserted into its mirror.
	ErrApplyFailure = errors.New("replication apply failure")

	// ErrInboxEventNotFound is returned by Retry for unknown inbox IDs.
	ErrInboxEventNotFound = errors.New("inbox event not found")

	// ErrInvalidBatch is returned for batches that cannot be accepted at all.
	ErrInvalidBatch = errors.New("invalid replication batch")
)

func applyErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrApplyFailure, fmt.Sprintf(format, args...))
}
