package trash

import (
	"errors"
	"fmt"
)

var (
	// ErrRecordNotFound is returned for unknown trash IDs.
	ErrRecordNotFound = errors.New("trash record not found")

	// ErrTerminalStateConflict is returned when restoring or purging a settled record.
	ErrTerminalStateConflict = errors.New("trash record already in terminal state")

	// ErrForbidden is returned when the caller does not own the record's tenant.
	ErrForbidden = errors.New("trash record belongs to another tenant")

	// ErrRowNotFound is returned when the shard has no live row for the key.
	ErrRowNotFound = errors.New("entity not found in shard")
)

// TerminalStateError carries the state that blocked a transition.
type TerminalStateError struct {
	TrashID int64
	State   State
}

func (e *TerminalStateError) Error() string {
	return fmt.Sprintf("trash record %d is already %s", e.TrashID, e.State)
}

func (e *TerminalStateError) Is(target error) bool {
	return target == ErrTerminalStateConflict
}
