package sentinel

import "errors"

// Sentinel errors for storage facts. Stores return these (optionally wrapped)
// so services can translate them into domain errors.
//
// - ErrNotFound: row does not exist for the tenant-scoped key
// - ErrAlreadyUsed: a unique key (reference_id, event_id, idempotency key) is taken
// - ErrInvalidState: a conditional transition matched no row
// - ErrUnavailable: backing store temporarily unavailable
var (
	ErrNotFound     = errors.New("not found")
	ErrAlreadyUsed  = errors.New("already used")
	ErrInvalidState = errors.New("invalid state")
	ErrUnavailable  = errors.New("unavailable")
)
