// Package store persists received webhooks and their attempt log.
//
// Every state change is a conditional update: a claim only succeeds from the
// status the caller expects, so two workers can never process the same row at
// once.
package store

import "time"

const (
	// DefaultClaimBatch is how many due rows one drain pass claims.
	DefaultClaimBatch = 10
)

// ClaimCriteria selects rows for a drain pass.
type ClaimCriteria struct {
	// Now is the reference time for next_attempt_at and the new last_attempt_at.
	Now time.Time
	// StaleBefore recovers received rows that were never claimed and
	// processing rows whose worker died. Zero disables recovery.
	StaleBefore time.Time
	Limit       int
}

func (c ClaimCriteria) limit() int {
	if c.Limit <= 0 {
		return DefaultClaimBatch
	}
	return c.Limit
}
