package models

import (
	"time"

	id "payguard/pkg/domain"
)

// MaxKeyLength bounds client supplied Idempotency-Key values.
const MaxKeyLength = 255

// Record is a cached terminal response for one (tenant, key). Records are
// written once and never updated; they disappear when purged after ExpiresAt.
type Record struct {
	TenantID    id.TenantID
	Key         string
	RequestHash string
	StatusCode  int
	Body        []byte
	ContentType string
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// IsExpired reports whether the record can no longer be replayed at now.
func (r *Record) IsExpired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Response returns the replayable part of the record.
func (r *Record) Response() *CachedResponse {
	return &CachedResponse{
		StatusCode:  r.StatusCode,
		Body:        r.Body,
		ContentType: r.ContentType,
	}
}

// CachedResponse is what a replay sends back to the client.
type CachedResponse struct {
	StatusCode  int
	Body        []byte
	ContentType string
}
