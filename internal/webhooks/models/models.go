package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	id "payguard/pkg/domain"
)

// Status of a received webhook. Rows move received -> processing ->
// processed | failed; failed rows return to processing on each retry until
// they are dead-lettered.
type Status string

const (
	StatusReceived   Status = "received"
	StatusProcessing Status = "processing"
	StatusProcessed  Status = "processed"
	StatusFailed     Status = "failed"
)

func (s Status) IsValid() bool {
	switch s {
	case StatusReceived, StatusProcessing, StatusProcessed, StatusFailed:
		return true
	}
	return false
}

// Record is one inbound webhook, unique per (tenant, event_id). Payload is
// the raw signed body so replays see exactly what the processor sent.
type Record struct {
	ID            uuid.UUID
	TenantID      id.TenantID
	EventID       id.EventID
	EventType     string
	Status        Status
	Payload       []byte
	AttemptCount  int
	ReplayBase    int
	NextAttemptAt *time.Time
	LastAttemptAt *time.Time
	DeadAt        *time.Time
	ErrorCode     string
	ErrorMessage  string
	ReceivedAt    time.Time
	ProcessedAt   *time.Time
	UpdatedAt     time.Time
}

// NewRecord builds the row inserted before any processing.
func NewRecord(tenantID id.TenantID, env *Envelope, payload []byte, now time.Time) *Record {
	return &Record{
		ID:         uuid.New(),
		TenantID:   tenantID,
		EventID:    id.EventID(env.ID),
		EventType:  env.Type,
		Status:     StatusReceived,
		Payload:    payload,
		ReceivedAt: now,
		UpdatedAt:  now,
	}
}

func (r *Record) IsDead() bool {
	return r.DeadAt != nil
}

// RetryAttempt is the attempt number counted against the retry budget.
// AttemptCount never decreases; a replay moves ReplayBase up to it instead.
func (r *Record) RetryAttempt() int {
	return r.AttemptCount - r.ReplayBase
}

// AttemptStatus is the result of one handler invocation.
type AttemptStatus string

const (
	AttemptSucceeded AttemptStatus = "succeeded"
	AttemptFailed    AttemptStatus = "failed"
)

// Attempt is an append-only log entry for one handler invocation.
type Attempt struct {
	ID            uuid.UUID
	TenantID      id.TenantID
	EventID       id.EventID
	AttemptNumber int
	Status        AttemptStatus
	ErrorCode     string
	ErrorMessage  string
	StartedAt     time.Time
	FinishedAt    time.Time
}

// Envelope is the minimal shape every processor event shares.
type Envelope struct {
	ID   string          `json:"id" validate:"required,max=255"`
	Type string          `json:"type" validate:"required,max=255"`
	Data json.RawMessage `json:"data"`
}

// Event is what a registered handler receives.
type Event struct {
	TenantID  id.TenantID
	EventID   id.EventID
	EventType string
	Data      json.RawMessage
	Attempt   int
}

// ListFilter narrows an operator listing. Zero values match everything.
type ListFilter struct {
	Status    Status
	EventType string
	Limit     int
	Offset    int
}

const (
	DefaultListLimit = 50
	MaxListLimit     = 100
)

// Normalize clamps the page size.
func (f ListFilter) Normalize() ListFilter {
	if f.Limit <= 0 {
		f.Limit = DefaultListLimit
	}
	if f.Limit > MaxListLimit {
		f.Limit = MaxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}
