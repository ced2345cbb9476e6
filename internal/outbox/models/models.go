package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	id "payguard/pkg/domain"
)

// Event is one outbox row. Payload holds the JSON Envelope exactly as it
// will be published.
type Event struct {
	EventID       uuid.UUID
	TenantID      id.TenantID
	EventType     string
	AggregateType string
	AggregateID   string
	Payload       json.RawMessage
	CreatedAt     time.Time
	PublishedAt   *time.Time
}

func (e *Event) IsPublished() bool {
	return e.PublishedAt != nil
}

// Envelope is the wire format consumers receive.
type Envelope struct {
	EventID       uuid.UUID       `json:"event_id"`
	EventType     string          `json:"event_type"`
	TenantID      string          `json:"tenant_id"`
	SourceModule  string          `json:"source_module"`
	SourceVersion string          `json:"source_version"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	CausationID   string          `json:"causation_id,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Payload       json.RawMessage `json:"payload"`
}

// Source identifies the module emitting events.
type Source struct {
	Module  string
	Version string
}

// Meta carries the tracing ids of the unit of work emitting an event.
type Meta struct {
	CorrelationID string
	CausationID   string
}

// NewEvent builds an outbox row around data. The event id is generated here
// and is the dedupe key for every downstream consumer.
func NewEvent(tenantID id.TenantID, eventType, aggregateType, aggregateID string, src Source, meta Meta, data any, now time.Time) (*Event, error) {
	if eventType == "" || aggregateType == "" || aggregateID == "" {
		return nil, fmt.Errorf("event type, aggregate type and aggregate id are required")
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal event data: %w", err)
	}
	eventID := uuid.New()
	env, err := json.Marshal(Envelope{
		EventID:       eventID,
		EventType:     eventType,
		TenantID:      tenantID.String(),
		SourceModule:  src.Module,
		SourceVersion: src.Version,
		CorrelationID: meta.CorrelationID,
		CausationID:   meta.CausationID,
		OccurredAt:    now.UTC(),
		Payload:       payload,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return &Event{
		EventID:       eventID,
		TenantID:      tenantID,
		EventType:     eventType,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Payload:       env,
		CreatedAt:     now,
	}, nil
}

// DecodeEnvelope parses and minimally validates a published message.
func DecodeEnvelope(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.EventID == uuid.Nil {
		return nil, fmt.Errorf("envelope missing event_id")
	}
	if env.EventType == "" {
		return nil, fmt.Errorf("envelope missing event_type")
	}
	return &env, nil
}

// ProcessedEvent marks that a consumer has applied an event.
type ProcessedEvent struct {
	EventID     uuid.UUID
	EventType   string
	Processor   string
	ProcessedAt time.Time
}

// FailedEvent is a consumed message whose handler exhausted its retries.
// EventID, EventType and TenantID are empty when the payload is not a valid
// Envelope.
type FailedEvent struct {
	ID         uuid.UUID
	EventID    uuid.UUID
	EventType  string
	TenantID   string
	Topic      string
	Partition  int32
	Offset     int64
	Payload    []byte
	Error      string
	RetryCount int
	FailedAt   time.Time
}

// NewFailedEvent captures a raw message and the last handler error.
func NewFailedEvent(topic string, partition int32, offset int64, payload []byte, cause error, retryCount int, now time.Time) *FailedEvent {
	ev := &FailedEvent{
		ID:         uuid.New(),
		Topic:      topic,
		Partition:  partition,
		Offset:     offset,
		Payload:    append([]byte(nil), payload...),
		RetryCount: retryCount,
		FailedAt:   now,
	}
	if cause != nil {
		ev.Error = cause.Error()
	}
	if env, err := DecodeEnvelope(payload); err == nil {
		ev.EventID = env.EventID
		ev.EventType = env.EventType
		ev.TenantID = env.TenantID
	}
	return ev
}
