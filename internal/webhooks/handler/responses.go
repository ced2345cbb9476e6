package handler

import (
	"encoding/json"
	"time"

	"payguard/internal/webhooks/models"
	"payguard/internal/webhooks/service"
)

// IngestResponse acknowledges a delivery. Handler failures are not visible
// here; the processor only learns that the event was accepted.
type IngestResponse struct {
	Received  bool   `json:"received"`
	EventID   string `json:"event_id"`
	Duplicate bool   `json:"duplicate"`
}

// WebhookResponse is the operator view of a stored webhook.
type WebhookResponse struct {
	ID            string          `json:"id"`
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	Status        string          `json:"status"`
	AttemptCount  int             `json:"attempt_count"`
	ReplayBase    int             `json:"replay_base"`
	NextAttemptAt *time.Time      `json:"next_attempt_at,omitempty"`
	LastAttemptAt *time.Time      `json:"last_attempt_at,omitempty"`
	DeadAt        *time.Time      `json:"dead_at,omitempty"`
	ErrorCode     string          `json:"error_code,omitempty"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	ReceivedAt    time.Time       `json:"received_at"`
	ProcessedAt   *time.Time      `json:"processed_at,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

type WebhookListResponse struct {
	Webhooks []*WebhookResponse `json:"webhooks"`
	Limit    int                `json:"limit"`
	Offset   int                `json:"offset"`
}

type AttemptResponse struct {
	AttemptNumber int       `json:"attempt_number"`
	Status        string    `json:"status"`
	ErrorCode     string    `json:"error_code,omitempty"`
	ErrorMessage  string    `json:"error_message,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`
}

type AttemptListResponse struct {
	EventID  string             `json:"event_id"`
	Attempts []*AttemptResponse `json:"attempts"`
}

func fromIngest(res *service.IngestResult) *IngestResponse {
	return &IngestResponse{Received: true, EventID: res.EventID.String(), Duplicate: res.Duplicate}
}

// FromRecord converts a record. The payload is included only when
// withPayload is set.
func FromRecord(rec *models.Record, withPayload bool) *WebhookResponse {
	resp := &WebhookResponse{
		ID:            rec.ID.String(),
		EventID:       rec.EventID.String(),
		EventType:     rec.EventType,
		Status:        string(rec.Status),
		AttemptCount:  rec.AttemptCount,
		ReplayBase:    rec.ReplayBase,
		NextAttemptAt: rec.NextAttemptAt,
		LastAttemptAt: rec.LastAttemptAt,
		DeadAt:        rec.DeadAt,
		ErrorCode:     rec.ErrorCode,
		ErrorMessage:  rec.ErrorMessage,
		ReceivedAt:    rec.ReceivedAt,
		ProcessedAt:   rec.ProcessedAt,
	}
	if withPayload && json.Valid(rec.Payload) {
		resp.Payload = json.RawMessage(rec.Payload)
	}
	return resp
}

func fromAttempt(a *models.Attempt) *AttemptResponse {
	return &AttemptResponse{
		AttemptNumber: a.AttemptNumber,
		Status:        string(a.Status),
		ErrorCode:     a.ErrorCode,
		ErrorMessage:  a.ErrorMessage,
		StartedAt:     a.StartedAt,
		FinishedAt:    a.FinishedAt,
	}
}
