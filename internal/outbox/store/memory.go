package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"payguard/internal/outbox/models"
)

// InMemory is an outbox for tests and single-process development. Writes
// are visible immediately; there is no transaction to join.
type InMemory struct {
	mu     sync.RWMutex
	events map[uuid.UUID]*models.Event
}

func NewInMemory() *InMemory {
	return &InMemory{events: make(map[uuid.UUID]*models.Event)}
}

func (s *InMemory) RecordOutboxEvent(_ context.Context, event *models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *event
	s.events[event.EventID] = &cp
	return nil
}

func (s *InMemory) FetchUnpublished(_ context.Context, limit int) ([]*models.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Event
	for _, ev := range s.events {
		if !ev.IsPublished() {
			cp := *ev
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemory) MarkPublished(_ context.Context, eventIDs []uuid.UUID, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	marked := 0
	for _, eventID := range eventIDs {
		ev, ok := s.events[eventID]
		if !ok || ev.IsPublished() {
			continue
		}
		t := now
		ev.PublishedAt = &t
		marked++
	}
	return marked, nil
}

func (s *InMemory) CountUnpublished(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, ev := range s.events {
		if !ev.IsPublished() {
			n++
		}
	}
	return n, nil
}

// All returns every recorded event ordered by creation time.
func (s *InMemory) All() []*models.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Event, 0, len(s.events))
	for _, ev := range s.events {
		cp := *ev
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// InMemoryProcessed records consumer-side dedupe markers.
type InMemoryProcessed struct {
	mu        sync.Mutex
	processed map[uuid.UUID]models.ProcessedEvent
}

func NewInMemoryProcessed() *InMemoryProcessed {
	return &InMemoryProcessed{processed: make(map[uuid.UUID]models.ProcessedEvent)}
}

func (s *InMemoryProcessed) MarkEventProcessed(_ context.Context, eventID uuid.UUID, eventType, processor string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.processed[eventID]; ok {
		return false, nil
	}
	s.processed[eventID] = models.ProcessedEvent{
		EventID:     eventID,
		EventType:   eventType,
		Processor:   processor,
		ProcessedAt: time.Now(),
	}
	return true, nil
}

// Unmark removes a marker. The memory store has no rollback, so the consumer
// calls it when the handler fails.
func (s *InMemoryProcessed) Unmark(_ context.Context, eventID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.processed, eventID)
}

func (s *InMemoryProcessed) IsProcessed(_ context.Context, eventID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.processed[eventID]
	return ok, nil
}

// InMemoryFailed keeps dead-lettered consumer messages.
type InMemoryFailed struct {
	mu     sync.Mutex
	failed []*models.FailedEvent
}

func NewInMemoryFailed() *InMemoryFailed {
	return &InMemoryFailed{}
}

// RecordFailedEvent appends ev, or refreshes the earlier entry for the same
// event id.
func (s *InMemoryFailed) RecordFailedEvent(_ context.Context, ev *models.FailedEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ev
	cp.Payload = append([]byte(nil), ev.Payload...)
	if ev.EventID != uuid.Nil {
		for _, existing := range s.failed {
			if existing.EventID == ev.EventID {
				existing.Error = cp.Error
				existing.RetryCount = cp.RetryCount
				existing.FailedAt = cp.FailedAt
				return nil
			}
		}
	}
	s.failed = append(s.failed, &cp)
	return nil
}

// ListFailed returns up to limit entries, most recent failure first.
func (s *InMemoryFailed) ListFailed(_ context.Context, limit int) ([]*models.FailedEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.FailedEvent, 0, len(s.failed))
	for _, ev := range s.failed {
		cp := *ev
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].FailedAt.After(out[j].FailedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
