package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"payguard/internal/webhooks/models"
	id "payguard/pkg/domain"
	"payguard/pkg/platform/sentinel"
)

type recordKey struct {
	tenant id.TenantID
	event  id.EventID
}

// InMemory mirrors the Postgres semantics for unit tests and local runs.
type InMemory struct {
	mu       sync.Mutex
	records  map[recordKey]*models.Record
	attempts map[recordKey][]*models.Attempt
}

func NewInMemory() *InMemory {
	return &InMemory{
		records:  make(map[recordKey]*models.Record),
		attempts: make(map[recordKey][]*models.Attempt),
	}
}

func (s *InMemory) Insert(_ context.Context, rec *models.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := recordKey{rec.TenantID, rec.EventID}
	if _, ok := s.records[key]; ok {
		return sentinel.ErrAlreadyUsed
	}
	s.records[key] = cloneRecord(rec)
	return nil
}

func (s *InMemory) Get(_ context.Context, tenantID id.TenantID, eventID id.EventID) (*models.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[recordKey{tenantID, eventID}]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (s *InMemory) ClaimReceived(_ context.Context, tenantID id.TenantID, eventID id.EventID, now time.Time) (*models.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[recordKey{tenantID, eventID}]
	if !ok || rec.Status != models.StatusReceived {
		return nil, sentinel.ErrInvalidState
	}
	claim(rec, now)
	return cloneRecord(rec), nil
}

func (s *InMemory) ClaimDue(_ context.Context, c ClaimCriteria) ([]*models.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*models.Record
	for _, rec := range s.records {
		if claimable(rec, c) {
			due = append(due, rec)
		}
	}
	sort.Slice(due, func(i, j int) bool { return dueAt(due[i]).Before(dueAt(due[j])) })
	if len(due) > c.limit() {
		due = due[:c.limit()]
	}
	out := make([]*models.Record, 0, len(due))
	for _, rec := range due {
		claim(rec, c.Now)
		out = append(out, cloneRecord(rec))
	}
	return out, nil
}

func (s *InMemory) MarkProcessed(_ context.Context, rec *models.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, err := s.claimed(rec)
	if err != nil {
		return err
	}
	existing.Status = models.StatusProcessed
	existing.ProcessedAt = rec.ProcessedAt
	existing.NextAttemptAt = nil
	existing.ErrorCode = ""
	existing.ErrorMessage = ""
	existing.UpdatedAt = rec.UpdatedAt
	return nil
}

func (s *InMemory) MarkFailed(_ context.Context, rec *models.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, err := s.claimed(rec)
	if err != nil {
		return err
	}
	existing.Status = models.StatusFailed
	existing.NextAttemptAt = cloneTime(rec.NextAttemptAt)
	existing.DeadAt = cloneTime(rec.DeadAt)
	existing.ErrorCode = rec.ErrorCode
	existing.ErrorMessage = rec.ErrorMessage
	existing.UpdatedAt = rec.UpdatedAt
	return nil
}

// claimed returns the stored row if it is still held by the caller's claim.
func (s *InMemory) claimed(rec *models.Record) (*models.Record, error) {
	existing, ok := s.records[recordKey{rec.TenantID, rec.EventID}]
	if !ok || existing.Status != models.StatusProcessing || existing.AttemptCount != rec.AttemptCount {
		return nil, sentinel.ErrInvalidState
	}
	return existing, nil
}

func (s *InMemory) ResetForReplay(_ context.Context, tenantID id.TenantID, eventID id.EventID, now time.Time) (*models.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[recordKey{tenantID, eventID}]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	if rec.Status == models.StatusProcessing {
		return nil, sentinel.ErrInvalidState
	}
	next := now
	rec.Status = models.StatusFailed
	rec.ReplayBase = rec.AttemptCount
	rec.DeadAt = nil
	rec.NextAttemptAt = &next
	rec.UpdatedAt = now
	return cloneRecord(rec), nil
}

func (s *InMemory) List(_ context.Context, tenantID id.TenantID, filter models.ListFilter) ([]*models.Record, error) {
	filter = filter.Normalize()
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Record
	for key, rec := range s.records {
		if key.tenant != tenantID {
			continue
		}
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		if filter.EventType != "" && rec.EventType != filter.EventType {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.After(out[j].ReceivedAt) })
	if filter.Offset >= len(out) {
		return []*models.Record{}, nil
	}
	out = out[filter.Offset:]
	if len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	page := make([]*models.Record, 0, len(out))
	for _, rec := range out {
		page = append(page, cloneRecord(rec))
	}
	return page, nil
}

func (s *InMemory) AppendAttempt(_ context.Context, a *models.Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := recordKey{a.TenantID, a.EventID}
	cp := *a
	s.attempts[key] = append(s.attempts[key], &cp)
	return nil
}

func (s *InMemory) ListAttempts(_ context.Context, tenantID id.TenantID, eventID id.EventID) ([]*models.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src := s.attempts[recordKey{tenantID, eventID}]
	out := make([]*models.Attempt, 0, len(src))
	for _, a := range src {
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}

func claimable(rec *models.Record, c ClaimCriteria) bool {
	switch rec.Status {
	case models.StatusFailed:
		return rec.DeadAt == nil && rec.NextAttemptAt != nil && !rec.NextAttemptAt.After(c.Now) && len(rec.Payload) > 0
	case models.StatusReceived:
		return !c.StaleBefore.IsZero() && rec.ReceivedAt.Before(c.StaleBefore)
	case models.StatusProcessing:
		return !c.StaleBefore.IsZero() && rec.LastAttemptAt != nil && rec.LastAttemptAt.Before(c.StaleBefore)
	}
	return false
}

// dueAt orders claimable rows the same way the SQL claim does.
func dueAt(rec *models.Record) time.Time {
	switch {
	case rec.Status == models.StatusFailed && rec.NextAttemptAt != nil:
		return *rec.NextAttemptAt
	case rec.Status == models.StatusProcessing && rec.LastAttemptAt != nil:
		return *rec.LastAttemptAt
	}
	return rec.ReceivedAt
}

func claim(rec *models.Record, now time.Time) {
	at := now
	rec.Status = models.StatusProcessing
	rec.AttemptCount++
	rec.LastAttemptAt = &at
	rec.UpdatedAt = now
}

func cloneRecord(rec *models.Record) *models.Record {
	cp := *rec
	cp.Payload = append([]byte(nil), rec.Payload...)
	cp.NextAttemptAt = cloneTime(rec.NextAttemptAt)
	cp.LastAttemptAt = cloneTime(rec.LastAttemptAt)
	cp.DeadAt = cloneTime(rec.DeadAt)
	cp.ProcessedAt = cloneTime(rec.ProcessedAt)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
