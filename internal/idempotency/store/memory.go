package store

import (
	"context"
	"sync"
	"time"

	"payguard/internal/idempotency/models"
	id "payguard/pkg/domain"
	"payguard/pkg/platform/sentinel"
)

type recordKey struct {
	tenant id.TenantID
	key    string
}

// InMemory stores idempotency records in a map. Suitable for tests and
// single-process development only.
type InMemory struct {
	mu      sync.RWMutex
	records map[recordKey]models.Record
}

func NewInMemory() *InMemory {
	return &InMemory{records: make(map[recordKey]models.Record)}
}

func (s *InMemory) Get(_ context.Context, tenantID id.TenantID, key string) (*models.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[recordKey{tenantID, key}]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return &rec, nil
}

// Insert adds rec unless a live record already holds the key. An expired
// record that has not been purged yet is replaced.
func (s *InMemory) Insert(_ context.Context, rec *models.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := recordKey{rec.TenantID, rec.Key}
	if existing, ok := s.records[k]; ok && !existing.IsExpired(rec.CreatedAt) {
		return sentinel.ErrAlreadyUsed
	}
	cp := *rec
	cp.Body = append([]byte(nil), rec.Body...)
	s.records[k] = cp
	return nil
}

func (s *InMemory) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := 0
	for k, rec := range s.records {
		if rec.IsExpired(now) {
			delete(s.records, k)
			deleted++
		}
	}
	return deleted, nil
}
