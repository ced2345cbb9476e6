package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"payguard/internal/payments/models"
	id "payguard/pkg/domain"
	"payguard/pkg/platform/sentinel"
)

type operationKey struct {
	tenant    id.TenantID
	reference id.ReferenceID
}

// InMemory enforces the same (tenant, reference_id) uniqueness and pending
// guard as the Postgres table.
type InMemory struct {
	mu  sync.RWMutex
	ops map[operationKey]*models.Operation
}

func NewInMemory() *InMemory {
	return &InMemory{ops: make(map[operationKey]*models.Operation)}
}

func (s *InMemory) Insert(_ context.Context, op *models.Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := operationKey{op.TenantID, op.ReferenceID}
	if _, ok := s.ops[key]; ok {
		return sentinel.ErrAlreadyUsed
	}
	cp := *op
	s.ops[key] = &cp
	return nil
}

func (s *InMemory) FindByReference(_ context.Context, tenantID id.TenantID, referenceID id.ReferenceID) (*models.Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	op, ok := s.ops[operationKey{tenantID, referenceID}]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	cp := *op
	return &cp, nil
}

func (s *InMemory) CompleteIfPending(_ context.Context, op *models.Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.ops[operationKey{op.TenantID, op.ReferenceID}]
	if !ok || !existing.IsPending() {
		return sentinel.ErrInvalidState
	}
	existing.Status = op.Status
	existing.ProcessorID = op.ProcessorID
	existing.FailureCode = op.FailureCode
	existing.FailureMessage = op.FailureMessage
	existing.UpdatedAt = op.UpdatedAt
	return nil
}

func (s *InMemory) ListPendingOlderThan(_ context.Context, tenantID id.TenantID, cutoff time.Time, limit int) ([]*models.Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Operation
	for key, op := range s.ops {
		if key.tenant != tenantID || !op.IsPending() || !op.CreatedAt.Before(cutoff) {
			continue
		}
		cp := *op
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
