package service

import (
	"context"
	"time"

	"payguard/internal/webhooks/store"
	"payguard/pkg/requestcontext"
)

// Drain claims one batch of due rows and processes them. It returns the
// number of rows claimed.
func (s *Service) Drain(ctx context.Context) (int, error) {
	now := requestcontext.Now(ctx)
	criteria := store.ClaimCriteria{Now: now, Limit: s.batchSize}
	if s.staleAfter > 0 {
		criteria.StaleBefore = now.Add(-s.staleAfter)
	}
	claimed, err := s.store.ClaimDue(ctx, criteria)
	if err != nil {
		return 0, err
	}
	if s.metrics != nil && len(claimed) > 0 {
		s.metrics.AddDrainClaimed(len(claimed))
	}
	for _, rec := range claimed {
		s.process(ctx, rec)
	}
	return len(claimed), nil
}

// Run drains on every tick until ctx is done. Full batches are drained back
// to back.
func (s *Service) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = defaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		s.drainAll(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (s *Service) drainAll(ctx context.Context) {
	for ctx.Err() == nil {
		n, err := s.Drain(ctx)
		if err != nil {
			s.logger.ErrorContext(ctx, "webhook retry drain failed", "error", err)
			return
		}
		if n < s.batchSize {
			return
		}
	}
}
