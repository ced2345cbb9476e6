package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"payguard/internal/idempotency/metrics"
	"payguard/internal/idempotency/models"
	id "payguard/pkg/domain"
	dErrors "payguard/pkg/domain-errors"
	"payguard/pkg/platform/sentinel"
	"payguard/pkg/requestcontext"
)

const (
	// DefaultTTL is how long a cached response stays replayable.
	DefaultTTL = 30 * 24 * time.Hour

	defaultPurgeInterval = time.Hour
)

// Store persists idempotency records. Implementations return
// sentinel.ErrNotFound and sentinel.ErrAlreadyUsed.
type Store interface {
	Get(ctx context.Context, tenantID id.TenantID, key string) (*models.Record, error)
	Insert(ctx context.Context, rec *models.Record) error
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// Service implements the request-level replay cache. It never talks to the
// payment processor; it only remembers what the first request answered.
type Service struct {
	store   Store
	ttl     time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithTTL overrides DefaultTTL. Non-positive values are ignored.
func WithTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func New(store Store, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("idempotency store is required")
	}
	s := &Service{store: store, ttl: DefaultTTL, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Check looks up key for tenant. It returns (nil, nil) when nothing
// replayable is stored and a CodeConflict error when the key was used for a
// different request.
func (s *Service) Check(ctx context.Context, tenantID id.TenantID, key, requestHash string) (*models.CachedResponse, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	rec, err := s.store.Get(ctx, tenantID, key)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, nil
		}
		return nil, dErrors.Wrap(err, dErrors.CodeDatabase, "failed to read idempotency record")
	}
	if rec.IsExpired(requestcontext.Now(ctx)) {
		return nil, nil
	}
	if rec.RequestHash != requestHash {
		s.incConflict()
		return nil, dErrors.New(dErrors.CodeConflict, "idempotency key already used for a different request")
	}
	s.incReplay()
	return rec.Response(), nil
}

// Store caches resp under key. A ttl of zero uses the service TTL. Losing an
// insert race to an identical request is success; losing it to a different
// request is a conflict.
func (s *Service) Store(ctx context.Context, tenantID id.TenantID, key, requestHash string, resp models.CachedResponse, ttl time.Duration) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = s.ttl
	}
	now := requestcontext.Now(ctx)
	rec := &models.Record{
		TenantID:    tenantID,
		Key:         key,
		RequestHash: requestHash,
		StatusCode:  resp.StatusCode,
		Body:        resp.Body,
		ContentType: resp.ContentType,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}

	err := s.store.Insert(ctx, rec)
	if err == nil {
		s.incStored()
		return nil
	}
	if !errors.Is(err, sentinel.ErrAlreadyUsed) {
		s.incStoreFailure()
		return dErrors.Wrap(err, dErrors.CodeDatabase, "failed to store idempotency record")
	}

	existing, err := s.store.Get(ctx, tenantID, key)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			// Winner was purged between insert and read; take the slot.
			return s.store.Insert(ctx, rec)
		}
		return dErrors.Wrap(err, dErrors.CodeDatabase, "failed to read idempotency record")
	}
	if existing.RequestHash != requestHash {
		s.incConflict()
		return dErrors.New(dErrors.CodeConflict, "idempotency key already used for a different request")
	}
	return nil
}

// Purge deletes records that expired at or before now.
func (s *Service) Purge(ctx context.Context, now time.Time) (int, error) {
	deleted, err := s.store.DeleteExpired(ctx, now)
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeDatabase, "failed to purge idempotency records")
	}
	if s.metrics != nil {
		s.metrics.AddPurged(deleted)
	}
	return deleted, nil
}

// RunPurger calls Purge every interval until ctx is cancelled. Non-positive
// intervals fall back to an hour.
func (s *Service) RunPurger(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = defaultPurgeInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			deleted, err := s.Purge(ctx, now)
			if err != nil {
				s.logger.ErrorContext(ctx, "idempotency purge failed", "error", err)
				continue
			}
			if deleted > 0 {
				s.logger.InfoContext(ctx, "purged expired idempotency records", "deleted", deleted)
			}
		}
	}
}

func validateKey(key string) error {
	if key == "" || len(key) > models.MaxKeyLength {
		return dErrors.New(dErrors.CodeValidation, "idempotency key must be 1-255 characters")
	}
	return nil
}

func (s *Service) incReplay() {
	if s.metrics != nil {
		s.metrics.IncReplay()
	}
}

func (s *Service) incConflict() {
	if s.metrics != nil {
		s.metrics.IncConflict()
	}
}

func (s *Service) incStored() {
	if s.metrics != nil {
		s.metrics.IncStored()
	}
}

func (s *Service) incStoreFailure() {
	if s.metrics != nil {
		s.metrics.IncStoreFailure()
	}
}
