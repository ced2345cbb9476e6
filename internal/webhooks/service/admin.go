package service

import (
	"context"
	"errors"

	"payguard/internal/webhooks/models"
	id "payguard/pkg/domain"
	dErrors "payguard/pkg/domain-errors"
	"payguard/pkg/platform/sentinel"
	"payguard/pkg/requestcontext"
)

// Get returns one webhook of a tenant.
func (s *Service) Get(ctx context.Context, tenantID id.TenantID, eventID id.EventID) (*models.Record, error) {
	rec, err := s.store.Get(ctx, tenantID, eventID)
	if err != nil {
		return nil, translate(err, "failed to load webhook")
	}
	return rec, nil
}

// List returns a page of a tenant's webhooks, newest first.
func (s *Service) List(ctx context.Context, tenantID id.TenantID, filter models.ListFilter) ([]*models.Record, error) {
	if filter.Status != "" && !filter.Status.IsValid() {
		return nil, dErrors.New(dErrors.CodeValidation, "unknown webhook status")
	}
	recs, err := s.store.List(ctx, tenantID, filter.Normalize())
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeDatabase, "failed to list webhooks")
	}
	return recs, nil
}

// Attempts returns the attempt log of one webhook, oldest first.
func (s *Service) Attempts(ctx context.Context, tenantID id.TenantID, eventID id.EventID) ([]*models.Attempt, error) {
	if _, err := s.Get(ctx, tenantID, eventID); err != nil {
		return nil, err
	}
	attempts, err := s.store.ListAttempts(ctx, tenantID, eventID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeDatabase, "failed to list webhook attempts")
	}
	return attempts, nil
}

// Replay requeues a webhook for immediate processing with a fresh attempt
// budget. Only failed webhooks are replayed unless force is set. The stored
// payload is replayed as received; its signature is not checked again.
func (s *Service) Replay(ctx context.Context, tenantID id.TenantID, eventID id.EventID, force bool) (*models.Record, error) {
	rec, err := s.Get(ctx, tenantID, eventID)
	if err != nil {
		return nil, err
	}
	if rec.Status != models.StatusFailed && !force {
		return nil, dErrors.New(dErrors.CodeValidation, "only failed webhooks can be replayed; use force to override")
	}
	if len(rec.Payload) == 0 {
		return nil, dErrors.New(dErrors.CodeValidation, "webhook has no stored payload")
	}

	reset, err := s.store.ResetForReplay(ctx, tenantID, eventID, requestcontext.Now(ctx))
	if err != nil {
		if errors.Is(err, sentinel.ErrInvalidState) {
			return nil, dErrors.New(dErrors.CodeConflict, "webhook is being processed")
		}
		return nil, translate(err, "failed to replay webhook")
	}
	if s.metrics != nil {
		s.metrics.IncReplay()
	}
	s.logger.InfoContext(ctx, "webhook replay scheduled",
		"tenant_id", tenantID.String(),
		"event_id", eventID.String(),
		"previous_status", string(rec.Status),
		"forced", force,
	)
	return reset, nil
}

func translate(err error, msg string) error {
	if errors.Is(err, sentinel.ErrNotFound) {
		return dErrors.New(dErrors.CodeNotFound, "webhook not found")
	}
	return dErrors.Wrap(err, dErrors.CodeDatabase, msg)
}
