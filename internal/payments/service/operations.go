package service

import (
	"context"
	"errors"
	"regexp"
	"time"

	"payguard/internal/payments/gateway"
	"payguard/internal/payments/models"
	id "payguard/pkg/domain"
	dErrors "payguard/pkg/domain-errors"
	"payguard/pkg/platform/sentinel"
	"payguard/pkg/requestcontext"
)

var currencyPattern = regexp.MustCompile(`^[a-z]{3}$`)

// ChargeCommand is a request to charge a customer.
type ChargeCommand struct {
	Amount        int64
	Currency      string
	Customer      string
	PaymentMethod string
}

// CreateCharge charges once per reference id.
func (s *Service) CreateCharge(ctx context.Context, tenantID id.TenantID, referenceID id.ReferenceID, cmd ChargeCommand) (*models.Operation, error) {
	if cmd.Amount <= 0 {
		return nil, dErrors.New(dErrors.CodeValidation, "amount must be positive")
	}
	if !currencyPattern.MatchString(cmd.Currency) {
		return nil, dErrors.New(dErrors.CodeValidation, "currency must be a lowercase ISO 4217 code")
	}
	intent := models.Intent{
		Kind:     models.KindCharge,
		Amount:   cmd.Amount,
		Currency: cmd.Currency,
		Target:   cmd.Customer,
	}
	return s.RunWithIdempotency(ctx, tenantID, referenceID, intent, func(ctx context.Context, op *models.Operation) (*gateway.Result, error) {
		return s.gateway.Charge(ctx, gateway.ChargeRequest{
			TenantID:      tenantID.String(),
			ReferenceID:   referenceID.String(),
			Amount:        op.Amount,
			Currency:      op.Currency,
			Customer:      cmd.Customer,
			PaymentMethod: cmd.PaymentMethod,
		})
	})
}

// CreateRefund refunds part or all of a settled charge. The charge must
// exist under chargeReferenceID and have succeeded. Each refund is checked
// against the charge amount on its own; refunds are not summed.
func (s *Service) CreateRefund(ctx context.Context, tenantID id.TenantID, referenceID, chargeReferenceID id.ReferenceID, amount int64) (*models.Operation, error) {
	if amount <= 0 {
		return nil, dErrors.New(dErrors.CodeValidation, "refund amount must be positive")
	}
	charge, err := s.ops.FindByReference(ctx, tenantID, chargeReferenceID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "charge not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeDatabase, "failed to load charge")
	}
	if charge.Kind != models.KindCharge {
		return nil, dErrors.New(dErrors.CodeNotFound, "charge not found")
	}
	if !charge.IsSucceeded() {
		return nil, dErrors.New(dErrors.CodeNotSettled, "charge has not settled")
	}
	if amount > charge.Amount {
		return nil, dErrors.New(dErrors.CodeValidation, "refund amount exceeds charge amount")
	}

	intent := models.Intent{
		Kind:            models.KindRefund,
		Amount:          amount,
		Currency:        charge.Currency,
		Target:          charge.ProcessorID,
		ParentReference: chargeReferenceID,
	}
	return s.RunWithIdempotency(ctx, tenantID, referenceID, intent, func(ctx context.Context, op *models.Operation) (*gateway.Result, error) {
		return s.gateway.Refund(ctx, gateway.RefundRequest{
			TenantID:    tenantID.String(),
			ReferenceID: referenceID.String(),
			ChargeID:    charge.ProcessorID,
			Amount:      op.Amount,
		})
	})
}

// CancelSubscription cancels a processor subscription once per reference id.
func (s *Service) CancelSubscription(ctx context.Context, tenantID id.TenantID, referenceID id.ReferenceID, subscriptionID string) (*models.Operation, error) {
	if subscriptionID == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "subscription id is required")
	}
	intent := models.Intent{Kind: models.KindSubscriptionCancel, Target: subscriptionID}
	return s.RunWithIdempotency(ctx, tenantID, referenceID, intent, func(ctx context.Context, _ *models.Operation) (*gateway.Result, error) {
		return s.gateway.CancelSubscription(ctx, gateway.CancelSubscriptionRequest{
			TenantID:       tenantID.String(),
			ReferenceID:    referenceID.String(),
			SubscriptionID: subscriptionID,
		})
	})
}

func (s *Service) GetOperation(ctx context.Context, tenantID id.TenantID, referenceID id.ReferenceID) (*models.Operation, error) {
	op, err := s.ops.FindByReference(ctx, tenantID, referenceID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "operation not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeDatabase, "failed to load operation")
	}
	return op, nil
}

// ListStalePending returns operations still pending after olderThan. These
// are the rows whose processor outcome was never recorded and need
// reconciliation.
func (s *Service) ListStalePending(ctx context.Context, tenantID id.TenantID, olderThan time.Duration) ([]*models.Operation, error) {
	if olderThan < 0 {
		return nil, dErrors.New(dErrors.CodeValidation, "older_than cannot be negative")
	}
	cutoff := requestcontext.Now(ctx).Add(-olderThan)
	ops, err := s.ops.ListPendingOlderThan(ctx, tenantID, cutoff, staleListLimit)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeDatabase, "failed to list pending operations")
	}
	return ops, nil
}
