// Package handlers applies processor webhooks to local state.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	stripe "github.com/stripe/stripe-go/v76"

	"payguard/internal/payments/gateway"
	paymentmodels "payguard/internal/payments/models"
	paymentservice "payguard/internal/payments/service"
	"payguard/internal/webhooks/models"
	"payguard/internal/webhooks/registry"
	"payguard/internal/webhooks/retry"
	id "payguard/pkg/domain"
	dErrors "payguard/pkg/domain-errors"
)

// Reconciler completes pending operations from processor reports.
type Reconciler interface {
	Reconcile(ctx context.Context, tenantID id.TenantID, referenceID id.ReferenceID, outcome paymentservice.Outcome) (*paymentmodels.Operation, error)
}

// Informational lists catalogued events that carry nothing to apply.
var Informational = []string{
	"customer.created",
	"customer.updated",
	"payment_method.attached",
	"payment_method.detached",
	"charge.succeeded",
	"charge.failed",
	"charge.refunded",
	"customer.subscription.created",
	"customer.subscription.updated",
	"customer.subscription.deleted",
	"subscription.created",
	"subscription.updated",
	"subscription.canceled",
	"invoice.created",
	"invoice.payment_succeeded",
	"invoice.payment_failed",
}

// Payments reconciles operations that were left pending, typically after a
// processor timeout, from payment intent and refund events. Objects without
// our reference_id metadata were not created through this service and are
// ignored.
type Payments struct {
	reconciler Reconciler
	logger     *slog.Logger
}

func NewPayments(reconciler Reconciler, logger *slog.Logger) *Payments {
	return &Payments{reconciler: reconciler, logger: logger}
}

// Register binds the payment handlers and acknowledges informational events.
func (p *Payments) Register(reg *registry.Registry) error {
	bindings := map[string]registry.HandlerFunc{
		"payment_intent.succeeded":      p.handlePaymentIntent,
		"payment_intent.payment_failed": p.handlePaymentIntent,
		"payment_intent.failed":         p.handlePaymentIntent,
		"payment_intent.canceled":       p.handlePaymentIntent,
		"refund.updated":                p.handleRefund,
	}
	for eventType, h := range bindings {
		if err := reg.Register(eventType, h); err != nil {
			return err
		}
	}
	return reg.Acknowledge(Informational...)
}

func (p *Payments) handlePaymentIntent(ctx context.Context, ev models.Event) error {
	var pi stripe.PaymentIntent
	if err := decodeObject(ev.Data, &pi); err != nil {
		return err
	}

	outcome := paymentservice.Outcome{ProcessorID: pi.ID}
	switch ev.EventType {
	case "payment_intent.succeeded":
		outcome.Succeeded = true
	case "payment_intent.canceled":
		outcome.FailureCode = "canceled"
		outcome.FailureMessage = string(pi.CancellationReason)
	default:
		outcome.FailureCode = gateway.CodeCardDeclined
		if pi.LastPaymentError != nil {
			if pi.LastPaymentError.Code != "" {
				outcome.FailureCode = string(pi.LastPaymentError.Code)
			}
			outcome.FailureMessage = pi.LastPaymentError.Msg
		}
	}
	return p.reconcile(ctx, ev, pi.Metadata, outcome)
}

func (p *Payments) handleRefund(ctx context.Context, ev models.Event) error {
	var refund stripe.Refund
	if err := decodeObject(ev.Data, &refund); err != nil {
		return err
	}

	outcome := paymentservice.Outcome{ProcessorID: refund.ID}
	switch refund.Status {
	case stripe.RefundStatusSucceeded:
		outcome.Succeeded = true
	case stripe.RefundStatusFailed, stripe.RefundStatusCanceled:
		outcome.FailureCode = "refund_" + string(refund.Status)
		outcome.FailureMessage = string(refund.FailureReason)
	default:
		// Still in flight; a later refund.updated carries the final state.
		return nil
	}
	return p.reconcile(ctx, ev, refund.Metadata, outcome)
}

func (p *Payments) reconcile(ctx context.Context, ev models.Event, metadata map[string]string, outcome paymentservice.Outcome) error {
	ref := metadata[gateway.MetadataReferenceID]
	if ref == "" {
		p.logger.DebugContext(ctx, "webhook object has no reference id; ignoring",
			"tenant_id", ev.TenantID.String(),
			"event_id", ev.EventID.String(),
			"processor_id", outcome.ProcessorID,
		)
		return nil
	}
	if owner := metadata[gateway.MetadataTenantID]; owner != "" && owner != ev.TenantID.String() {
		return retry.NewError(retry.ClassValidation, fmt.Errorf("object belongs to tenant %q", owner))
	}
	referenceID, err := id.ParseReferenceID(ref)
	if err != nil {
		return retry.NewError(retry.ClassValidation, err)
	}

	_, err = p.reconciler.Reconcile(ctx, ev.TenantID, referenceID, outcome)
	if err != nil {
		if dErrors.HasCode(err, dErrors.CodeNotFound) {
			return retry.NewError(retry.ClassValidation, fmt.Errorf("no operation for reference %q", ref))
		}
		return err
	}
	return nil
}

// decodeObject reads the processor object from event data, which is either
// {"object": {...}} or the object itself.
func decodeObject(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return retry.NewError(retry.ClassValidation, errors.New("event has no data"))
	}
	var wrapped struct {
		Object json.RawMessage `json:"object"`
	}
	if err := json.Unmarshal(data, &wrapped); err == nil && len(wrapped.Object) > 0 {
		data = wrapped.Object
	}
	if err := json.Unmarshal(data, v); err != nil {
		return retry.NewError(retry.ClassValidation, fmt.Errorf("decode event object: %w", err))
	}
	return nil
}
