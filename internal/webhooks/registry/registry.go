// Package registry maps webhook event types to handlers. The catalog lists
// every type the processor may send; a type outside it can never be handled,
// while a catalogued type without a handler may gain one in a later deploy.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"payguard/internal/webhooks/models"
	"payguard/internal/webhooks/retry"
)

// Handler applies one webhook event. Handlers must be idempotent: the same
// event can be delivered again after a crash or an operator replay.
type Handler interface {
	Handle(ctx context.Context, event models.Event) error
}

type HandlerFunc func(ctx context.Context, event models.Event) error

func (f HandlerFunc) Handle(ctx context.Context, event models.Event) error {
	return f(ctx, event)
}

// DefaultCatalog is the processor event vocabulary.
var DefaultCatalog = []string{
	"customer.created",
	"customer.updated",
	"payment_intent.succeeded",
	"payment_intent.payment_failed",
	"payment_intent.failed",
	"payment_intent.canceled",
	"payment_method.attached",
	"payment_method.detached",
	"charge.succeeded",
	"charge.failed",
	"charge.refunded",
	"refund.updated",
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

// Registry dispatches events by type.
type Registry struct {
	catalog  map[string]struct{}
	handlers map[string]Handler
	logger   *slog.Logger
}

// New creates a registry over catalog.
func New(logger *slog.Logger, catalog ...string) *Registry {
	r := &Registry{
		catalog:  make(map[string]struct{}, len(catalog)),
		handlers: make(map[string]Handler),
		logger:   logger,
	}
	for _, t := range catalog {
		r.catalog[t] = struct{}{}
	}
	return r
}

// Register binds handler to a catalogued event type.
func (r *Registry) Register(eventType string, handler Handler) error {
	if _, ok := r.catalog[eventType]; !ok {
		return fmt.Errorf("event type %q is not in the catalog", eventType)
	}
	r.handlers[eventType] = handler
	return nil
}

// Acknowledge registers event types that need no processing. They are marked
// processed so they do not sit in the retry queue.
func (r *Registry) Acknowledge(eventTypes ...string) error {
	for _, t := range eventTypes {
		if err := r.Register(t, HandlerFunc(r.acknowledge)); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) acknowledge(ctx context.Context, event models.Event) error {
	r.logger.DebugContext(ctx, "webhook acknowledged without processing",
		"tenant_id", event.TenantID.String(),
		"event_id", event.EventID.String(),
		"event_type", event.EventType,
	)
	return nil
}

// Handled lists event types with a registered handler.
func (r *Registry) Handled() []string {
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Dispatch invokes the handler for event. Lookup failures are returned as
// classified retry errors.
func (r *Registry) Dispatch(ctx context.Context, event models.Event) error {
	if _, ok := r.catalog[event.EventType]; !ok {
		return retry.NewError(retry.ClassUnknownEventType, fmt.Errorf("event type %q", event.EventType))
	}
	handler, ok := r.handlers[event.EventType]
	if !ok {
		return retry.NewError(retry.ClassHandlerNotFound, fmt.Errorf("no handler for %q", event.EventType))
	}
	return handler.Handle(ctx, event)
}
