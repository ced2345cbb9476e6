package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payguard/internal/platform/logger"
	"payguard/internal/webhooks/models"
	"payguard/internal/webhooks/retry"
)

func TestDispatch(t *testing.T) {
	ctx := context.Background()
	r := New(logger.Discard(), "payment_intent.succeeded", "charge.refunded", "invoice.created")

	var seen []string
	require.NoError(t, r.Register("payment_intent.succeeded", HandlerFunc(func(_ context.Context, ev models.Event) error {
		seen = append(seen, ev.EventID.String())
		return nil
	})))
	require.NoError(t, r.Acknowledge("invoice.created"))

	t.Run("registered handler runs", func(t *testing.T) {
		require.NoError(t, r.Dispatch(ctx, models.Event{EventID: "evt_1", EventType: "payment_intent.succeeded"}))
		assert.Equal(t, []string{"evt_1"}, seen)
	})

	t.Run("acknowledged type succeeds", func(t *testing.T) {
		assert.NoError(t, r.Dispatch(ctx, models.Event{EventID: "evt_2", EventType: "invoice.created"}))
	})

	t.Run("uncatalogued type is not retryable", func(t *testing.T) {
		err := r.Dispatch(ctx, models.Event{EventType: "account.updated"})
		assert.Equal(t, retry.ClassUnknownEventType, retry.Classify(err))
		assert.False(t, retry.Classify(err).Retryable())
	})

	t.Run("catalogued type without handler is retryable", func(t *testing.T) {
		err := r.Dispatch(ctx, models.Event{EventType: "charge.refunded"})
		assert.Equal(t, retry.ClassHandlerNotFound, retry.Classify(err))
		assert.True(t, retry.Classify(err).Retryable())
	})

	t.Run("handler errors pass through", func(t *testing.T) {
		boom := errors.New("boom")
		require.NoError(t, r.Register("charge.refunded", HandlerFunc(func(context.Context, models.Event) error { return boom })))
		assert.ErrorIs(t, r.Dispatch(ctx, models.Event{EventType: "charge.refunded"}), boom)
	})

	t.Run("registration outside the catalog fails", func(t *testing.T) {
		assert.Error(t, r.Register("account.updated", HandlerFunc(func(context.Context, models.Event) error { return nil })))
	})

	assert.Equal(t, []string{"charge.refunded", "invoice.created", "payment_intent.succeeded"}, r.Handled())
}
