// Package consumer applies events at most once per consumer using a
// processed_events marker written in the same transaction as the handler's
// own writes.
package consumer

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"payguard/internal/outbox/metrics"
	"payguard/internal/outbox/models"
	kafkaconsumer "payguard/internal/platform/kafka/consumer"
	"payguard/pkg/platform/tx"
	"payguard/pkg/requestcontext"
)

type ProcessedStore interface {
	MarkEventProcessed(ctx context.Context, eventID uuid.UUID, eventType, processor string) (bool, error)
}

// FailedStore keeps messages whose handler exhausted its retries.
type FailedStore interface {
	RecordFailedEvent(ctx context.Context, ev *models.FailedEvent) error
}

// unmarker is implemented by stores with no transaction to roll back.
type unmarker interface {
	Unmark(ctx context.Context, eventID uuid.UUID)
}

// EnvelopeFunc applies one event. It receives the transactional context.
type EnvelopeFunc func(ctx context.Context, env *models.Envelope) error

type Consumer struct {
	processor string
	store     ProcessedStore
	tx        tx.Runner
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

type Option func(*Consumer)

func WithTxRunner(r tx.Runner) Option {
	return func(c *Consumer) {
		c.tx = r
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Consumer) {
		c.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Consumer) {
		c.metrics = m
	}
}

// New creates a consumer named processor; the name is stored with each marker.
func New(processor string, store ProcessedStore, opts ...Option) (*Consumer, error) {
	if processor == "" {
		return nil, errors.New("processor name is required")
	}
	if store == nil {
		return nil, errors.New("processed event store is required")
	}
	c := &Consumer{processor: processor, store: store, tx: tx.Nop{}, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// MarkEventProcessed inserts the dedupe marker; false means already handled.
func (c *Consumer) MarkEventProcessed(ctx context.Context, eventID uuid.UUID, eventType string) (bool, error) {
	return c.store.MarkEventProcessed(ctx, eventID, eventType, c.processor)
}

// Handle inserts the marker and runs fn in one transaction. It returns false
// without calling fn for a duplicate. If fn fails the marker is rolled back
// so redelivery retries.
func (c *Consumer) Handle(ctx context.Context, env *models.Envelope, fn EnvelopeFunc) (bool, error) {
	applied := false
	err := c.tx.RunInTx(ctx, func(txCtx context.Context) error {
		first, err := c.store.MarkEventProcessed(txCtx, env.EventID, env.EventType, c.processor)
		if err != nil {
			return err
		}
		if !first {
			return nil
		}
		if err := fn(txCtx, env); err != nil {
			if u, ok := c.store.(unmarker); ok {
				u.Unmark(txCtx, env.EventID)
			}
			return err
		}
		applied = true
		return nil
	})
	switch {
	case err != nil:
		c.count("failed")
		return false, err
	case applied:
		c.count("applied")
	default:
		c.count("duplicate")
		c.logger.DebugContext(ctx, "duplicate event skipped",
			"event_id", env.EventID.String(),
			"event_type", env.EventType,
			"processor", c.processor,
		)
	}
	return applied, nil
}

// MessageHandler adapts fn to the Kafka consumer. Undecodable messages are
// logged and skipped; they would never succeed on redelivery.
func (c *Consumer) MessageHandler(fn EnvelopeFunc) kafkaconsumer.Handler {
	return kafkaconsumer.HandlerFunc(func(ctx context.Context, msg *kafkaconsumer.Message) error {
		env, err := models.DecodeEnvelope(msg.Value)
		if err != nil {
			c.logger.ErrorContext(ctx, "dropping undecodable event",
				"topic", msg.Topic,
				"offset", msg.Offset,
				"error", err,
			)
			c.count("malformed")
			return nil
		}
		_, err = c.Handle(ctx, env, fn)
		return err
	})
}

// DeadLetters adapts store to the Kafka consumer's dead-letter hook. The raw
// message is kept so an operator can inspect or replay it.
func (c *Consumer) DeadLetters(store FailedStore) kafkaconsumer.DeadLetter {
	return kafkaconsumer.DeadLetterFunc(func(ctx context.Context, msg *kafkaconsumer.Message, attempts int, cause error) error {
		ev := models.NewFailedEvent(msg.Topic, msg.Partition, msg.Offset, msg.Value, cause, attempts, requestcontext.Now(ctx))
		if err := store.RecordFailedEvent(ctx, ev); err != nil {
			return err
		}
		c.count("dead_lettered")
		c.logger.ErrorContext(ctx, "event moved to failed_events",
			"event_id", ev.EventID.String(),
			"event_type", ev.EventType,
			"tenant_id", ev.TenantID,
			"processor", c.processor,
			"retry_count", attempts,
			"error", ev.Error,
		)
		return nil
	})
}

func (c *Consumer) count(outcome string) {
	if c.metrics != nil {
		c.metrics.IncConsumed(c.processor, outcome)
	}
}
