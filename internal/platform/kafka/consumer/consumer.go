package consumer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
)

// Message is the transport-neutral view of a consumed record.
type Message struct {
	Topic     string
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Partition int32
	Offset    int64
}

// DefaultMaxAttempts bounds handler invocations per message before it is
// handed to the DeadLetter sink.
const DefaultMaxAttempts = 3

// Handler processes one message. A returned error causes the message to be
// retried; offsets are committed only after success or a dead-letter write.
type Handler interface {
	Handle(ctx context.Context, msg *Message) error
}

type HandlerFunc func(ctx context.Context, msg *Message) error

func (f HandlerFunc) Handle(ctx context.Context, msg *Message) error {
	return f(ctx, msg)
}

// DeadLetter stores a message whose handler failed attempts times in a row.
// A nil return lets the consumer commit past the message.
type DeadLetter interface {
	DeadLetter(ctx context.Context, msg *Message, attempts int, cause error) error
}

type DeadLetterFunc func(ctx context.Context, msg *Message, attempts int, cause error) error

func (f DeadLetterFunc) DeadLetter(ctx context.Context, msg *Message, attempts int, cause error) error {
	return f(ctx, msg, attempts, cause)
}

// Consumer reads a consumer group and hands records to a Handler in order.
type Consumer struct {
	client      *kgo.Client
	handler     Handler
	deadLetters DeadLetter
	logger      *slog.Logger
	retryDelay  time.Duration
	maxDelay    time.Duration
	maxAttempts int
}

type Option func(*Consumer)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// WithRetryDelay sets the initial and maximum backoff between handler retries.
func WithRetryDelay(initial, max time.Duration) Option {
	return func(c *Consumer) {
		c.retryDelay = initial
		c.maxDelay = max
	}
}

// WithMaxAttempts bounds handler invocations per message. Values below one
// are ignored.
func WithMaxAttempts(n int) Option {
	return func(c *Consumer) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithDeadLetter sets where messages go once WithMaxAttempts is exhausted.
// Without one, an exhausted message stops Run uncommitted so it is
// redelivered after a restart.
func WithDeadLetter(dl DeadLetter) Option {
	return func(c *Consumer) {
		c.deadLetters = dl
	}
}

func New(brokers []string, group string, topics []string, handler Handler, opts ...Option) (*Consumer, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}
	c := newConsumer(handler, opts...)
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(group),
		kgo.ConsumeTopics(topics...),
		kgo.DisableAutoCommit(),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka consumer client: %w", err)
	}
	c.client = client
	return c, nil
}

func newConsumer(handler Handler, opts ...Option) *Consumer {
	c := &Consumer{
		handler:     handler,
		logger:      slog.Default(),
		retryDelay:  500 * time.Millisecond,
		maxDelay:    30 * time.Second,
		maxAttempts: DefaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run polls until ctx is cancelled, then returns nil. A failing record is
// retried with backoff before the partition advances, so delivery is
// at-least-once and ordered. After maxAttempts failures the record goes to
// the DeadLetter sink and its offset is committed.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.client.Close()
	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return nil
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			c.logger.ErrorContext(ctx, "kafka fetch error",
				"topic", topic,
				"partition", partition,
				"error", err,
			)
		})

		var handled []*kgo.Record
		iter := fetches.RecordIter()
		for !iter.Done() {
			rec := iter.Next()
			if err := c.handleWithRetry(ctx, toMessage(rec)); err != nil {
				c.commit(ctx, handled)
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			handled = append(handled, rec)
		}
		c.commit(ctx, handled)
	}
}

func (c *Consumer) handleWithRetry(ctx context.Context, msg *Message) error {
	delay := c.retryDelay
	for attempt := 1; ; attempt++ {
		err := c.handler.Handle(ctx, msg)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt >= c.maxAttempts {
			return c.deadLetter(ctx, msg, attempt, err)
		}
		c.logger.WarnContext(ctx, "message handler failed, retrying",
			"topic", msg.Topic,
			"partition", msg.Partition,
			"offset", msg.Offset,
			"attempt", attempt,
			"retry_in", delay,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = min(delay*2, c.maxDelay)
	}
}

func (c *Consumer) deadLetter(ctx context.Context, msg *Message, attempts int, cause error) error {
	if c.deadLetters == nil {
		return fmt.Errorf("message %s/%d@%d failed %d times: %w", msg.Topic, msg.Partition, msg.Offset, attempts, cause)
	}
	if err := c.deadLetters.DeadLetter(ctx, msg, attempts, cause); err != nil {
		c.logger.ErrorContext(ctx, "dead-letter write failed, message left uncommitted",
			"topic", msg.Topic,
			"partition", msg.Partition,
			"offset", msg.Offset,
			"error", err,
			"handler_error", cause,
		)
		return fmt.Errorf("dead-letter %s/%d@%d: %w", msg.Topic, msg.Partition, msg.Offset, err)
	}
	c.logger.ErrorContext(ctx, "message dead-lettered after retries exhausted",
		"topic", msg.Topic,
		"partition", msg.Partition,
		"offset", msg.Offset,
		"attempts", attempts,
		"error", cause,
	)
	return nil
}

func (c *Consumer) commit(ctx context.Context, recs []*kgo.Record) {
	if len(recs) == 0 {
		return
	}
	// Commit on a fresh context so offsets for handled records survive shutdown.
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := c.client.CommitRecords(commitCtx, recs...); err != nil {
		c.logger.ErrorContext(ctx, "kafka commit failed", "error", err, "records", len(recs))
	}
}

func toMessage(rec *kgo.Record) *Message {
	headers := make(map[string]string, len(rec.Headers))
	for _, h := range rec.Headers {
		headers[h.Key] = string(h.Value)
	}
	return &Message{
		Topic:     rec.Topic,
		Key:       rec.Key,
		Value:     rec.Value,
		Headers:   headers,
		Partition: rec.Partition,
		Offset:    rec.Offset,
	}
}
