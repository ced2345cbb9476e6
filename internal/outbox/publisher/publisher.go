// Package publisher moves outbox rows to the transport. Delivery is
// at-least-once: a crash between publish and mark re-sends the event, and
// consumers drop the duplicate by event id.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"payguard/internal/outbox/metrics"
	"payguard/internal/outbox/models"
	"payguard/pkg/platform/tx"
	"payguard/pkg/requestcontext"
)

const (
	DefaultBatchSize = 100
	DefaultInterval  = time.Second
)

type Store interface {
	FetchUnpublished(ctx context.Context, limit int) ([]*models.Event, error)
	MarkPublished(ctx context.Context, eventIDs []uuid.UUID, now time.Time) (int, error)
	CountUnpublished(ctx context.Context) (int, error)
}

type Transport interface {
	Publish(ctx context.Context, event *models.Event) error
}

type Publisher struct {
	store     Store
	transport Transport
	tx        tx.Runner
	batchSize int
	interval  time.Duration
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

type Option func(*Publisher)

func WithTxRunner(r tx.Runner) Option {
	return func(p *Publisher) {
		p.tx = r
	}
}

func WithBatchSize(n int) Option {
	return func(p *Publisher) {
		if n > 0 {
			p.batchSize = n
		}
	}
}

func WithInterval(d time.Duration) Option {
	return func(p *Publisher) {
		if d > 0 {
			p.interval = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) {
		p.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Publisher) {
		p.metrics = m
	}
}

func New(store Store, transport Transport, opts ...Option) (*Publisher, error) {
	if store == nil {
		return nil, errors.New("outbox store is required")
	}
	if transport == nil {
		return nil, errors.New("outbox transport is required")
	}
	p := &Publisher{
		store:     store,
		transport: transport,
		tx:        tx.Nop{},
		batchSize: DefaultBatchSize,
		interval:  DefaultInterval,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// PublishBatch publishes up to one batch in created_at order. A transport
// error stops the batch; rows already sent are still marked and the rest stay
// unpublished for the next tick.
func (p *Publisher) PublishBatch(ctx context.Context) (int, error) {
	var (
		marked     int
		fetched    int
		publishErr error
	)
	err := p.tx.RunInTx(ctx, func(txCtx context.Context) error {
		events, err := p.store.FetchUnpublished(txCtx, p.batchSize)
		if err != nil {
			return err
		}
		fetched = len(events)

		sent := make([]uuid.UUID, 0, len(events))
		for _, ev := range events {
			if err := p.transport.Publish(txCtx, ev); err != nil {
				publishErr = fmt.Errorf("publish event %s: %w", ev.EventID, err)
				break
			}
			sent = append(sent, ev.EventID)
		}
		marked, err = p.store.MarkPublished(txCtx, sent, requestcontext.Now(ctx))
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("outbox batch: %w", err)
	}
	if p.metrics != nil {
		p.metrics.AddPublished(marked)
		if publishErr != nil {
			p.metrics.IncPublishFailure()
		}
	}
	if publishErr != nil {
		return marked, publishErr
	}
	if marked == p.batchSize && fetched == p.batchSize {
		return marked, errBatchFull
	}
	return marked, nil
}

var errBatchFull = errors.New("batch full")

// Run publishes every interval until ctx is cancelled. A full batch is
// followed immediately by another so a backlog drains without waiting.
func (p *Publisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		p.drain(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (p *Publisher) drain(ctx context.Context) {
	for ctx.Err() == nil {
		n, err := p.PublishBatch(ctx)
		if errors.Is(err, errBatchFull) {
			continue
		}
		if err != nil {
			p.logger.ErrorContext(ctx, "outbox publish failed", "error", err, "published", n)
		}
		break
	}
	if p.metrics != nil {
		if backlog, err := p.store.CountUnpublished(ctx); err == nil {
			p.metrics.SetBacklog(backlog)
		}
	}
}
