package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"

	"payguard/internal/outbox/metrics"
	"payguard/internal/outbox/models"
	"payguard/internal/outbox/store"
	kafkaconsumer "payguard/internal/platform/kafka/consumer"
	"payguard/internal/platform/logger"
)

type ConsumerSuite struct {
	suite.Suite
	ctx       context.Context
	processed *store.InMemoryProcessed
	metrics   *metrics.Metrics
	consumer  *Consumer
}

func TestConsumerSuite(t *testing.T) {
	suite.Run(t, new(ConsumerSuite))
}

func (s *ConsumerSuite) SetupTest() {
	s.ctx = context.Background()
	s.processed = store.NewInMemoryProcessed()
	s.metrics = metrics.New(prometheus.NewRegistry())
	c, err := New("ledger", s.processed, WithLogger(logger.Discard()), WithMetrics(s.metrics))
	s.Require().NoError(err)
	s.consumer = c
}

func envelope() *models.Envelope {
	return &models.Envelope{
		EventID:    uuid.New(),
		EventType:  "payment.charge.succeeded",
		TenantID:   "tenant-a",
		OccurredAt: time.Now().UTC(),
		Payload:    json.RawMessage(`{"amount":100}`),
	}
}

func (s *ConsumerSuite) TestAppliesOnceAcrossRedelivery() {
	env := envelope()
	calls := 0
	fn := func(context.Context, *models.Envelope) error {
		calls++
		return nil
	}

	applied, err := s.consumer.Handle(s.ctx, env, fn)
	s.Require().NoError(err)
	s.True(applied)

	applied, err = s.consumer.Handle(s.ctx, env, fn)
	s.Require().NoError(err)
	s.False(applied)

	s.Equal(1, calls)
	s.Equal(float64(1), testutil.ToFloat64(s.metrics.Consumed.WithLabelValues("ledger", "duplicate")))
}

func (s *ConsumerSuite) TestHandlerFailureAllowsRetry() {
	env := envelope()
	boom := errors.New("ledger unavailable")

	_, err := s.consumer.Handle(s.ctx, env, func(context.Context, *models.Envelope) error { return boom })
	s.Require().ErrorIs(err, boom)

	ok, err := s.processed.IsProcessed(s.ctx, env.EventID)
	s.Require().NoError(err)
	s.False(ok)

	applied, err := s.consumer.Handle(s.ctx, env, func(context.Context, *models.Envelope) error { return nil })
	s.Require().NoError(err)
	s.True(applied)
}

func (s *ConsumerSuite) TestSeparateProcessorsShareNothing() {
	// Event ids are the primary key, so a second processor needs its own store.
	other, err := New("notifier", store.NewInMemoryProcessed(), WithLogger(logger.Discard()))
	s.Require().NoError(err)
	env := envelope()
	noop := func(context.Context, *models.Envelope) error { return nil }

	a, err := s.consumer.Handle(s.ctx, env, noop)
	s.Require().NoError(err)
	b, err := other.Handle(s.ctx, env, noop)
	s.Require().NoError(err)
	s.True(a)
	s.True(b)
}

func (s *ConsumerSuite) TestMessageHandler() {
	env := envelope()
	raw, err := json.Marshal(env)
	s.Require().NoError(err)

	var seen []uuid.UUID
	h := s.consumer.MessageHandler(func(_ context.Context, e *models.Envelope) error {
		seen = append(seen, e.EventID)
		return nil
	})

	s.Require().NoError(h.Handle(s.ctx, &kafkaconsumer.Message{Topic: "payguard.payment", Value: raw}))
	s.Require().NoError(h.Handle(s.ctx, &kafkaconsumer.Message{Topic: "payguard.payment", Value: raw}))
	s.Require().NoError(h.Handle(s.ctx, &kafkaconsumer.Message{Topic: "payguard.payment", Value: []byte("{")}))

	s.Equal([]uuid.UUID{env.EventID}, seen)
	s.Equal(float64(1), testutil.ToFloat64(s.metrics.Consumed.WithLabelValues("ledger", "malformed")))
}

func (s *ConsumerSuite) TestDeadLetters() {
	env := envelope()
	raw, err := json.Marshal(env)
	s.Require().NoError(err)
	failed := store.NewInMemoryFailed()
	boom := errors.New("ledger unavailable")

	h := s.consumer.MessageHandler(func(context.Context, *models.Envelope) error { return boom })
	msg := &kafkaconsumer.Message{Topic: "payguard.payment", Partition: 1, Offset: 42, Value: raw}
	s.Require().ErrorIs(h.Handle(s.ctx, msg), boom)

	dl := s.consumer.DeadLetters(failed)
	s.Require().NoError(dl.DeadLetter(s.ctx, msg, 3, boom))

	got, err := failed.ListFailed(s.ctx, 10)
	s.Require().NoError(err)
	s.Require().Len(got, 1)
	s.Equal(env.EventID, got[0].EventID)
	s.Equal("payguard.payment", got[0].Topic)
	s.Equal(int64(42), got[0].Offset)
	s.Equal(3, got[0].RetryCount)
	s.Equal("ledger unavailable", got[0].Error)
	s.Equal(float64(1), testutil.ToFloat64(s.metrics.Consumed.WithLabelValues("ledger", "dead_lettered")))

	done, err := s.processed.IsProcessed(s.ctx, env.EventID)
	s.Require().NoError(err)
	s.False(done, "a dead-lettered event can still be applied by a later replay")
}

func (s *ConsumerSuite) TestNewValidates() {
	_, err := New("", s.processed)
	s.Error(err)
	_, err = New("ledger", nil)
	s.Error(err)
}
