package publisher

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"payguard/internal/outbox/metrics"
	"payguard/internal/outbox/models"
	"payguard/internal/outbox/store"
	"payguard/internal/outbox/transport"
	"payguard/internal/platform/logger"
	"payguard/pkg/requestcontext"
)

type PublisherSuite struct {
	suite.Suite
	ctx       context.Context
	now       time.Time
	store     *store.InMemory
	transport *transport.Memory
	metrics   *metrics.Metrics
}

func TestPublisherSuite(t *testing.T) {
	suite.Run(t, new(PublisherSuite))
}

func (s *PublisherSuite) SetupTest() {
	s.now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.ctx = requestcontext.WithTime(context.Background(), s.now)
	s.store = store.NewInMemory()
	s.transport = transport.NewMemory(logger.Discard())
	s.metrics = metrics.New(prometheus.NewRegistry())
}

func (s *PublisherSuite) record(n int) []*models.Event {
	events := make([]*models.Event, 0, n)
	for i := range n {
		ev, err := models.NewEvent("tenant-a", "payment.charge.succeeded", "payment", fmt.Sprintf("order-%d", i),
			models.Source{Module: "payments", Version: "v1"}, models.Meta{}, map[string]int{"n": i}, s.now.Add(time.Duration(i)*time.Millisecond))
		s.Require().NoError(err)
		s.Require().NoError(s.store.RecordOutboxEvent(s.ctx, ev))
		events = append(events, ev)
	}
	return events
}

func (s *PublisherSuite) newPublisher(opts ...Option) *Publisher {
	opts = append([]Option{WithLogger(logger.Discard()), WithMetrics(s.metrics)}, opts...)
	p, err := New(s.store, s.transport, opts...)
	s.Require().NoError(err)
	return p
}

func (s *PublisherSuite) TestPublishesInOrderAndMarks() {
	events := s.record(3)
	p := s.newPublisher()

	n, err := p.PublishBatch(s.ctx)
	s.Require().NoError(err)
	s.Equal(3, n)

	published := s.transport.Published()
	s.Require().Len(published, 3)
	for i, ev := range events {
		s.Equal(ev.EventID, published[i].EventID)
	}
	backlog, err := s.store.CountUnpublished(s.ctx)
	s.Require().NoError(err)
	s.Zero(backlog)
	s.Equal(float64(3), testutil.ToFloat64(s.metrics.Published))
}

func (s *PublisherSuite) TestSecondRunDoesNotRepublish() {
	s.record(2)
	p := s.newPublisher()

	_, err := p.PublishBatch(s.ctx)
	s.Require().NoError(err)
	n, err := p.PublishBatch(s.ctx)
	s.Require().NoError(err)

	s.Zero(n)
	s.Len(s.transport.Published(), 2)
}

func (s *PublisherSuite) TestTransportFailureStopsBatch() {
	events := s.record(3)
	broken := events[1].EventID
	s.transport.Fail = func(ev *models.Event) error {
		if ev.EventID == broken {
			return errors.New("broker down")
		}
		return nil
	}
	p := s.newPublisher()

	n, err := p.PublishBatch(s.ctx)
	s.Require().Error(err)
	s.Equal(1, n)
	s.Len(s.transport.Published(), 1)
	s.Equal(float64(1), testutil.ToFloat64(s.metrics.PublishFailures))

	s.transport.Fail = nil
	n, err = p.PublishBatch(s.ctx)
	s.Require().NoError(err)
	s.Equal(2, n)

	published := s.transport.Published()
	s.Require().Len(published, 3)
	s.Equal(events[0].EventID, published[0].EventID)
	s.Equal(events[1].EventID, published[1].EventID)
	s.Equal(events[2].EventID, published[2].EventID)
}

func (s *PublisherSuite) TestRunDrainsBacklogBeyondOneBatch() {
	s.record(5)
	p := s.newPublisher(WithBatchSize(2), WithInterval(time.Hour))

	ctx, cancel := context.WithCancel(s.ctx)
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	s.Eventually(func() bool {
		return len(s.transport.Published()) == 5
	}, time.Second, 5*time.Millisecond)
	cancel()
	s.NoError(<-done)
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(nil, transport.NewMemory(nil))
	require.Error(t, err)
	_, err = New(store.NewInMemory(), nil)
	assert.Error(t, err)
}
