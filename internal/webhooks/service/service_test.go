package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"

	"payguard/internal/platform/logger"
	"payguard/internal/webhooks/metrics"
	"payguard/internal/webhooks/models"
	"payguard/internal/webhooks/registry"
	"payguard/internal/webhooks/retry"
	"payguard/internal/webhooks/signature"
	"payguard/internal/webhooks/store"
	id "payguard/pkg/domain"
	dErrors "payguard/pkg/domain-errors"
	"payguard/pkg/requestcontext"
)

const (
	tenantA = id.TenantID("tenant-a")
	secretA = "whsec_tenant_a"
)

type IngestSuite struct {
	suite.Suite
	store    *store.InMemory
	registry *registry.Registry
	metrics  *metrics.Metrics
	service  *Service
	now      time.Time

	calls    atomic.Int32
	failures atomic.Int32
}

func TestIngestSuite(t *testing.T) {
	suite.Run(t, new(IngestSuite))
}

func (s *IngestSuite) SetupTest() {
	s.store = store.NewInMemory()
	s.metrics = metrics.New(prometheus.NewRegistry())
	s.now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.calls.Store(0)
	s.failures.Store(0)

	s.registry = registry.New(logger.Discard(), registry.DefaultCatalog...)
	s.Require().NoError(s.registry.Register("payment_intent.succeeded", registry.HandlerFunc(func(context.Context, models.Event) error {
		s.calls.Add(1)
		if s.failures.Load() > 0 {
			s.failures.Add(-1)
			return errors.New("downstream unavailable")
		}
		return nil
	})))
	s.Require().NoError(s.registry.Register("charge.failed", registry.HandlerFunc(func(context.Context, models.Event) error {
		panic("nil map")
	})))
	s.Require().NoError(s.registry.Register("payment_intent.payment_failed", registry.HandlerFunc(func(context.Context, models.Event) error {
		return dErrors.New(dErrors.CodeValidation, "metadata missing")
	})))

	secrets := signature.NewSecrets(map[string]string{tenantA.String(): secretA}, "")
	svc, err := New(s.store, s.registry, secrets,
		WithLogger(logger.Discard()),
		WithMetrics(s.metrics),
		WithStaleAfter(5*time.Minute),
	)
	s.Require().NoError(err)
	s.service = svc
}

func (s *IngestSuite) at(t time.Time) context.Context {
	return requestcontext.WithTime(context.Background(), t)
}

func body(eventID, eventType string) []byte {
	return []byte(fmt.Sprintf(`{"id":%q,"type":%q,"data":{"object":{"id":"pi_1"}}}`, eventID, eventType))
}

func (s *IngestSuite) ingest(eventID, eventType string) (*IngestResult, error) {
	payload := body(eventID, eventType)
	return s.service.Ingest(s.at(s.now), tenantA, payload, signature.Sign(payload, secretA, s.now))
}

func (s *IngestSuite) record(eventID string) *models.Record {
	rec, err := s.service.Get(context.Background(), tenantA, id.EventID(eventID))
	s.Require().NoError(err)
	return rec
}

func (s *IngestSuite) TestProcessesOnFirstDelivery() {
	res, err := s.ingest("evt_1", "payment_intent.succeeded")
	s.Require().NoError(err)
	s.False(res.Duplicate)
	s.Equal(models.StatusProcessed, res.Status)
	s.EqualValues(1, s.calls.Load())

	rec := s.record("evt_1")
	s.Equal(models.StatusProcessed, rec.Status)
	s.Equal(1, rec.AttemptCount)
	s.Nil(rec.NextAttemptAt)
	s.Require().NotNil(rec.ProcessedAt)

	attempts, err := s.service.Attempts(context.Background(), tenantA, "evt_1")
	s.Require().NoError(err)
	s.Require().Len(attempts, 1)
	s.Equal(models.AttemptSucceeded, attempts[0].Status)
	s.Equal(1, attempts[0].AttemptNumber)
	s.Equal(1.0, testutil.ToFloat64(s.metrics.Received.WithLabelValues("payment_intent.succeeded")))
}

func (s *IngestSuite) TestDuplicateDeliveryDoesNotRunHandler() {
	_, err := s.ingest("evt_1", "payment_intent.succeeded")
	s.Require().NoError(err)

	res, err := s.ingest("evt_1", "payment_intent.succeeded")
	s.Require().NoError(err)
	s.True(res.Duplicate)
	s.Equal(models.StatusProcessed, res.Status)
	s.EqualValues(1, s.calls.Load())
	s.Equal(1.0, testutil.ToFloat64(s.metrics.Duplicates))
}

func (s *IngestSuite) TestConcurrentDuplicates() {
	const deliveries = 10
	var (
		wg    sync.WaitGroup
		fresh atomic.Int32
	)
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.ingest("evt_1", "payment_intent.succeeded")
			if err == nil && !res.Duplicate {
				fresh.Add(1)
			}
		}()
	}
	wg.Wait()
	s.EqualValues(1, fresh.Load())
	s.EqualValues(1, s.calls.Load())
}

func (s *IngestSuite) TestRejectsBadSignatures() {
	payload := body("evt_1", "payment_intent.succeeded")
	cases := []struct {
		name   string
		tenant id.TenantID
		header string
		reason string
	}{
		{"missing header", tenantA, "", "missing"},
		{"malformed header", tenantA, "v1=abc", "malformed"},
		{"wrong secret", tenantA, signature.Sign(payload, "whsec_other", s.now), "mismatch"},
		{"stale timestamp", tenantA, signature.Sign(payload, secretA, s.now.Add(-10*time.Minute)), "expired"},
		{"future timestamp", tenantA, signature.Sign(payload, secretA, s.now.Add(10*time.Minute)), "expired"},
		{"unknown tenant", "tenant-z", signature.Sign(payload, secretA, s.now), "unknown_tenant"},
	}
	for _, tc := range cases {
		s.Run(tc.name, func() {
			_, err := s.service.Ingest(s.at(s.now), tc.tenant, payload, tc.header)
			s.True(dErrors.HasCode(err, dErrors.CodeSignatureInvalid))
			s.Equal(1.0, testutil.ToFloat64(s.metrics.SignatureFailures.WithLabelValues(tc.reason)))
		})
	}

	recs, err := s.service.List(context.Background(), tenantA, models.ListFilter{})
	s.Require().NoError(err)
	s.Empty(recs, "rejected deliveries are never stored")
	s.EqualValues(0, s.calls.Load())
}

func (s *IngestSuite) TestRejectsMalformedEnvelope() {
	for _, payload := range [][]byte{
		[]byte(`not json`),
		[]byte(`{"type":"payment_intent.succeeded"}`),
		[]byte(`{"id":"evt_1"}`),
	} {
		_, err := s.service.Ingest(s.at(s.now), tenantA, payload, signature.Sign(payload, secretA, s.now))
		s.True(dErrors.HasCode(err, dErrors.CodeValidation), string(payload))
	}
	recs, err := s.service.List(context.Background(), tenantA, models.ListFilter{})
	s.Require().NoError(err)
	s.Empty(recs)
}

func (s *IngestSuite) TestHandlerFailureSchedulesRetry() {
	s.failures.Store(1)

	res, err := s.ingest("evt_1", "payment_intent.succeeded")
	s.Require().NoError(err, "handler failures are not reported to the sender")
	s.Equal(models.StatusFailed, res.Status)

	rec := s.record("evt_1")
	s.Equal(models.StatusFailed, rec.Status)
	s.Equal(string(retry.ClassHandler), rec.ErrorCode)
	s.Nil(rec.DeadAt)
	s.Require().NotNil(rec.NextAttemptAt)
	s.True(rec.NextAttemptAt.Equal(s.now.Add(30 * time.Second)))

	n, err := s.service.Drain(s.at(s.now.Add(10 * time.Second)))
	s.Require().NoError(err)
	s.Zero(n, "not due yet")

	n, err = s.service.Drain(s.at(s.now.Add(30 * time.Second)))
	s.Require().NoError(err)
	s.Equal(1, n)

	rec = s.record("evt_1")
	s.Equal(models.StatusProcessed, rec.Status)
	s.Equal(2, rec.AttemptCount)
	s.Empty(rec.ErrorCode)
}

func (s *IngestSuite) TestDeadLettersAfterMaxAttempts() {
	s.failures.Store(100)
	_, err := s.ingest("evt_1", "payment_intent.succeeded")
	s.Require().NoError(err)

	clock := s.now
	for attempt := 1; attempt < retry.MaxRetryAttempts; attempt++ {
		rec := s.record("evt_1")
		s.Require().NotNil(rec.NextAttemptAt, "attempt %d", attempt)
		s.True(rec.NextAttemptAt.Equal(clock.Add(retry.Schedule[attempt-1])))
		clock = *rec.NextAttemptAt

		n, err := s.service.Drain(s.at(clock))
		s.Require().NoError(err)
		s.Equal(1, n)
	}

	rec := s.record("evt_1")
	s.Equal(models.StatusFailed, rec.Status)
	s.Equal(retry.MaxRetryAttempts, rec.AttemptCount)
	s.True(rec.IsDead())
	s.Nil(rec.NextAttemptAt)

	n, err := s.service.Drain(s.at(clock.Add(24 * time.Hour)))
	s.Require().NoError(err)
	s.Zero(n, "dead rows are never claimed")

	attempts, err := s.service.Attempts(context.Background(), tenantA, "evt_1")
	s.Require().NoError(err)
	s.Len(attempts, retry.MaxRetryAttempts)
	s.EqualValues(retry.MaxRetryAttempts, s.calls.Load())
	s.Equal(1.0, testutil.ToFloat64(s.metrics.DeadLettered.WithLabelValues(string(retry.ClassHandler))))
}

func (s *IngestSuite) TestNonRetryableFailuresDieImmediately() {
	cases := map[string]retry.Class{
		"account.updated":               retry.ClassUnknownEventType,
		"payment_intent.payment_failed": retry.ClassValidation,
	}
	i := 0
	for eventType, class := range cases {
		i++
		eventID := fmt.Sprintf("evt_%d", i)
		_, err := s.ingest(eventID, eventType)
		s.Require().NoError(err)

		rec := s.record(eventID)
		s.Equal(string(class), rec.ErrorCode, eventType)
		s.True(rec.IsDead(), eventType)
		s.Nil(rec.NextAttemptAt)
	}
}

func (s *IngestSuite) TestMissingHandlerIsRetried() {
	_, err := s.ingest("evt_1", "charge.refunded")
	s.Require().NoError(err)

	rec := s.record("evt_1")
	s.Equal(string(retry.ClassHandlerNotFound), rec.ErrorCode)
	s.False(rec.IsDead())
	s.NotNil(rec.NextAttemptAt)
}

func (s *IngestSuite) TestHandlerPanicIsAFailedAttempt() {
	_, err := s.ingest("evt_1", "charge.failed")
	s.Require().NoError(err)

	rec := s.record("evt_1")
	s.Equal(models.StatusFailed, rec.Status)
	s.Equal(string(retry.ClassHandler), rec.ErrorCode)
	s.Contains(rec.ErrorMessage, "panic")
}

func (s *IngestSuite) TestDrainRecoversStaleReceivedRows() {
	payload := body("evt_1", "payment_intent.succeeded")
	rec := models.NewRecord(tenantA, &models.Envelope{ID: "evt_1", Type: "payment_intent.succeeded"}, payload, s.now)
	s.Require().NoError(s.store.Insert(context.Background(), rec))

	n, err := s.service.Drain(s.at(s.now.Add(time.Minute)))
	s.Require().NoError(err)
	s.Zero(n, "still within the grace period")

	n, err = s.service.Drain(s.at(s.now.Add(6 * time.Minute)))
	s.Require().NoError(err)
	s.Equal(1, n)
	s.Equal(models.StatusProcessed, s.record("evt_1").Status)
	s.EqualValues(1, s.calls.Load())
}

func (s *IngestSuite) TestReplay() {
	ctx := s.at(s.now.Add(time.Hour))

	s.Run("dead webhook is requeued with a fresh budget", func() {
		_, err := s.ingest("evt_dead", "payment_intent.payment_failed")
		s.Require().NoError(err)
		s.Require().True(s.record("evt_dead").IsDead())

		rec, err := s.service.Replay(ctx, tenantA, "evt_dead", false)
		s.Require().NoError(err)
		s.Equal(models.StatusFailed, rec.Status)
		s.Equal(1, rec.AttemptCount)
		s.Zero(rec.RetryAttempt())
		s.Nil(rec.DeadAt)
		s.Require().NotNil(rec.NextAttemptAt)

		n, err := s.service.Drain(ctx)
		s.Require().NoError(err)
		s.Equal(1, n)
		s.Equal(2, s.record("evt_dead").AttemptCount)

		attempts, err := s.service.Attempts(context.Background(), tenantA, "evt_dead")
		s.Require().NoError(err)
		s.Require().Len(attempts, 2)
		s.Equal(1, attempts[0].AttemptNumber)
		s.Equal(2, attempts[1].AttemptNumber, "attempt numbers keep counting across a replay")
	})

	s.Run("processed webhook requires force", func() {
		_, err := s.ingest("evt_ok", "payment_intent.succeeded")
		s.Require().NoError(err)

		_, err = s.service.Replay(ctx, tenantA, "evt_ok", false)
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))

		_, err = s.service.Replay(ctx, tenantA, "evt_ok", true)
		s.Require().NoError(err)
		_, err = s.service.Drain(ctx)
		s.Require().NoError(err)
		s.EqualValues(2, s.calls.Load(), "forced replay runs the handler again")
	})

	s.Run("unknown webhook", func() {
		_, err := s.service.Replay(ctx, tenantA, "evt_missing", true)
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})
}

func (s *IngestSuite) TestReplayAfterExhaustedBudgetRetriesAgain() {
	s.failures.Store(100)
	_, err := s.ingest("evt_1", "payment_intent.succeeded")
	s.Require().NoError(err)

	clock := s.now
	for attempt := 1; attempt < retry.MaxRetryAttempts; attempt++ {
		clock = *s.record("evt_1").NextAttemptAt
		_, err := s.service.Drain(s.at(clock))
		s.Require().NoError(err)
	}
	s.Require().True(s.record("evt_1").IsDead())

	replayAt := clock.Add(time.Hour)
	_, err = s.service.Replay(s.at(replayAt), tenantA, "evt_1", false)
	s.Require().NoError(err)

	n, err := s.service.Drain(s.at(replayAt))
	s.Require().NoError(err)
	s.Equal(1, n)

	rec := s.record("evt_1")
	s.Equal(retry.MaxRetryAttempts+1, rec.AttemptCount)
	s.Equal(1, rec.RetryAttempt())
	s.False(rec.IsDead(), "a replay starts a fresh retry budget")
	s.Require().NotNil(rec.NextAttemptAt)
	s.True(rec.NextAttemptAt.Equal(replayAt.Add(retry.Schedule[0])))

	attempts, err := s.service.Attempts(context.Background(), tenantA, "evt_1")
	s.Require().NoError(err)
	s.Require().Len(attempts, retry.MaxRetryAttempts+1)
	for i, a := range attempts {
		s.Equal(i+1, a.AttemptNumber)
	}
}

func (s *IngestSuite) TestReads() {
	_, err := s.service.List(context.Background(), tenantA, models.ListFilter{Status: "bogus"})
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))

	_, err = s.service.Attempts(context.Background(), tenantA, "evt_missing")
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))

	_, err = s.service.Get(context.Background(), tenantA, "evt_missing")
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}

func TestNewValidation(t *testing.T) {
	secrets := signature.NewSecrets(nil, "master")
	reg := registry.New(logger.Discard())
	st := store.NewInMemory()

	for name, build := range map[string]func() (*Service, error){
		"store":      func() (*Service, error) { return New(nil, reg, secrets) },
		"dispatcher": func() (*Service, error) { return New(st, nil, secrets) },
		"secrets":    func() (*Service, error) { return New(st, reg, nil) },
	} {
		if _, err := build(); err == nil {
			t.Errorf("missing %s should fail", name)
		}
	}
}
