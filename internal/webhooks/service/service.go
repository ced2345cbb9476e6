// Package service ingests processor webhooks and drives them to a terminal
// state.
//
// A webhook is stored before anything else happens. The unique
// (tenant_id, event_id) row is the dedup point: a redelivery that loses the
// insert is acknowledged without running the handler. Processing is a
// conditional claim followed by the handler, and every invocation is logged
// as an attempt.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"payguard/internal/webhooks/metrics"
	"payguard/internal/webhooks/models"
	"payguard/internal/webhooks/retry"
	"payguard/internal/webhooks/signature"
	"payguard/internal/webhooks/store"
	id "payguard/pkg/domain"
	dErrors "payguard/pkg/domain-errors"
	"payguard/pkg/platform/httputil"
	"payguard/pkg/platform/sentinel"
	"payguard/pkg/platform/tx"
	"payguard/pkg/requestcontext"
)

// Store persists webhooks. Claims and marks are conditional and return
// sentinel.ErrInvalidState when the row is not in the expected state.
type Store interface {
	Insert(ctx context.Context, rec *models.Record) error
	Get(ctx context.Context, tenantID id.TenantID, eventID id.EventID) (*models.Record, error)
	ClaimReceived(ctx context.Context, tenantID id.TenantID, eventID id.EventID, now time.Time) (*models.Record, error)
	ClaimDue(ctx context.Context, c store.ClaimCriteria) ([]*models.Record, error)
	MarkProcessed(ctx context.Context, rec *models.Record) error
	MarkFailed(ctx context.Context, rec *models.Record) error
	ResetForReplay(ctx context.Context, tenantID id.TenantID, eventID id.EventID, now time.Time) (*models.Record, error)
	List(ctx context.Context, tenantID id.TenantID, filter models.ListFilter) ([]*models.Record, error)
	AppendAttempt(ctx context.Context, a *models.Attempt) error
	ListAttempts(ctx context.Context, tenantID id.TenantID, eventID id.EventID) ([]*models.Attempt, error)
}

// Dispatcher routes an event to its handler.
type Dispatcher interface {
	Dispatch(ctx context.Context, event models.Event) error
}

const (
	defaultStaleAfter = 5 * time.Minute
	defaultInterval   = 5 * time.Second
)

type Service struct {
	store      Store
	dispatcher Dispatcher
	secrets    signature.SecretResolver
	tx         tx.Runner
	policy     retry.Policy
	tolerance  time.Duration
	staleAfter time.Duration
	batchSize  int
	logger     *slog.Logger
	metrics    *metrics.Metrics
	tracer     trace.Tracer
}

type Option func(*Service)

func WithTxRunner(r tx.Runner) Option {
	return func(s *Service) {
		s.tx = r
	}
}

func WithRetryPolicy(p retry.Policy) Option {
	return func(s *Service) {
		s.policy = p
	}
}

// WithTolerance bounds the accepted age of a signature timestamp.
func WithTolerance(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.tolerance = d
		}
	}
}

// WithStaleAfter sets how long a received or processing row may sit before
// the drain takes it over. Zero disables recovery.
func WithStaleAfter(d time.Duration) Option {
	return func(s *Service) {
		s.staleAfter = d
	}
}

func WithBatchSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func New(st Store, dispatcher Dispatcher, secrets signature.SecretResolver, opts ...Option) (*Service, error) {
	if st == nil {
		return nil, errors.New("webhook store is required")
	}
	if dispatcher == nil {
		return nil, errors.New("webhook dispatcher is required")
	}
	if secrets == nil {
		return nil, errors.New("webhook secret resolver is required")
	}
	s := &Service{
		store:      st,
		dispatcher: dispatcher,
		secrets:    secrets,
		tx:         tx.Nop{},
		policy:     retry.DefaultPolicy(),
		tolerance:  signature.DefaultTolerance,
		staleAfter: defaultStaleAfter,
		batchSize:  store.DefaultClaimBatch,
		logger:     slog.Default(),
		tracer:     otel.Tracer("payguard/webhooks"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// IngestResult describes what happened to an accepted webhook.
type IngestResult struct {
	EventID   id.EventID
	EventType string
	Duplicate bool
	// Status is the row status after this request. A handler failure still
	// yields an accepted result with status failed.
	Status models.Status
}

// Ingest verifies, stores and processes one webhook delivery.
//
// Only a bad signature, a malformed envelope or a storage failure produce an
// error. Handler outcomes are recorded on the row and never returned.
func (s *Service) Ingest(ctx context.Context, tenantID id.TenantID, body []byte, header string) (res *IngestResult, err error) {
	ctx, span := s.tracer.Start(ctx, "webhooks.Ingest", trace.WithAttributes(
		attribute.String("tenant_id", tenantID.String()),
	))
	defer func() {
		if res != nil {
			span.SetAttributes(
				attribute.String("event_id", res.EventID.String()),
				attribute.String("event_type", res.EventType),
				attribute.Bool("duplicate", res.Duplicate),
			)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, dErrors.MessageOf(err))
		}
		span.End()
	}()

	now := requestcontext.Now(ctx)
	if err := s.verify(ctx, tenantID, body, header, now); err != nil {
		return nil, err
	}

	env, err := decodeEnvelope(body)
	if err != nil {
		return nil, err
	}

	rec := models.NewRecord(tenantID, env, body, now)
	res = &IngestResult{EventID: rec.EventID, EventType: rec.EventType, Status: models.StatusReceived}
	if err := s.store.Insert(ctx, rec); err != nil {
		if errors.Is(err, sentinel.ErrAlreadyUsed) {
			if s.metrics != nil {
				s.metrics.IncDuplicate()
			}
			s.logger.InfoContext(ctx, "duplicate webhook acknowledged",
				"tenant_id", tenantID.String(),
				"event_id", rec.EventID.String(),
				"event_type", rec.EventType,
			)
			res.Duplicate = true
			if existing, gerr := s.store.Get(ctx, tenantID, rec.EventID); gerr == nil {
				res.Status = existing.Status
			}
			return res, nil
		}
		return nil, dErrors.Wrap(err, dErrors.CodeDatabase, "failed to store webhook")
	}
	if s.metrics != nil {
		s.metrics.IncReceived(rec.EventType)
	}

	claimed, err := s.store.ClaimReceived(ctx, tenantID, rec.EventID, now)
	if err != nil {
		// The row is stored; stale recovery in the drain will process it.
		if !errors.Is(err, sentinel.ErrInvalidState) {
			s.logger.ErrorContext(ctx, "failed to claim webhook; left for the retry drain",
				"tenant_id", tenantID.String(),
				"event_id", rec.EventID.String(),
				"error", err,
			)
		}
		return res, nil
	}

	done := s.process(ctx, claimed)
	res.Status = done.Status
	return res, nil
}

// verify resolves the tenant secret and checks the signature header. An
// unknown tenant is indistinguishable from a bad signature to the caller.
func (s *Service) verify(ctx context.Context, tenantID id.TenantID, body []byte, header string, now time.Time) error {
	secret, err := s.secrets.Secret(tenantID)
	if err == nil {
		err = signature.Verify(body, header, secret, s.tolerance, now)
	}
	if err == nil {
		return nil
	}
	reason := signature.Reason(err)
	if s.metrics != nil {
		s.metrics.IncSignatureFailure(reason)
	}
	s.logger.WarnContext(ctx, "webhook signature rejected",
		"tenant_id", tenantID.String(),
		"reason", reason,
		"request_id", requestcontext.RequestID(ctx),
	)
	return dErrors.New(dErrors.CodeSignatureInvalid, "invalid webhook signature")
}

func decodeEnvelope(body []byte) (*models.Envelope, error) {
	var env models.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, dErrors.New(dErrors.CodeValidation, "webhook body is not a valid event envelope")
	}
	if err := httputil.Validate(&env); err != nil {
		return nil, err
	}
	if _, err := id.ParseEventID(env.ID); err != nil {
		return nil, dErrors.New(dErrors.CodeValidation, "invalid event id")
	}
	return &env, nil
}

// process runs the handler for a claimed row and records the outcome. The
// returned record reflects the stored state.
func (s *Service) process(ctx context.Context, rec *models.Record) *models.Record {
	ctx, span := s.tracer.Start(ctx, "webhooks.process", trace.WithAttributes(
		attribute.String("tenant_id", rec.TenantID.String()),
		attribute.String("event_id", rec.EventID.String()),
		attribute.String("event_type", rec.EventType),
		attribute.Int("attempt", rec.AttemptCount),
	))
	defer span.End()

	startedAt := requestcontext.Now(ctx)
	start := time.Now()
	handlerErr := s.dispatch(ctx, rec)
	if s.metrics != nil {
		s.metrics.ObserveHandler(rec.EventType, time.Since(start).Seconds())
	}
	finishedAt := requestcontext.Now(ctx)

	done := *rec
	done.UpdatedAt = finishedAt
	attempt := &models.Attempt{
		ID:            uuid.New(),
		TenantID:      rec.TenantID,
		EventID:       rec.EventID,
		AttemptNumber: rec.AttemptCount,
		Status:        models.AttemptSucceeded,
		StartedAt:     startedAt,
		FinishedAt:    finishedAt,
	}

	var class retry.Class
	if handlerErr == nil {
		done.Status = models.StatusProcessed
		done.ProcessedAt = &finishedAt
		done.NextAttemptAt = nil
		done.ErrorCode = ""
		done.ErrorMessage = ""
	} else {
		class = retry.Classify(handlerErr)
		span.RecordError(handlerErr)
		span.SetStatus(codes.Error, string(class))
		done.Status = models.StatusFailed
		done.ErrorCode = string(class)
		done.ErrorMessage = handlerErr.Error()
		done.NextAttemptAt = s.policy.Next(finishedAt, rec.RetryAttempt(), class)
		if done.NextAttemptAt == nil {
			done.DeadAt = &finishedAt
		}
		attempt.Status = models.AttemptFailed
		attempt.ErrorCode = done.ErrorCode
		attempt.ErrorMessage = done.ErrorMessage
	}

	// The handler has run; its outcome is recorded even if the caller left.
	err := s.tx.RunInTx(context.WithoutCancel(ctx), func(txCtx context.Context) error {
		var err error
		if done.Status == models.StatusProcessed {
			err = s.store.MarkProcessed(txCtx, &done)
		} else {
			err = s.store.MarkFailed(txCtx, &done)
		}
		if err != nil {
			return err
		}
		return s.store.AppendAttempt(txCtx, attempt)
	})
	if err != nil {
		if errors.Is(err, sentinel.ErrInvalidState) {
			s.logger.WarnContext(ctx, "webhook claim superseded; outcome discarded",
				"tenant_id", rec.TenantID.String(),
				"event_id", rec.EventID.String(),
				"attempt", rec.AttemptCount,
			)
		} else {
			s.logger.ErrorContext(ctx, "failed to record webhook outcome",
				"tenant_id", rec.TenantID.String(),
				"event_id", rec.EventID.String(),
				"attempt", rec.AttemptCount,
				"error", err,
			)
		}
		return rec
	}

	s.observeOutcome(ctx, &done, class)
	return &done
}

// dispatch decodes the stored payload and invokes the handler. A panicking
// handler counts as a failed attempt.
func (s *Service) dispatch(ctx context.Context, rec *models.Record) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = retry.NewError(retry.ClassHandler, fmt.Errorf("handler panic: %v", r))
		}
	}()
	var env models.Envelope
	if err := json.Unmarshal(rec.Payload, &env); err != nil {
		return retry.NewError(retry.ClassValidation, fmt.Errorf("decode stored payload: %w", err))
	}
	return s.dispatcher.Dispatch(ctx, models.Event{
		TenantID:  rec.TenantID,
		EventID:   rec.EventID,
		EventType: rec.EventType,
		Data:      env.Data,
		Attempt:   rec.AttemptCount,
	})
}

func (s *Service) observeOutcome(ctx context.Context, rec *models.Record, class retry.Class) {
	if rec.Status == models.StatusProcessed {
		if s.metrics != nil {
			s.metrics.IncAttempt("succeeded", "")
		}
		s.logger.InfoContext(ctx, "webhook processed",
			"tenant_id", rec.TenantID.String(),
			"event_id", rec.EventID.String(),
			"event_type", rec.EventType,
			"attempt", rec.AttemptCount,
		)
		return
	}
	if s.metrics != nil {
		s.metrics.IncAttempt("failed", string(class))
	}
	if rec.IsDead() {
		if s.metrics != nil {
			s.metrics.IncDeadLettered(string(class))
		}
		s.logger.ErrorContext(ctx, "webhook dead-lettered",
			"tenant_id", rec.TenantID.String(),
			"event_id", rec.EventID.String(),
			"event_type", rec.EventType,
			"attempt", rec.AttemptCount,
			"error_code", rec.ErrorCode,
			"error", rec.ErrorMessage,
		)
		return
	}
	s.logger.WarnContext(ctx, "webhook attempt failed; retry scheduled",
		"tenant_id", rec.TenantID.String(),
		"event_id", rec.EventID.String(),
		"event_type", rec.EventType,
		"attempt", rec.AttemptCount,
		"error_code", rec.ErrorCode,
		"next_attempt_at", *rec.NextAttemptAt,
	)
}
