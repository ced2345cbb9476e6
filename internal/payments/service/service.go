// Package service guards mutating processor calls with a local-first
// operation row. The row is inserted pending before the call and completed
// exactly once afterwards, so a retried or concurrent request under the same
// reference id never reaches the processor twice.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	outboxmodels "payguard/internal/outbox/models"
	"payguard/internal/payments/gateway"
	"payguard/internal/payments/metrics"
	"payguard/internal/payments/models"
	id "payguard/pkg/domain"
	dErrors "payguard/pkg/domain-errors"
	"payguard/pkg/platform/sentinel"
	"payguard/pkg/platform/tx"
	"payguard/pkg/requestcontext"
)

// Store persists operations. Implementations return sentinel.ErrNotFound,
// sentinel.ErrAlreadyUsed on a duplicate (tenant, reference_id) and
// sentinel.ErrInvalidState when a completion finds the row no longer pending.
type Store interface {
	Insert(ctx context.Context, op *models.Operation) error
	FindByReference(ctx context.Context, tenantID id.TenantID, referenceID id.ReferenceID) (*models.Operation, error)
	CompleteIfPending(ctx context.Context, op *models.Operation) error
	ListPendingOlderThan(ctx context.Context, tenantID id.TenantID, cutoff time.Time, limit int) ([]*models.Operation, error)
}

// OutboxWriter records events inside the transaction carried by ctx.
type OutboxWriter interface {
	RecordOutboxEvent(ctx context.Context, event *outboxmodels.Event) error
}

// Call performs the processor side effect for a freshly inserted operation.
type Call func(ctx context.Context, op *models.Operation) (*gateway.Result, error)

// AggregateType is the outbox aggregate of every payment event. The Kafka
// transport publishes it to "<prefix>.payment".
const AggregateType = "payment"

const (
	staleListLimit    = 100
	defaultSourceName = "payments"

	// defaultSettleWait matches the default processor call timeout: a
	// pending row older than one call is not going to settle by waiting.
	defaultSettleWait = 30 * time.Second
	settlePollInitial = 10 * time.Millisecond
	settlePollMax     = 250 * time.Millisecond
)

type Service struct {
	ops        Store
	gateway    gateway.Gateway
	outbox     OutboxWriter
	tx         tx.Runner
	source     outboxmodels.Source
	settleWait time.Duration
	logger     *slog.Logger
	metrics    *metrics.Metrics
	tracer     trace.Tracer
}

type Option func(*Service)

func WithOutbox(w OutboxWriter) Option {
	return func(s *Service) {
		s.outbox = w
	}
}

func WithTxRunner(r tx.Runner) Option {
	return func(s *Service) {
		s.tx = r
	}
}

// WithEventSource sets the module and version stamped on emitted events.
func WithEventSource(src outboxmodels.Source) Option {
	return func(s *Service) {
		if src.Module != "" {
			s.source = src
		}
	}
}

// WithSettleWait bounds how long a request that finds another request's
// pending row re-reads it before answering with the pending row. Zero
// disables waiting.
func WithSettleWait(d time.Duration) Option {
	return func(s *Service) {
		if d >= 0 {
			s.settleWait = d
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

func New(ops Store, gw gateway.Gateway, opts ...Option) (*Service, error) {
	if ops == nil {
		return nil, errors.New("operation store is required")
	}
	if gw == nil {
		return nil, errors.New("processor gateway is required")
	}
	s := &Service{
		ops:        ops,
		gateway:    gw,
		tx:         tx.Nop{},
		source:     outboxmodels.Source{Module: defaultSourceName},
		settleWait: defaultSettleWait,
		logger:     slog.Default(),
		tracer:     otel.Tracer("payguard/payments"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// RunWithIdempotency executes call at most once per (tenant, reference id).
//
// An existing terminal row is returned as is; a failed row also returns its
// recorded ProcessorError. A caller that finds the row pending, including one
// that loses the insert race, re-reads it until it settles or the settle wait
// runs out, and only then gets the pending row.
func (s *Service) RunWithIdempotency(ctx context.Context, tenantID id.TenantID, referenceID id.ReferenceID, intent models.Intent, call Call) (op *models.Operation, err error) {
	ctx, span := s.tracer.Start(ctx, "payments.RunWithIdempotency", trace.WithAttributes(
		attribute.String("tenant_id", tenantID.String()),
		attribute.String("reference_id", referenceID.String()),
		attribute.String("kind", string(intent.Kind)),
	))
	defer func() {
		if op != nil {
			span.SetAttributes(attribute.String("status", string(op.Status)))
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, dErrors.MessageOf(err))
		}
		span.End()
	}()

	existing, err := s.ops.FindByReference(ctx, tenantID, referenceID)
	if err == nil {
		return s.replaySettled(ctx, existing)
	}
	if !errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.Wrap(err, dErrors.CodeDatabase, "failed to load operation")
	}

	pending, err := models.NewPendingOperation(tenantID, referenceID, intent, requestcontext.Now(ctx))
	if err != nil {
		if dErrors.HasCode(err, dErrors.CodeInvariantViolation) {
			return nil, dErrors.New(dErrors.CodeValidation, dErrors.MessageOf(err))
		}
		return nil, err
	}
	if err := s.ops.Insert(ctx, pending); err != nil {
		if !errors.Is(err, sentinel.ErrAlreadyUsed) {
			return nil, dErrors.Wrap(err, dErrors.CodeDatabase, "failed to record pending operation")
		}
		if s.metrics != nil {
			s.metrics.IncInsertRace()
		}
		winner, ferr := s.ops.FindByReference(ctx, tenantID, referenceID)
		if ferr != nil {
			return nil, dErrors.Wrap(ferr, dErrors.CodeDatabase, "failed to load operation after insert race")
		}
		return s.replaySettled(ctx, winner)
	}

	start := time.Now()
	res, callErr := call(ctx, pending)
	s.observeCall(pending.Kind, callErr, time.Since(start))

	return s.complete(ctx, pending, res, callErr)
}

// replaySettled waits for a pending row to reach a terminal state before
// replaying it. Only re-reads are involved; the row's owner completes it.
func (s *Service) replaySettled(ctx context.Context, op *models.Operation) (*models.Operation, error) {
	settled, err := s.awaitSettled(ctx, op)
	if err != nil {
		return nil, err
	}
	return s.replay(ctx, settled)
}

func (s *Service) awaitSettled(ctx context.Context, op *models.Operation) (*models.Operation, error) {
	if !op.IsPending() || s.settleWait <= 0 {
		return op, nil
	}
	deadline := time.NewTimer(s.settleWait)
	defer deadline.Stop()

	delay := settlePollInitial
	for {
		poll := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			poll.Stop()
			return op, nil
		case <-deadline.C:
			poll.Stop()
			s.logger.InfoContext(ctx, "operation still pending after settle wait",
				"tenant_id", op.TenantID.String(),
				"reference_id", op.ReferenceID.String(),
				"waited", s.settleWait,
			)
			return op, nil
		case <-poll.C:
		}

		current, err := s.ops.FindByReference(ctx, op.TenantID, op.ReferenceID)
		if err != nil {
			if ctx.Err() != nil {
				return op, nil
			}
			return nil, dErrors.Wrap(err, dErrors.CodeDatabase, "failed to reload pending operation")
		}
		if !current.IsPending() {
			return current, nil
		}
		op = current
		delay = min(delay*2, settlePollMax)
	}
}

// replay answers from a stored row without touching the processor.
func (s *Service) replay(ctx context.Context, op *models.Operation) (*models.Operation, error) {
	if s.metrics != nil {
		s.metrics.IncReplay(string(op.Kind), string(op.Status))
	}
	s.logger.DebugContext(ctx, "operation replayed",
		"tenant_id", op.TenantID.String(),
		"reference_id", op.ReferenceID.String(),
		"status", string(op.Status),
	)
	if op.IsFailed() {
		return op, failureError(op)
	}
	return op, nil
}

// complete writes the terminal state and its outbox event in one
// transaction. It runs detached from the request's cancellation: once the
// processor has answered, the answer must be recorded.
func (s *Service) complete(ctx context.Context, op *models.Operation, res *gateway.Result, callErr error) (*models.Operation, error) {
	now := requestcontext.Now(ctx)
	done := *op

	var pe *gateway.ProcessorError
	switch {
	case callErr != nil:
		var ok bool
		if pe, ok = gateway.AsProcessorError(callErr); !ok {
			pe = &gateway.ProcessorError{Code: gateway.CodeUnknown, Message: callErr.Error(), Ambiguous: true}
		}
	case res == nil:
		pe = &gateway.ProcessorError{Code: gateway.CodeUnknown, Message: "processor returned no result", Ambiguous: true}
	case res.FailureCode != "":
		pe = &gateway.ProcessorError{Code: res.FailureCode, Message: res.FailureMessage}
	}

	if pe != nil {
		if pe.Ambiguous {
			if s.metrics != nil {
				s.metrics.IncAmbiguous(string(op.Kind))
			}
			s.logger.WarnContext(ctx, "processor outcome ambiguous; operation marked failed",
				"tenant_id", op.TenantID.String(),
				"reference_id", op.ReferenceID.String(),
				"kind", string(op.Kind),
				"code", pe.Code,
			)
		}
		if err := done.Fail(pe.Code, pe.Message, now); err != nil {
			return nil, err
		}
	} else if err := done.Succeed(res.ID, now); err != nil {
		return nil, err
	}

	err := s.tx.RunInTx(context.WithoutCancel(ctx), func(txCtx context.Context) error {
		if err := s.ops.CompleteIfPending(txCtx, &done); err != nil {
			return err
		}
		return s.recordEvent(txCtx, &done)
	})
	if err != nil {
		if errors.Is(err, sentinel.ErrInvalidState) {
			// Completed elsewhere first, e.g. by a processor webhook.
			current, ferr := s.ops.FindByReference(ctx, op.TenantID, op.ReferenceID)
			if ferr != nil {
				return nil, dErrors.Wrap(ferr, dErrors.CodeDatabase, "failed to load operation")
			}
			return s.replay(ctx, current)
		}
		s.logger.ErrorContext(ctx, "failed to record processor result; operation left pending",
			"tenant_id", op.TenantID.String(),
			"reference_id", op.ReferenceID.String(),
			"processor_id", done.ProcessorID,
			"error", err,
		)
		return nil, dErrors.Wrap(err, dErrors.CodeDatabase, "failed to record operation result")
	}

	if s.metrics != nil {
		s.metrics.IncCompleted(string(done.Kind), string(done.Status))
	}
	s.logger.InfoContext(ctx, "operation completed",
		"tenant_id", done.TenantID.String(),
		"reference_id", done.ReferenceID.String(),
		"kind", string(done.Kind),
		"status", string(done.Status),
		"processor_id", done.ProcessorID,
	)
	if done.IsFailed() {
		return &done, dErrors.Wrap(pe, dErrors.CodeProcessor, pe.Message)
	}
	return &done, nil
}

// operationEvent is the payload of payment.* outbox events.
type operationEvent struct {
	OperationID     string `json:"operation_id"`
	ReferenceID     string `json:"reference_id"`
	Kind            string `json:"kind"`
	Status          string `json:"status"`
	Amount          int64  `json:"amount"`
	Currency        string `json:"currency,omitempty"`
	Target          string `json:"target,omitempty"`
	ParentReference string `json:"parent_reference,omitempty"`
	ProcessorID     string `json:"processor_id,omitempty"`
	FailureCode     string `json:"failure_code,omitempty"`
	FailureMessage  string `json:"failure_message,omitempty"`
}

// EventType names the event a terminal operation emits, e.g.
// payment.charge.succeeded.
func EventType(op *models.Operation) string {
	return AggregateType + "." + string(op.Kind) + "." + string(op.Status)
}

func (s *Service) recordEvent(ctx context.Context, op *models.Operation) error {
	if s.outbox == nil {
		return nil
	}
	event, err := outboxmodels.NewEvent(op.TenantID, EventType(op), AggregateType, op.ReferenceID.String(), s.source,
		outboxmodels.Meta{
			CorrelationID: requestcontext.RequestID(ctx),
			CausationID:   op.ID.String(),
		},
		operationEvent{
			OperationID:     op.ID.String(),
			ReferenceID:     op.ReferenceID.String(),
			Kind:            string(op.Kind),
			Status:          string(op.Status),
			Amount:          op.Amount,
			Currency:        op.Currency,
			Target:          op.Target,
			ParentReference: op.ParentReference.String(),
			ProcessorID:     op.ProcessorID,
			FailureCode:     op.FailureCode,
			FailureMessage:  op.FailureMessage,
		},
		op.UpdatedAt,
	)
	if err != nil {
		return err
	}
	return s.outbox.RecordOutboxEvent(ctx, event)
}

func (s *Service) observeCall(kind models.Kind, err error, elapsed time.Duration) {
	if s.metrics == nil {
		return
	}
	outcome := "ok"
	if pe, ok := gateway.AsProcessorError(err); ok {
		outcome = pe.Code
	} else if err != nil {
		outcome = gateway.CodeUnknown
	}
	s.metrics.ObserveProcessorCall(string(kind), outcome, elapsed)
}

// failureError rebuilds the ProcessorError recorded on a failed row.
func failureError(op *models.Operation) error {
	pe := &gateway.ProcessorError{Code: op.FailureCode, Message: op.FailureMessage}
	return dErrors.Wrap(pe, dErrors.CodeProcessor, op.FailureMessage)
}
