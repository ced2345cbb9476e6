package service

import (
	"context"
	"errors"

	"payguard/internal/payments/models"
	id "payguard/pkg/domain"
	dErrors "payguard/pkg/domain-errors"
	"payguard/pkg/platform/sentinel"
	"payguard/pkg/requestcontext"
)

// Outcome is a processor-reported final state for an operation, usually
// taken from a webhook.
type Outcome struct {
	ProcessorID    string
	Succeeded      bool
	FailureCode    string
	FailureMessage string
}

// Reconcile completes a pending operation from a processor report. An
// operation that is already terminal is left unchanged and returned; a
// disagreement with the report is logged for operators.
func (s *Service) Reconcile(ctx context.Context, tenantID id.TenantID, referenceID id.ReferenceID, outcome Outcome) (*models.Operation, error) {
	op, err := s.ops.FindByReference(ctx, tenantID, referenceID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "operation not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeDatabase, "failed to load operation")
	}
	if !op.IsPending() {
		s.checkAgreement(ctx, op, outcome)
		return op, nil
	}

	now := requestcontext.Now(ctx)
	done := *op
	if outcome.Succeeded {
		err = done.Succeed(outcome.ProcessorID, now)
	} else {
		code := outcome.FailureCode
		if code == "" {
			code = "processor_reported_failure"
		}
		err = done.Fail(code, outcome.FailureMessage, now)
	}
	if err != nil {
		return nil, err
	}

	err = s.tx.RunInTx(ctx, func(txCtx context.Context) error {
		if err := s.ops.CompleteIfPending(txCtx, &done); err != nil {
			return err
		}
		return s.recordEvent(txCtx, &done)
	})
	if err != nil {
		if errors.Is(err, sentinel.ErrInvalidState) {
			current, ferr := s.ops.FindByReference(ctx, tenantID, referenceID)
			if ferr != nil {
				return nil, dErrors.Wrap(ferr, dErrors.CodeDatabase, "failed to load operation")
			}
			s.checkAgreement(ctx, current, outcome)
			return current, nil
		}
		return nil, dErrors.Wrap(err, dErrors.CodeDatabase, "failed to reconcile operation")
	}

	if s.metrics != nil {
		s.metrics.IncReconciled(string(done.Kind), string(done.Status))
	}
	s.logger.InfoContext(ctx, "pending operation reconciled",
		"tenant_id", tenantID.String(),
		"reference_id", referenceID.String(),
		"status", string(done.Status),
		"processor_id", done.ProcessorID,
	)
	return &done, nil
}

func (s *Service) checkAgreement(ctx context.Context, op *models.Operation, outcome Outcome) {
	if op.IsSucceeded() == outcome.Succeeded {
		return
	}
	s.logger.WarnContext(ctx, "processor outcome disagrees with recorded operation",
		"tenant_id", op.TenantID.String(),
		"reference_id", op.ReferenceID.String(),
		"recorded_status", string(op.Status),
		"processor_succeeded", outcome.Succeeded,
		"processor_id", outcome.ProcessorID,
	)
}
