package models

import (
	"time"

	"github.com/google/uuid"

	id "payguard/pkg/domain"
	dErrors "payguard/pkg/domain-errors"
)

// Kind is the processor operation an Operation guards.
type Kind string

const (
	KindCharge             Kind = "charge"
	KindRefund             Kind = "refund"
	KindSubscriptionCancel Kind = "subscription_cancel"
)

func (k Kind) IsValid() bool {
	switch k {
	case KindCharge, KindRefund, KindSubscriptionCancel:
		return true
	}
	return false
}

// Status moves pending -> succeeded or pending -> failed exactly once.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Operation is the local record of one intended financial side effect,
// unique per (tenant, reference_id). It is written before the processor is
// called so a retry can find it.
type Operation struct {
	ID              uuid.UUID
	TenantID        id.TenantID
	ReferenceID     id.ReferenceID
	Kind            Kind
	Status          Status
	Amount          int64
	Currency        string
	Target          string
	ParentReference id.ReferenceID
	ProcessorID     string
	FailureCode     string
	FailureMessage  string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Intent describes what the caller wants done under a reference id.
type Intent struct {
	Kind            Kind
	Amount          int64
	Currency        string
	Target          string
	ParentReference id.ReferenceID
}

// NewPendingOperation validates the intent and returns a pending row.
func NewPendingOperation(tenantID id.TenantID, referenceID id.ReferenceID, intent Intent, now time.Time) (*Operation, error) {
	if tenantID.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "tenant id is required")
	}
	if referenceID == "" {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "reference id is required")
	}
	if !intent.Kind.IsValid() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "unknown operation kind")
	}
	if intent.Amount < 0 {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "amount cannot be negative")
	}
	return &Operation{
		ID:              uuid.New(),
		TenantID:        tenantID,
		ReferenceID:     referenceID,
		Kind:            intent.Kind,
		Status:          StatusPending,
		Amount:          intent.Amount,
		Currency:        intent.Currency,
		Target:          intent.Target,
		ParentReference: intent.ParentReference,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

func (o *Operation) IsPending() bool   { return o.Status == StatusPending }
func (o *Operation) IsSucceeded() bool { return o.Status == StatusSucceeded }
func (o *Operation) IsFailed() bool    { return o.Status == StatusFailed }

// Succeed records the processor id. Only a pending operation may succeed.
func (o *Operation) Succeed(processorID string, now time.Time) error {
	if !o.IsPending() {
		return dErrors.New(dErrors.CodeInvariantViolation, "only pending operations can succeed")
	}
	o.Status = StatusSucceeded
	o.ProcessorID = processorID
	o.UpdatedAt = now
	return nil
}

// Fail records the classified processor failure. Failed rows are terminal;
// the caller needs a new reference id to try again.
func (o *Operation) Fail(code, message string, now time.Time) error {
	if !o.IsPending() {
		return dErrors.New(dErrors.CodeInvariantViolation, "only pending operations can fail")
	}
	o.Status = StatusFailed
	o.FailureCode = code
	o.FailureMessage = message
	o.UpdatedAt = now
	return nil
}
