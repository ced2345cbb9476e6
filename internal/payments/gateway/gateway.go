// Package gateway is the synchronous boundary to the payment processor.
// Implementations never retry; retry and idempotency policy live with the
// caller, which forwards its reference id as the processor idempotency key.
package gateway

import (
	"context"
	"errors"
	"net"
	"strings"
)

//go:generate mockgen -source=gateway.go -destination=mocks/mocks.go -package=mocks Gateway

// Gateway performs mutating processor calls.
type Gateway interface {
	Charge(ctx context.Context, req ChargeRequest) (*Result, error)
	Refund(ctx context.Context, req RefundRequest) (*Result, error)
	CancelSubscription(ctx context.Context, req CancelSubscriptionRequest) (*Result, error)
}

// Every request carries the tenant and reference id; together they form the
// processor idempotency key.
type ChargeRequest struct {
	TenantID      string
	ReferenceID   string
	Amount        int64
	Currency      string
	Customer      string
	PaymentMethod string
}

type RefundRequest struct {
	TenantID    string
	ReferenceID string
	// ChargeID is the processor id of the settled charge.
	ChargeID string
	Amount   int64
}

type CancelSubscriptionRequest struct {
	TenantID       string
	ReferenceID    string
	SubscriptionID string
}

// Result is the processor's answer to a call that did not error.
type Result struct {
	ID             string
	Status         string
	FailureCode    string
	FailureMessage string
}

// Normalized processor failure codes.
const (
	CodeProcessorTimeout = "processor_timeout"
	CodeCardDeclined     = "card_declined"
	CodeRateLimited      = "rate_limited"
	CodeInvalidRequest   = "invalid_request"
	CodeUnavailable      = "processor_unavailable"
	CodeAuthentication   = "authentication_failed"
	CodeIdempotency      = "idempotency_error"
	CodeUnknown          = "processor_error"
)

// ProcessorError is every processor failure in one shape.
// Ambiguous means the processor may have applied the operation anyway.
type ProcessorError struct {
	Code      string
	Message   string
	Retryable bool
	Ambiguous bool
}

func (e *ProcessorError) Error() string {
	return "processor: " + e.Code + ": " + e.Message
}

// Metadata keys written on processor objects.
const (
	MetadataReferenceID = "reference_id"
	MetadataTenantID    = "tenant_id"
)

// IdempotencyKey is the processor-side key for a tenant's reference id. One
// processor account serves every tenant, so the tenant is part of the key.
func IdempotencyKey(tenantID, referenceID string) string {
	if tenantID == "" {
		return referenceID
	}
	return tenantID + ":" + referenceID
}

// IsDecline reports whether code is a customer-side payment decline.
func IsDecline(code string) bool {
	return code == CodeCardDeclined
}

// AsProcessorError extracts a ProcessorError from err's chain.
func AsProcessorError(err error) (*ProcessorError, bool) {
	var pe *ProcessorError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// classifyTransport handles failures where no processor response arrived.
func classifyTransport(err error) *ProcessorError {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &ProcessorError{Code: CodeProcessorTimeout, Message: "processor call timed out", Retryable: true, Ambiguous: true}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &ProcessorError{Code: CodeProcessorTimeout, Message: "processor unreachable: " + netErr.Error(), Retryable: true, Ambiguous: true}
	}
	if strings.Contains(strings.ToLower(err.Error()), "timeout") {
		return &ProcessorError{Code: CodeProcessorTimeout, Message: err.Error(), Retryable: true, Ambiguous: true}
	}
	return nil
}
