package handler

import (
	"time"

	"payguard/internal/payments/models"
)

// OperationResponse is the API view of an operation.
type OperationResponse struct {
	ID              string    `json:"id"`
	ReferenceID     string    `json:"reference_id"`
	Kind            string    `json:"kind"`
	Status          string    `json:"status"`
	Amount          int64     `json:"amount"`
	Currency        string    `json:"currency,omitempty"`
	Target          string    `json:"target,omitempty"`
	ParentReference string    `json:"parent_reference,omitempty"`
	ProcessorID     string    `json:"processor_id,omitempty"`
	FailureCode     string    `json:"failure_code,omitempty"`
	FailureMessage  string    `json:"failure_message,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// FailureResponse is returned when the processor rejected the operation.
type FailureResponse struct {
	Error            string             `json:"error"`
	ErrorDescription string             `json:"error_description,omitempty"`
	Operation        *OperationResponse `json:"operation,omitempty"`
}

type StaleOperationsResponse struct {
	Operations []*OperationResponse `json:"operations"`
	OlderThan  string               `json:"older_than"`
}

func FromOperation(op *models.Operation) *OperationResponse {
	return &OperationResponse{
		ID:              op.ID.String(),
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
		CreatedAt:       op.CreatedAt,
		UpdatedAt:       op.UpdatedAt,
	}
}
