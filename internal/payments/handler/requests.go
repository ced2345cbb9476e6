package handler

// ChargeRequest is the body of POST /v1/charges.
type ChargeRequest struct {
	ReferenceID   string `json:"reference_id" validate:"required,max=255"`
	Amount        int64  `json:"amount" validate:"gt=0"`
	Currency      string `json:"currency" validate:"required,len=3,lowercase"`
	Customer      string `json:"customer" validate:"max=255"`
	PaymentMethod string `json:"payment_method" validate:"max=255"`
}

// RefundRequest is the body of POST /v1/refunds.
type RefundRequest struct {
	ReferenceID       string `json:"reference_id" validate:"required,max=255"`
	ChargeReferenceID string `json:"charge_reference_id" validate:"required,max=255"`
	Amount            int64  `json:"amount" validate:"gt=0"`
}

// CancelSubscriptionRequest is the body of POST /v1/subscriptions/{id}/cancel.
type CancelSubscriptionRequest struct {
	ReferenceID string `json:"reference_id" validate:"required,max=255"`
}
