package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"payguard/internal/payments/gateway"
	"payguard/internal/payments/models"
	"payguard/internal/payments/service"
	id "payguard/pkg/domain"
	dErrors "payguard/pkg/domain-errors"
	"payguard/pkg/platform/httputil"
	"payguard/pkg/requestcontext"
)

const defaultStaleAge = 15 * time.Minute

// Service is the payments API surface the handler depends on.
type Service interface {
	CreateCharge(ctx context.Context, tenantID id.TenantID, referenceID id.ReferenceID, cmd service.ChargeCommand) (*models.Operation, error)
	CreateRefund(ctx context.Context, tenantID id.TenantID, referenceID, chargeReferenceID id.ReferenceID, amount int64) (*models.Operation, error)
	CancelSubscription(ctx context.Context, tenantID id.TenantID, referenceID id.ReferenceID, subscriptionID string) (*models.Operation, error)
	GetOperation(ctx context.Context, tenantID id.TenantID, referenceID id.ReferenceID) (*models.Operation, error)
	ListStalePending(ctx context.Context, tenantID id.TenantID, olderThan time.Duration) ([]*models.Operation, error)
}

// Handler serves the tenant payments API and the operator stale listing.
type Handler struct {
	service Service
	logger  *slog.Logger
}

func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Register mounts tenant routes. The router must already resolve the tenant.
func (h *Handler) Register(r chi.Router) {
	r.Post("/v1/charges", h.HandleCreateCharge)
	r.Post("/v1/refunds", h.HandleCreateRefund)
	r.Post("/v1/subscriptions/{id}/cancel", h.HandleCancelSubscription)
	r.Get("/v1/operations/{reference_id}", h.HandleGetOperation)
}

// RegisterAdmin mounts operator routes behind admin auth.
func (h *Handler) RegisterAdmin(r chi.Router) {
	r.Get("/admin/tenants/{tenant}/operations/stale", h.HandleListStale)
}

// HandleCreateCharge handles POST /v1/charges.
func (h *Handler) HandleCreateCharge(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}
	req, err := httputil.DecodeAndValidate[ChargeRequest](r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	referenceID, err := id.ParseReferenceID(req.ReferenceID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	op, err := h.service.CreateCharge(ctx, tenantID, referenceID, service.ChargeCommand{
		Amount:        req.Amount,
		Currency:      req.Currency,
		Customer:      req.Customer,
		PaymentMethod: req.PaymentMethod,
	})
	h.respond(w, r, op, err)
}

// HandleCreateRefund handles POST /v1/refunds.
func (h *Handler) HandleCreateRefund(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}
	req, err := httputil.DecodeAndValidate[RefundRequest](r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	referenceID, err := id.ParseReferenceID(req.ReferenceID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	chargeReferenceID, err := id.ParseReferenceID(req.ChargeReferenceID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	op, err := h.service.CreateRefund(ctx, tenantID, referenceID, chargeReferenceID, req.Amount)
	h.respond(w, r, op, err)
}

// HandleCancelSubscription handles POST /v1/subscriptions/{id}/cancel.
func (h *Handler) HandleCancelSubscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}
	req, err := httputil.DecodeAndValidate[CancelSubscriptionRequest](r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	referenceID, err := id.ParseReferenceID(req.ReferenceID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	op, err := h.service.CancelSubscription(ctx, tenantID, referenceID, chi.URLParam(r, "id"))
	h.respond(w, r, op, err)
}

// HandleGetOperation handles GET /v1/operations/{reference_id}.
func (h *Handler) HandleGetOperation(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}
	referenceID, err := id.ParseReferenceID(chi.URLParam(r, "reference_id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	op, err := h.service.GetOperation(r.Context(), tenantID, referenceID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, FromOperation(op))
}

// HandleListStale handles GET /admin/tenants/{tenant}/operations/stale.
func (h *Handler) HandleListStale(w http.ResponseWriter, r *http.Request) {
	tenantID, err := id.ParseTenantID(chi.URLParam(r, "tenant"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	olderThan := defaultStaleAge
	if raw := r.URL.Query().Get("older_than"); raw != "" {
		olderThan, err = time.ParseDuration(raw)
		if err != nil {
			httputil.WriteError(w, dErrors.New(dErrors.CodeValidation, "older_than must be a duration such as 15m"))
			return
		}
	}

	ops, err := h.service.ListStalePending(r.Context(), tenantID, olderThan)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	resp := StaleOperationsResponse{Operations: make([]*OperationResponse, 0, len(ops)), OlderThan: olderThan.String()}
	for _, op := range ops {
		resp.Operations = append(resp.Operations, FromOperation(op))
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) tenant(w http.ResponseWriter, r *http.Request) (id.TenantID, bool) {
	tenantID := requestcontext.TenantID(r.Context())
	if tenantID.IsNil() {
		httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "tenant required"))
		return "", false
	}
	return tenantID, true
}

// respond maps an operation outcome to HTTP: 201 succeeded, 202 still
// pending under a concurrent request, 402 declined, 502 other processor
// failures.
func (h *Handler) respond(w http.ResponseWriter, r *http.Request, op *models.Operation, err error) {
	ctx := r.Context()
	if err != nil {
		if op != nil && dErrors.HasCode(err, dErrors.CodeProcessor) {
			status := http.StatusBadGateway
			if gateway.IsDecline(op.FailureCode) {
				status = http.StatusPaymentRequired
			}
			httputil.WriteJSON(w, status, FailureResponse{
				Error:            string(dErrors.CodeProcessor),
				ErrorDescription: dErrors.MessageOf(err),
				Operation:        FromOperation(op),
			})
			return
		}
		if dErrors.CodeOf(err) == dErrors.CodeInternal || dErrors.CodeOf(err) == dErrors.CodeDatabase {
			h.logger.ErrorContext(ctx, "payment operation failed",
				"request_id", requestcontext.RequestID(ctx),
				"error", err,
			)
		}
		httputil.WriteError(w, err)
		return
	}
	status := http.StatusCreated
	if op.IsPending() {
		status = http.StatusAccepted
	}
	httputil.WriteJSON(w, status, FromOperation(op))
}
