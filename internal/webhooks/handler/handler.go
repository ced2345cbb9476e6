package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"payguard/internal/webhooks/models"
	"payguard/internal/webhooks/service"
	id "payguard/pkg/domain"
	dErrors "payguard/pkg/domain-errors"
	"payguard/pkg/platform/httputil"
	"payguard/pkg/requestcontext"
)

// MaxBodyBytes caps a webhook delivery.
const MaxBodyBytes = 1 << 20

const (
	SignatureHeader       = "Signature"
	StripeSignatureHeader = "Stripe-Signature"
)

// Service is the webhook surface the handler depends on.
type Service interface {
	Ingest(ctx context.Context, tenantID id.TenantID, body []byte, header string) (*service.IngestResult, error)
	Get(ctx context.Context, tenantID id.TenantID, eventID id.EventID) (*models.Record, error)
	List(ctx context.Context, tenantID id.TenantID, filter models.ListFilter) ([]*models.Record, error)
	Attempts(ctx context.Context, tenantID id.TenantID, eventID id.EventID) ([]*models.Attempt, error)
	Replay(ctx context.Context, tenantID id.TenantID, eventID id.EventID, force bool) (*models.Record, error)
}

// Handler serves the processor-facing webhook endpoint and operator routes.
type Handler struct {
	service Service
	logger  *slog.Logger
}

func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Register mounts the public ingestion route. It must not sit behind tenant
// auth or the idempotency middleware: the signature authenticates it and the
// event id dedups it.
func (h *Handler) Register(r chi.Router) {
	r.Post("/webhooks/{tenant}", h.HandleIngest)
}

// RegisterAdmin mounts operator routes behind admin auth.
func (h *Handler) RegisterAdmin(r chi.Router) {
	r.Get("/admin/tenants/{tenant}/webhooks", h.HandleList)
	r.Get("/admin/tenants/{tenant}/webhooks/{event_id}", h.HandleGet)
	r.Get("/admin/tenants/{tenant}/webhooks/{event_id}/attempts", h.HandleAttempts)
	r.Post("/admin/tenants/{tenant}/webhooks/{event_id}/replay", h.HandleReplay)
}

// HandleIngest handles POST /webhooks/{tenant}. The body is read raw because
// the signature covers the exact bytes sent.
func (h *Handler) HandleIngest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, err := id.ParseTenantID(chi.URLParam(r, "tenant"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httputil.WriteJSON(w, http.StatusRequestEntityTooLarge, map[string]string{
				"error":             string(dErrors.CodeBadRequest),
				"error_description": "webhook body too large",
			})
			return
		}
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "failed to read webhook body"))
		return
	}

	header := r.Header.Get(SignatureHeader)
	if header == "" {
		header = r.Header.Get(StripeSignatureHeader)
	}

	res, err := h.service.Ingest(ctx, tenantID, body, header)
	if err != nil {
		if code := dErrors.CodeOf(err); code == dErrors.CodeDatabase || code == dErrors.CodeInternal {
			h.logger.ErrorContext(ctx, "webhook ingestion failed",
				"tenant_id", tenantID.String(),
				"request_id", requestcontext.RequestID(ctx),
				"error", err,
			)
		}
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, fromIngest(res))
}

// HandleList handles GET /admin/tenants/{tenant}/webhooks.
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	tenantID, err := id.ParseTenantID(chi.URLParam(r, "tenant"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	q := r.URL.Query()
	filter := models.ListFilter{
		Status:    models.Status(q.Get("status")),
		EventType: q.Get("event_type"),
	}
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if filter.Offset, err = intParam(q.Get("offset")); err != nil {
		httputil.WriteError(w, err)
		return
	}
	filter = filter.Normalize()

	recs, err := h.service.List(r.Context(), tenantID, filter)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	resp := WebhookListResponse{Webhooks: make([]*WebhookResponse, 0, len(recs)), Limit: filter.Limit, Offset: filter.Offset}
	for _, rec := range recs {
		resp.Webhooks = append(resp.Webhooks, FromRecord(rec, false))
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

// HandleGet handles GET /admin/tenants/{tenant}/webhooks/{event_id}.
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	tenantID, eventID, ok := h.target(w, r)
	if !ok {
		return
	}
	rec, err := h.service.Get(r.Context(), tenantID, eventID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, FromRecord(rec, true))
}

// HandleAttempts handles GET /admin/tenants/{tenant}/webhooks/{event_id}/attempts.
func (h *Handler) HandleAttempts(w http.ResponseWriter, r *http.Request) {
	tenantID, eventID, ok := h.target(w, r)
	if !ok {
		return
	}
	attempts, err := h.service.Attempts(r.Context(), tenantID, eventID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	resp := AttemptListResponse{EventID: eventID.String(), Attempts: make([]*AttemptResponse, 0, len(attempts))}
	for _, a := range attempts {
		resp.Attempts = append(resp.Attempts, fromAttempt(a))
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

// HandleReplay handles POST /admin/tenants/{tenant}/webhooks/{event_id}/replay.
func (h *Handler) HandleReplay(w http.ResponseWriter, r *http.Request) {
	tenantID, eventID, ok := h.target(w, r)
	if !ok {
		return
	}
	force := false
	if raw := r.URL.Query().Get("force"); raw != "" {
		var err error
		if force, err = strconv.ParseBool(raw); err != nil {
			httputil.WriteError(w, dErrors.New(dErrors.CodeValidation, "force must be true or false"))
			return
		}
	}
	rec, err := h.service.Replay(r.Context(), tenantID, eventID, force)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, FromRecord(rec, false))
}

func (h *Handler) target(w http.ResponseWriter, r *http.Request) (id.TenantID, id.EventID, bool) {
	tenantID, err := id.ParseTenantID(chi.URLParam(r, "tenant"))
	if err != nil {
		httputil.WriteError(w, err)
		return "", "", false
	}
	eventID, err := id.ParseEventID(chi.URLParam(r, "event_id"))
	if err != nil {
		httputil.WriteError(w, err)
		return "", "", false
	}
	return tenantID, eventID, true
}

func intParam(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, dErrors.New(dErrors.CodeValidation, "limit and offset must be non-negative integers")
	}
	return n, nil
}
