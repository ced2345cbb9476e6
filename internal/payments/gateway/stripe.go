package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	stripe "github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"golang.org/x/time/rate"
)

// StripeGateway calls Stripe through stripe-go. The SDK's own network
// retries are disabled; a retry is the caller's decision.
type StripeGateway struct {
	api     *client.API
	limiter *rate.Limiter
	logger  *slog.Logger
}

type StripeOption func(*stripeSettings)

type stripeSettings struct {
	url         string
	callTimeout time.Duration
	rps         float64
	burst       int
	logger      *slog.Logger
}

// WithStripeURL points the client at another API host (stripe-mock, tests).
func WithStripeURL(url string) StripeOption {
	return func(s *stripeSettings) { s.url = url }
}

func WithCallTimeout(d time.Duration) StripeOption {
	return func(s *stripeSettings) { s.callTimeout = d }
}

// WithRateLimit bounds outbound calls per second across all tenants.
func WithRateLimit(rps float64, burst int) StripeOption {
	return func(s *stripeSettings) {
		s.rps = rps
		s.burst = burst
	}
}

func WithStripeLogger(logger *slog.Logger) StripeOption {
	return func(s *stripeSettings) { s.logger = logger }
}

func NewStripe(secretKey string, opts ...StripeOption) *StripeGateway {
	settings := stripeSettings{
		callTimeout: 30 * time.Second,
		rps:         25,
		burst:       50,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(&settings)
	}

	cfg := &stripe.BackendConfig{
		HTTPClient:        &http.Client{Timeout: settings.callTimeout},
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelError},
	}
	if settings.url != "" {
		cfg.URL = stripe.String(settings.url)
	}
	backends := &stripe.Backends{
		API:     stripe.GetBackendWithConfig(stripe.APIBackend, cfg),
		Connect: stripe.GetBackendWithConfig(stripe.ConnectBackend, cfg),
		Uploads: stripe.GetBackendWithConfig(stripe.UploadsBackend, cfg),
	}

	return &StripeGateway{
		api:     client.New(secretKey, backends),
		limiter: rate.NewLimiter(rate.Limit(settings.rps), settings.burst),
		logger:  settings.logger,
	}
}

func (g *StripeGateway) Charge(ctx context.Context, req ChargeRequest) (*Result, error) {
	if err := g.wait(ctx); err != nil {
		return nil, err
	}
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.Amount),
		Currency: stripe.String(req.Currency),
		Confirm:  stripe.Bool(true),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled:        stripe.Bool(true),
			AllowRedirects: stripe.String("never"),
		},
	}
	if req.Customer != "" {
		params.Customer = stripe.String(req.Customer)
	}
	if req.PaymentMethod != "" {
		params.PaymentMethod = stripe.String(req.PaymentMethod)
	}
	g.prepare(ctx, &params.Params, req.TenantID, req.ReferenceID)
	tagReference(&params.Params, req.TenantID, req.ReferenceID)

	pi, err := g.api.PaymentIntents.New(params)
	if err != nil {
		return nil, classify(err)
	}
	result := &Result{ID: pi.ID, Status: string(pi.Status)}
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded, stripe.PaymentIntentStatusProcessing:
		return result, nil
	default:
		code, msg := CodeCardDeclined, "payment intent ended in status "+string(pi.Status)
		if pi.LastPaymentError != nil {
			msg = pi.LastPaymentError.Msg
		}
		return nil, &ProcessorError{Code: code, Message: msg}
	}
}

func (g *StripeGateway) Refund(ctx context.Context, req RefundRequest) (*Result, error) {
	if err := g.wait(ctx); err != nil {
		return nil, err
	}
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(req.ChargeID),
		Amount:        stripe.Int64(req.Amount),
	}
	g.prepare(ctx, &params.Params, req.TenantID, req.ReferenceID)
	tagReference(&params.Params, req.TenantID, req.ReferenceID)

	r, err := g.api.Refunds.New(params)
	if err != nil {
		return nil, classify(err)
	}
	if r.Status == stripe.RefundStatusFailed || r.Status == stripe.RefundStatusCanceled {
		return nil, &ProcessorError{Code: CodeInvalidRequest, Message: "refund " + string(r.Status) + ": " + string(r.FailureReason)}
	}
	return &Result{ID: r.ID, Status: string(r.Status)}, nil
}

func (g *StripeGateway) CancelSubscription(ctx context.Context, req CancelSubscriptionRequest) (*Result, error) {
	if err := g.wait(ctx); err != nil {
		return nil, err
	}
	params := &stripe.SubscriptionCancelParams{}
	g.prepare(ctx, &params.Params, req.TenantID, req.ReferenceID)

	sub, err := g.api.Subscriptions.Cancel(req.SubscriptionID, params)
	if err != nil {
		return nil, classify(err)
	}
	return &Result{ID: sub.ID, Status: string(sub.Status)}, nil
}

// prepare binds ctx and forwards the reference id so a replayed call is
// deduplicated on the processor side as well.
func (g *StripeGateway) prepare(ctx context.Context, p *stripe.Params, tenantID, referenceID string) {
	p.Context = ctx
	p.SetIdempotencyKey(IdempotencyKey(tenantID, referenceID))
}

// tagReference stores the reference on objects that accept metadata. It
// comes back on webhooks and matches them to the local operation.
func tagReference(p *stripe.Params, tenantID, referenceID string) {
	p.AddMetadata(MetadataReferenceID, referenceID)
	if tenantID != "" {
		p.AddMetadata(MetadataTenantID, tenantID)
	}
}

func (g *StripeGateway) wait(ctx context.Context) error {
	if err := g.limiter.Wait(ctx); err != nil {
		// The call was never sent, so this failure is unambiguous.
		return &ProcessorError{Code: CodeRateLimited, Message: "outbound rate limit: " + err.Error(), Retryable: true}
	}
	return nil
}

// classify maps stripe-go and transport errors onto ProcessorError.
func classify(err error) *ProcessorError {
	var se *stripe.Error
	if errors.As(err, &se) {
		pe := &ProcessorError{Code: CodeUnknown, Message: se.Msg}
		switch {
		case se.Type == stripe.ErrorTypeCard:
			pe.Code = CodeCardDeclined
		case se.HTTPStatusCode == http.StatusTooManyRequests:
			pe.Code = CodeRateLimited
			pe.Retryable = true
		case se.HTTPStatusCode == http.StatusUnauthorized:
			pe.Code = CodeAuthentication
		case se.Type == stripe.ErrorTypeIdempotency:
			pe.Code = CodeIdempotency
		case se.Type == stripe.ErrorTypeInvalidRequest:
			pe.Code = CodeInvalidRequest
		case se.HTTPStatusCode >= http.StatusInternalServerError:
			pe.Code = CodeUnavailable
			pe.Retryable = true
			pe.Ambiguous = true
		}
		return pe
	}
	if pe := classifyTransport(err); pe != nil {
		return pe
	}
	return &ProcessorError{Code: CodeUnknown, Message: err.Error(), Retryable: true, Ambiguous: true}
}
