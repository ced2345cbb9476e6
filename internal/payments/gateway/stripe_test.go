package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
)

type StripeGatewaySuite struct {
	suite.Suite
	server   *httptest.Server
	handler  http.HandlerFunc
	idemKeys []string
	requests atomic.Int32
	gw       *StripeGateway
}

func TestStripeGatewaySuite(t *testing.T) {
	suite.Run(t, new(StripeGatewaySuite))
}

func (s *StripeGatewaySuite) SetupTest() {
	s.idemKeys = nil
	s.requests.Store(0)
	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.requests.Add(1)
		s.idemKeys = append(s.idemKeys, r.Header.Get("Idempotency-Key"))
		s.handler(w, r)
	}))
	s.gw = NewStripe("sk_test_123",
		WithStripeURL(s.server.URL),
		WithCallTimeout(2*time.Second),
		WithRateLimit(1000, 1000),
	)
}

func (s *StripeGatewaySuite) TearDownTest() {
	s.server.Close()
}

func respond(status int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}
}

// =============================================================================
// Charge Tests
// =============================================================================

func (s *StripeGatewaySuite) TestChargeSucceeded() {
	s.handler = func(w http.ResponseWriter, r *http.Request) {
		s.Equal("/v1/payment_intents", r.URL.Path)
		respond(200, `{"id":"pi_123","object":"payment_intent","status":"succeeded"}`)(w, r)
	}

	res, err := s.gw.Charge(context.Background(), ChargeRequest{TenantID: "tenant-a", ReferenceID: "order-1", Amount: 1000, Currency: "usd", Customer: "cus_1"})
	s.Require().NoError(err)
	s.Equal("pi_123", res.ID)
	s.Equal("succeeded", res.Status)
	s.Equal([]string{"tenant-a:order-1"}, s.idemKeys, "tenant and reference id form the idempotency key")
}

func (s *StripeGatewaySuite) TestChargeDeclined() {
	s.handler = respond(402, `{"error":{"type":"card_error","code":"card_declined","message":"Your card was declined."}}`)

	_, err := s.gw.Charge(context.Background(), ChargeRequest{ReferenceID: "order-2", Amount: 1000, Currency: "usd"})
	pe, ok := AsProcessorError(err)
	s.Require().True(ok)
	s.Equal(CodeCardDeclined, pe.Code)
	s.Equal("Your card was declined.", pe.Message)
	s.False(pe.Retryable)
	s.False(pe.Ambiguous)
	s.Equal(int32(1), s.requests.Load(), "gateway never retries")
}

func (s *StripeGatewaySuite) TestChargeServerErrorIsAmbiguous() {
	s.handler = respond(500, `{"error":{"type":"api_error","message":"Something went wrong"}}`)

	_, err := s.gw.Charge(context.Background(), ChargeRequest{ReferenceID: "order-3", Amount: 1, Currency: "usd"})
	pe, ok := AsProcessorError(err)
	s.Require().True(ok)
	s.Equal(CodeUnavailable, pe.Code)
	s.True(pe.Ambiguous)
	s.Equal(int32(1), s.requests.Load())
}

func (s *StripeGatewaySuite) TestChargeTimeoutIsAmbiguous() {
	release := make(chan struct{})
	defer close(release)
	s.handler = func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := s.gw.Charge(ctx, ChargeRequest{ReferenceID: "order-4", Amount: 1, Currency: "usd"})
	pe, ok := AsProcessorError(err)
	s.Require().True(ok)
	s.Equal(CodeProcessorTimeout, pe.Code)
	s.True(pe.Ambiguous)
}

func (s *StripeGatewaySuite) TestRateLimitedByProcessor() {
	s.handler = respond(429, `{"error":{"type":"invalid_request_error","code":"rate_limit","message":"Too many requests"}}`)

	_, err := s.gw.Charge(context.Background(), ChargeRequest{ReferenceID: "order-5", Amount: 1, Currency: "usd"})
	pe, ok := AsProcessorError(err)
	s.Require().True(ok)
	s.Equal(CodeRateLimited, pe.Code)
	s.True(pe.Retryable)
}

// =============================================================================
// Refund / Cancel Tests
// =============================================================================

func (s *StripeGatewaySuite) TestRefund() {
	s.handler = func(w http.ResponseWriter, r *http.Request) {
		s.Equal("/v1/refunds", r.URL.Path)
		respond(200, `{"id":"re_1","object":"refund","status":"succeeded"}`)(w, r)
	}

	res, err := s.gw.Refund(context.Background(), RefundRequest{ReferenceID: "refund-1", ChargeID: "pi_123", Amount: 500})
	s.Require().NoError(err)
	s.Equal("re_1", res.ID)
	s.Equal([]string{"refund-1"}, s.idemKeys)
}

func (s *StripeGatewaySuite) TestCancelSubscription() {
	s.handler = func(w http.ResponseWriter, r *http.Request) {
		s.Equal(http.MethodDelete, r.Method)
		s.Equal("/v1/subscriptions/sub_9", r.URL.Path)
		respond(200, `{"id":"sub_9","object":"subscription","status":"canceled"}`)(w, r)
	}

	res, err := s.gw.CancelSubscription(context.Background(), CancelSubscriptionRequest{ReferenceID: "cancel-1", SubscriptionID: "sub_9"})
	s.Require().NoError(err)
	s.Equal("canceled", res.Status)
}

func TestFakeIsIdempotentPerReference(t *testing.T) {
	f := NewFake()
	a, err := f.Charge(context.Background(), ChargeRequest{ReferenceID: "r1"})
	if err != nil {
		t.Fatal(err)
	}
	b, _ := f.Charge(context.Background(), ChargeRequest{ReferenceID: "r1"})
	if a.ID != b.ID {
		t.Fatalf("expected stable processor id, got %s and %s", a.ID, b.ID)
	}
	if f.Calls() != 2 {
		t.Fatalf("expected 2 calls, got %d", f.Calls())
	}
}
