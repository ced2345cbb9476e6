package gateway

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Fake is an in-process Gateway for development and tests. It behaves like a
// processor that honours idempotency keys: the same reference id always gets
// the same processor id within a tenant.
type Fake struct {
	mu      sync.Mutex
	ids     map[string]string
	calls   atomic.Int64
	failFor map[string]*ProcessorError
	// Delay is slept before answering, to widen race windows in tests.
	Delay time.Duration
}

func NewFake() *Fake {
	return &Fake{ids: make(map[string]string), failFor: make(map[string]*ProcessorError)}
}

// FailWith makes calls for referenceID return err.
func (f *Fake) FailWith(referenceID string, err *ProcessorError) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failFor[referenceID] = err
}

// Calls counts every call that reached the fake processor.
func (f *Fake) Calls() int64 {
	return f.calls.Load()
}

func (f *Fake) Charge(ctx context.Context, req ChargeRequest) (*Result, error) {
	return f.do(ctx, "pi_", req.TenantID, req.ReferenceID)
}

func (f *Fake) Refund(ctx context.Context, req RefundRequest) (*Result, error) {
	return f.do(ctx, "re_", req.TenantID, req.ReferenceID)
}

func (f *Fake) CancelSubscription(ctx context.Context, req CancelSubscriptionRequest) (*Result, error) {
	if _, err := f.do(ctx, "cancel_", req.TenantID, req.ReferenceID); err != nil {
		return nil, err
	}
	return &Result{ID: req.SubscriptionID, Status: "canceled"}, nil
}

func (f *Fake) do(ctx context.Context, prefix, tenantID, referenceID string) (*Result, error) {
	f.calls.Add(1)
	if f.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, classifyTransport(ctx.Err())
		case <-time.After(f.Delay):
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if pe, ok := f.failFor[referenceID]; ok {
		return nil, pe
	}
	key := IdempotencyKey(tenantID, referenceID)
	pid, ok := f.ids[key]
	if !ok {
		pid = prefix + referenceID
		f.ids[key] = pid
	}
	return &Result{ID: pid, Status: "succeeded"}, nil
}
