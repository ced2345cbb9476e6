// Package middleware replays cached responses for requests that carry an
// Idempotency-Key header.
package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"time"

	"payguard/internal/idempotency/models"
	id "payguard/pkg/domain"
	dErrors "payguard/pkg/domain-errors"
	"payguard/pkg/platform/httputil"
	"payguard/pkg/requestcontext"
)

const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderReplayed       = "Idempotent-Replayed"

	maxBodyBytes = 1 << 20
)

// Cache is the subset of the idempotency service the middleware needs.
type Cache interface {
	Check(ctx context.Context, tenantID id.TenantID, key, requestHash string) (*models.CachedResponse, error)
	Store(ctx context.Context, tenantID id.TenantID, key, requestHash string, resp models.CachedResponse, ttl time.Duration) error
}

// Idempotency must run after tenant authentication. Read methods and
// requests without the header pass straight through.
func Idempotency(cache Cache, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(HeaderIdempotencyKey)
			if key == "" || !isWriteMethod(r.Method) {
				next.ServeHTTP(w, r)
				return
			}
			ctx := r.Context()
			tenantID := requestcontext.TenantID(ctx)
			if tenantID.IsNil() {
				next.ServeHTTP(w, r)
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
			if err != nil {
				httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeBadRequest, "failed to read request body"))
				return
			}
			if len(body) > maxBodyBytes {
				httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "request body too large"))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			hash := RequestHash(r.Method, r.URL.RequestURI(), body)

			cached, err := cache.Check(ctx, tenantID, key, hash)
			if err != nil {
				if dErrors.HasCode(err, dErrors.CodeConflict) {
					logger.WarnContext(ctx, "idempotency key reused with different request",
						"tenant_id", tenantID.String(),
						"request_id", requestcontext.RequestID(ctx),
					)
				}
				httputil.WriteError(w, err)
				return
			}
			if cached != nil {
				if cached.ContentType != "" {
					w.Header().Set("Content-Type", cached.ContentType)
				}
				w.Header().Set(HeaderReplayed, "true")
				w.WriteHeader(cached.StatusCode)
				_, _ = w.Write(cached.Body)
				return
			}

			rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			if !IsCacheable(rec.status) {
				return
			}
			resp := models.CachedResponse{
				StatusCode:  rec.status,
				Body:        rec.body.Bytes(),
				ContentType: rec.Header().Get("Content-Type"),
			}
			// The client already has its answer; a failed store only costs a
			// future replay, which the domain guard still deduplicates.
			if err := cache.Store(ctx, tenantID, key, hash, resp, 0); err != nil {
				logger.ErrorContext(ctx, "failed to cache idempotent response",
					"tenant_id", tenantID.String(),
					"request_id", requestcontext.RequestID(ctx),
					"error", err,
				)
			}
		})
	}
}

// RequestHash fingerprints a request by method, request URI (path and
// query) and raw body.
func RequestHash(method, uri string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{'\n'})
	h.Write([]byte(uri))
	h.Write([]byte{'\n'})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// IsCacheable reports whether a response is terminal. Server errors,
// conflicts and rate limits are left uncached so the client can retry, and
// 202 means the outcome is still pending.
func IsCacheable(status int) bool {
	if status >= http.StatusInternalServerError {
		return false
	}
	switch status {
	case http.StatusAccepted, http.StatusConflict, http.StatusTooManyRequests:
		return false
	}
	return true
}

func isWriteMethod(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

type responseRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	body        bytes.Buffer
}

func (r *responseRecorder) WriteHeader(status int) {
	if r.wroteHeader {
		return
	}
	r.wroteHeader = true
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}
