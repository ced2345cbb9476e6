package admin

import (
	"crypto/subtle"
	"log/slog"
	"net/http"

	"payguard/pkg/platform/middleware/metadata"
	"payguard/pkg/requestcontext"
)

const (
	TokenHeader    = "X-Admin-Token"
	OperatorHeader = "X-Operator"
)

// RequireAdminToken guards operator routes such as webhook replay. Several
// tokens may be valid at once while one is being rotated out. With no tokens
// configured every request is rejected.
func RequireAdminToken(tokens []string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if !accepted(r.Header.Get(TokenHeader), tokens) {
				logger.WarnContext(ctx, "admin token mismatch",
					"request_id", requestcontext.RequestID(ctx),
					"client_ip", metadata.GetClientIP(ctx),
					"path", r.URL.Path,
				)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"unauthorized","error_description":"admin token required"}`))
				return
			}

			logger.InfoContext(ctx, "admin request",
				"request_id", requestcontext.RequestID(ctx),
				"operator", r.Header.Get(OperatorHeader),
				"method", r.Method,
				"path", r.URL.Path,
			)
			next.ServeHTTP(w, r)
		})
	}
}

// accepted compares against every configured token in constant time so the
// position of a match is not observable.
func accepted(given string, tokens []string) bool {
	if given == "" {
		return false
	}
	ok := 0
	for _, t := range tokens {
		if t == "" {
			continue
		}
		ok |= subtle.ConstantTimeCompare([]byte(given), []byte(t))
	}
	return ok == 1
}
