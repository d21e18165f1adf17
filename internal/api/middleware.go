package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/custard-io/custard/internal/auth"
	"github.com/custard-io/custard/internal/repositories"
)

// contextKey is an unexported type for context keys defined in this
// package, preventing collisions with keys from other packages.
type contextKey int

const (
	// contextKeyIdentity is the context key under which the authenticated
	// *auth.Identity is stored after successful token verification.
	contextKeyIdentity contextKey = iota
)

// Authenticate validates the bearer token in the Authorization header
// through the configured verifier chain. On success the resolved identity
// is stored in the request context; on failure the chain stops with a 401.
//
// Token format: "Authorization: Bearer <token>"
func Authenticate(verifier auth.TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				ErrUnauthorized(w)
				return
			}

			identity, err := verifier.Verify(r.Context(), token)
			if err != nil {
				ErrUnauthorized(w)
				return
			}

			ctx := context.WithValue(r.Context(), contextKeyIdentity, identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// bearerToken extracts the token from the Authorization header, or falls
// back to the access_token query parameter for WebSocket upgrades, where
// browsers cannot set custom headers.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return parts[1]
		}
		return ""
	}
	return r.URL.Query().Get("access_token")
}

// RequestLogger logs each request with method, path, status and latency
// through the provided zap logger. chi's middleware.RequestID is expected
// to run before this so the request ID is available.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}

// identityFromCtx retrieves the identity stored by Authenticate. Returns
// nil if the request is unauthenticated.
func identityFromCtx(ctx context.Context) *auth.Identity {
	identity, _ := ctx.Value(contextKeyIdentity).(*auth.Identity)
	return identity
}

// paginationOpts parses the limit/offset query parameters with sane
// defaults and bounds.
func paginationOpts(r *http.Request) repositories.ListOptions {
	opts := repositories.ListOptions{Limit: 50, Offset: 0}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			opts.Limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			opts.Offset = n
		}
	}
	return opts
}
