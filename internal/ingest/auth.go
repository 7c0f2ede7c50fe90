package ingest

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/vnmchuo/voice-metering/internal/ledger"
)

// Resolver maps a bearer credential to an account.
type Resolver interface {
	ResolveAccount(ctx context.Context, credential string) (string, error)
}

type Middleware func(next http.Handler) http.Handler

type contextKey string

const (
	accountIDKey  contextKey = "account_id"
	credentialKey contextKey = "credential"
)

// NewAuthMiddleware resolves the bearer credential through the ledger, which
// caches lookups in Redis.
func NewAuthMiddleware(resolver Resolver, logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
				writeError(w, http.StatusUnauthorized, "missing or invalid Authorization header")
				return
			}
			credential := strings.TrimPrefix(authHeader, "Bearer ")

			accountID, err := resolver.ResolveAccount(r.Context(), credential)
			if err != nil {
				if errors.Is(err, ledger.ErrAccountNotFound) {
					writeError(w, http.StatusUnauthorized, "invalid API key")
					return
				}
				logger.Error("auth: account lookup failed", zap.Error(err))
				writeError(w, http.StatusServiceUnavailable, "account store unavailable")
				return
			}

			ctx := WithAccount(r.Context(), accountID, credential)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func AccountID(ctx context.Context) string {
	if id, ok := ctx.Value(accountIDKey).(string); ok {
		return id
	}
	return ""
}

func Credential(ctx context.Context) string {
	if c, ok := ctx.Value(credentialKey).(string); ok {
		return c
	}
	return ""
}

// WithAccount stores the resolved caller on ctx. Tests use it to skip the
// middleware.
func WithAccount(ctx context.Context, accountID, credential string) context.Context {
	ctx = context.WithValue(ctx, accountIDKey, accountID)
	return context.WithValue(ctx, credentialKey, credential)
}
