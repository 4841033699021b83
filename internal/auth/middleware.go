// internal/auth/middleware.go
package auth

import (
	"context"
	"net/http"
	"strings"

	log "github.com/sirupsen/logrus"
)

type contextKey string

const TenantIDKey contextKey = "tenant_id"

// tokenQueryParam carries the token for pages a browser opens directly, such as the
// pairing page, where no Authorization header can be set.
const tokenQueryParam = "token"

// Middleware rejects requests without a valid tenant token and stores the tenant id
// in the request context.
func (a *Authority) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenStr, ok := bearerToken(r)
		if !ok {
			http.Error(w, "missing or invalid Authorization header", http.StatusUnauthorized)
			return
		}
		claims, err := a.ValidateToken(tokenStr)
		if err != nil {
			log.WithError(err).WithField("path", r.URL.Path).Debug("rejected tenant token")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithTenantID(r.Context(), claims.TenantID)))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	if header := r.Header.Get("Authorization"); header != "" {
		token, found := strings.CutPrefix(header, "Bearer ")
		return token, found && token != ""
	}
	if r.Method != http.MethodGet {
		return "", false
	}
	token := r.URL.Query().Get(tokenQueryParam)
	return token, token != ""
}

func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, TenantIDKey, tenantID)
}

// GetTenantID extracts tenant_id from context
func GetTenantID(r *http.Request) string {
	if val, ok := r.Context().Value(TenantIDKey).(string); ok {
		return val
	}
	return ""
}
