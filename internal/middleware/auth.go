package middleware

import (
	"context"
	"net/http"
	"strings"
)

// TokenVerifier resolves a bearer token to a user ID.
type TokenVerifier interface {
	AuthenticateJWT(token string) (string, error)
}

type userKey struct{}

// UserID returns the authenticated user of a request context.
func UserID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userKey{}).(string)
	return id, ok && id != ""
}

// WithUserID stores an authenticated user in ctx.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey{}, userID)
}

// RequireUser rejects requests without a valid token with 401. The token is read from the
// Authorization bearer header, then the auth_token cookie, then the token query parameter
// (browsers cannot set headers on WebSocket upgrades).
func RequireUser(v TokenVerifier) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := tokenOf(r)
			if token == "" {
				writeError(w, http.StatusUnauthorized, "missing auth token")
				return
			}
			userID, err := v.AuthenticateJWT(token)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "invalid auth token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}

func tokenOf(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	if c, err := r.Cookie("auth_token"); err == nil && c.Value != "" {
		return c.Value
	}
	return r.URL.Query().Get("token")
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}
