package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"pawfect/cmd/internal/httpx"
)

// BearerToken extracts a token from the Authorization header, falling back to the
// access_token query parameter (browsers cannot set headers on websocket upgrades).
func BearerToken(r *http.Request) string {
	if h := strings.TrimSpace(r.Header.Get("Authorization")); h != "" {
		scheme, tok, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "bearer") {
			return strings.TrimSpace(tok)
		}
		return ""
	}
	return strings.TrimSpace(r.URL.Query().Get("access_token"))
}

// Middleware rejects requests without a valid bearer token and stores the Caller otherwise.
func Middleware(v *Verifier, log *slog.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			c, err := v.Verify(BearerToken(r))
			if err != nil {
				if errors.Is(err, ErrMissingToken) {
					httpx.WriteError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
					return
				}
				log.Debug("auth.verify.fail", "err", err, "path", r.URL.Path)
				httpx.WriteError(w, http.StatusUnauthorized, "unauthorized", "invalid or expired token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), c)))
		})
	}
}

// RequireRole allows only callers holding role. It must run after Middleware.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			c, ok := FromContext(r.Context())
			if !ok {
				httpx.WriteError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
				return
			}
			if c.Role != role {
				httpx.WriteError(w, http.StatusForbidden, "forbidden", "insufficient role")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
