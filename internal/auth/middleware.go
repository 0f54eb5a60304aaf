package auth

import (
	"context"
	"net/http"
	"strings"

	"auth-service/internal/token"
)

type contextKey int

const payloadContextKey contextKey = iota

// AccessVerifier checks an Authorization header and returns the token
// payload.
type AccessVerifier interface {
	VerifyAccessToken(authHeader string) (token.Payload, error)
}

// RequireAccessToken rejects requests without a valid bearer access
// token and stashes the verified payload in the request context.
func RequireAccessToken(verifier AccessVerifier, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		if header == "" || !strings.HasPrefix(header, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "access denied, no token provided")
			return
		}

		payload, err := verifier.VerifyAccessToken(header)
		if err != nil {
			// Token present but unverifiable: forbidden, not unauthorized.
			writeError(w, http.StatusForbidden, "invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), payloadContextKey, payload)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// PayloadFromContext returns the payload stored by RequireAccessToken.
func PayloadFromContext(ctx context.Context) (token.Payload, bool) {
	payload, ok := ctx.Value(payloadContextKey).(token.Payload)
	return payload, ok
}
