package httpx

import (
	"net/http"
	"strings"

	"content-sharing-platform/shared/authx"
)

// AuthMiddleware attaches the caller's identity to the request context. A
// bearer token is verified when present; otherwise, with TrustGateway set,
// the user id forwarded by the gateway is accepted as is.
type AuthMiddleware struct {
	Verifier     authx.Verifier
	TrustGateway bool
	Skip         func(*http.Request) bool
}

func (m AuthMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Skip != nil && m.Skip(r) {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
		if authHeader == "" && m.TrustGateway {
			if userID := strings.TrimSpace(r.Header.Get(authx.HeaderUserID)); userID != "" {
				setRequestUser(r.Context(), userID)
				ctx := authx.WithAuth(r.Context(), authx.AuthContext{Subject: userID})
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
		}

		if m.Verifier == nil {
			if m.TrustGateway {
				WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "missing user id", nil)
				return
			}
			WriteError(w, r, http.StatusPreconditionFailed, "FAILED_PRECONDITION", "auth verifier not configured", nil)
			return
		}
		if !strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
			WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "missing bearer token", nil)
			return
		}
		token := strings.TrimSpace(authHeader[len("bearer "):])
		auth, err := m.Verifier.Verify(r.Context(), token)
		if err != nil {
			WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "invalid token", nil)
			return
		}

		setRequestUser(r.Context(), auth.Subject)
		ctx := authx.WithAuth(r.Context(), auth)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// SkipProbes lets health, readiness and metrics through without identity.
func SkipProbes(r *http.Request) bool {
	switch r.URL.Path {
	case "/healthz", "/readyz", "/metrics":
		return true
	}
	return false
}
