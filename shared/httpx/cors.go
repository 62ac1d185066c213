package httpx

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"content-sharing-platform/shared/authx"
)

// CORS answers browser preflights and sets the allow-origin headers. With
// no AllowedOrigins every origin is allowed.
type CORS struct {
	AllowedOrigins   []string
	AllowedMethods   []string
	AllowedHeaders   []string
	AllowCredentials bool
	MaxAge           time.Duration
}

func (m CORS) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := m.allowOrigin(strings.TrimSpace(r.Header.Get("Origin"))); origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
			if m.AllowCredentials {
				w.Header().Set("Access-Control-Allow-Credentials", "true")
			}
		}

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.Header().Set("Access-Control-Allow-Methods", strings.Join(m.methods(), ", "))
			w.Header().Set("Access-Control-Allow-Headers", strings.Join(m.headers(), ", "))
			if m.MaxAge > 0 {
				w.Header().Set("Access-Control-Max-Age", strconv.Itoa(int(m.MaxAge.Seconds())))
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (m CORS) allowOrigin(origin string) string {
	if origin == "" {
		return ""
	}
	if len(m.AllowedOrigins) == 0 {
		return m.wildcard(origin)
	}
	for _, allowed := range m.AllowedOrigins {
		switch {
		case allowed == "*":
			return m.wildcard(origin)
		case strings.EqualFold(allowed, origin):
			return origin
		}
	}
	return ""
}

// wildcard echoes the origin when credentials are allowed; browsers reject
// "*" together with credentials.
func (m CORS) wildcard(origin string) string {
	if m.AllowCredentials {
		return origin
	}
	return "*"
}

func (m CORS) methods() []string {
	if len(m.AllowedMethods) > 0 {
		return m.AllowedMethods
	}
	return []string{"GET", "POST", "DELETE", "OPTIONS"}
}

func (m CORS) headers() []string {
	if len(m.AllowedHeaders) > 0 {
		return m.AllowedHeaders
	}
	return []string{"Authorization", "Content-Type", "X-Request-ID", authx.HeaderUserID}
}
