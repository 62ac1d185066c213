package httpx

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestCORSPreflight(t *testing.T) {
	called := false
	h := CORS{AllowedOrigins: []string{"https://app.example.com"}, MaxAge: time.Minute}.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/posts", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent || called {
		t.Fatalf("expected preflight answered without calling next, code=%d called=%v", rec.Code, called)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("unexpected allow-origin %q", got)
	}
	if rec.Header().Get("Access-Control-Max-Age") != "60" {
		t.Fatalf("unexpected max-age %q", rec.Header().Get("Access-Control-Max-Age"))
	}
}

func TestCORSOrigins(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	cases := []struct {
		cors   CORS
		origin string
		want   string
	}{
		{CORS{}, "https://a.example", "*"},
		{CORS{AllowCredentials: true}, "https://a.example", "https://a.example"},
		{CORS{AllowedOrigins: []string{"https://a.example"}}, "https://b.example", ""},
		{CORS{AllowedOrigins: []string{"*"}}, "https://b.example", "*"},
		{CORS{}, "", ""},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if tc.origin != "" {
			req.Header.Set("Origin", tc.origin)
		}
		rec := httptest.NewRecorder()
		tc.cors.Wrap(next).ServeHTTP(rec, req)
		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tc.want {
			t.Fatalf("origin %q with %+v: got %q want %q", tc.origin, tc.cors, got, tc.want)
		}
	}
}
