package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"content-sharing-platform/shared/config"
)

func probe(t *testing.T, opts ProbeOptions, path string) (int, ErrorEnvelope) {
	t.Helper()
	mux := http.NewServeMux()
	RegisterProbes(mux, opts)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	var env ErrorEnvelope
	_ = json.Unmarshal(rec.Body.Bytes(), &env)
	return rec.Code, env
}

func TestReadyzReportsFailingCheck(t *testing.T) {
	opts := ProbeOptions{
		Service: "posts",
		Checks: map[string]Check{
			"db":     func(context.Context) error { return nil },
			"broker": func(context.Context) error { return errors.New("down") },
		},
	}
	if code, _ := probe(t, opts, "/healthz"); code != http.StatusOK {
		t.Fatalf("healthz must not depend on checks, got %d", code)
	}
	code, env := probe(t, opts, "/readyz")
	if code != http.StatusServiceUnavailable || env.Error.Message != "service not ready: broker unavailable" {
		t.Fatalf("unexpected readyz %d %#v", code, env)
	}
}

func TestReadyzReportsConfigProblems(t *testing.T) {
	opts := ProbeOptions{Problems: []config.Problem{{Field: "ENV", Message: "ENV is required"}}}
	if code, _ := probe(t, opts, "/readyz"); code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", code)
	}
	if code, _ := probe(t, ProbeOptions{}, "/readyz"); code != http.StatusOK {
		t.Fatalf("expected ready, got %d", code)
	}
}
