package httpx

import (
	"context"
	"net/http"
	"sort"

	"content-sharing-platform/shared/config"
)

// Check reports whether one dependency is usable.
type Check func(ctx context.Context) error

type ProbeOptions struct {
	Service  string
	Env      string
	Version  string
	Problems []config.Problem
	Checks   map[string]Check
}

type statusResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Env     string `json:"env,omitempty"`
	Version string `json:"version,omitempty"`
}

// RegisterProbes mounts /healthz and /readyz. Readiness fails while the
// configuration has problems or any check fails.
func RegisterProbes(mux *http.ServeMux, opts ProbeOptions) {
	names := make([]string, 0, len(opts.Checks))
	for name := range opts.Checks {
		names = append(names, name)
	}
	sort.Strings(names)

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, statusResponse{Status: "ok", Service: opts.Service, Env: opts.Env, Version: opts.Version})
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if len(opts.Problems) > 0 {
			WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION",
				"service not ready: invalid configuration",
				map[string]any{"problems": opts.Problems},
			)
			return
		}
		for _, name := range names {
			if err := opts.Checks[name](r.Context()); err != nil {
				WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION",
					"service not ready: "+name+" unavailable",
					map[string]any{"problem": name + "_unavailable"},
				)
				return
			}
		}
		WriteJSON(w, http.StatusOK, statusResponse{Status: "ready", Service: opts.Service, Env: opts.Env, Version: opts.Version})
	})
}
