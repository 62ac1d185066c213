package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"content-sharing-platform/search/internal/repos"
	"content-sharing-platform/shared/httpx"
	"content-sharing-platform/shared/logx"
)

const maxQueryLength = 256

type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]repos.Result, error)
}

type searchResponse struct {
	Success bool           `json:"success"`
	Data    []repos.Result `json:"data"`
}

func RegisterRoutes(mux *http.ServeMux, searcher Searcher, logger logx.Logger) {
	mux.HandleFunc("GET /api/v1/search", func(w http.ResponseWriter, r *http.Request) {
		q := strings.TrimSpace(r.URL.Query().Get("q"))
		if q == "" {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "query parameter q is required", nil)
			return
		}
		if len(q) > maxQueryLength {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "query is too long", nil)
			return
		}
		results, err := searcher.Search(r.Context(), q, repos.DefaultSearchLimit)
		if err != nil {
			logger.Error(r.Context(), "search_failed", "search failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error", nil)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, searchResponse{Success: true, Data: results})
	})
}
