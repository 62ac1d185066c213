package service

import (
	"errors"
	"log/slog"
	"net/http"

	"content-sharing-platform/posts/internal/models"
	"content-sharing-platform/shared/authx"
	"content-sharing-platform/shared/httpx"
	"content-sharing-platform/shared/logx"
)

type postResponse struct {
	Success   bool         `json:"success"`
	Message   string       `json:"message"`
	Post      *models.Post `json:"post,omitempty"`
	FromCache bool         `json:"fromCache"`
}

type listResponse struct {
	Success   bool            `json:"success"`
	Message   string          `json:"message"`
	Posts     models.PostPage `json:"posts"`
	FromCache bool            `json:"fromCache"`
}

// RegisterRoutes mounts the posts API on mux.
func RegisterRoutes(mux *http.ServeMux, svc *Service, logger logx.Logger) {
	mux.HandleFunc("POST /api/v1/posts", func(w http.ResponseWriter, r *http.Request) {
		var in CreateInput
		if err := httpx.DecodeJSON(r, &in); err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error(), nil)
			return
		}
		post, err := svc.Create(r.Context(), authx.OwnerID(r.Context()), in)
		if err != nil {
			writeServiceError(w, r, logger, err)
			return
		}
		httpx.WriteJSON(w, http.StatusCreated, postResponse{Success: true, Message: "Post created successfully", Post: &post})
	})

	mux.HandleFunc("GET /api/v1/posts", func(w http.ResponseWriter, r *http.Request) {
		page, fromCache, err := svc.List(r.Context(),
			httpx.QueryInt(r, "page", DefaultPage),
			httpx.QueryInt(r, "limit", DefaultPageSize),
		)
		if err != nil {
			writeServiceError(w, r, logger, err)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, listResponse{Success: true, Message: "Posts fetched successfully", Posts: page, FromCache: fromCache})
	})

	mux.HandleFunc("GET /api/v1/posts/{id}", func(w http.ResponseWriter, r *http.Request) {
		post, fromCache, err := svc.Get(r.Context(), r.PathValue("id"))
		if err != nil {
			writeServiceError(w, r, logger, err)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, postResponse{Success: true, Message: "Post fetched successfully", Post: &post, FromCache: fromCache})
	})

	mux.HandleFunc("DELETE /api/v1/posts/{id}", func(w http.ResponseWriter, r *http.Request) {
		if err := svc.Delete(r.Context(), authx.OwnerID(r.Context()), r.PathValue("id")); err != nil {
			writeServiceError(w, r, logger, err)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, postResponse{Success: true, Message: "Post deleted successfully"})
	})
}

func writeServiceError(w http.ResponseWriter, r *http.Request, logger logx.Logger, err error) {
	switch {
	case errors.Is(err, ErrInvalidArgument):
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error(), nil)
	case errors.Is(err, ErrUnauthenticated):
		httpx.WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "missing user identity", nil)
	case errors.Is(err, ErrNotFound):
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "post not found", nil)
	default:
		logger.Error(r.Context(), "posts_request_failed", "posts request failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
			slog.String("path", r.URL.Path),
		)
		httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error", nil)
	}
}
