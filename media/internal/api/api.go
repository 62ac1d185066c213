package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"content-sharing-platform/media/projection"
	"content-sharing-platform/shared/authx"
	"content-sharing-platform/shared/httpx"
	"content-sharing-platform/shared/logx"
)

type Ledger interface {
	Create(ctx context.Context, m projection.Media) (projection.Media, error)
	Get(ctx context.Context, id string) (projection.Media, error)
}

// RegisterInput describes an object that has already been uploaded to the
// blob store.
type RegisterInput struct {
	URL          string `json:"url"`
	MimeType     string `json:"mimeType"`
	OriginalName string `json:"originalName"`
	PublicID     string `json:"publicId"`
}

type registerResponse struct {
	Success bool   `json:"success"`
	MediaID string `json:"mediaId"`
	URL     string `json:"url"`
}

type mediaResponse struct {
	Success bool             `json:"success"`
	Media   projection.Media `json:"media"`
}

func RegisterRoutes(mux *http.ServeMux, ledger Ledger, logger logx.Logger) {
	mux.HandleFunc("POST /api/v1/media", func(w http.ResponseWriter, r *http.Request) {
		owner := authx.OwnerID(r.Context())
		if owner == "" {
			httpx.WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "missing user identity", nil)
			return
		}
		var in RegisterInput
		if err := httpx.DecodeJSON(r, &in); err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error(), nil)
			return
		}
		if msg := validate(&in); msg != "" {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", msg, nil)
			return
		}
		m, err := ledger.Create(r.Context(), projection.Media{
			URL:          in.URL,
			MimeType:     in.MimeType,
			UploadedBy:   owner,
			OriginalName: in.OriginalName,
			PublicID:     in.PublicID,
		})
		if err != nil {
			internalError(w, r, logger, err)
			return
		}
		logger.Info(r.Context(), "media_registered", "media metadata saved",
			slog.String("media_id", m.ID),
			slog.String("public_id", m.PublicID),
			slog.String("mime_type", m.MimeType),
		)
		httpx.WriteJSON(w, http.StatusCreated, registerResponse{Success: true, MediaID: m.ID, URL: m.URL})
	})

	mux.HandleFunc("GET /api/v1/media/{id}", func(w http.ResponseWriter, r *http.Request) {
		m, err := ledger.Get(r.Context(), r.PathValue("id"))
		if errors.Is(err, projection.ErrNotFound) {
			httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "media not found", nil)
			return
		}
		if err != nil {
			internalError(w, r, logger, err)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, mediaResponse{Success: true, Media: m})
	})
}

func validate(in *RegisterInput) string {
	in.URL = strings.TrimSpace(in.URL)
	in.MimeType = strings.TrimSpace(in.MimeType)
	in.OriginalName = strings.TrimSpace(in.OriginalName)
	in.PublicID = strings.TrimSpace(in.PublicID)
	if in.URL == "" || in.MimeType == "" || in.OriginalName == "" || in.PublicID == "" {
		return "url, mimeType, originalName and publicId are required"
	}
	u, err := url.Parse(in.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "url must be an absolute http(s) url"
	}
	return ""
}

func internalError(w http.ResponseWriter, r *http.Request, logger logx.Logger, err error) {
	logger.Error(r.Context(), "media_request_failed", "media request failed",
		slog.String("error_code", "INTERNAL_ERROR"),
		slog.String("error", err.Error()),
		slog.String("path", r.URL.Path),
	)
	httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error", nil)
}
