// Package projection keeps the media ledger consistent with post deletions.
package projection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"content-sharing-platform/shared/events"
	"content-sharing-platform/shared/logx"
)

// Media is one uploaded object and who owns it.
type Media struct {
	ID           string    `json:"id"`
	URL          string    `json:"url"`
	MimeType     string    `json:"mimeType"`
	UploadedBy   string    `json:"uploadedBy"`
	OriginalName string    `json:"originalName"`
	PublicID     string    `json:"publicId"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Store is the metadata ledger. Ids that are unknown or malformed are left
// out of FindByIDs; Delete of an unknown id must succeed.
type Store interface {
	FindByIDs(ctx context.Context, ids []string) ([]Media, error)
	Delete(ctx context.Context, id string) error
}

// BlobDeleter removes stored objects. Deleting an object that is already
// gone is not an error.
type BlobDeleter interface {
	Delete(ctx context.Context, publicID string) error
}

// Apply returns the post.deleted handler. Every referenced object is
// removed from the blob store and then from the ledger. Objects that fail
// are reported together; a redelivery only finds what is left.
func Apply(store Store, blobs BlobDeleter, logger logx.Logger) func(ctx context.Context, ev events.DomainEvent) error {
	return func(ctx context.Context, ev events.DomainEvent) error {
		switch ev.Kind {
		case events.KindCreated:
			return nil
		case events.KindDeleted:
		default:
			return fmt.Errorf("%w: %q", events.ErrUnknownKind, ev.Kind)
		}
		if len(ev.Payload.MediaIDs) == 0 {
			return nil
		}
		found, err := store.FindByIDs(ctx, ev.Payload.MediaIDs)
		if err != nil {
			return fmt.Errorf("find media: %w", err)
		}

		var errs []error
		for _, m := range found {
			if err := blobs.Delete(ctx, m.PublicID); err != nil {
				errs = append(errs, fmt.Errorf("delete blob %s: %w", m.ID, err))
				continue
			}
			if err := store.Delete(ctx, m.ID); err != nil {
				errs = append(errs, fmt.Errorf("delete media %s: %w", m.ID, err))
				continue
			}
			logger.Info(ctx, "media_deleted", "deleted media of deleted post",
				slog.String("media_id", m.ID),
				slog.String("post_id", ev.SourceID),
			)
		}
		return errors.Join(errs...)
	}
}
