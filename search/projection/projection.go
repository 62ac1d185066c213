// Package projection keeps the search index in step with post events.
package projection

import (
	"context"
	"fmt"
	"strings"
	"time"

	"content-sharing-platform/shared/events"
)

// Record is one indexed post.
type Record struct {
	PostID    string    `json:"postId"`
	UserID    string    `json:"userId"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store is the search index. Upsert must leave exactly one record per post;
// Delete of an unknown post must succeed. A deleted post stays deleted even
// if its created event is redelivered afterwards.
type Store interface {
	Upsert(ctx context.Context, rec Record) error
	Delete(ctx context.Context, postID string) error
}

// Apply returns the handler for both post.created and post.deleted.
func Apply(store Store) func(ctx context.Context, ev events.DomainEvent) error {
	return func(ctx context.Context, ev events.DomainEvent) error {
		switch ev.Kind {
		case events.KindCreated:
			return store.Upsert(ctx, Record{
				PostID:    ev.SourceID,
				UserID:    ev.OwnerID,
				Content:   strings.TrimSpace(ev.Payload.Content),
				CreatedAt: ev.Payload.CreatedAt,
			})
		case events.KindDeleted:
			return store.Delete(ctx, ev.SourceID)
		default:
			return fmt.Errorf("%w: %q", events.ErrUnknownKind, ev.Kind)
		}
	}
}
