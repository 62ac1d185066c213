package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"content-sharing-platform/posts/internal/models"
	"content-sharing-platform/posts/internal/repos"
	"content-sharing-platform/shared/cachex"
	"content-sharing-platform/shared/events"
	"content-sharing-platform/shared/logx"
)

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrNotFound        = repos.ErrNotFound
)

const (
	DefaultPage     = 1
	DefaultPageSize = 10
	MaxPageSize     = 100
)

type Store interface {
	CreatePost(ctx context.Context, post models.Post, stage repos.Stage) (models.Post, error)
	GetPost(ctx context.Context, id uuid.UUID) (models.Post, error)
	ListPosts(ctx context.Context, page int, limit int) ([]models.Post, int, error)
	DeletePost(ctx context.Context, id uuid.UUID, userID string, stage repos.Stage) (models.Post, error)
}

type Cache interface {
	Get(ctx context.Context, key string, dest any) (bool, error)
	Populate(ctx context.Context, key string, value any, ttl time.Duration) error
	Invalidate(ctx context.Context, pointKey string, collectionPrefix string) (int, error)
}

type EventPublisher interface {
	PublishEvent(ctx context.Context, ev events.DomainEvent) error
}

type Options struct {
	RecordTTL     time.Duration
	CollectionTTL time.Duration
	// Outbox writes events in the post transaction instead of publishing
	// them after the write. The relay delivers them.
	Outbox bool
	Logger logx.Logger
}

// Service owns the posts store. Every mutation commits, then invalidates the
// cache, then emits its event.
type Service struct {
	store Store
	cache Cache
	pub   EventPublisher
	opts  Options
}

func New(store Store, cache Cache, pub EventPublisher, opts Options) *Service {
	if opts.RecordTTL <= 0 {
		opts.RecordTTL = time.Hour
	}
	if opts.CollectionTTL <= 0 {
		opts.CollectionTTL = 5 * time.Minute
	}
	return &Service{store: store, cache: cache, pub: pub, opts: opts}
}

type CreateInput struct {
	Content  string   `json:"content"`
	MediaIDs []string `json:"mediaIds"`
}

func (s *Service) Create(ctx context.Context, ownerID string, in CreateInput) (models.Post, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return models.Post{}, ErrUnauthenticated
	}
	content := strings.TrimSpace(in.Content)
	if content == "" {
		return models.Post{}, fmt.Errorf("%w: content cannot be empty", ErrInvalidArgument)
	}

	post := models.Post{
		ID:        uuid.New(),
		UserID:    ownerID,
		Content:   content,
		MediaIDs:  compact(in.MediaIDs),
		CreatedAt: time.Now().UTC(),
	}
	created, err := s.store.CreatePost(ctx, post, s.stage(createdEvent))
	if err != nil {
		return models.Post{}, err
	}

	s.invalidate(ctx, created.ID)
	if !s.opts.Outbox && s.pub != nil {
		_ = s.pub.PublishEvent(ctx, createdEvent(created))
	}
	s.opts.Logger.Info(ctx, "post_created", "post created",
		slog.String("post_id", created.ID.String()),
		slog.String("user_id", ownerID),
	)
	return created, nil
}

// Get returns the post and whether it was served from the cache.
func (s *Service) Get(ctx context.Context, rawID string) (models.Post, bool, error) {
	id, err := uuid.Parse(strings.TrimSpace(rawID))
	if err != nil {
		return models.Post{}, false, fmt.Errorf("%w: invalid post id", ErrInvalidArgument)
	}
	key := cachex.RecordKey(id.String())
	var cached models.Post
	if s.cacheGet(ctx, key, &cached) {
		return cached, true, nil
	}

	post, err := s.store.GetPost(ctx, id)
	if err != nil {
		return models.Post{}, false, err
	}
	s.populate(ctx, key, post, s.opts.RecordTTL)
	return post, false, nil
}

// List returns one page of the newest-first listing and whether it was served
// from the cache.
func (s *Service) List(ctx context.Context, page int, limit int) (models.PostPage, bool, error) {
	if page < 1 {
		page = DefaultPage
	}
	if limit < 1 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	key := cachex.CollectionKey(page, limit)
	var cached models.PostPage
	if s.cacheGet(ctx, key, &cached) {
		return cached, true, nil
	}

	posts, total, err := s.store.ListPosts(ctx, page, limit)
	if err != nil {
		return models.PostPage{}, false, err
	}
	result := models.PostPage{
		Posts:       posts,
		CurrentPage: page,
		TotalPages:  (total + limit - 1) / limit,
		TotalPosts:  total,
	}
	s.populate(ctx, key, result, s.opts.CollectionTTL)
	return result, false, nil
}

// Delete removes a post owned by ownerID. Posts owned by someone else are
// reported as ErrNotFound.
func (s *Service) Delete(ctx context.Context, ownerID string, rawID string) error {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return ErrUnauthenticated
	}
	id, err := uuid.Parse(strings.TrimSpace(rawID))
	if err != nil {
		return ErrNotFound
	}
	deleted, err := s.store.DeletePost(ctx, id, ownerID, s.stage(deletedEvent))
	if err != nil {
		return err
	}

	s.invalidate(ctx, deleted.ID)
	if !s.opts.Outbox && s.pub != nil {
		_ = s.pub.PublishEvent(ctx, deletedEvent(deleted))
	}
	s.opts.Logger.Info(ctx, "post_deleted", "post deleted",
		slog.String("post_id", deleted.ID.String()),
		slog.String("user_id", ownerID),
		slog.Int("media_count", len(deleted.MediaIDs)),
	)
	return nil
}

func (s *Service) stage(build func(models.Post) events.DomainEvent) repos.Stage {
	if !s.opts.Outbox {
		return nil
	}
	return func(p models.Post) (models.OutboxEvent, error) {
		ev := build(p)
		key, body, err := events.Encode(ev)
		if err != nil {
			return models.OutboxEvent{}, err
		}
		return models.OutboxEvent{
			EventID:     ev.ID,
			AggregateID: p.ID,
			RoutingKey:  key,
			Payload:     body,
		}, nil
	}
}

// invalidate drops the record and every cached page. Failures are logged by
// the coordinator; the write already stands.
func (s *Service) invalidate(ctx context.Context, id uuid.UUID) {
	if s.cache == nil {
		return
	}
	_, _ = s.cache.Invalidate(ctx, cachex.RecordKey(id.String()), cachex.CollectionPrefix)
}

func (s *Service) cacheGet(ctx context.Context, key string, dest any) bool {
	if s.cache == nil {
		return false
	}
	hit, err := s.cache.Get(ctx, key, dest)
	return hit && err == nil
}

func (s *Service) populate(ctx context.Context, key string, value any, ttl time.Duration) {
	if s.cache == nil {
		return
	}
	_ = s.cache.Populate(ctx, key, value, ttl)
}

func createdEvent(p models.Post) events.DomainEvent {
	return events.NewCreated(p.ID.String(), p.UserID, p.Content, p.CreatedAt)
}

func deletedEvent(p models.Post) events.DomainEvent {
	return events.NewDeleted(p.ID.String(), p.UserID, p.MediaIDs)
}

func compact(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}
	return out
}
