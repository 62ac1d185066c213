package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"content-sharing-platform/posts/internal/models"
	"content-sharing-platform/posts/internal/repos"
	"content-sharing-platform/shared/cachex"
	"content-sharing-platform/shared/events"
	"content-sharing-platform/shared/logx"
	"content-sharing-platform/shared/mqx"
	"content-sharing-platform/shared/publisher"
)

type memStore struct {
	mu     sync.Mutex
	posts  map[uuid.UUID]models.Post
	outbox []models.OutboxEvent
	reads  int
}

func newMemStore() *memStore {
	return &memStore{posts: map[uuid.UUID]models.Post{}}
}

func (m *memStore) CreatePost(ctx context.Context, post models.Post, stage repos.Stage) (models.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if stage != nil {
		ev, err := stage(post)
		if err != nil {
			return models.Post{}, err
		}
		m.outbox = append(m.outbox, ev)
	}
	m.posts[post.ID] = post
	return post, nil
}

func (m *memStore) GetPost(ctx context.Context, id uuid.UUID) (models.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	p, ok := m.posts[id]
	if !ok {
		return models.Post{}, repos.ErrNotFound
	}
	return p, nil
}

func (m *memStore) ListPosts(ctx context.Context, page int, limit int) ([]models.Post, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	all := make([]models.Post, 0, len(m.posts))
	for _, p := range m.posts {
		all = append(all, p)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	start := (page - 1) * limit
	if start >= len(all) {
		return []models.Post{}, len(all), nil
	}
	end := start + limit
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], len(all), nil
}

func (m *memStore) DeletePost(ctx context.Context, id uuid.UUID, userID string, stage repos.Stage) (models.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.posts[id]
	if !ok || p.UserID != userID {
		return models.Post{}, repos.ErrNotFound
	}
	if stage != nil {
		ev, err := stage(p)
		if err != nil {
			return models.Post{}, err
		}
		m.outbox = append(m.outbox, ev)
	}
	delete(m.posts, id)
	return p, nil
}

type fixture struct {
	svc    *Service
	store  *memStore
	broker *mqx.MemoryBroker
	redis  *miniredis.Miniredis
}

func newFixture(t *testing.T, outbox bool) fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })

	store := newMemStore()
	broker := mqx.NewMemoryBroker()
	cache := cachex.NewCoordinator(cachex.NewFromRedis(rdb), logx.Nop())
	svc := New(store, cache, publisher.New(broker, logx.Nop(), "posts"), Options{
		RecordTTL:     time.Hour,
		CollectionTTL: 5 * time.Minute,
		Outbox:        outbox,
	})
	return fixture{svc: svc, store: store, broker: broker, redis: mr}
}

func TestCreatePublishesAfterWrite(t *testing.T) {
	f := newFixture(t, false)
	post, err := f.svc.Create(context.Background(), "u1", CreateInput{Content: "  hi  ", MediaIDs: []string{"m1", " "}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if post.Content != "hi" || len(post.MediaIDs) != 1 {
		t.Fatalf("unexpected post %#v", post)
	}

	msgs := f.broker.PublishedTo(events.RoutingPostCreated)
	if len(msgs) != 1 {
		t.Fatalf("expected 1 post.created, got %d", len(msgs))
	}
	ev, err := events.Decode(msgs[0].RoutingKey, msgs[0].Body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.SourceID != post.ID.String() || ev.OwnerID != "u1" || ev.Payload.Content != "hi" {
		t.Fatalf("unexpected event %#v", ev)
	}
	if msgs[0].Headers[publisher.HeaderEventID] != ev.ID.String() {
		t.Fatalf("expected event id header")
	}
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t, false)
	if _, err := f.svc.Create(context.Background(), "", CreateInput{Content: "hi"}); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
	if _, err := f.svc.Create(context.Background(), "u1", CreateInput{Content: "   "}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	if len(f.broker.Published()) != 0 {
		t.Fatalf("nothing should be published for rejected input")
	}
}

func TestPublishFailureKeepsWrite(t *testing.T) {
	f := newFixture(t, false)
	f.broker.FailPublish(errors.New("broker down"))

	post, err := f.svc.Create(context.Background(), "u1", CreateInput{Content: "hi"})
	if err != nil {
		t.Fatalf("write must succeed without the broker: %v", err)
	}
	got, _, err := f.svc.Get(context.Background(), post.ID.String())
	if err != nil || got.ID != post.ID {
		t.Fatalf("expected stored post, got %#v err=%v", got, err)
	}
}

func TestGetServesFromCacheAfterFirstRead(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	post, _ := f.svc.Create(ctx, "u1", CreateInput{Content: "hi"})

	if _, fromCache, err := f.svc.Get(ctx, post.ID.String()); err != nil || fromCache {
		t.Fatalf("first read should hit the store, fromCache=%v err=%v", fromCache, err)
	}
	got, fromCache, err := f.svc.Get(ctx, post.ID.String())
	if err != nil || !fromCache || got.Content != "hi" {
		t.Fatalf("second read should be cached, got %#v fromCache=%v err=%v", got, fromCache, err)
	}
	if ttl := f.redis.TTL(cachex.RecordKey(post.ID.String())); ttl != time.Hour {
		t.Fatalf("expected record ttl 1h, got %v", ttl)
	}
}

func TestReadAfterDeleteNeverReturnsStaleRecord(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	post, _ := f.svc.Create(ctx, "u1", CreateInput{Content: "hi", MediaIDs: []string{"m1"}})
	_, _, _ = f.svc.Get(ctx, post.ID.String())

	if err := f.svc.Delete(ctx, "u1", post.ID.String()); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, _, err := f.svc.Get(ctx, post.ID.String()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}

	msgs := f.broker.PublishedTo(events.RoutingPostDeleted)
	if len(msgs) != 1 {
		t.Fatalf("expected 1 post.deleted, got %d", len(msgs))
	}
	ev, _ := events.Decode(msgs[0].RoutingKey, msgs[0].Body)
	if len(ev.Payload.MediaIDs) != 1 || ev.Payload.MediaIDs[0] != "m1" {
		t.Fatalf("expected media ids in delete event, got %#v", ev.Payload)
	}
}

func TestListingInvalidatedByCreate(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	_, _ = f.svc.Create(ctx, "u1", CreateInput{Content: "first"})

	page, fromCache, err := f.svc.List(ctx, 0, 0)
	if err != nil || fromCache || page.TotalPosts != 1 || page.CurrentPage != 1 {
		t.Fatalf("unexpected first listing %#v fromCache=%v err=%v", page, fromCache, err)
	}
	if _, fromCache, _ = f.svc.List(ctx, 1, 10); !fromCache {
		t.Fatalf("expected cached listing")
	}
	if ttl := f.redis.TTL(cachex.CollectionKey(1, 10)); ttl != 5*time.Minute {
		t.Fatalf("expected listing ttl 5m, got %v", ttl)
	}

	time.Sleep(time.Millisecond)
	second, _ := f.svc.Create(ctx, "u2", CreateInput{Content: "second"})
	page, fromCache, err = f.svc.List(ctx, 1, 10)
	if err != nil || fromCache {
		t.Fatalf("listing must be rebuilt after a write, fromCache=%v err=%v", fromCache, err)
	}
	if page.TotalPosts != 2 || page.Posts[0].ID != second.ID {
		t.Fatalf("expected newest post first, got %#v", page)
	}
}

func TestListPagination(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, _ = f.svc.Create(ctx, "u1", CreateInput{Content: "p"})
		time.Sleep(time.Millisecond)
	}
	page, _, err := f.svc.List(ctx, 3, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if page.TotalPages != 3 || len(page.Posts) != 1 || page.CurrentPage != 3 {
		t.Fatalf("unexpected page %#v", page)
	}
	if _, _, _ = f.svc.List(ctx, 1, 1000); !f.redis.Exists(cachex.CollectionKey(1, MaxPageSize)) {
		t.Fatalf("expected page size clamped to %d", MaxPageSize)
	}
}

func TestDeleteByNonOwner(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	post, _ := f.svc.Create(ctx, "u1", CreateInput{Content: "hi"})

	if err := f.svc.Delete(ctx, "u2", post.ID.String()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := f.svc.Delete(ctx, "u1", "not-a-uuid"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for bad id, got %v", err)
	}
	if err := f.svc.Delete(ctx, "", post.ID.String()); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
	if len(f.broker.PublishedTo(events.RoutingPostDeleted)) != 0 {
		t.Fatalf("no delete event expected")
	}
}

func TestCacheBackendDownFallsBackToStore(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	post, _ := f.svc.Create(ctx, "u1", CreateInput{Content: "hi"})
	f.redis.Close()

	got, fromCache, err := f.svc.Get(ctx, post.ID.String())
	if err != nil || fromCache || got.ID != post.ID {
		t.Fatalf("expected store read, got %#v fromCache=%v err=%v", got, fromCache, err)
	}
	if _, err := f.svc.Create(ctx, "u1", CreateInput{Content: "still writes"}); err != nil {
		t.Fatalf("write must not depend on the cache: %v", err)
	}
}

func TestOutboxModeStagesEventsInsteadOfPublishing(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	post, err := f.svc.Create(ctx, "u1", CreateInput{Content: "hi", MediaIDs: []string{"m1"}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := f.svc.Delete(ctx, "u1", post.ID.String()); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(f.broker.Published()) != 0 {
		t.Fatalf("outbox mode must not publish directly")
	}
	if len(f.store.outbox) != 2 {
		t.Fatalf("expected 2 outbox rows, got %d", len(f.store.outbox))
	}
	for i, key := range []string{events.RoutingPostCreated, events.RoutingPostDeleted} {
		row := f.store.outbox[i]
		if row.RoutingKey != key || row.AggregateID != post.ID {
			t.Fatalf("unexpected outbox row %#v", row)
		}
		ev, err := events.Decode(row.RoutingKey, row.Payload)
		if err != nil || ev.ID != row.EventID {
			t.Fatalf("outbox payload must decode with its event id, got %#v err=%v", ev, err)
		}
	}
}
