package cachex

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"content-sharing-platform/shared/logx"
)

type post struct {
	ID      string `json:"id"`
	Content string `json:"content"`
}

func newTestCoordinator(t *testing.T) (*Coordinator, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewCoordinator(NewFromRedis(rdb), logx.Nop()), mr
}

func TestKeys(t *testing.T) {
	if RecordKey("p1") != "record:p1" {
		t.Fatalf("unexpected record key %s", RecordKey("p1"))
	}
	if CollectionKey(2, 10) != "collection:2:10" {
		t.Fatalf("unexpected collection key %s", CollectionKey(2, 10))
	}
}

func TestPopulateThenGet(t *testing.T) {
	c, mr := newTestCoordinator(t)
	ctx := context.Background()

	if err := c.Populate(ctx, RecordKey("p1"), post{ID: "p1", Content: "hi"}, time.Hour); err != nil {
		t.Fatalf("populate: %v", err)
	}
	var got post
	hit, err := c.Get(ctx, RecordKey("p1"), &got)
	if err != nil || !hit {
		t.Fatalf("expected hit, got hit=%v err=%v", hit, err)
	}
	if got.Content != "hi" {
		t.Fatalf("unexpected value: %#v", got)
	}
	if ttl := mr.TTL(RecordKey("p1")); ttl != time.Hour {
		t.Fatalf("unexpected ttl %s", ttl)
	}
	if mr.Exists(IndexKey(CollectionPrefix)) {
		t.Fatalf("record keys must not be indexed")
	}

	mr.FastForward(time.Hour + time.Second)
	if hit, _ := c.Get(ctx, RecordKey("p1"), &got); hit {
		t.Fatalf("expected miss after ttl")
	}
}

func TestInvalidateRemovesPointAndCollectionKeys(t *testing.T) {
	c, mr := newTestCoordinator(t)
	ctx := context.Background()

	_ = c.Populate(ctx, RecordKey("p1"), post{ID: "p1"}, time.Hour)
	_ = c.Populate(ctx, RecordKey("p2"), post{ID: "p2"}, time.Hour)
	for _, key := range []string{CollectionKey(1, 10), CollectionKey(2, 10), CollectionKey(1, 5)} {
		if err := c.Populate(ctx, key, []post{{ID: "p1"}}, 5*time.Minute); err != nil {
			t.Fatalf("populate %s: %v", key, err)
		}
	}

	n, err := c.Invalidate(ctx, RecordKey("p1"), CollectionPrefix)
	if err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if n != 4 {
		t.Fatalf("expected 4 keys removed, got %d", n)
	}

	var dest any
	for _, key := range []string{RecordKey("p1"), CollectionKey(1, 10), CollectionKey(2, 10), CollectionKey(1, 5)} {
		if hit, _ := c.Get(ctx, key, &dest); hit {
			t.Fatalf("expected miss for %s", key)
		}
	}
	if hit, _ := c.Get(ctx, RecordKey("p2"), &dest); !hit {
		t.Fatalf("unrelated record must survive")
	}
	if mr.Exists(IndexKey(CollectionPrefix)) {
		t.Fatalf("expected index emptied")
	}
}

func TestInvalidateWithExpiredIndexMembers(t *testing.T) {
	c, mr := newTestCoordinator(t)
	ctx := context.Background()

	_ = c.Populate(ctx, CollectionKey(1, 10), []post{}, time.Minute)
	mr.FastForward(2 * time.Minute)

	n, err := c.Invalidate(ctx, RecordKey("gone"), CollectionPrefix)
	if err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected nothing removed, got %d", n)
	}
}

func TestCollectionIndexExpiresWithEntries(t *testing.T) {
	c, mr := newTestCoordinator(t)
	ctx := context.Background()

	_ = c.Populate(ctx, CollectionKey(1, 10), []post{}, 5*time.Minute)
	if ttl := mr.TTL(IndexKey(CollectionPrefix)); ttl != 5*time.Minute {
		t.Fatalf("expected index ttl 5m, got %s", ttl)
	}

	mr.FastForward(4 * time.Minute)
	_ = c.Populate(ctx, CollectionKey(2, 10), []post{}, 5*time.Minute)
	mr.FastForward(2 * time.Minute)
	if !mr.Exists(IndexKey(CollectionPrefix)) {
		t.Fatalf("index must live as long as its newest entry")
	}
	if members, _ := mr.Members(IndexKey(CollectionPrefix)); len(members) != 2 {
		t.Fatalf("expected 2 index members, got %v", members)
	}

	mr.FastForward(4 * time.Minute)
	if mr.Exists(IndexKey(CollectionPrefix)) {
		t.Fatalf("expected the index to expire with the entries it tracks")
	}
}

func TestBackendErrorIsMiss(t *testing.T) {
	c, mr := newTestCoordinator(t)
	ctx := context.Background()
	mr.Close()

	var dest post
	hit, err := c.Get(ctx, RecordKey("p1"), &dest)
	if hit {
		t.Fatalf("expected miss on backend error")
	}
	if !errors.Is(err, ErrBackend) {
		t.Fatalf("expected ErrBackend, got %v", err)
	}
	if err := c.Populate(ctx, RecordKey("p1"), dest, time.Hour); !errors.Is(err, ErrBackend) {
		t.Fatalf("expected ErrBackend from populate, got %v", err)
	}
	if _, err := c.Invalidate(ctx, RecordKey("p1"), CollectionPrefix); !errors.Is(err, ErrBackend) {
		t.Fatalf("expected ErrBackend from invalidate, got %v", err)
	}
}

func TestCorruptEntryIsDroppedAndMissed(t *testing.T) {
	c, mr := newTestCoordinator(t)
	ctx := context.Background()
	_ = mr.Set(RecordKey("p1"), "{not json")

	var dest post
	hit, err := c.Get(ctx, RecordKey("p1"), &dest)
	if hit || !errors.Is(err, ErrBackend) {
		t.Fatalf("expected miss with ErrBackend, got hit=%v err=%v", hit, err)
	}
	if mr.Exists(RecordKey("p1")) {
		t.Fatalf("expected corrupt entry deleted")
	}
}
