package projection

import (
	"context"
	"errors"
	"testing"
	"time"

	"content-sharing-platform/shared/events"
)

func TestCreatedTwiceKeepsLatestFields(t *testing.T) {
	store := NewMemoryStore()
	apply := Apply(store)
	ctx := context.Background()

	_ = apply(ctx, events.NewCreated("p1", "u1", "first", time.Now()))
	if err := apply(ctx, events.NewCreated("p1", "u1", " second ", time.Now())); err != nil {
		t.Fatalf("apply: %v", err)
	}
	rec, ok := store.Get("p1")
	if !ok || store.Len() != 1 || rec.Content != "second" {
		t.Fatalf("expected one record with latest content, got %#v len=%d", rec, store.Len())
	}
}

func TestDeletedWinsOverLateCreated(t *testing.T) {
	store := NewMemoryStore()
	apply := Apply(store)
	ctx := context.Background()
	created := events.NewCreated("p1", "u1", "hi", time.Now())

	_ = apply(ctx, created)
	_ = apply(ctx, created)
	if err := apply(ctx, events.NewDeleted("p1", "u1", nil)); err != nil {
		t.Fatalf("apply delete: %v", err)
	}
	_ = apply(ctx, created)
	if _, ok := store.Get("p1"); ok {
		t.Fatalf("record must stay deleted")
	}
}

func TestDeleteMissingIsNoop(t *testing.T) {
	store := NewMemoryStore()
	if err := Apply(store)(context.Background(), events.NewDeleted("ghost", "u1", nil)); err != nil {
		t.Fatalf("expected no-op, got %v", err)
	}
	if store.Len() != 0 {
		t.Fatalf("expected empty index")
	}
}

func TestUnknownKind(t *testing.T) {
	err := Apply(NewMemoryStore())(context.Background(), events.DomainEvent{Kind: "updated", SourceID: "p1"})
	if !errors.Is(err, events.ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
}

func TestMemorySearch(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.Upsert(ctx, Record{PostID: "p1", Content: "Hello world", CreatedAt: time.Now().Add(-time.Minute)})
	_ = store.Upsert(ctx, Record{PostID: "p2", Content: "hello there", CreatedAt: time.Now()})

	got, _ := store.Search(ctx, "hello", 10)
	if len(got) != 2 || got[0].PostID != "p2" {
		t.Fatalf("unexpected results %#v", got)
	}
	if got, _ = store.Search(ctx, "hello world", 10); len(got) != 1 {
		t.Fatalf("expected one match, got %#v", got)
	}
}
