package projection

import (
	"context"
	"testing"
	"time"

	"content-sharing-platform/shared/events"
	"content-sharing-platform/shared/logx"
	"content-sharing-platform/shared/mqx"
)

func TestGroupLifecycle(t *testing.T) {
	broker := mqx.NewMemoryBroker()
	noop := func(ctx context.Context, ev events.DomainEvent) error { return nil }
	g := NewGroup(
		New(broker, Options{Name: "a", RoutingKey: events.RoutingPostCreated, Apply: noop, Logger: logx.Nop()}),
		New(broker, Options{Name: "b", RoutingKey: events.RoutingPostDeleted, Apply: noop, Logger: logx.Nop()}),
	)
	if err := g.Ready(context.Background()); err == nil {
		t.Fatalf("expected not ready before start")
	}
	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := g.Ready(context.Background()); err != nil {
		t.Fatalf("expected ready, got %v", err)
	}

	_ = broker.Close()
	select {
	case name := <-g.Exited():
		if name != "a" && name != "b" {
			t.Fatalf("unexpected consumer %q", name)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected a consumer to exit when the broker closes")
	}
	g.Stop()
	if err := g.Ready(context.Background()); err == nil {
		t.Fatalf("expected not ready after stop")
	}
}

func TestGroupStartFailureStopsStarted(t *testing.T) {
	broker := mqx.NewMemoryBroker()
	noop := func(ctx context.Context, ev events.DomainEvent) error { return nil }
	first := New(broker, Options{Name: "a", RoutingKey: events.RoutingPostCreated, Apply: noop, Logger: logx.Nop()})
	broken := New(broker, Options{Name: "b", RoutingKey: events.RoutingPostDeleted, Logger: logx.Nop()})
	if err := NewGroup(first, broken).Start(context.Background()); err == nil {
		t.Fatalf("expected start error for consumer without Apply")
	}
	select {
	case <-first.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("first consumer should have been stopped")
	}
}
