package projection

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"content-sharing-platform/shared/events"
	"content-sharing-platform/shared/logx"
	"content-sharing-platform/shared/mqx"
	"content-sharing-platform/shared/workflow"
)

type memoryProjection struct {
	mu      sync.Mutex
	records map[string]string
	applied int
}

func newMemoryProjection() *memoryProjection {
	return &memoryProjection{records: map[string]string{}}
}

func (p *memoryProjection) Apply(ctx context.Context, ev events.DomainEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.applied++
	switch ev.Kind {
	case events.KindCreated:
		p.records[ev.SourceID] = ev.Payload.Content
	case events.KindDeleted:
		delete(p.records, ev.SourceID)
	}
	return nil
}

func (p *memoryProjection) get(id string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.records[id]
	return v, ok
}

func (p *memoryProjection) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.records)
}

func (p *memoryProjection) appliedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.applied
}

func startConsumer(t *testing.T, broker *mqx.MemoryBroker, key string, apply ApplyFunc, retryMax int, logger logx.Logger) *Consumer {
	t.Helper()
	c := New(broker, Options{
		Name:       "test",
		RoutingKey: key,
		Apply:      apply,
		RetryMax:   retryMax,
		RetryBase:  time.Millisecond,
		Logger:     logger,
	})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = c.Stop() })
	return c
}

func publish(t *testing.T, broker *mqx.MemoryBroker, ev events.DomainEvent) {
	t.Helper()
	key, body, err := events.Encode(ev)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := broker.Publish(context.Background(), key, body, nil); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestCreatedThenDeletedWithDuplicatesLeavesNoRecord(t *testing.T) {
	broker := mqx.NewMemoryBroker()
	proj := newMemoryProjection()
	startConsumer(t, broker, "post.*", proj.Apply, 3, logx.Nop())

	created := events.NewCreated("p1", "u1", "hi", time.Now())
	deleted := events.NewDeleted("p1", "u1", nil)
	publish(t, broker, created)
	publish(t, broker, created)
	publish(t, broker, deleted)
	publish(t, broker, deleted)

	waitFor(t, "four applies", func() bool { return proj.appliedCount() == 4 })
	if _, ok := proj.get("p1"); ok {
		t.Fatalf("expected no record for p1")
	}
	waitFor(t, "four acks", func() bool { return broker.Acks() == 4 })
}

func TestDuplicateCreatedKeepsOneRecordWithLatestFields(t *testing.T) {
	broker := mqx.NewMemoryBroker()
	proj := newMemoryProjection()
	startConsumer(t, broker, events.RoutingPostCreated, proj.Apply, 3, logx.Nop())

	publish(t, broker, events.NewCreated("p1", "u1", "first", time.Now()))
	publish(t, broker, events.NewCreated("p1", "u1", "second", time.Now()))

	waitFor(t, "two applies", func() bool { return proj.appliedCount() == 2 })
	if v, _ := proj.get("p1"); v != "second" || proj.count() != 1 {
		t.Fatalf("expected one record with latest content, got %q (%d records)", v, proj.count())
	}
}

func TestDeletedForMissingIDIsNoop(t *testing.T) {
	broker := mqx.NewMemoryBroker()
	proj := newMemoryProjection()
	startConsumer(t, broker, events.RoutingPostDeleted, proj.Apply, 3, logx.Nop())

	publish(t, broker, events.NewDeleted("missing", "u1", []string{"m1"}))

	waitFor(t, "ack", func() bool { return broker.Acks() == 1 })
	if proj.count() != 0 {
		t.Fatalf("expected empty projection")
	}
}

func TestMalformedIsAckedAndLoopContinues(t *testing.T) {
	broker := mqx.NewMemoryBroker()
	proj := newMemoryProjection()
	var buf syncBuffer
	startConsumer(t, broker, events.RoutingPostCreated, proj.Apply, 3, logx.NewWithWriter(&buf, "search", "test", "", "info"))

	_ = broker.Publish(context.Background(), events.RoutingPostCreated, []byte("{garbage"), nil)
	publish(t, broker, events.NewCreated("p2", "u1", "ok", time.Now()))

	waitFor(t, "p2 applied", func() bool { _, ok := proj.get("p2"); return ok })
	waitFor(t, "two acks", func() bool { return broker.Acks() == 2 })
	if broker.Nacks() != 0 {
		t.Fatalf("expected 2 acks and no nacks, got %d/%d", broker.Acks(), broker.Nacks())
	}
	if !strings.Contains(buf.String(), `"event":"event_malformed"`) {
		t.Fatalf("expected malformed log, got %s", buf.String())
	}
	if len(broker.PublishedTo("dead.post.created")) != 0 {
		t.Fatalf("malformed events must not be dead-lettered")
	}
}

func TestTransientFailureIsRetried(t *testing.T) {
	broker := mqx.NewMemoryBroker()
	proj := newMemoryProjection()
	var mu sync.Mutex
	failures := 2
	apply := func(ctx context.Context, ev events.DomainEvent) error {
		mu.Lock()
		if failures > 0 {
			failures--
			mu.Unlock()
			return errors.New("db unavailable")
		}
		mu.Unlock()
		return proj.Apply(ctx, ev)
	}
	startConsumer(t, broker, events.RoutingPostCreated, apply, 5, logx.Nop())

	publish(t, broker, events.NewCreated("p1", "u1", "hi", time.Now()))

	waitFor(t, "p1 applied", func() bool { _, ok := proj.get("p1"); return ok })
	waitFor(t, "ack", func() bool { return broker.Acks() == 1 })
	if len(broker.PublishedTo("dead.post.created")) != 0 {
		t.Fatalf("unexpected dead letter")
	}
}

func TestRetryExhaustedIsDeadLettered(t *testing.T) {
	broker := mqx.NewMemoryBroker()
	var mu sync.Mutex
	attempts := 0
	apply := func(ctx context.Context, ev events.DomainEvent) error {
		mu.Lock()
		attempts++
		mu.Unlock()
		return errors.New("constraint violation")
	}
	startConsumer(t, broker, events.RoutingPostCreated, apply, 3, logx.Nop())

	publish(t, broker, events.NewCreated("p1", "u1", "hi", time.Now()))

	waitFor(t, "dead letter", func() bool { return len(broker.PublishedTo("dead.post.created")) == 1 })
	waitFor(t, "ack", func() bool { return broker.Acks() == 1 })
	dead := broker.PublishedTo("dead.post.created")[0]
	if dead.Headers[HeaderDeadReason] != ReasonRetryExhausted {
		t.Fatalf("unexpected reason: %#v", dead.Headers)
	}
	if dead.Headers[HeaderConsumer] != "test" || dead.Headers[HeaderOriginalRoutingKey] != events.RoutingPostCreated {
		t.Fatalf("unexpected headers: %#v", dead.Headers)
	}
	ev, err := events.Decode(events.RoutingPostCreated, dead.Body)
	if err != nil || ev.SourceID != "p1" {
		t.Fatalf("dead letter must carry the original body: %v %#v", err, ev)
	}
	mu.Lock()
	defer mu.Unlock()
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestUnsupportedVersionIsDeadLettered(t *testing.T) {
	broker := mqx.NewMemoryBroker()
	proj := newMemoryProjection()
	startConsumer(t, broker, events.RoutingPostDeleted, proj.Apply, 3, logx.Nop())

	body := []byte(`{"version":9,"postId":"p1","userId":"u1","mediaIds":[]}`)
	_ = broker.Publish(context.Background(), events.RoutingPostDeleted, body, nil)

	waitFor(t, "dead letter", func() bool { return len(broker.PublishedTo("dead.post.deleted")) == 1 })
	dead := broker.PublishedTo("dead.post.deleted")[0]
	if dead.Headers[HeaderDeadReason] != ReasonUnsupportedVersion {
		t.Fatalf("unexpected reason: %#v", dead.Headers)
	}
	if proj.appliedCount() != 0 {
		t.Fatalf("unsupported version must not be applied")
	}
}

func TestDeadLetterPublishFailureRequeues(t *testing.T) {
	broker := mqx.NewMemoryBroker()
	ready := make(chan struct{})
	c := New(broker, Options{
		Name:       "test",
		RoutingKey: events.RoutingPostCreated,
		Apply: func(context.Context, events.DomainEvent) error {
			<-ready
			return errors.New("boom")
		},
		RetryMax:   1,
		RetryBase:  time.Millisecond,
	})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Stop()

	key, body, _ := events.Encode(events.NewCreated("p1", "u1", "hi", time.Now()))
	_ = broker.Publish(context.Background(), key, body, nil)
	broker.FailPublish(errors.New("channel closed"))
	close(ready)

	waitFor(t, "requeue", func() bool { return broker.Nacks() >= 1 })
	if broker.Acks() != 0 {
		t.Fatalf("delivery must not be acked when dead-lettering failed")
	}
	broker.FailPublish(nil)
	waitFor(t, "dead letter after recovery", func() bool { return len(broker.PublishedTo("dead.post.created")) == 1 })
}

func TestDeadLetterReachesBoundQueue(t *testing.T) {
	broker := mqx.NewMemoryBroker()
	broker.RequireRoute("dead.")
	deadQueue, err := broker.Subscribe(context.Background(), "dead.#")
	if err != nil {
		t.Fatalf("subscribe dead.#: %v", err)
	}
	defer deadQueue.Close()
	apply := func(context.Context, events.DomainEvent) error { return errors.New("projection store down") }
	startConsumer(t, broker, events.RoutingPostCreated, apply, 2, logx.Nop())

	ev := events.NewCreated("p1", "u1", "hi", time.Now())
	publish(t, broker, ev)

	select {
	case d := <-deadQueue.Deliveries():
		got, err := events.Decode(events.RoutingPostCreated, d.Body)
		if err != nil || got.SourceID != "p1" || d.RoutingKey != "dead.post.created" {
			t.Fatalf("unexpected dead letter %q: %v", d.RoutingKey, err)
		}
		if d.Headers[HeaderDeadReason] != ReasonRetryExhausted || d.Headers[HeaderAttempts] != "2" {
			t.Fatalf("unexpected headers: %#v", d.Headers)
		}
		_ = d.Ack()
	case <-time.After(2 * time.Second):
		t.Fatalf("dead-letter queue received nothing")
	}
	waitFor(t, "original acked", func() bool { return broker.Acks() == 2 })
}

func TestUnroutableDeadLetterKeepsDelivery(t *testing.T) {
	broker := mqx.NewMemoryBroker()
	broker.RequireRoute("dead.")
	apply := func(context.Context, events.DomainEvent) error { return errors.New("projection store down") }
	startConsumer(t, broker, events.RoutingPostCreated, apply, 1, logx.Nop())

	publish(t, broker, events.NewCreated("p1", "u1", "hi", time.Now()))

	waitFor(t, "requeue", func() bool { return broker.Nacks() >= 2 })
	if broker.Acks() != 0 {
		t.Fatalf("delivery acked although no queue took the dead letter")
	}

	deadQueue, err := broker.Subscribe(context.Background(), "dead.#")
	if err != nil {
		t.Fatalf("subscribe dead.#: %v", err)
	}
	defer deadQueue.Close()
	select {
	case d := <-deadQueue.Deliveries():
		if ev, err := events.Decode(events.RoutingPostCreated, d.Body); err != nil || ev.SourceID != "p1" {
			t.Fatalf("unexpected dead letter body: %v", err)
		}
		_ = d.Ack()
	case <-time.After(2 * time.Second):
		t.Fatalf("requeued delivery never reached the dead-letter queue")
	}
}

func TestZeroRetryMaxRequeues(t *testing.T) {
	broker := mqx.NewMemoryBroker()
	proj := newMemoryProjection()
	var mu sync.Mutex
	failed := false
	apply := func(ctx context.Context, ev events.DomainEvent) error {
		mu.Lock()
		if !failed {
			failed = true
			mu.Unlock()
			return errors.New("first attempt fails")
		}
		mu.Unlock()
		return proj.Apply(ctx, ev)
	}
	startConsumer(t, broker, events.RoutingPostCreated, apply, 0, logx.Nop())

	publish(t, broker, events.NewCreated("p1", "u1", "hi", time.Now()))

	waitFor(t, "p1 applied", func() bool { _, ok := proj.get("p1"); return ok })
	if broker.Nacks() != 1 {
		t.Fatalf("expected one requeue, got %d", broker.Nacks())
	}
	if len(broker.PublishedTo("dead.post.created")) != 0 {
		t.Fatalf("zero retry budget must not dead-letter")
	}
}

func TestStopWaitsForInFlightHandler(t *testing.T) {
	broker := mqx.NewMemoryBroker()
	entered := make(chan struct{})
	release := make(chan struct{})
	apply := func(ctx context.Context, ev events.DomainEvent) error {
		close(entered)
		<-release
		return nil
	}
	c := New(broker, Options{Name: "test", RoutingKey: events.RoutingPostCreated, Apply: apply, RetryMax: 3})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if c.State() != workflow.ConsumerConsuming {
		t.Fatalf("unexpected state %s", c.State())
	}

	publish(t, broker, events.NewCreated("p1", "u1", "hi", time.Now()))
	<-entered

	stopped := make(chan struct{})
	go func() {
		_ = c.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
		t.Fatalf("Stop returned before in-flight handler finished")
	case <-time.After(30 * time.Millisecond):
	}

	close(release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatalf("Stop did not return")
	}
	if broker.Acks() != 1 {
		t.Fatalf("expected in-flight delivery acked, got %d", broker.Acks())
	}
	if c.State() != workflow.ConsumerStopped {
		t.Fatalf("unexpected state %s", c.State())
	}
}

func TestBindRequiresApply(t *testing.T) {
	c := New(mqx.NewMemoryBroker(), Options{Name: "test", RoutingKey: events.RoutingPostCreated})
	if err := c.Bind(context.Background()); err == nil {
		t.Fatalf("expected error without Apply")
	}
}

func TestRetryDelay(t *testing.T) {
	if d := RetryDelay(100*time.Millisecond, 3); d != 900*time.Millisecond {
		t.Fatalf("unexpected delay %s", d)
	}
	if d := RetryDelay(time.Second, 100); d != 30*time.Second {
		t.Fatalf("expected cap, got %s", d)
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
