package mqx

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Message is a published message as recorded by MemoryBroker.
type Message struct {
	RoutingKey string
	Body       []byte
	Headers    map[string]string
}

// MemoryBroker is an in-process Gateway with topic routing, exclusive queues
// and per-delivery ack. Rejected deliveries with requeue go back to the head
// of their queue.
type MemoryBroker struct {
	mu         sync.Mutex
	subs       map[*memorySub]struct{}
	published  []Message
	publishErr error
	mandatory  string
	acks       int
	nacks      int
	closed     bool
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: make(map[*memorySub]struct{})}
}

// RequireRoute makes publishes whose key starts with prefix fail with
// ErrUnroutable while no subscription matches them, the way the AMQP gateway
// treats dead-letter keys.
func (b *MemoryBroker) RequireRoute(prefix string) {
	b.mu.Lock()
	b.mandatory = prefix
	b.mu.Unlock()
}

// FailPublish makes every following Publish fail with err until it is called
// with nil.
func (b *MemoryBroker) FailPublish(err error) {
	b.mu.Lock()
	b.publishErr = err
	b.mu.Unlock()
}

func (b *MemoryBroker) Publish(ctx context.Context, routingKey string, body []byte, headers map[string]string) error {
	if err := ctx.Err(); err != nil {
		return wrap(ErrPublish, err)
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrPublish, ErrClosed)
	}
	if b.publishErr != nil {
		err := b.publishErr
		b.mu.Unlock()
		return wrap(ErrPublish, err)
	}
	targets := make([]*memorySub, 0, len(b.subs))
	for s := range b.subs {
		if MatchRoutingKey(s.routingKey, routingKey) {
			targets = append(targets, s)
		}
	}
	if len(targets) == 0 && b.mandatory != "" && strings.HasPrefix(routingKey, b.mandatory) {
		b.mu.Unlock()
		return fmt.Errorf("%w: %w: %s", ErrPublish, ErrUnroutable, routingKey)
	}
	msg := Message{
		RoutingKey: routingKey,
		Body:       append([]byte(nil), body...),
		Headers:    cloneHeaders(headers),
	}
	b.published = append(b.published, msg)
	b.mu.Unlock()

	for _, s := range targets {
		s.enqueue(msg, false, false)
	}
	return nil
}

func (b *MemoryBroker) Subscribe(ctx context.Context, routingKey string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrap(ErrConnection, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("%w: %w", ErrConnection, ErrClosed)
	}
	s := &memorySub{
		broker:     b,
		queue:      "mem.gen-" + uuid.NewString(),
		routingKey: routingKey,
		out:        make(chan Delivery),
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	b.subs[s] = struct{}{}
	go s.run()
	return s, nil
}

func (b *MemoryBroker) Ping(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	return nil
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*memorySub, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()
	for _, s := range subs {
		_ = s.Close()
	}
	return nil
}

// Published returns every message accepted so far, in publish order.
func (b *MemoryBroker) Published() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Message, len(b.published))
	copy(out, b.published)
	return out
}

// PublishedTo returns the accepted messages with the given routing key.
func (b *MemoryBroker) PublishedTo(routingKey string) []Message {
	var out []Message
	for _, m := range b.Published() {
		if m.RoutingKey == routingKey {
			out = append(out, m)
		}
	}
	return out
}

func (b *MemoryBroker) Acks() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.acks
}

func (b *MemoryBroker) Nacks() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nacks
}

type memorySub struct {
	broker     *MemoryBroker
	queue      string
	routingKey string
	out        chan Delivery
	wake       chan struct{}
	done       chan struct{}
	once       sync.Once

	mu      sync.Mutex
	pending []Message
	redeliv []bool
}

func (s *memorySub) Queue() string               { return s.queue }
func (s *memorySub) RoutingKey() string          { return s.routingKey }
func (s *memorySub) Deliveries() <-chan Delivery { return s.out }

func (s *memorySub) Close() error {
	s.once.Do(func() {
		s.broker.mu.Lock()
		delete(s.broker.subs, s)
		s.broker.mu.Unlock()
		close(s.done)
	})
	return nil
}

func (s *memorySub) enqueue(m Message, redelivered bool, front bool) {
	s.mu.Lock()
	if front {
		s.pending = append([]Message{m}, s.pending...)
		s.redeliv = append([]bool{redelivered}, s.redeliv...)
	} else {
		s.pending = append(s.pending, m)
		s.redeliv = append(s.redeliv, redelivered)
	}
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *memorySub) run() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		m := s.pending[0]
		redelivered := s.redeliv[0]
		s.pending = s.pending[1:]
		s.redeliv = s.redeliv[1:]
		s.mu.Unlock()

		select {
		case s.out <- s.delivery(m, redelivered):
		case <-s.done:
			return
		}
	}
}

func (s *memorySub) delivery(m Message, redelivered bool) Delivery {
	var once sync.Once
	return Delivery{
		RoutingKey:  m.RoutingKey,
		Body:        m.Body,
		Headers:     cloneHeaders(m.Headers),
		Redelivered: redelivered,
		ack: func() error {
			once.Do(func() {
				s.broker.mu.Lock()
				s.broker.acks++
				s.broker.mu.Unlock()
			})
			return nil
		},
		nack: func(requeue bool) error {
			once.Do(func() {
				s.broker.mu.Lock()
				s.broker.nacks++
				s.broker.mu.Unlock()
				if requeue {
					s.enqueue(m, true, true)
				}
			})
			return nil
		},
	}
}
