package mqx

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"content-sharing-platform/shared/logx"
)

const dialTimeout = 10 * time.Second

// AMQPGateway publishes to and consumes from one non-durable topic exchange.
// Every publish waits for the broker's confirm. Keys under the dead-letter
// prefix are published mandatory and persistent into a durable queue the
// gateway declares itself.
type AMQPGateway struct {
	url        string
	exchange   string
	prefetch   int
	deadPrefix string
	log        logx.Logger

	mu      sync.Mutex
	conn    *amqp.Connection
	ch      *amqp.Channel
	returns chan amqp.Return
	closed  bool
}

func NewAMQPGateway(url, exchange string, prefetch int, deadLetterPrefix string, logger logx.Logger) *AMQPGateway {
	if prefetch <= 0 {
		prefetch = 1
	}
	return &AMQPGateway{url: url, exchange: exchange, prefetch: prefetch, deadPrefix: deadLetterPrefix, log: logger}
}

// DeadLetterQueue names the durable queue bound to the dead-letter keys.
func (g *AMQPGateway) DeadLetterQueue() string {
	return g.exchange + ".dead-letter"
}

// Connect opens the connection and channel, asserts the exchange and the
// dead-letter queue.
func (g *AMQPGateway) Connect(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return fmt.Errorf("%w: %w", ErrConnection, ErrClosed)
	}
	return g.connectLocked(ctx)
}

func (g *AMQPGateway) connectLocked(ctx context.Context) error {
	g.teardownLocked()

	conn, err := amqp.DialConfig(g.url, amqp.Config{
		Dial:      amqp.DefaultDial(dialTimeout),
		Heartbeat: 10 * time.Second,
	})
	if err != nil {
		return wrap(ErrConnection, err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return wrap(ErrConnection, err)
	}
	if err := ch.Qos(g.prefetch, 0, false); err != nil {
		_ = conn.Close()
		return wrap(ErrConnection, err)
	}
	if err := ch.ExchangeDeclare(g.exchange, amqp.ExchangeTopic, false, false, false, false, nil); err != nil {
		_ = conn.Close()
		return wrap(ErrConnection, err)
	}
	if g.deadPrefix != "" {
		if _, err := ch.QueueDeclare(g.DeadLetterQueue(), true, false, false, false, nil); err != nil {
			_ = conn.Close()
			return wrap(ErrConnection, err)
		}
		if err := ch.QueueBind(g.DeadLetterQueue(), g.deadPrefix+"#", g.exchange, false, nil); err != nil {
			_ = conn.Close()
			return wrap(ErrConnection, err)
		}
	}
	if err := ch.Confirm(false); err != nil {
		_ = conn.Close()
		return wrap(ErrConnection, err)
	}
	// Publishes are serialized under mu, so at most one return is pending.
	g.returns = ch.NotifyReturn(make(chan amqp.Return, 1))
	g.conn = conn
	g.ch = ch
	g.log.Info(ctx, "broker_connected", "connected to broker",
		slog.String("exchange", g.exchange),
	)
	return nil
}

func (g *AMQPGateway) teardownLocked() {
	if g.ch != nil {
		_ = g.ch.Close()
		g.ch = nil
	}
	if g.conn != nil {
		_ = g.conn.Close()
		g.conn = nil
	}
}

func (g *AMQPGateway) Ping(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	switch {
	case g.closed:
		return ErrClosed
	case g.conn == nil || g.conn.IsClosed():
		return fmt.Errorf("%w: connection closed", ErrConnection)
	case g.ch == nil || g.ch.IsClosed():
		return fmt.Errorf("%w: channel closed", ErrConnection)
	}
	return nil
}

// Publish sends body under routingKey. A missing or closed channel gets one
// reconnect attempt before the call fails with ErrPublish.
func (g *AMQPGateway) Publish(ctx context.Context, routingKey string, body []byte, headers map[string]string) error {
	ctx, span := otel.Tracer("mqx").Start(ctx, "amqp.produce")
	span.SetAttributes(
		attribute.String("messaging.system", "rabbitmq"),
		attribute.String("messaging.destination", g.exchange),
		attribute.String("messaging.rabbitmq.routing_key", routingKey),
	)
	defer span.End()

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return fmt.Errorf("%w: %w", ErrPublish, ErrClosed)
	}
	if g.ch == nil || g.ch.IsClosed() {
		g.log.Warn(ctx, "broker_reconnect", "channel unavailable, reconnecting before publish",
			slog.String("routing_key", routingKey),
		)
		if err := g.connectLocked(ctx); err != nil {
			return fmt.Errorf("%w: %v", ErrPublish, err)
		}
	}

	table := amqp.Table{}
	for k, v := range headers {
		table[k] = v
	}
	msg := amqp.Publishing{
		ContentType: "application/json",
		Timestamp:   time.Now().UTC(),
		Headers:     table,
		Body:        body,
	}
	mandatory := g.deadPrefix != "" && strings.HasPrefix(routingKey, g.deadPrefix)
	if mandatory {
		msg.DeliveryMode = amqp.Persistent
	}
	confirm, err := g.ch.PublishWithDeferredConfirmWithContext(ctx, g.exchange, routingKey, mandatory, false, msg)
	if err != nil {
		return wrap(ErrPublish, err)
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return wrap(ErrPublish, err)
	}
	// The broker sends basic.return ahead of the confirm, so a returned
	// message is already buffered here.
	select {
	case ret, ok := <-g.returns:
		if !ok {
			return fmt.Errorf("%w: channel closed awaiting confirm", ErrPublish)
		}
		return fmt.Errorf("%w: %w: %s (%d %s)", ErrPublish, ErrUnroutable, ret.RoutingKey, ret.ReplyCode, ret.ReplyText)
	default:
	}
	if !acked {
		return fmt.Errorf("%w: broker rejected %s", ErrPublish, routingKey)
	}
	return nil
}

// Subscribe declares an exclusive auto-named queue bound to routingKey and
// starts a consumer with manual acknowledgement.
func (g *AMQPGateway) Subscribe(ctx context.Context, routingKey string) (Subscription, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, fmt.Errorf("%w: %w", ErrConnection, ErrClosed)
	}
	if g.ch == nil || g.ch.IsClosed() {
		return nil, fmt.Errorf("%w: channel not open", ErrConnection)
	}

	q, err := g.ch.QueueDeclare("", false, false, true, false, nil)
	if err != nil {
		return nil, wrap(ErrConnection, err)
	}
	if err := g.ch.QueueBind(q.Name, routingKey, g.exchange, false, nil); err != nil {
		return nil, wrap(ErrConnection, err)
	}
	tag := "ctag-" + uuid.NewString()
	msgs, err := g.ch.Consume(q.Name, tag, false, false, false, false, nil)
	if err != nil {
		return nil, wrap(ErrConnection, err)
	}

	sub := &amqpSubscription{
		ch:         g.ch,
		tag:        tag,
		queue:      q.Name,
		routingKey: routingKey,
		out:        make(chan Delivery),
		done:       make(chan struct{}),
	}
	go sub.pump(msgs)

	g.log.Info(ctx, "queue_bound", "exclusive queue bound",
		slog.String("queue", q.Name),
		slog.String("routing_key", routingKey),
		slog.String("exchange", g.exchange),
	)
	return sub, nil
}

func (g *AMQPGateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil
	}
	g.closed = true
	var err error
	if g.ch != nil {
		err = g.ch.Close()
		g.ch = nil
	}
	if g.conn != nil {
		if cerr := g.conn.Close(); err == nil {
			err = cerr
		}
		g.conn = nil
	}
	return err
}

type amqpSubscription struct {
	ch         *amqp.Channel
	tag        string
	queue      string
	routingKey string
	out        chan Delivery
	done       chan struct{}
	once       sync.Once
}

func (s *amqpSubscription) Queue() string               { return s.queue }
func (s *amqpSubscription) RoutingKey() string          { return s.routingKey }
func (s *amqpSubscription) Deliveries() <-chan Delivery { return s.out }

func (s *amqpSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		if !s.ch.IsClosed() {
			err = s.ch.Cancel(s.tag, false)
		}
	})
	return err
}

func (s *amqpSubscription) pump(msgs <-chan amqp.Delivery) {
	defer close(s.out)
	for m := range msgs {
		m := m
		d := Delivery{
			RoutingKey:  m.RoutingKey,
			Body:        m.Body,
			Headers:     tableToHeaders(m.Headers),
			Redelivered: m.Redelivered,
			ack:         func() error { return m.Ack(false) },
			nack:        func(requeue bool) error { return m.Nack(false, requeue) },
		}
		select {
		case s.out <- d:
		case <-s.done:
			// Not handed to anyone; give it back to the queue.
			_ = m.Nack(false, true)
		}
	}
}

func tableToHeaders(t amqp.Table) map[string]string {
	out := make(map[string]string, len(t))
	for k, v := range t {
		switch val := v.(type) {
		case string:
			out[k] = val
		case []byte:
			out[k] = string(val)
		default:
			out[k] = fmt.Sprint(val)
		}
	}
	return out
}
