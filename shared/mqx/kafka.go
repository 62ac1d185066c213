package mqx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"content-sharing-platform/shared/config"
	"content-sharing-platform/shared/logx"
	"content-sharing-platform/shared/metricsx"
)

// KafkaGateway maps every routing key to a topic of the same name. Each
// subscription reads with its own consumer group; committing the offset is the
// acknowledgement.
type KafkaGateway struct {
	brokers  []string
	clientID string
	log      logx.Logger

	mu      sync.Mutex
	writer  *kafka.Writer
	subs    []*kafkaSubscription
	readers []*kafka.Reader
	closed  bool
}

func NewKafkaGateway(cfg config.Config, logger logx.Logger) (*KafkaGateway, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return nil, fmt.Errorf("%w: KAFKA_BROKERS is required", ErrConnection)
	}
	clientID := cfg.KafkaClientID
	if clientID == "" {
		clientID = cfg.ServiceName
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.KafkaBrokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		Async:                  false,
		AllowAutoTopicCreation: true,
		MaxAttempts:            maxInt(cfg.KafkaRetryMax, 1),
		BatchTimeout:           10 * time.Millisecond,
		WriteTimeout:           time.Duration(cfg.KafkaWriteMS) * time.Millisecond,
		Transport: &kafka.Transport{
			ClientID: clientID,
		},
	}
	return &KafkaGateway{brokers: cfg.KafkaBrokers, clientID: clientID, log: logger, writer: w}, nil
}

// Publish keys messages by routing key so each topic keeps publish order on a
// single partition.
func (g *KafkaGateway) Publish(ctx context.Context, routingKey string, body []byte, headers map[string]string) error {
	g.mu.Lock()
	closed := g.closed
	w := g.writer
	g.mu.Unlock()
	if closed || w == nil {
		return fmt.Errorf("%w: %w", ErrPublish, ErrClosed)
	}

	ctx, span := otel.Tracer("mqx").Start(ctx, "kafka.produce")
	span.SetAttributes(
		attribute.String("messaging.system", "kafka"),
		attribute.String("messaging.destination", routingKey),
	)
	defer span.End()

	msg := kafka.Message{
		Topic: routingKey,
		Key:   []byte(routingKey),
		Value: body,
	}
	if len(headers) > 0 {
		msg.Headers = make([]kafka.Header, 0, len(headers))
		for k, v := range headers {
			msg.Headers = append(msg.Headers, kafka.Header{Key: k, Value: []byte(v)})
		}
	}
	return wrap(ErrPublish, w.WriteMessages(ctx, msg))
}

func (g *KafkaGateway) Subscribe(ctx context.Context, routingKey string) (Subscription, error) {
	if strings.ContainsAny(routingKey, "*#") {
		return nil, fmt.Errorf("%w: kafka transport does not support wildcard key %q", ErrConnection, routingKey)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, fmt.Errorf("%w: %w", ErrConnection, ErrClosed)
	}

	group := g.clientID + "." + routingKey
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     g.brokers,
		GroupID:     group,
		Topic:       routingKey,
		MinBytes:    1,
		MaxBytes:    10e6,
		StartOffset: kafka.LastOffset,
	})
	sub := newKafkaSubscription(reader, group, routingKey, g.log)
	go sub.run()
	g.subs = append(g.subs, sub)
	g.readers = append(g.readers, reader)

	g.log.Info(ctx, "consumer_group_joined", "kafka subscription started",
		slog.String("topic", routingKey),
		slog.String("group", group),
	)
	return sub, nil
}

// Ping dials the first reachable seed broker.
func (g *KafkaGateway) Ping(ctx context.Context) error {
	g.mu.Lock()
	closed := g.closed
	g.mu.Unlock()
	if closed {
		return ErrClosed
	}
	var lastErr error
	for _, addr := range g.brokers {
		conn, err := kafka.DialContext(ctx, "tcp", addr)
		if err != nil {
			lastErr = err
			continue
		}
		_ = conn.Close()
		return nil
	}
	return wrap(ErrConnection, lastErr)
}

func (g *KafkaGateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil
	}
	g.closed = true
	// Readers outlive their subscriptions so in-flight deliveries can still
	// commit.
	for _, s := range g.subs {
		_ = s.Close()
	}
	for _, r := range g.readers {
		_ = r.Close()
	}
	g.subs = nil
	g.readers = nil
	err := g.writer.Close()
	g.writer = nil
	return err
}

// kafkaReader is the part of *kafka.Reader a subscription drives.
type kafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Stats() kafka.ReaderStats
}

// kafkaBacklog bounds how far the fetcher may read ahead of the consumer.
const kafkaBacklog = 16

type kafkaSubscription struct {
	reader     kafkaReader
	group      string
	routingKey string
	out        chan Delivery
	requeue    chan kafkaPending
	ctx        context.Context
	cancel     context.CancelFunc
	log        logx.Logger
	once       sync.Once
}

type kafkaPending struct {
	msg         kafka.Message
	redelivered bool
}

func newKafkaSubscription(reader kafkaReader, group, routingKey string, logger logx.Logger) *kafkaSubscription {
	ctx, cancel := context.WithCancel(context.Background())
	return &kafkaSubscription{
		reader:     reader,
		group:      group,
		routingKey: routingKey,
		out:        make(chan Delivery),
		requeue:    make(chan kafkaPending),
		ctx:        ctx,
		cancel:     cancel,
		log:        logger,
	}
}

func (s *kafkaSubscription) Queue() string               { return s.group }
func (s *kafkaSubscription) RoutingKey() string          { return s.routingKey }
func (s *kafkaSubscription) Deliveries() <-chan Delivery { return s.out }

func (s *kafkaSubscription) Close() error {
	s.once.Do(func() { s.cancel() })
	return nil
}

// run hands out messages in offset order. A message rejected with requeue
// goes back to the head of the backlog, so nothing after it is delivered, and
// therefore committed, before it is.
func (s *kafkaSubscription) run() {
	defer close(s.out)
	fetched := make(chan kafka.Message)
	go s.fetch(fetched)

	var backlog []kafkaPending
	for {
		var out chan Delivery
		var next Delivery
		if len(backlog) > 0 {
			out = s.out
			next = s.delivery(backlog[0])
		}
		in := fetched
		if len(backlog) >= kafkaBacklog {
			in = nil
		}
		select {
		case m := <-in:
			backlog = append(backlog, kafkaPending{msg: m})
		case p := <-s.requeue:
			backlog = append([]kafkaPending{p}, backlog...)
		case out <- next:
			backlog = backlog[1:]
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *kafkaSubscription) fetch(fetched chan<- kafka.Message) {
	for {
		msg, err := s.reader.FetchMessage(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, io.EOF) {
				return
			}
			s.log.Error(s.ctx, "kafka_fetch_failed", "failed to fetch message",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(500 * time.Millisecond):
			}
			continue
		}
		select {
		case fetched <- msg:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *kafkaSubscription) delivery(p kafkaPending) Delivery {
	headers := make(map[string]string, len(p.msg.Headers))
	for _, h := range p.msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	commit := func() error {
		err := s.reader.CommitMessages(context.Background(), p.msg)
		metricsx.SetKafkaLag(s.routingKey, s.group, s.reader.Stats().Lag)
		return err
	}
	return Delivery{
		RoutingKey:  p.msg.Topic,
		Body:        p.msg.Value,
		Headers:     headers,
		Redelivered: p.redelivered,
		ack:         commit,
		nack: func(requeue bool) error {
			if !requeue {
				return commit()
			}
			// Blocks until run has the message back; after Close the offset
			// stays uncommitted and the group reads it again.
			select {
			case s.requeue <- kafkaPending{msg: p.msg, redelivered: true}:
			case <-s.ctx.Done():
			}
			return nil
		},
	}
}

func maxInt(a int, b int) int {
	if a > b {
		return a
	}
	return b
}
