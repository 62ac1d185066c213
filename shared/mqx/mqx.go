package mqx

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"content-sharing-platform/shared/config"
	"content-sharing-platform/shared/logx"
)

var (
	ErrConnection = errors.New("broker connection failed")
	ErrPublish    = errors.New("broker publish failed")
	ErrClosed     = errors.New("broker gateway closed")
	// ErrUnroutable marks a mandatory publish that no queue accepted.
	ErrUnroutable = errors.New("message unroutable")
)

// Gateway is the single broker client a service owns. Publish and Subscribe
// share one connection and one logical channel.
type Gateway interface {
	Publish(ctx context.Context, routingKey string, body []byte, headers map[string]string) error
	Subscribe(ctx context.Context, routingKey string) (Subscription, error)
	// Ping reports whether the broker is reachable without side effects.
	Ping(ctx context.Context) error
	Close() error
}

// Subscription streams deliveries for one routing key. Close stops new
// deliveries; the channel returned by Deliveries is closed afterwards.
type Subscription interface {
	Queue() string
	RoutingKey() string
	Deliveries() <-chan Delivery
	Close() error
}

type Delivery struct {
	RoutingKey  string
	Body        []byte
	Headers     map[string]string
	Redelivered bool

	ack  func() error
	nack func(requeue bool) error
}

func (d Delivery) Ack() error {
	if d.ack == nil {
		return nil
	}
	return d.ack()
}

// Nack rejects the delivery. With requeue the broker redelivers it.
func (d Delivery) Nack(requeue bool) error {
	if d.nack == nil {
		return nil
	}
	return d.nack(requeue)
}

// Open builds the gateway selected by BROKER_KIND and connects it. The
// returned error wraps ErrConnection.
func Open(ctx context.Context, cfg config.Config, logger logx.Logger) (Gateway, error) {
	switch cfg.BrokerKind {
	case config.BrokerKafka:
		gw, err := NewKafkaGateway(cfg, logger)
		if err != nil {
			return nil, err
		}
		return gw, nil
	default:
		gw := NewAMQPGateway(cfg.RabbitMQURL, cfg.BrokerExchange, cfg.BrokerPrefetch, cfg.DeadLetterPrefix, logger)
		if err := gw.Connect(ctx); err != nil {
			return nil, err
		}
		return gw, nil
	}
}

// MatchRoutingKey reports whether key matches a topic pattern where "*"
// matches one word and "#" matches zero or more words.
func MatchRoutingKey(pattern, key string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchWords(pattern, key []string) bool {
	if len(pattern) == 0 {
		return len(key) == 0
	}
	switch pattern[0] {
	case "#":
		for i := 0; i <= len(key); i++ {
			if matchWords(pattern[1:], key[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(key) > 0 && matchWords(pattern[1:], key[1:])
	default:
		return len(key) > 0 && pattern[0] == key[0] && matchWords(pattern[1:], key[1:])
	}
}

func cloneHeaders(in map[string]string) map[string]string {
	if len(in) == 0 {
		return map[string]string{}
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func wrap(kind error, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", kind, err)
}
