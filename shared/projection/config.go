package projection

import (
	"time"

	"content-sharing-platform/shared/config"
)

// FromConfig fills the retry, dead-letter and broker settings of opts from
// cfg. Name, RoutingKey, Apply and Logger are left as given.
func FromConfig(cfg config.Config, opts Options) Options {
	opts.RetryMax = cfg.ConsumerRetryMax
	opts.RetryBase = time.Duration(cfg.ConsumerRetryBaseMS) * time.Millisecond
	opts.DeadLetterPrefix = cfg.DeadLetterPrefix
	opts.ApplyTimeout = cfg.RequestTimeout
	switch cfg.BrokerKind {
	case config.BrokerKafka:
		opts.System = "kafka"
	default:
		opts.System = "rabbitmq"
	}
	return opts
}
