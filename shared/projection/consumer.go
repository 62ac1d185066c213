package projection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"

	"content-sharing-platform/shared/events"
	"content-sharing-platform/shared/influxx"
	"content-sharing-platform/shared/logx"
	"content-sharing-platform/shared/metricsx"
	"content-sharing-platform/shared/mqx"
	"content-sharing-platform/shared/observability"
	"content-sharing-platform/shared/workflow"
)

var ErrApply = errors.New("projection apply failed")

const (
	HeaderDeadReason         = "x-dead-reason"
	HeaderConsumer           = "x-consumer"
	HeaderOriginalRoutingKey = "x-original-routing-key"
	HeaderDeadError          = "x-dead-error"
	HeaderAttempts           = "x-attempts"
)

const (
	ReasonRetryExhausted     = "retry_exhausted"
	ReasonUnsupportedVersion = "unsupported_version"
)

const (
	defaultRetryBase    = 200 * time.Millisecond
	maxRetryDelay       = 30 * time.Second
	defaultApplyTimeout = 30 * time.Second
)

// ApplyFunc applies one event to a local projection. It must be idempotent:
// the same event can arrive more than once.
type ApplyFunc func(ctx context.Context, ev events.DomainEvent) error

type Options struct {
	// Name identifies the consumer in logs, metrics and dead-letter headers.
	Name       string
	RoutingKey string
	Apply      ApplyFunc

	// RetryMax is the number of apply attempts before the delivery is
	// dead-lettered. Zero rejects failed deliveries with requeue instead.
	RetryMax         int
	RetryBase        time.Duration
	DeadLetterPrefix string
	ApplyTimeout     time.Duration

	// System names the broker in spans ("rabbitmq", "kafka").
	System    string
	Logger    logx.Logger
	Telemetry influxx.PointWriter
}

// Consumer binds one exclusive queue to one routing key and applies every
// delivery in order, acknowledging only after the apply succeeded.
type Consumer struct {
	gw   mqx.Gateway
	opts Options
	log  logx.Logger
	life *workflow.Lifecycle

	mu       sync.Mutex
	sub      mqx.Subscription
	stopping chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func New(gw mqx.Gateway, opts Options) *Consumer {
	if opts.RetryBase <= 0 {
		opts.RetryBase = defaultRetryBase
	}
	if opts.ApplyTimeout <= 0 {
		opts.ApplyTimeout = defaultApplyTimeout
	}
	if opts.DeadLetterPrefix == "" {
		opts.DeadLetterPrefix = "dead."
	}
	if opts.System == "" {
		opts.System = "broker"
	}
	return &Consumer{
		gw:   gw,
		opts: opts,
		log: opts.Logger.With(
			slog.String("consumer", opts.Name),
			slog.String("routing_key", opts.RoutingKey),
		),
		life:     workflow.NewLifecycle(),
		stopping: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (c *Consumer) Name() string  { return c.opts.Name }
func (c *Consumer) State() string { return c.life.State() }

// Bind declares and binds the queue.
func (c *Consumer) Bind(ctx context.Context) error {
	if c.opts.Apply == nil {
		return errors.New("projection: Apply is required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.life.State() != workflow.ConsumerUnbound {
		return fmt.Errorf("projection: bind in state %s", c.life.State())
	}
	sub, err := c.gw.Subscribe(ctx, c.opts.RoutingKey)
	if err != nil {
		return err
	}
	c.sub = sub
	c.transition(ctx, workflow.ConsumerBound, slog.String("queue", sub.Queue()))
	return nil
}

// Start binds if needed and consumes in the background until Stop.
func (c *Consumer) Start(ctx context.Context) error {
	if c.State() == workflow.ConsumerUnbound {
		if err := c.Bind(ctx); err != nil {
			return err
		}
	}
	c.mu.Lock()
	if c.life.State() != workflow.ConsumerBound {
		c.mu.Unlock()
		return fmt.Errorf("projection: start in state %s", c.life.State())
	}
	c.transition(ctx, workflow.ConsumerConsuming)
	sub := c.sub
	c.mu.Unlock()

	go c.run(ctx, sub)
	return nil
}

// Stop ends new deliveries and waits for the in-flight one to finish.
// Deliveries still buffered are rejected with requeue.
func (c *Consumer) Stop() error {
	var err error
	c.stopOnce.Do(func() {
		close(c.stopping)
		c.mu.Lock()
		sub := c.sub
		state := c.life.State()
		c.mu.Unlock()
		if sub != nil {
			err = sub.Close()
		}
		if state == workflow.ConsumerConsuming {
			<-c.done
		}
		c.mu.Lock()
		c.transition(context.Background(), workflow.ConsumerStopped)
		c.mu.Unlock()
	})
	return err
}

// Done is closed once the consume loop has exited.
func (c *Consumer) Done() <-chan struct{} { return c.done }

func (c *Consumer) transition(ctx context.Context, state string, attrs ...slog.Attr) {
	ev, err := c.life.Advance(state)
	if err != nil || ev == "" {
		return
	}
	metricsx.SetConsumerState(c.opts.Name, state)
	c.log.Info(ctx, ev, "consumer state changed", append(attrs, slog.String("state", state))...)
}

func (c *Consumer) run(ctx context.Context, sub mqx.Subscription) {
	defer func() {
		c.mu.Lock()
		c.transition(context.WithoutCancel(ctx), workflow.ConsumerStopped)
		c.mu.Unlock()
		close(c.done)
	}()
	deliveries := sub.Deliveries()
	for {
		select {
		case <-ctx.Done():
			_ = sub.Close()
			c.drain(deliveries)
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			if c.isStopping() {
				_ = d.Nack(true)
				continue
			}
			c.handle(ctx, d)
		}
	}
}

func (c *Consumer) drain(deliveries <-chan mqx.Delivery) {
	for d := range deliveries {
		_ = d.Nack(true)
	}
}

func (c *Consumer) isStopping() bool {
	select {
	case <-c.stopping:
		return true
	default:
		return false
	}
}

func (c *Consumer) handle(parent context.Context, d mqx.Delivery) {
	routingKey := d.RoutingKey
	if routingKey == "" {
		routingKey = c.opts.RoutingKey
	}

	// The in-flight delivery finishes even when the caller is shutting down.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), c.opts.ApplyTimeout)
	defer cancel()
	ctx, span := observability.StartConsumeSpan(ctx, c.opts.System, routingKey, c.opts.Name, d.Headers)
	defer span.End()

	ev, err := events.Decode(routingKey, d.Body)
	if err != nil {
		if errors.Is(err, events.ErrUnsupportedVersion) {
			span.SetStatus(codes.Error, err.Error())
			c.deadLetter(ctx, d, routingKey, ReasonUnsupportedVersion, err, 0)
			return
		}
		metricsx.IncProjectionMessage(c.opts.Name, routingKey, "malformed")
		c.log.Warn(ctx, "event_malformed", "dropping malformed event",
			slog.String("error_code", "INVALID_ARGUMENT"),
			slog.String("error", err.Error()),
			slog.Int("body_bytes", len(d.Body)),
		)
		c.ack(ctx, d)
		return
	}

	for attempt := 1; ; attempt++ {
		start := time.Now()
		err := c.opts.Apply(ctx, ev)
		elapsed := time.Since(start)
		metricsx.ObserveProjectionApply(c.opts.Name, elapsed)
		if err == nil {
			c.ack(ctx, d)
			metricsx.IncProjectionMessage(c.opts.Name, routingKey, "applied")
			c.writeTelemetry(ctx, routingKey, "applied", attempt, elapsed)
			c.log.Info(ctx, "projection_applied", "projection applied",
				slog.String("post_id", ev.SourceID),
				slog.String("kind", string(ev.Kind)),
				slog.Int("attempt", attempt),
			)
			return
		}

		applyErr := fmt.Errorf("%w: %v", ErrApply, err)
		span.RecordError(applyErr)
		c.log.Error(ctx, "projection_apply_failed", "projection apply failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", applyErr.Error()),
			slog.String("post_id", ev.SourceID),
			slog.Int("attempt", attempt),
		)
		c.writeTelemetry(ctx, routingKey, "failed", attempt, elapsed)

		if c.opts.RetryMax == 0 {
			if !c.sleep(RetryDelay(c.opts.RetryBase, attempt)) {
				_ = d.Nack(true)
				return
			}
			metricsx.IncProjectionMessage(c.opts.Name, routingKey, "requeued")
			if err := d.Nack(true); err != nil {
				c.log.Error(ctx, "delivery_nack_failed", "failed to reject delivery",
					slog.String("error_code", "INTERNAL_ERROR"),
					slog.String("error", err.Error()),
				)
			}
			return
		}
		if attempt >= c.opts.RetryMax {
			span.SetStatus(codes.Error, applyErr.Error())
			c.deadLetter(ctx, d, routingKey, ReasonRetryExhausted, applyErr, attempt)
			return
		}
		if !c.sleep(RetryDelay(c.opts.RetryBase, attempt)) {
			metricsx.IncProjectionMessage(c.opts.Name, routingKey, "requeued")
			_ = d.Nack(true)
			return
		}
	}
}

// deadLetter republishes the original body under the dead-letter key and
// acknowledges it. If that publish fails the delivery is requeued instead.
func (c *Consumer) deadLetter(ctx context.Context, d mqx.Delivery, routingKey string, reason string, cause error, attempts int) {
	headers := make(map[string]string, len(d.Headers)+5)
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers[HeaderDeadReason] = reason
	headers[HeaderConsumer] = c.opts.Name
	headers[HeaderOriginalRoutingKey] = routingKey
	headers[HeaderDeadError] = cause.Error()
	headers[HeaderAttempts] = strconv.Itoa(attempts)

	deadKey := c.opts.DeadLetterPrefix + routingKey
	if err := c.gw.Publish(ctx, deadKey, d.Body, headers); err != nil {
		c.log.Error(ctx, "dead_letter_failed", "failed to dead-letter delivery, requeueing",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
			slog.String("dead_letter_key", deadKey),
		)
		metricsx.IncProjectionMessage(c.opts.Name, routingKey, "requeued")
		_ = d.Nack(true)
		return
	}
	metricsx.IncDeadLettered(c.opts.Name, reason)
	metricsx.IncProjectionMessage(c.opts.Name, routingKey, "dead_lettered")
	c.log.Warn(ctx, "event_dead_lettered", "delivery routed to dead-letter key",
		slog.String("error_code", "FAILED_PRECONDITION"),
		slog.String("error", cause.Error()),
		slog.String("reason", reason),
		slog.String("dead_letter_key", deadKey),
		slog.Int("attempts", attempts),
	)
	c.ack(ctx, d)
}

func (c *Consumer) ack(ctx context.Context, d mqx.Delivery) {
	if err := d.Ack(); err != nil {
		c.log.Error(ctx, "delivery_ack_failed", "failed to acknowledge delivery",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
	}
}

// sleep waits d and reports false when Stop was called meanwhile.
func (c *Consumer) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-c.stopping:
		return false
	}
}

func (c *Consumer) writeTelemetry(ctx context.Context, routingKey string, result string, attempt int, elapsed time.Duration) {
	if c.opts.Telemetry == nil {
		return
	}
	err := c.opts.Telemetry.WritePoint(ctx, influxx.MeasurementProjectionApply,
		map[string]string{
			"consumer":    c.opts.Name,
			"routing_key": routingKey,
			"result":      result,
		},
		map[string]any{
			"duration_ms": float64(elapsed.Microseconds()) / 1000,
			"attempt":     attempt,
		},
		time.Now().UTC(),
	)
	if err != nil {
		metricsx.IncInfluxWriteFailure()
		c.log.Warn(ctx, "influx_write_failed", "failed to write projection telemetry",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
	}
}

// RetryDelay grows quadratically with the attempt number, capped at 30s.
func RetryDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base * time.Duration(attempt*attempt)
	if d > maxRetryDelay || d <= 0 {
		return maxRetryDelay
	}
	return d
}
