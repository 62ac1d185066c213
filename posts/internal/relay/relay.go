package relay

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"content-sharing-platform/posts/internal/models"
	"content-sharing-platform/posts/internal/repos"
	"content-sharing-platform/shared/events"
	"content-sharing-platform/shared/logx"
)

const (
	TaskScan     = "outbox.scan"
	TaskDispatch = "outbox.dispatch"
)

// DispatchPayload is the asynq payload of a dispatch task.
type DispatchPayload struct {
	EventID string `json:"event_id"`
}

type Store interface {
	ClaimPending(ctx context.Context, owner string, limit int) ([]models.OutboxEvent, error)
	ReleaseStale(ctx context.Context, after time.Duration) (int64, error)
	GetByID(ctx context.Context, eventID uuid.UUID) (models.OutboxEvent, error)
	MarkDelivered(ctx context.Context, eventID uuid.UUID) error
	MarkFailed(ctx context.Context, eventID uuid.UUID, attempts int, nextRetryAt *time.Time, lastErr string, dead bool) error
	PendingCount(ctx context.Context) (int, error)
}

type EventPublisher interface {
	PublishEvent(ctx context.Context, ev events.DomainEvent) error
}

type Options struct {
	Owner       string
	BatchSize   int
	MaxAttempts int
	StaleAfter  time.Duration
	Logger      logx.Logger
}

// Relay moves committed outbox rows onto the broker. Rows are claimed in
// batches and each is dispatched on its own, so one bad row never blocks the
// rest.
type Relay struct {
	store Store
	pub   EventPublisher
	opts  Options
}

func New(store Store, pub EventPublisher, opts Options) *Relay {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 20
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 5 * time.Minute
	}
	return &Relay{store: store, pub: pub, opts: opts}
}

// Claim releases rows abandoned by a crashed dispatcher and claims the next
// batch of due rows.
func (r *Relay) Claim(ctx context.Context) ([]models.OutboxEvent, error) {
	if n, err := r.store.ReleaseStale(ctx, r.opts.StaleAfter); err != nil {
		return nil, err
	} else if n > 0 {
		r.opts.Logger.Warn(ctx, "outbox_released", "released stale outbox rows", slog.Int64("rows", n))
	}
	return r.store.ClaimPending(ctx, r.opts.Owner, r.opts.BatchSize)
}

// Dispatch publishes one row. Rows already delivered or dead are skipped. A
// failed publish is rescheduled, or marked dead once attempts run out.
func (r *Relay) Dispatch(ctx context.Context, eventID uuid.UUID) error {
	row, err := r.store.GetByID(ctx, eventID)
	if err != nil {
		return err
	}
	if row.Status == repos.OutboxStatusDelivered || row.Status == repos.OutboxStatusDead {
		return nil
	}

	ev, err := events.Decode(row.RoutingKey, row.Payload)
	if err != nil {
		// Retrying cannot fix a row that does not decode.
		r.opts.Logger.Error(ctx, "outbox_dead", "outbox row cannot be decoded",
			slog.String("error_code", "INVALID_ARGUMENT"),
			slog.String("error", err.Error()),
			slog.String("event_id", row.EventID.String()),
		)
		return r.store.MarkFailed(ctx, row.EventID, row.Attempts+1, nil, err.Error(), true)
	}

	if err := r.pub.PublishEvent(ctx, ev); err != nil {
		dead, markErr := r.Fail(ctx, row, err)
		if markErr != nil {
			return errors.Join(err, markErr)
		}
		if dead {
			return nil
		}
		return err
	}
	return r.store.MarkDelivered(ctx, row.EventID)
}

// Fail records a failed attempt for row and reports whether it is now dead.
func (r *Relay) Fail(ctx context.Context, row models.OutboxEvent, cause error) (bool, error) {
	attempts := row.Attempts + 1
	dead := attempts >= r.opts.MaxAttempts
	next := time.Now().UTC().Add(RetryDelay(attempts))
	if err := r.store.MarkFailed(ctx, row.EventID, attempts, &next, cause.Error(), dead); err != nil {
		return dead, err
	}
	if dead {
		r.opts.Logger.Warn(ctx, "outbox_dead", "outbox event moved to dead state",
			slog.String("event_id", row.EventID.String()),
			slog.String("routing_key", row.RoutingKey),
			slog.Int("attempts", attempts),
		)
	}
	return dead, nil
}

func (r *Relay) Pending(ctx context.Context) (int, error) {
	return r.store.PendingCount(ctx)
}

func RetryDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 5 * time.Second
	}
	delay := time.Duration(attempt*attempt) * 5 * time.Second
	if delay > 5*time.Minute {
		return 5 * time.Minute
	}
	return delay
}
