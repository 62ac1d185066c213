package publisher

import (
	"context"
	"log/slog"
	"strconv"

	"content-sharing-platform/shared/events"
	"content-sharing-platform/shared/logx"
	"content-sharing-platform/shared/metricsx"
	"content-sharing-platform/shared/mqx"
	"content-sharing-platform/shared/observability"
)

const (
	HeaderEventID      = "x-event-id"
	HeaderEventVersion = "x-event-version"
	HeaderSource       = "x-source-service"
)

// Publisher turns domain events into broker messages. It is a best-effort
// notification channel: the local write it follows is already committed.
type Publisher struct {
	gw      mqx.Gateway
	log     logx.Logger
	service string
}

func New(gw mqx.Gateway, logger logx.Logger, service string) *Publisher {
	return &Publisher{gw: gw, log: logger, service: service}
}

// Publish builds the event and sends it. Failures are logged and counted,
// never returned.
func (p *Publisher) Publish(ctx context.Context, kind events.Kind, sourceID string, ownerID string, payload events.Payload) {
	var ev events.DomainEvent
	switch kind {
	case events.KindDeleted:
		ev = events.NewDeleted(sourceID, ownerID, payload.MediaIDs)
	default:
		ev = events.NewCreated(sourceID, ownerID, payload.Content, payload.CreatedAt)
		ev.Kind = kind
	}
	_ = p.PublishEvent(ctx, ev)
}

// PublishEvent sends ev and reports the outcome. The failure is logged here
// as well, so callers that only need best-effort delivery can drop it.
func (p *Publisher) PublishEvent(ctx context.Context, ev events.DomainEvent) error {
	key, body, err := events.Encode(ev)
	if err != nil {
		metricsx.IncEventPublished(string(ev.Kind), "invalid")
		p.log.Error(ctx, "event_encode_failed", "failed to encode event",
			slog.String("error_code", "INVALID_ARGUMENT"),
			slog.String("error", err.Error()),
			slog.String("post_id", ev.SourceID),
		)
		return err
	}

	headers := map[string]string{
		HeaderEventID:      ev.ID.String(),
		HeaderEventVersion: strconv.Itoa(events.CurrentVersion),
	}
	if p.service != "" {
		headers[HeaderSource] = p.service
	}
	observability.InjectHeaders(ctx, headers)

	if err := p.gw.Publish(ctx, key, body, headers); err != nil {
		metricsx.IncEventPublished(key, "error")
		p.log.Error(ctx, "event_publish_failed", "failed to publish event",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
			slog.String("routing_key", key),
			slog.String("post_id", ev.SourceID),
			slog.String("event_id", ev.ID.String()),
		)
		return err
	}
	metricsx.IncEventPublished(key, "ok")
	p.log.Info(ctx, "event_published", "event published",
		slog.String("routing_key", key),
		slog.String("post_id", ev.SourceID),
		slog.String("event_id", ev.ID.String()),
	)
	return nil
}
