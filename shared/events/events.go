package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrMalformedEvent     = errors.New("malformed event")
	ErrUnsupportedVersion = errors.New("unsupported event version")
	ErrUnknownKind        = errors.New("unknown event kind")
)

type Kind string

const (
	KindCreated Kind = "created"
	KindDeleted Kind = "deleted"
)

const (
	RoutingPostCreated = "post.created"
	RoutingPostDeleted = "post.deleted"
)

// CurrentVersion is written by every producer. Bodies without a version field
// come from legacy producers and are read as version 1.
const CurrentVersion = 1

// DomainEvent is identified by (Kind, SourceID) and never mutated after
// publish.
type DomainEvent struct {
	ID         uuid.UUID
	Kind       Kind
	SourceID   string
	OwnerID    string
	Payload    Payload
	ProducedAt time.Time
}

type Payload struct {
	Content   string
	CreatedAt time.Time
	MediaIDs  []string
}

// PostCreated is the post.created wire body.
type PostCreated struct {
	Version   int       `json:"version"`
	EventID   string    `json:"eventId,omitempty"`
	PostID    string    `json:"postId"`
	UserID    string    `json:"userId"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// PostDeleted is the post.deleted wire body.
type PostDeleted struct {
	Version  int      `json:"version"`
	EventID  string   `json:"eventId,omitempty"`
	PostID   string   `json:"postId"`
	UserID   string   `json:"userId"`
	MediaIDs []string `json:"mediaIds"`
}

func NewCreated(postID, userID, content string, createdAt time.Time) DomainEvent {
	return DomainEvent{
		ID:         uuid.New(),
		Kind:       KindCreated,
		SourceID:   postID,
		OwnerID:    userID,
		Payload:    Payload{Content: content, CreatedAt: createdAt.UTC()},
		ProducedAt: time.Now().UTC(),
	}
}

func NewDeleted(postID, userID string, mediaIDs []string) DomainEvent {
	ids := make([]string, len(mediaIDs))
	copy(ids, mediaIDs)
	return DomainEvent{
		ID:         uuid.New(),
		Kind:       KindDeleted,
		SourceID:   postID,
		OwnerID:    userID,
		Payload:    Payload{MediaIDs: ids},
		ProducedAt: time.Now().UTC(),
	}
}

func RoutingKey(kind Kind) (string, error) {
	switch kind {
	case KindCreated:
		return RoutingPostCreated, nil
	case KindDeleted:
		return RoutingPostDeleted, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

func KindFor(routingKey string) (Kind, error) {
	switch routingKey {
	case RoutingPostCreated:
		return KindCreated, nil
	case RoutingPostDeleted:
		return KindDeleted, nil
	default:
		return "", fmt.Errorf("%w: routing key %q", ErrUnknownKind, routingKey)
	}
}

// Encode returns the routing key and JSON body for ev.
func Encode(ev DomainEvent) (string, []byte, error) {
	key, err := RoutingKey(ev.Kind)
	if err != nil {
		return "", nil, err
	}
	eventID := ""
	if ev.ID != uuid.Nil {
		eventID = ev.ID.String()
	}

	var body any
	switch ev.Kind {
	case KindCreated:
		body = PostCreated{
			Version:   CurrentVersion,
			EventID:   eventID,
			PostID:    ev.SourceID,
			UserID:    ev.OwnerID,
			Content:   ev.Payload.Content,
			CreatedAt: ev.Payload.CreatedAt,
		}
	case KindDeleted:
		ids := ev.Payload.MediaIDs
		if ids == nil {
			ids = []string{}
		}
		body = PostDeleted{
			Version:  CurrentVersion,
			EventID:  eventID,
			PostID:   ev.SourceID,
			UserID:   ev.OwnerID,
			MediaIDs: ids,
		}
	}
	b, err := json.Marshal(body)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return key, b, nil
}

// Decode parses a body received under routingKey. Errors wrap
// ErrMalformedEvent, ErrUnsupportedVersion or ErrUnknownKind.
func Decode(routingKey string, body []byte) (DomainEvent, error) {
	kind, err := KindFor(routingKey)
	if err != nil {
		return DomainEvent{}, err
	}

	var probe struct {
		Version *int `json:"version"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return DomainEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if probe.Version != nil && *probe.Version != CurrentVersion {
		return DomainEvent{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, *probe.Version)
	}

	ev := DomainEvent{Kind: kind}
	var eventID string
	switch kind {
	case KindCreated:
		var in PostCreated
		if err := json.Unmarshal(body, &in); err != nil {
			return DomainEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		eventID = in.EventID
		ev.SourceID = strings.TrimSpace(in.PostID)
		ev.OwnerID = strings.TrimSpace(in.UserID)
		ev.Payload = Payload{Content: in.Content, CreatedAt: in.CreatedAt.UTC()}
		ev.ProducedAt = in.CreatedAt.UTC()
	case KindDeleted:
		var in PostDeleted
		if err := json.Unmarshal(body, &in); err != nil {
			return DomainEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		eventID = in.EventID
		ev.SourceID = strings.TrimSpace(in.PostID)
		ev.OwnerID = strings.TrimSpace(in.UserID)
		ev.Payload = Payload{MediaIDs: compact(in.MediaIDs)}
	}

	if ev.SourceID == "" {
		return DomainEvent{}, fmt.Errorf("%w: postId is required", ErrMalformedEvent)
	}
	if ev.OwnerID == "" {
		return DomainEvent{}, fmt.Errorf("%w: userId is required", ErrMalformedEvent)
	}
	if eventID != "" {
		id, err := uuid.Parse(eventID)
		if err != nil {
			return DomainEvent{}, fmt.Errorf("%w: eventId: %v", ErrMalformedEvent, err)
		}
		ev.ID = id
	}
	return ev, nil
}

func compact(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id != "" {
			out = append(out, id)
		}
	}
	return out
}
