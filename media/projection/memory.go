package projection

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("media not found")

// MemoryStore is an in-process ledger.
type MemoryStore struct {
	mu    sync.Mutex
	media map[string]Media
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{media: map[string]Media{}}
}

func (m *MemoryStore) Create(ctx context.Context, media Media) (Media, error) {
	if media.ID == "" {
		media.ID = uuid.NewString()
	}
	if media.CreatedAt.IsZero() {
		media.CreatedAt = time.Now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.media[media.ID] = media
	return media, nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (Media, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	media, ok := m.media[id]
	if !ok {
		return Media{}, ErrNotFound
	}
	return media, nil
}

func (m *MemoryStore) FindByIDs(ctx context.Context, ids []string) ([]Media, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Media, 0, len(ids))
	for _, id := range ids {
		if media, ok := m.media[id]; ok {
			out = append(out, media)
		}
	}
	return out, nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.media, id)
	return nil
}

func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.media)
}
