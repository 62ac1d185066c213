package projection

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-process Store with the same convergence rules as the
// Postgres index.
type MemoryStore struct {
	mu         sync.Mutex
	records    map[string]Record
	tombstones map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: map[string]Record{}, tombstones: map[string]struct{}{}}
}

func (m *MemoryStore) Upsert(ctx context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, gone := m.tombstones[rec.PostID]; gone {
		return nil
	}
	m.records[rec.PostID] = rec
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, postID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, postID)
	m.tombstones[postID] = struct{}{}
	return nil
}

func (m *MemoryStore) Get(postID string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[postID]
	return rec, ok
}

func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// Search matches records containing every query word, newest first.
func (m *MemoryStore) Search(ctx context.Context, query string, limit int) ([]Record, error) {
	words := strings.Fields(strings.ToLower(query))
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0)
	for _, rec := range m.records {
		content := strings.ToLower(rec.Content)
		match := len(words) > 0
		for _, w := range words {
			if !strings.Contains(content, w) {
				match = false
				break
			}
		}
		if match {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
