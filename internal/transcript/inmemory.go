package transcript

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

const DefaultPerClientLimit = 200

// InMemoryStore keeps the most recent entries of each client in process.
type InMemoryStore struct {
	mu      sync.RWMutex
	limit   int
	entries map[string][]Entry
}

func NewInMemoryStore(perClientLimit int) *InMemoryStore {
	if perClientLimit <= 0 {
		perClientLimit = DefaultPerClientLimit
	}
	return &InMemoryStore{limit: perClientLimit, entries: make(map[string][]Entry)}
}

func (s *InMemoryStore) Append(_ context.Context, e Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	list := append(s.entries[e.ClientID], e)
	if over := len(list) - s.limit; over > 0 {
		list = append([]Entry(nil), list[over:]...)
	}
	s.entries[e.ClientID] = list
	return nil
}

func (s *InMemoryStore) Recent(_ context.Context, clientID string, limit int) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.entries[clientID]
	if limit <= 0 || limit > len(list) {
		limit = len(list)
	}
	out := make([]Entry, limit)
	copy(out, list[len(list)-limit:])
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }
