package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore keeps transcripts in process for local/dev use.
type InMemoryStore struct {
	mu         sync.RWMutex
	entries    []Entry
	byIdentity map[string][]int
	bySession  map[string][]int
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		byIdentity: make(map[string][]int),
		bySession:  make(map[string][]int),
	}
}

func (s *InMemoryStore) Append(_ context.Context, entry Entry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := len(s.entries)
	s.entries = append(s.entries, entry)
	s.byIdentity[entry.Identity] = append(s.byIdentity[entry.Identity], idx)
	s.bySession[entry.SessionID] = append(s.bySession[entry.SessionID], idx)
	return nil
}

func (s *InMemoryStore) Recent(_ context.Context, identity string, limit int) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx := s.byIdentity[identity]
	if limit <= 0 || limit > len(idx) {
		limit = len(idx)
	}
	return s.collect(idx[len(idx)-limit:]), nil
}

func (s *InMemoryStore) Session(_ context.Context, sessionID string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(s.bySession[sessionID]), nil
}

func (s *InMemoryStore) collect(idx []int) []Entry {
	if len(idx) == 0 {
		return nil
	}
	out := make([]Entry, 0, len(idx))
	for _, i := range idx {
		out = append(out, s.entries[i])
	}
	return out
}

func (s *InMemoryStore) Close() error { return nil }
