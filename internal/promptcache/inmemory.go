package promptcache

import (
	"context"
	"sync"
	"time"
)

type cacheKey struct {
	kind  Kind
	label string
}

// InMemoryStore is a process-local cache.
type InMemoryStore struct {
	mu      sync.RWMutex
	entries map[cacheKey]Entry
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{entries: make(map[cacheKey]Entry)}
}

func (s *InMemoryStore) Get(_ context.Context, kind Kind, label string) (string, bool, error) {
	label = normalizeLabel(label)
	if label == "" {
		return "", false, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[cacheKey{kind, label}]
	return e.Summary, ok, nil
}

func (s *InMemoryStore) Put(_ context.Context, kind Kind, label, summary string) error {
	label = normalizeLabel(label)
	if label == "" || summary == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[cacheKey{kind, label}] = Entry{Kind: kind, Label: label, Summary: summary, UpdatedAt: time.Now().UTC()}
	return nil
}

// Len reports the number of cached entries.
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *InMemoryStore) Ping(context.Context) error { return nil }

func (s *InMemoryStore) Mode() string { return "memory" }

func (s *InMemoryStore) Close() error { return nil }
