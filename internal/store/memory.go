package store

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. Contents are lost on exit.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
	now     func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]Entry),
		now:     time.Now,
	}
}

func (s *MemoryStore) Put(_ context.Context, key string, value []byte) error {
	if err := validate(key, value); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = Entry{
		Key:       key,
		Value:     slices.Clone(value),
		UpdatedAt: s.now().UTC(),
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	if key == "" {
		return nil, false, ErrEmptyKey
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	return slices.Clone(e.Value), true, nil
}

func (s *MemoryStore) List(_ context.Context) ([]Entry, error) {
	s.mu.RLock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		e.Value = slices.Clone(e.Value)
		out = append(out, e)
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b Entry) int { return strings.Compare(a.Key, b.Key) })
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
