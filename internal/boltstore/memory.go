package boltstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// InMemoryStore is a Store kept in a map. Values round-trip through JSON so
// callers observe the same copy semantics as BoltStore.
type InMemoryStore[T any] struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewInMemoryStore creates a new in-memory store.
func NewInMemoryStore[T any]() Store[T] {
	return &InMemoryStore[T]{data: make(map[string][]byte)}
}

func (s *InMemoryStore[T]) Get(ctx context.Context, key string) (*T, error) {
	s.mu.RLock()
	data, ok := s.data[key]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("key %s: %w", key, ErrNotFound)
	}

	var value T
	if err := json.Unmarshal(data, &value); err != nil {
		return nil, err
	}
	return &value, nil
}

func (s *InMemoryStore[T]) Set(ctx context.Context, key string, value *T) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = data
	return nil
}

func (s *InMemoryStore[T]) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *InMemoryStore[T]) Scan(ctx context.Context, prefix string, fn func(key string, value *T) error) error {
	s.mu.RLock()
	keys := make([]string, 0, len(s.data))
	snapshot := make(map[string][]byte, len(s.data))
	for k, v := range s.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
			snapshot[k] = v
		}
	}
	s.mu.RUnlock()
	sort.Strings(keys)

	for _, k := range keys {
		var value T
		if err := json.Unmarshal(snapshot[k], &value); err != nil {
			return err
		}
		if err := fn(k, &value); err != nil {
			return err
		}
	}
	return nil
}

func (s *InMemoryStore[T]) Replace(ctx context.Context, entries map[string]*T) error {
	data := make(map[string][]byte, len(entries))
	for k, v := range entries {
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		data[k] = b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = data
	return nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore[T]) Close() error {
	return nil
}
