package storage

import (
	"context"
	"path"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for single-instance deployments and
// tests. TTLs are honored lazily on read and by the same Scan-driven sweeps
// the managers run against the shared store.
type MemoryStore struct {
	mu     sync.Mutex
	values map[string]memEntry
}

type memEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]memEntry)}
}

func (e memEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.values[key]
	if !ok || e.expired(time.Now()) {
		delete(s.values, key)
		return "", ErrNotFound
	}
	return e.value, nil
}

// Set implements Store.
func (s *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}
	s.values[key] = memEntry{value: value, expiresAt: expiresAt}
	return nil
}

// SetNX implements Store.
func (s *MemoryStore) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.values[key]; ok && !e.expired(time.Now()) {
		return false, nil
	}

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}
	s.values[key] = memEntry{value: value, expiresAt: expiresAt}
	return true, nil
}

// GetDel implements Store.
func (s *MemoryStore) GetDel(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.values[key]
	delete(s.values, key)
	if !ok || e.expired(time.Now()) {
		return "", ErrNotFound
	}
	return e.value, nil
}

// Del implements Store.
func (s *MemoryStore) Del(_ context.Context, keys ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var n int64
	for _, k := range keys {
		if e, ok := s.values[k]; ok {
			if !e.expired(now) {
				n++
			}
			delete(s.values, k)
		}
	}
	return n, nil
}

// Scan implements Store. Keys are snapshotted first so fn may mutate the
// store without deadlocking.
func (s *MemoryStore) Scan(_ context.Context, pattern string, fn func(key string) error) error {
	s.mu.Lock()
	now := time.Now()
	keys := make([]string, 0, len(s.values))
	for k, e := range s.values {
		if e.expired(now) {
			continue
		}
		if ok, _ := path.Match(pattern, k); ok {
			keys = append(keys, k)
		}
	}
	s.mu.Unlock()

	for _, k := range keys {
		if err := fn(k); err != nil {
			return err
		}
	}
	return nil
}

// Ping implements Store.
func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	return nil
}
