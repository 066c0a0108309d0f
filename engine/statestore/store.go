// Package statestore defines the key-value contract the engine uses for
// pipeline checkpoints, plus an in-memory implementation for embedding and
// tests and a Redis implementation for durable deployments.
//
// Values are JSON-serializable maps. Implementations must deep-copy on the
// way in and out so callers can never mutate stored state through aliasing.
package statestore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Store is the persistence contract for checkpoints and run state.
type Store interface {
	// Get returns the value for key, or (nil, nil) when the key is absent
	// or expired.
	Get(ctx context.Context, key string) (map[string]any, error)

	// Set stores value under key. A zero ttl means no expiry.
	Set(ctx context.Context, key string, value map[string]any, ttl time.Duration) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Clear removes every key written through this store.
	Clear(ctx context.Context) error

	// Healthy reports whether the backing store is reachable.
	Healthy(ctx context.Context) bool
}

// StoreError wraps a failure from a concrete store with the operation and
// key that caused it.
type StoreError struct {
	Op    string
	Key   string
	Cause error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("statestore %s %q: %v", e.Op, e.Key, e.Cause)
}

func (e *StoreError) Unwrap() error { return e.Cause }

// ============================================================================
// In-memory store
// ============================================================================

type memoryEntry struct {
	data      []byte
	expiresAt time.Time // zero means no expiry
}

// MemoryStore is a thread-safe in-process Store with TTL support. Values
// round-trip through JSON so stored state has the same shape it would have
// coming back from a remote store.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: map[string]memoryEntry{}}
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, key string) (map[string]any, error) {
	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return nil, nil
	}
	var value map[string]any
	if err := json.Unmarshal(entry.data, &value); err != nil {
		return nil, &StoreError{Op: "get", Key: key, Cause: err}
	}
	return value, nil
}

// Set implements Store.
func (s *MemoryStore) Set(_ context.Context, key string, value map[string]any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return &StoreError{Op: "set", Key: key, Cause: err}
	}
	entry := memoryEntry{data: data}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}
	s.mu.Lock()
	s.entries[key] = entry
	s.mu.Unlock()
	return nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

// Clear implements Store.
func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	s.entries = map[string]memoryEntry{}
	s.mu.Unlock()
	return nil
}

// Healthy implements Store.
func (s *MemoryStore) Healthy(_ context.Context) bool { return true }

// Len returns the number of live entries. Expired entries still pending
// lazy removal are counted.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
