package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrQuotaExceeded indicates the store refused a write for lack of space
	ErrQuotaExceeded = errors.New("storage quota exceeded")

	// ErrUnavailable indicates the store cannot be used at all
	ErrUnavailable = errors.New("storage unavailable")
)

// KeyValueStore is a string-to-string store in the shape of the browser
// localStorage API. Implementations must be safe for concurrent use.
type KeyValueStore interface {
	// GetItem returns the value for key. The bool is false if absent.
	GetItem(ctx context.Context, key string) (string, bool, error)

	// SetItem stores value under key. Returns an error wrapping
	// ErrQuotaExceeded when the store is full.
	SetItem(ctx context.Context, key, value string) error

	// RemoveItem deletes key. Removing a missing key is not an error.
	RemoveItem(ctx context.Context, key string) error

	// Keys returns every key starting with prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// MemoryStore is an in-process KeyValueStore with an optional byte quota.
// The size of an item is len(key) + len(value).
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]string
	quota int
	used  int
}

// NewMemoryStore creates a store. A quota <= 0 means unlimited.
func NewMemoryStore(quota int) *MemoryStore {
	return &MemoryStore{
		items: make(map[string]string),
		quota: quota,
	}
}

// GetItem implements KeyValueStore.
func (s *MemoryStore) GetItem(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.items[key]
	return value, ok, nil
}

// SetItem implements KeyValueStore.
func (s *MemoryStore) SetItem(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	used := s.used + len(key) + len(value)
	if old, ok := s.items[key]; ok {
		used -= len(key) + len(old)
	}
	if s.quota > 0 && used > s.quota {
		return fmt.Errorf("set %q: %w (%d of %d bytes)", key, ErrQuotaExceeded, used, s.quota)
	}

	s.items[key] = value
	s.used = used
	return nil
}

// RemoveItem implements KeyValueStore.
func (s *MemoryStore) RemoveItem(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.items[key]; ok {
		s.used -= len(key) + len(old)
		delete(s.items, key)
	}
	return nil
}

// Keys implements KeyValueStore. Keys are returned sorted.
func (s *MemoryStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.items))
	for key := range s.items {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Used returns the number of bytes in use.
func (s *MemoryStore) Used() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.used
}
