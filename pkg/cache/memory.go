package cache

import (
	"container/list"
	"context"
	"sync"
)

// MemoryStorage is an insertion-ordered in-memory Storage. It is the
// default backend of Cache and the mirror kept by the durable adapters.
//
// Overwriting an existing key keeps its original position, so iteration
// order is first-insertion order.
type MemoryStorage[T any] struct {
	mu    sync.RWMutex
	order *list.List
	index map[string]*list.Element
}

var _ Storage[struct{}] = (*MemoryStorage[struct{}])(nil)

// NewMemoryStorage creates an empty memory storage.
func NewMemoryStorage[T any]() *MemoryStorage[T] {
	return &MemoryStorage[T]{
		order: list.New(),
		index: make(map[string]*list.Element),
	}
}

// Backend returns the metrics label of the storage.
func (m *MemoryStorage[T]) Backend() string {
	return "memory"
}

// Load returns the entry for key.
func (m *MemoryStorage[T]) Load(key string) (*Entry[T], bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	el, ok := m.index[key]
	if !ok {
		return nil, false
	}
	return el.Value.(KeyedEntry[T]).Entry, true
}

// Store upserts the entry for key.
func (m *MemoryStorage[T]) Store(key string, entry *Entry[T]) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if el, ok := m.index[key]; ok {
		el.Value = KeyedEntry[T]{Key: key, Entry: entry}
		return
	}
	m.index[key] = m.order.PushBack(KeyedEntry[T]{Key: key, Entry: entry})
}

// Remove deletes key and reports whether it existed.
func (m *MemoryStorage[T]) Remove(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.index[key]
	if !ok {
		return false
	}
	m.order.Remove(el)
	delete(m.index, key)
	return true
}

// Snapshot returns a copy of all entries in insertion order.
func (m *MemoryStorage[T]) Snapshot() []KeyedEntry[T] {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]KeyedEntry[T], 0, m.order.Len())
	for el := m.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(KeyedEntry[T]))
	}
	return out
}

// KeyList returns all keys in insertion order.
func (m *MemoryStorage[T]) KeyList() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, m.order.Len())
	for el := m.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(KeyedEntry[T]).Key)
	}
	return out
}

// Reset removes every entry.
func (m *MemoryStorage[T]) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.order.Init()
	m.index = make(map[string]*list.Element)
}

// Len returns the number of entries.
func (m *MemoryStorage[T]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.order.Len()
}

// Get implements Storage.
func (m *MemoryStorage[T]) Get(ctx context.Context, key string) (*Entry[T], bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	entry, ok := m.Load(key)
	return entry, ok, nil
}

// Set implements Storage.
func (m *MemoryStorage[T]) Set(ctx context.Context, key string, entry *Entry[T]) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.Store(key, entry)
	return nil
}

// Delete implements Storage.
func (m *MemoryStorage[T]) Delete(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return m.Remove(key), nil
}

// Has implements Storage.
func (m *MemoryStorage[T]) Has(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, ok := m.Load(key)
	return ok, nil
}

// Clear implements Storage.
func (m *MemoryStorage[T]) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.Reset()
	return nil
}

// Keys implements Storage.
func (m *MemoryStorage[T]) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.KeyList(), nil
}

// Entries implements Storage.
func (m *MemoryStorage[T]) Entries(ctx context.Context) ([]KeyedEntry[T], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.Snapshot(), nil
}

// Size implements Storage.
func (m *MemoryStorage[T]) Size(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return m.Len(), nil
}
