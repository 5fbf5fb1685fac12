package cache

import (
	"context"
)

// Storage is the contract every backend implements. Keys are physical
// keys; the policy engine qualifies them before calling in.
//
// Implementations keep an in-memory mirror that is updated before any
// durable write starts and is consulted first on read. Durable failures
// are logged by the implementation; returned errors are reserved for
// context cancellation.
type Storage[T any] interface {
	// Get returns the entry for key. The bool is false if absent.
	Get(ctx context.Context, key string) (*Entry[T], bool, error)

	// Set upserts the entry for key.
	Set(ctx context.Context, key string, entry *Entry[T]) error

	// Delete removes key and reports whether it existed.
	Delete(ctx context.Context, key string) (bool, error)

	// Has reports whether key is present, expired or not.
	Has(ctx context.Context, key string) (bool, error)

	// Clear removes every entry owned by this storage, never data of
	// other consumers of the same backing store.
	Clear(ctx context.Context) error

	// Keys returns all keys in insertion order.
	Keys(ctx context.Context) ([]string, error)

	// Entries returns all entries in insertion order.
	Entries(ctx context.Context) ([]KeyedEntry[T], error)

	// Size returns the number of entries.
	Size(ctx context.Context) (int, error)
}

// KeyedEntry pairs a physical key with its entry.
type KeyedEntry[T any] struct {
	Key   string
	Entry *Entry[T]
}

// Flusher is implemented by durable storages. Flush returns once every
// write issued before the call has reached the backing store.
type Flusher interface {
	Flush(ctx context.Context) error
}
