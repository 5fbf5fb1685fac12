package cache

import (
	"time"
)

// Entry is the storage format shared by every backend.
type Entry[T any] struct {
	// Data is the cached payload
	Data T `json:"data"`

	// Timestamp is the creation time in epoch milliseconds
	Timestamp int64 `json:"timestamp"`

	// Expires is the absolute expiry in epoch milliseconds
	Expires int64 `json:"expires"`

	// Key is the logical key, without the namespace prefix. Pattern
	// invalidation matches against this field.
	Key string `json:"key"`
}

// NewEntry creates an entry stamped at now that expires after ttl.
// A negative ttl is treated as zero so Expires never precedes Timestamp.
func NewEntry[T any](key string, data T, now time.Time, ttl time.Duration) *Entry[T] {
	if ttl < 0 {
		ttl = 0
	}
	ts := now.UnixMilli()
	return &Entry[T]{
		Data:      data,
		Timestamp: ts,
		Expires:   ts + ttl.Milliseconds(),
		Key:       key,
	}
}

// IsExpired returns true if the entry is stale at now. An entry is
// stale from its Expires instant onwards.
func (e *Entry[T]) IsExpired(now time.Time) bool {
	return now.UnixMilli() >= e.Expires
}

// TTL returns the time until expiration.
// Returns 0 if already expired.
func (e *Entry[T]) TTL(now time.Time) time.Duration {
	ttl := time.Duration(e.Expires-now.UnixMilli()) * time.Millisecond
	if ttl < 0 {
		return 0
	}
	return ttl
}

// CreatedAt returns Timestamp as a time.Time.
func (e *Entry[T]) CreatedAt() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// ExpiresAt returns Expires as a time.Time.
func (e *Entry[T]) ExpiresAt() time.Time {
	return time.UnixMilli(e.Expires)
}

// valid reports whether the entry satisfies Expires >= Timestamp.
func (e *Entry[T]) valid() bool {
	return e != nil && e.Expires >= e.Timestamp
}
