package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/Sternrassler/apicache/pkg/cache"
	"github.com/rs/zerolog"
)

const (
	// PruneFraction is the share of entries removed after a failed write
	PruneFraction = 0.2

	// checkKey is written and removed once to detect an unusable store
	checkKey = "__apicache_check__"

	backendKV = "kv"
)

// errCorrupt marks a persisted value that cannot be used.
var errCorrupt = errors.New("corrupt entry")

// expiringStore is implemented by stores that can drop items themselves.
type expiringStore interface {
	SetItemTTL(ctx context.Context, key, value string, ttl time.Duration) error
}

// KeyValueAdapter persists entries as JSON text in a KeyValueStore, the
// way a browser cache persists to localStorage. prefix is prepended to
// the storage key only; the entry keeps its own key.
//
// A failed write leaves the mirror authoritative, prunes the oldest
// entries of the prefix and retries the write once.
type KeyValueAdapter[T any] struct {
	store     KeyValueStore
	prefix    string
	mirror    *cache.MemoryStorage[T]
	available bool
	now       func() time.Time
	logger    zerolog.Logger
}

var _ cache.Storage[struct{}] = (*KeyValueAdapter[struct{}])(nil)

// NewKeyValueAdapter creates the adapter. The store is checked once; if it
// is nil or the check fails, the adapter runs memory-only for its lifetime.
func NewKeyValueAdapter[T any](ctx context.Context, store KeyValueStore, prefix string, logger zerolog.Logger) *KeyValueAdapter[T] {
	a := &KeyValueAdapter[T]{
		store:  store,
		prefix: prefix,
		mirror: cache.NewMemoryStorage[T](),
		now:    time.Now,
		logger: logger.With().Str("backend", backendKV).Str("prefix", prefix).Logger(),
	}

	if err := checkStore(ctx, store); err != nil {
		a.logger.Warn().Err(err).Msg("Key-value store unavailable, using memory only")
		return a
	}
	a.available = true
	return a
}

func checkStore(ctx context.Context, store KeyValueStore) error {
	if store == nil {
		return ErrUnavailable
	}
	if err := store.SetItem(ctx, checkKey, checkKey); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := store.RemoveItem(ctx, checkKey); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Backend returns the metrics label of the adapter.
func (a *KeyValueAdapter[T]) Backend() string {
	return backendKV
}

// Available reports whether the backing store is in use.
func (a *KeyValueAdapter[T]) Available() bool {
	return a.available
}

// Get implements cache.Storage. Values that fail to decode are removed
// and reported as absent.
func (a *KeyValueAdapter[T]) Get(ctx context.Context, key string) (*cache.Entry[T], bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if entry, ok := a.mirror.Load(key); ok {
		return entry, true, nil
	}
	if !a.available {
		return nil, false, nil
	}

	entry, ok := a.load(ctx, a.prefix+key)
	if !ok {
		return nil, false, nil
	}
	a.mirror.Store(key, entry)
	return entry, true, nil
}

// load reads and decodes one storage key.
func (a *KeyValueAdapter[T]) load(ctx context.Context, storageKey string) (*cache.Entry[T], bool) {
	raw, ok, err := a.store.GetItem(ctx, storageKey)
	if err != nil {
		cache.StorageErrors.WithLabelValues(backendKV, "get").Inc()
		a.logger.Warn().Err(err).Str("key", storageKey).Msg("Key-value read failed")
		return nil, false
	}
	if !ok {
		return nil, false
	}

	entry, err := decodeEntry[T]([]byte(raw))
	if err != nil {
		a.dropCorrupt(ctx, storageKey, err)
		return nil, false
	}
	return entry, true
}

func (a *KeyValueAdapter[T]) dropCorrupt(ctx context.Context, storageKey string, cause error) {
	cache.StorageErrors.WithLabelValues(backendKV, "decode").Inc()
	a.logger.Debug().Err(cause).Str("key", storageKey).Msg("Dropping corrupt entry")
	if err := a.store.RemoveItem(ctx, storageKey); err != nil {
		a.logger.Warn().Err(err).Str("key", storageKey).Msg("Key-value remove failed")
	}
}

// Set implements cache.Storage. It never fails for storage pressure.
func (a *KeyValueAdapter[T]) Set(ctx context.Context, key string, entry *cache.Entry[T]) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mirror.Store(key, entry)
	if !a.available {
		return nil
	}

	raw, err := json.Marshal(entry)
	if err != nil {
		cache.StorageErrors.WithLabelValues(backendKV, "set").Inc()
		a.logger.Warn().Err(err).Str("key", key).Msg("Marshal cache entry failed")
		return nil
	}

	err = a.write(ctx, key, string(raw), entry)
	if err == nil {
		return nil
	}

	cache.StorageErrors.WithLabelValues(backendKV, "set").Inc()
	a.logger.Warn().Err(err).Str("key", key).Msg("Key-value write failed, pruning")

	a.prune(ctx, key)
	if err := a.write(ctx, key, string(raw), entry); err != nil {
		cache.StorageErrors.WithLabelValues(backendKV, "set").Inc()
		a.logger.Warn().Err(err).Str("key", key).Msg("Key-value write failed after prune")
	}
	return nil
}

func (a *KeyValueAdapter[T]) write(ctx context.Context, key, raw string, entry *cache.Entry[T]) error {
	if s, ok := a.store.(expiringStore); ok {
		if ttl := entry.TTL(a.now()); ttl > 0 {
			return s.SetItemTTL(ctx, a.prefix+key, raw, ttl)
		}
	}
	return a.store.SetItem(ctx, a.prefix+key, raw)
}

// prune removes the oldest PruneFraction of the prefix's entries, never
// the key being written. Best effort: failures are logged.
func (a *KeyValueAdapter[T]) prune(ctx context.Context, keep string) {
	a.syncFromStore(ctx)

	var candidates []cache.KeyedEntry[T]
	for _, ke := range a.mirror.Snapshot() {
		if ke.Key != keep {
			candidates = append(candidates, ke)
		}
	}
	if len(candidates) == 0 {
		return
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Entry.Timestamp < candidates[j].Entry.Timestamp
	})

	n := int(math.Ceil(float64(len(candidates)) * PruneFraction))
	for _, ke := range candidates[:n] {
		a.mirror.Remove(ke.Key)
		if err := a.store.RemoveItem(ctx, a.prefix+ke.Key); err != nil {
			a.logger.Warn().Err(err).Str("key", ke.Key).Msg("Key-value remove failed during prune")
		}
	}

	cache.StoragePrunes.WithLabelValues(backendKV).Inc()
	a.logger.Info().Int("pruned", n).Int("entries", len(candidates)).Msg("Pruned oldest entries")
}

// Delete implements cache.Storage.
func (a *KeyValueAdapter[T]) Delete(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	existed := a.mirror.Remove(key)
	if !a.available {
		return existed, nil
	}

	_, stored, err := a.store.GetItem(ctx, a.prefix+key)
	if err != nil {
		cache.StorageErrors.WithLabelValues(backendKV, "get").Inc()
		a.logger.Warn().Err(err).Str("key", key).Msg("Key-value read failed")
	}
	if err := a.store.RemoveItem(ctx, a.prefix+key); err != nil {
		cache.StorageErrors.WithLabelValues(backendKV, "delete").Inc()
		a.logger.Warn().Err(err).Str("key", key).Msg("Key-value remove failed")
	}
	return existed || stored, nil
}

// Has implements cache.Storage.
func (a *KeyValueAdapter[T]) Has(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if _, ok := a.mirror.Load(key); ok {
		return true, nil
	}
	if !a.available {
		return false, nil
	}

	_, ok, err := a.store.GetItem(ctx, a.prefix+key)
	if err != nil {
		cache.StorageErrors.WithLabelValues(backendKV, "get").Inc()
		a.logger.Warn().Err(err).Str("key", key).Msg("Key-value read failed")
		return false, nil
	}
	return ok, nil
}

// Clear implements cache.Storage. Only keys under prefix are removed.
func (a *KeyValueAdapter[T]) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mirror.Reset()
	if !a.available {
		return nil
	}

	keys, err := a.store.Keys(ctx, a.prefix)
	if err != nil {
		cache.StorageErrors.WithLabelValues(backendKV, "clear").Inc()
		a.logger.Warn().Err(err).Msg("Key-value list failed")
		return nil
	}
	for _, key := range keys {
		if err := a.store.RemoveItem(ctx, key); err != nil {
			cache.StorageErrors.WithLabelValues(backendKV, "clear").Inc()
			a.logger.Warn().Err(err).Str("key", key).Msg("Key-value remove failed")
		}
	}
	return nil
}

// Keys implements cache.Storage.
func (a *KeyValueAdapter[T]) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.syncFromStore(ctx)
	return a.mirror.KeyList(), nil
}

// Entries implements cache.Storage.
func (a *KeyValueAdapter[T]) Entries(ctx context.Context) ([]cache.KeyedEntry[T], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.syncFromStore(ctx)
	return a.mirror.Snapshot(), nil
}

// Size implements cache.Storage.
func (a *KeyValueAdapter[T]) Size(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	a.syncFromStore(ctx)
	return a.mirror.Len(), nil
}

// Flush implements cache.Flusher. Writes are synchronous, so there is
// nothing to wait for.
func (a *KeyValueAdapter[T]) Flush(ctx context.Context) error {
	return ctx.Err()
}

// syncFromStore pulls entries written by other processes (or before a
// restart) into the mirror, oldest first.
func (a *KeyValueAdapter[T]) syncFromStore(ctx context.Context) {
	if !a.available {
		return
	}

	keys, err := a.store.Keys(ctx, a.prefix)
	if err != nil {
		cache.StorageErrors.WithLabelValues(backendKV, "load").Inc()
		a.logger.Warn().Err(err).Msg("Key-value list failed")
		return
	}

	var loaded []cache.KeyedEntry[T]
	for _, storageKey := range keys {
		key := strings.TrimPrefix(storageKey, a.prefix)
		if _, ok := a.mirror.Load(key); ok {
			continue
		}
		if entry, ok := a.load(ctx, storageKey); ok {
			loaded = append(loaded, cache.KeyedEntry[T]{Key: key, Entry: entry})
		}
	}

	sort.SliceStable(loaded, func(i, j int) bool {
		return loaded[i].Entry.Timestamp < loaded[j].Entry.Timestamp
	})
	for _, ke := range loaded {
		a.mirror.Store(ke.Key, ke.Entry)
	}
}

// decodeEntry parses a persisted entry and checks its invariants.
func decodeEntry[T any](raw []byte) (*cache.Entry[T], error) {
	var entry cache.Entry[T]
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("%w: %v", errCorrupt, err)
	}
	if entry.Expires < entry.Timestamp {
		return nil, fmt.Errorf("%w: timestamp=%d expires=%d", errCorrupt, entry.Timestamp, entry.Expires)
	}
	return &entry, nil
}
