package cache

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// ErrNotPersistent indicates Persistent was requested over a storage
	// that cannot flush to a durable store
	ErrNotPersistent = errors.New("persistent cache requires a durable storage")

	// ErrInvalidOptions indicates a negative TTL or capacity, or a
	// namespace containing KeySeparator
	ErrInvalidOptions = errors.New("invalid cache options")
)

const (
	// DefaultTTL is used when Options.TTL is zero
	DefaultTTL = 5 * time.Minute

	// DefaultMaxItems is used when Options.MaxItems is zero
	DefaultMaxItems = 100

	// DefaultNamespace is used when Options.Namespace is empty
	DefaultNamespace = "api"
)

// Options configures a Cache.
type Options struct {
	// TTL is the default time to live of entries
	TTL time.Duration

	// MaxItems bounds the number of entries in the namespace
	MaxItems int

	// Persistent flushes every write to the durable storage before Set returns
	Persistent bool

	// Namespace prefixes every physical key; it must not contain KeySeparator
	Namespace string
}

// DefaultOptions returns the default cache options.
func DefaultOptions() Options {
	return Options{
		TTL:       DefaultTTL,
		MaxItems:  DefaultMaxItems,
		Namespace: DefaultNamespace,
	}
}

// Option customizes a Cache at construction.
type Option[T any] func(*Cache[T])

// WithStorage sets the backend. The default is a fresh MemoryStorage.
func WithStorage[T any](s Storage[T]) Option[T] {
	return func(c *Cache[T]) {
		c.storage = s
	}
}

// WithClock replaces time.Now (for testing).
func WithClock[T any](now func() time.Time) Option[T] {
	return func(c *Cache[T]) {
		c.now = now
	}
}

// WithLogger sets the logger.
func WithLogger[T any](logger zerolog.Logger) Option[T] {
	return func(c *Cache[T]) {
		c.logger = logger
	}
}

// Stats is a point-in-time snapshot of cache statistics.
type Stats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
	Size   int   `json:"size"`

	// OldestEntry and NewestEntry are epoch milliseconds, 0 when empty
	OldestEntry int64 `json:"oldestEntry"`
	NewestEntry int64 `json:"newestEntry"`
}

// HitRate returns hits / (hits + misses), or 0 without lookups.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Cache is the policy engine in front of a Storage: TTL expiration,
// capacity eviction, namespacing, prefix and pattern invalidation, and
// hit/miss statistics.
//
// The cache does no background work. Owners call ClearExpired
// periodically if they want expired entries swept before they are read.
type Cache[T any] struct {
	mu      sync.Mutex
	storage Storage[T]
	opts    Options
	now     func() time.Time
	logger  zerolog.Logger

	hits   int64
	misses int64
}

// New creates a cache. It fails only on programmer errors.
func New[T any](opts Options, optFns ...Option[T]) (*Cache[T], error) {
	if opts.TTL < 0 || opts.MaxItems < 0 {
		return nil, fmt.Errorf("%w: ttl=%v max_items=%d", ErrInvalidOptions, opts.TTL, opts.MaxItems)
	}
	if strings.Contains(opts.Namespace, KeySeparator) {
		return nil, fmt.Errorf("%w: namespace %q contains %q", ErrInvalidOptions, opts.Namespace, KeySeparator)
	}
	if opts.TTL == 0 {
		opts.TTL = DefaultTTL
	}
	if opts.MaxItems == 0 {
		opts.MaxItems = DefaultMaxItems
	}
	if opts.Namespace == "" {
		opts.Namespace = DefaultNamespace
	}

	c := &Cache[T]{
		opts:   opts,
		now:    time.Now,
		logger: log.With().Str("component", "apicache").Logger(),
	}
	for _, fn := range optFns {
		fn(c)
	}
	if c.storage == nil {
		c.storage = NewMemoryStorage[T]()
	}

	if opts.Persistent {
		if _, ok := c.storage.(Flusher); !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotPersistent, BackendName(c.storage))
		}
	}

	c.logger = c.logger.With().
		Str("namespace", opts.Namespace).
		Str("backend", BackendName(c.storage)).
		Logger()

	return c, nil
}

// Namespace returns the namespace of the cache.
func (c *Cache[T]) Namespace() string {
	return c.opts.Namespace
}

// Options returns the effective options.
func (c *Cache[T]) Options() Options {
	return c.opts
}

// Storage returns the backend.
func (c *Cache[T]) Storage() Storage[T] {
	return c.storage
}

// Set stores data under key with the default TTL and returns the entry.
func (c *Cache[T]) Set(ctx context.Context, key string, data T) *Entry[T] {
	return c.SetWithTTL(ctx, key, data, c.opts.TTL)
}

// SetWithTTL stores data under key with an explicit TTL.
// If the namespace is full and key is new, the oldest entry is evicted first.
func (c *Cache[T]) SetWithTTL(ctx context.Context, key string, data T, ttl time.Duration) *Entry[T] {
	c.mu.Lock()
	defer c.mu.Unlock()

	physical := QualifyKey(c.opts.Namespace, key)
	entry := NewEntry(key, data, c.now(), ttl)

	exists, err := c.storage.Has(ctx, physical)
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("Storage has failed")
	}
	if !exists {
		c.evictForCapacity(ctx)
	}

	if err := c.storage.Set(ctx, physical, entry); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("Storage set failed")
	}
	if !exists {
		CacheEntries.WithLabelValues(c.opts.Namespace).Inc()
	}

	if c.opts.Persistent {
		if err := c.storage.(Flusher).Flush(ctx); err != nil {
			c.logger.Warn().Err(err).Str("key", key).Msg("Storage flush failed")
		}
	}

	c.logger.Debug().
		Str("key", key).
		Dur("ttl", entry.TTL(c.now())).
		Msg("Cached entry")

	return entry
}

// evictForCapacity removes the oldest entries of the namespace until a
// new key fits. Ties on Timestamp go to the first entry in insertion order.
func (c *Cache[T]) evictForCapacity(ctx context.Context) {
	entries := c.namespaceEntries(ctx)
	for len(entries) >= c.opts.MaxItems && len(entries) > 0 {
		oldest := 0
		for i := 1; i < len(entries); i++ {
			if entries[i].Entry.Timestamp < entries[oldest].Entry.Timestamp {
				oldest = i
			}
		}

		victim := entries[oldest]
		c.remove(ctx, victim.Key, ReasonCapacity)
		c.logger.Debug().
			Str("key", victim.Entry.Key).
			Int64("timestamp", victim.Entry.Timestamp).
			Msg("Evicted oldest entry")

		entries = append(entries[:oldest], entries[oldest+1:]...)
	}
}

// Get returns the data for key. Expired entries are deleted and reported
// as misses.
func (c *Cache[T]) Get(ctx context.Context, key string) (T, bool) {
	var zero T

	c.mu.Lock()
	defer c.mu.Unlock()

	physical := QualifyKey(c.opts.Namespace, key)
	entry, ok, err := c.storage.Get(ctx, physical)
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("Storage get failed")
	}
	if !ok || entry == nil {
		c.recordMiss(key)
		return zero, false
	}

	if !entry.valid() || entry.IsExpired(c.now()) {
		c.remove(ctx, physical, ReasonExpired)
		c.recordMiss(key)
		return zero, false
	}

	c.hits++
	CacheHits.WithLabelValues(c.opts.Namespace).Inc()
	c.logger.Debug().Str("key", key).Bool("cache_hit", true).Msg("Cache hit")
	return entry.Data, true
}

func (c *Cache[T]) recordMiss(key string) {
	c.misses++
	CacheMisses.WithLabelValues(c.opts.Namespace).Inc()
	c.logger.Debug().Str("key", key).Bool("cache_hit", false).Msg("Cache miss")
}

// Has reports whether key holds a live entry. It does not touch the
// hit/miss counters.
func (c *Cache[T]) Has(ctx context.Context, key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	physical := QualifyKey(c.opts.Namespace, key)
	entry, ok, err := c.storage.Get(ctx, physical)
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("Storage get failed")
	}
	if !ok || entry == nil {
		return false
	}
	if !entry.valid() || entry.IsExpired(c.now()) {
		c.remove(ctx, physical, ReasonExpired)
		return false
	}
	return true
}

// Delete removes key and reports whether it existed.
func (c *Cache[T]) Delete(ctx context.Context, key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.remove(ctx, QualifyKey(c.opts.Namespace, key), "")
}

// Clear removes every entry in the namespace.
func (c *Cache[T]) Clear(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for _, physical := range c.namespaceKeys(ctx) {
		if c.remove(ctx, physical, "") {
			removed++
		}
	}
	CacheEntries.WithLabelValues(c.opts.Namespace).Set(0)
	c.logger.Debug().Int("removed", removed).Msg("Cleared namespace")
}

// ClearExpired removes every expired entry in the namespace and returns
// the number removed.
func (c *Cache[T]) ClearExpired(ctx context.Context) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for _, ke := range c.namespaceEntries(ctx) {
		if ke.Entry.valid() && !ke.Entry.IsExpired(now) {
			continue
		}
		if c.remove(ctx, ke.Key, ReasonExpired) {
			removed++
		}
	}
	if removed > 0 {
		c.logger.Debug().Int("removed", removed).Msg("Swept expired entries")
	}
	return removed
}

// InvalidateByPrefix removes every entry whose physical key starts with
// namespace:prefix and returns the number removed.
func (c *Cache[T]) InvalidateByPrefix(ctx context.Context, prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	physicalPrefix := QualifyKey(c.opts.Namespace, prefix)
	removed := 0
	for _, physical := range c.namespaceKeys(ctx) {
		if !strings.HasPrefix(physical, physicalPrefix) {
			continue
		}
		if c.remove(ctx, physical, ReasonInvalidated) {
			removed++
		}
	}
	c.logger.Debug().Str("prefix", prefix).Int("removed", removed).Msg("Invalidated by prefix")
	return removed
}

// InvalidateByPattern removes every entry of the namespace whose logical
// key matches re and returns the number removed.
func (c *Cache[T]) InvalidateByPattern(ctx context.Context, re *regexp.Regexp) int {
	if re == nil {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for _, ke := range c.namespaceEntries(ctx) {
		if !re.MatchString(ke.Entry.Key) {
			continue
		}
		if c.remove(ctx, ke.Key, ReasonInvalidated) {
			removed++
		}
	}
	c.logger.Debug().Str("pattern", re.String()).Int("removed", removed).Msg("Invalidated by pattern")
	return removed
}

// Keys returns the logical keys of the namespace in insertion order.
// Expired entries not yet swept are included.
func (c *Cache[T]) Keys(ctx context.Context) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	physical := c.namespaceKeys(ctx)
	out := make([]string, 0, len(physical))
	for _, key := range physical {
		logical, _ := LogicalKey(c.opts.Namespace, key)
		out = append(out, logical)
	}
	return out
}

// Size returns the number of entries in the namespace.
func (c *Cache[T]) Size(ctx context.Context) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.namespaceKeys(ctx))
}

// Stats returns a snapshot of the statistics. Oldest and newest
// timestamps are recomputed from the live entries.
func (c *Cache[T]) Stats(ctx context.Context) Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries := c.namespaceEntries(ctx)
	stats := Stats{
		Hits:   c.hits,
		Misses: c.misses,
		Size:   len(entries),
	}
	for i, ke := range entries {
		ts := ke.Entry.Timestamp
		if i == 0 || ts < stats.OldestEntry {
			stats.OldestEntry = ts
		}
		if i == 0 || ts > stats.NewestEntry {
			stats.NewestEntry = ts
		}
	}
	CacheEntries.WithLabelValues(c.opts.Namespace).Set(float64(stats.Size))
	return stats
}

// remove deletes a physical key and records the reason, if any.
func (c *Cache[T]) remove(ctx context.Context, physical, reason string) bool {
	existed, err := c.storage.Delete(ctx, physical)
	if err != nil {
		c.logger.Warn().Err(err).Str("key", physical).Msg("Storage delete failed")
		return false
	}
	if !existed {
		return false
	}
	CacheEntries.WithLabelValues(c.opts.Namespace).Dec()
	if reason != "" {
		CacheEvictions.WithLabelValues(c.opts.Namespace, reason).Inc()
	}
	return true
}

func (c *Cache[T]) namespaceKeys(ctx context.Context) []string {
	keys, err := c.storage.Keys(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Storage keys failed")
		return nil
	}
	out := keys[:0]
	for _, key := range keys {
		if InNamespace(c.opts.Namespace, key) {
			out = append(out, key)
		}
	}
	return out
}

func (c *Cache[T]) namespaceEntries(ctx context.Context) []KeyedEntry[T] {
	entries, err := c.storage.Entries(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Storage entries failed")
		return nil
	}
	out := entries[:0]
	for _, ke := range entries {
		if ke.Entry != nil && InNamespace(c.opts.Namespace, ke.Key) {
			out = append(out, ke)
		}
	}
	return out
}

// BackendName returns the metrics/log label of a storage.
func BackendName(s any) string {
	if named, ok := s.(interface{ Backend() string }); ok {
		return named.Backend()
	}
	return fmt.Sprintf("%T", s)
}
