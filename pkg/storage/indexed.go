package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/Sternrassler/apicache/pkg/cache"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

const (
	backendDatabase = "database"

	// DefaultStore is the object store used when DatabaseConfig.Store is empty
	DefaultStore = "cache_entries"

	// DefaultQueueSize bounds the pending durable writes
	DefaultQueueSize = 256
)

// DatabaseConfig configures a DatabaseAdapter.
type DatabaseConfig struct {
	// Path is the SQLite database file
	Path string

	// Store is the object store (table) name
	Store string

	// Version is the database version to upgrade to (default: SchemaVersion)
	Version int

	// QueueSize bounds pending writes; Set blocks while the queue is full
	QueueSize int
}

type opKind int

const (
	opPut opKind = iota
	opDelete
	opClear
	opBarrier
)

type dbOp struct {
	kind    opKind
	key     string
	logical string
	data    []byte
	ts      int64
	exp     int64
	done    chan struct{}
}

// DatabaseAdapter persists entries as rows of a SQLite object store, the
// way a browser cache persists to IndexedDB.
//
// Every existing row is preloaded into the mirror at construction and the
// mirror serves all reads. Durable writes are applied in order by a single
// writer goroutine; a transaction that has started runs to completion.
type DatabaseAdapter[T any] struct {
	cfg       DatabaseConfig
	sqlDB     *sql.DB
	mirror    *cache.MemoryStorage[T]
	available bool
	logger    zerolog.Logger

	mu     sync.Mutex
	closed bool
	queue  chan dbOp
	done   chan struct{}
}

var _ cache.Storage[struct{}] = (*DatabaseAdapter[struct{}])(nil)

// OpenDatabase opens the adapter. An invalid configuration is an error;
// a database that cannot be opened or upgraded is logged once and the
// adapter runs memory-only.
func OpenDatabase[T any](ctx context.Context, cfg DatabaseConfig, logger zerolog.Logger) (*DatabaseAdapter[T], error) {
	if cfg.Store == "" {
		cfg.Store = DefaultStore
	}
	if !storeNamePattern.MatchString(cfg.Store) {
		return nil, fmt.Errorf("invalid object store name %q", cfg.Store)
	}
	if cfg.Version == 0 {
		cfg.Version = SchemaVersion
	}
	if cfg.Version < 1 || cfg.Version > SchemaVersion {
		return nil, fmt.Errorf("unsupported database version %d (max %d)", cfg.Version, SchemaVersion)
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}

	a := &DatabaseAdapter[T]{
		cfg:    cfg,
		mirror: cache.NewMemoryStorage[T](),
		logger: logger.With().Str("backend", backendDatabase).Str("store", cfg.Store).Logger(),
		queue:  make(chan dbOp, cfg.QueueSize),
		done:   make(chan struct{}),
	}

	sqlDB, err := openSQLite(ctx, cfg)
	if err != nil {
		a.logger.Warn().Err(err).Str("path", cfg.Path).Msg("Database unavailable, using memory only")
		close(a.done)
		return a, nil
	}
	a.sqlDB = sqlDB
	a.available = true

	if err := a.preload(ctx); err != nil {
		cache.StorageErrors.WithLabelValues(backendDatabase, "load").Inc()
		a.logger.Warn().Err(err).Msg("Preload failed, starting with an empty mirror")
	}

	go a.run()
	return a, nil
}

func openSQLite(ctx context.Context, cfg DatabaseConfig) (*sql.DB, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("database path is required")
	}
	dsn := "file:" + filepath.Clean(cfg.Path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := upgrade(ctx, sqlDB, cfg.Store, cfg.Version); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("upgrade database: %w", err)
	}
	return sqlDB, nil
}

// preload copies every row into the mirror, oldest first. Rows whose
// payload no longer decodes are deleted.
func (a *DatabaseAdapter[T]) preload(ctx context.Context) error {
	rows, err := a.sqlDB.QueryContext(ctx, fmt.Sprintf(
		"SELECT key, logical_key, data, timestamp, expires FROM %s ORDER BY timestamp, rowid", a.cfg.Store))
	if err != nil {
		return fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	var corrupt []string
	for rows.Next() {
		var (
			key, logical string
			data         []byte
			ts, exp      int64
		)
		if err := rows.Scan(&key, &logical, &data, &ts, &exp); err != nil {
			return fmt.Errorf("scan entry: %w", err)
		}

		var payload T
		if err := json.Unmarshal(data, &payload); err != nil || exp < ts {
			corrupt = append(corrupt, key)
			continue
		}
		a.mirror.Store(key, &cache.Entry[T]{Data: payload, Timestamp: ts, Expires: exp, Key: logical})
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate entries: %w", err)
	}
	rows.Close()

	for _, key := range corrupt {
		a.logger.Debug().Str("key", key).Msg("Dropping corrupt entry")
		if _, err := a.sqlDB.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE key = ?", a.cfg.Store), key); err != nil {
			return fmt.Errorf("delete corrupt entry: %w", err)
		}
	}

	a.logger.Debug().Int("entries", a.mirror.Len()).Int("dropped", len(corrupt)).Msg("Preloaded entries")
	return nil
}

// run applies queued writes until the queue is closed.
func (a *DatabaseAdapter[T]) run() {
	defer close(a.done)

	for op := range a.queue {
		if op.kind == opBarrier {
			close(op.done)
			continue
		}
		if err := a.apply(op); err != nil {
			cache.StorageErrors.WithLabelValues(backendDatabase, opName(op.kind)).Inc()
			a.logger.Warn().Err(err).Str("key", op.key).Msg("Database write failed")
		}
	}
}

// apply runs one write in its own transaction. A started write is never
// cancelled, so it runs under a background context.
func (a *DatabaseAdapter[T]) apply(op dbOp) error {
	ctx := context.Background()

	tx, err := a.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	switch op.kind {
	case opPut:
		_, err = tx.ExecContext(ctx, fmt.Sprintf(`
INSERT INTO %s (key, logical_key, data, timestamp, expires) VALUES (?, ?, ?, ?, ?)
ON CONFLICT(key) DO UPDATE SET
    logical_key = excluded.logical_key,
    data = excluded.data,
    timestamp = excluded.timestamp,
    expires = excluded.expires`, a.cfg.Store),
			op.key, op.logical, op.data, op.ts, op.exp)
	case opDelete:
		_, err = tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE key = ?", a.cfg.Store), op.key)
	case opClear:
		_, err = tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", a.cfg.Store))
	}
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("%s: %w", opName(op.kind), err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s: %w", opName(op.kind), err)
	}
	return nil
}

func opName(kind opKind) string {
	switch kind {
	case opPut:
		return "set"
	case opDelete:
		return "delete"
	case opClear:
		return "clear"
	default:
		return "flush"
	}
}

// enqueue hands op to the writer. It reports false when there is no
// durable store to write to.
func (a *DatabaseAdapter[T]) enqueue(op dbOp) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.available || a.closed {
		return false
	}
	a.queue <- op
	return true
}

// Backend returns the metrics label of the adapter.
func (a *DatabaseAdapter[T]) Backend() string {
	return backendDatabase
}

// Available reports whether the database is in use.
func (a *DatabaseAdapter[T]) Available() bool {
	return a.available
}

// Get implements cache.Storage.
func (a *DatabaseAdapter[T]) Get(ctx context.Context, key string) (*cache.Entry[T], bool, error) {
	return a.mirror.Get(ctx, key)
}

// Set implements cache.Storage. The mirror is updated before the durable
// write is queued.
func (a *DatabaseAdapter[T]) Set(ctx context.Context, key string, entry *cache.Entry[T]) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mirror.Store(key, entry)

	data, err := json.Marshal(entry.Data)
	if err != nil {
		cache.StorageErrors.WithLabelValues(backendDatabase, "set").Inc()
		a.logger.Warn().Err(err).Str("key", key).Msg("Marshal cache entry failed")
		return nil
	}
	a.enqueue(dbOp{
		kind:    opPut,
		key:     key,
		logical: entry.Key,
		data:    data,
		ts:      entry.Timestamp,
		exp:     entry.Expires,
	})
	return nil
}

// Delete implements cache.Storage.
func (a *DatabaseAdapter[T]) Delete(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	existed := a.mirror.Remove(key)
	if existed {
		a.enqueue(dbOp{kind: opDelete, key: key})
	}
	return existed, nil
}

// Has implements cache.Storage.
func (a *DatabaseAdapter[T]) Has(ctx context.Context, key string) (bool, error) {
	return a.mirror.Has(ctx, key)
}

// Clear implements cache.Storage. Only this object store is emptied.
func (a *DatabaseAdapter[T]) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mirror.Reset()
	a.enqueue(dbOp{kind: opClear})
	return nil
}

// Keys implements cache.Storage.
func (a *DatabaseAdapter[T]) Keys(ctx context.Context) ([]string, error) {
	return a.mirror.Keys(ctx)
}

// Entries implements cache.Storage.
func (a *DatabaseAdapter[T]) Entries(ctx context.Context) ([]cache.KeyedEntry[T], error) {
	return a.mirror.Entries(ctx)
}

// Size implements cache.Storage.
func (a *DatabaseAdapter[T]) Size(ctx context.Context) (int, error) {
	return a.mirror.Size(ctx)
}

// Flush implements cache.Flusher. It waits until every write queued
// before the call has been applied, or ctx is done.
func (a *DatabaseAdapter[T]) Flush(ctx context.Context) error {
	barrier := make(chan struct{})
	if !a.enqueue(dbOp{kind: opBarrier, done: barrier}) {
		return ctx.Err()
	}

	select {
	case <-barrier:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains pending writes and closes the database. Later writes
// only reach the mirror.
func (a *DatabaseAdapter[T]) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	if a.available {
		close(a.queue)
	}
	a.mu.Unlock()

	<-a.done
	if a.sqlDB == nil {
		return nil
	}
	if err := a.sqlDB.Close(); err != nil {
		return fmt.Errorf("close sqlite db: %w", err)
	}
	return nil
}
