package storage

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
)

// storeNamePattern restricts object store names to safe SQL identifiers.
var storeNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// upgradeSteps are indexed by the database version they introduce. Every
// step is idempotent, because several object stores can share one
// database file and therefore one user_version.
var upgradeSteps = []func(store string) string{
	1: func(store string) string {
		return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
    key TEXT PRIMARY KEY,
    logical_key TEXT NOT NULL,
    data BLOB NOT NULL,
    timestamp INTEGER NOT NULL,
    expires INTEGER NOT NULL
);`, store)
	},
	2: func(store string) string {
		return fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_timestamp_idx ON %s (timestamp);`, store, store)
	},
}

// SchemaVersion is the newest database version.
var SchemaVersion = len(upgradeSteps) - 1

// upgrade brings the database to target and makes sure store exists.
// It runs in one transaction, so a failed upgrade leaves no partial schema.
func upgrade(ctx context.Context, sqlDB *sql.DB, store string, target int) error {
	if target < 1 || target > SchemaVersion {
		return fmt.Errorf("unsupported database version %d (max %d)", target, SchemaVersion)
	}

	var current int
	if err := sqlDB.QueryRowContext(ctx, "PRAGMA user_version").Scan(&current); err != nil {
		return fmt.Errorf("read database version: %w", err)
	}

	tx, err := sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upgrade transaction: %w", err)
	}
	for version := 1; version <= target; version++ {
		if _, err := tx.ExecContext(ctx, upgradeSteps[version](store)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("upgrade %s to version %d: %w", store, version, err)
		}
	}
	if target > current {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", target)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record database version: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upgrade: %w", err)
	}
	return nil
}
