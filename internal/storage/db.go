package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQL database connection
type DB struct {
	*sql.DB
}

// New creates a new database connection
func New(dbPath string) (*DB, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// Open database with WAL mode for better concurrency
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(1) // SQLite doesn't handle concurrent writes well
	db.SetMaxIdleConns(1)

	return &DB{db}, nil
}

// Migrate runs database migrations
func (db *DB) Migrate(ctx context.Context) error {
	migrations := []string{
		migrationLifecycleEvents,
		migrationSnapshots,
		migrationFailoverRecords,
		migrationFailoverPolicies,
		migrationCleanupStats,
		migrationIndexes,
	}

	for i, migration := range migrations {
		if _, err := db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	// Run ALTER TABLE migrations (ignore "duplicate column" errors)
	alterMigrations := []string{
		migrationDeleteAttempts,
		migrationRecordMetadata,
	}

	for _, migration := range alterMigrations {
		_, _ = db.ExecContext(ctx, migration) // Ignore errors for idempotency
	}

	return nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.DB.Close()
}

const migrationLifecycleEvents = `
CREATE TABLE IF NOT EXISTS lifecycle_events (
	id TEXT PRIMARY KEY,
	instance_id TEXT NOT NULL,
	user_id TEXT,
	action TEXT NOT NULL,
	previous_status TEXT,
	new_status TEXT,
	success INTEGER NOT NULL DEFAULT 1,
	caller_source TEXT NOT NULL,
	caller_site TEXT,
	reason TEXT NOT NULL,
	reason_details TEXT,
	snapshot_id TEXT,
	metadata TEXT,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

const migrationSnapshots = `
CREATE TABLE IF NOT EXISTS snapshots (
	id TEXT PRIMARY KEY,
	instance_id TEXT NOT NULL,
	owner_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	parent_id TEXT,
	blob_paths TEXT NOT NULL,
	size_bytes INTEGER NOT NULL DEFAULT 0,
	file_count INTEGER NOT NULL DEFAULT 0,
	keep_forever INTEGER NOT NULL DEFAULT 0,
	retention_days INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'active',
	storage_provider TEXT NOT NULL,
	metadata TEXT,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

const migrationFailoverRecords = `
CREATE TABLE IF NOT EXISTS failover_records (
	id TEXT PRIMARY KEY,
	machine_id TEXT NOT NULL,
	instance_id TEXT,
	strategy_attempted TEXT NOT NULL,
	strategy_succeeded TEXT,

	-- Phase timings, zero when a phase never ran
	warm_pool_attempt_ms INTEGER NOT NULL DEFAULT 0,
	regional_volume_attempt_ms INTEGER NOT NULL DEFAULT 0,
	cpu_standby_attempt_ms INTEGER NOT NULL DEFAULT 0,
	total_ms INTEGER NOT NULL DEFAULT 0,

	gpus_tried INTEGER NOT NULL DEFAULT 0,
	rounds_attempted INTEGER NOT NULL DEFAULT 0,

	warm_pool_error TEXT,
	regional_volume_error TEXT,
	cpu_standby_error TEXT,

	new_instance_id TEXT,
	new_ssh_host TEXT,
	new_ssh_port INTEGER,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// The empty machine_id row holds the global default policy.
const migrationFailoverPolicies = `
CREATE TABLE IF NOT EXISTS failover_policies (
	machine_id TEXT PRIMARY KEY,
	default_strategy TEXT NOT NULL,
	warm_pool TEXT NOT NULL,
	regional_volume TEXT NOT NULL,
	cpu_standby TEXT NOT NULL,
	override INTEGER NOT NULL DEFAULT 0,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// The empty instance_id row holds the whole-run totals; per-instance
// rows share the run's started_at.
const migrationCleanupStats = `
CREATE TABLE IF NOT EXISTS snapshot_cleanup_stats (
	id TEXT PRIMARY KEY,
	instance_id TEXT NOT NULL DEFAULT '',
	identified INTEGER NOT NULL DEFAULT 0,
	deleted INTEGER NOT NULL DEFAULT 0,
	failed INTEGER NOT NULL DEFAULT 0,
	bytes_freed INTEGER NOT NULL DEFAULT 0,
	dry_run INTEGER NOT NULL DEFAULT 0,
	started_at DATETIME NOT NULL,
	finished_at DATETIME NOT NULL
);
`

const migrationIndexes = `
CREATE INDEX IF NOT EXISTS idx_events_instance_id ON lifecycle_events(instance_id);
CREATE INDEX IF NOT EXISTS idx_events_action ON lifecycle_events(action);
CREATE INDEX IF NOT EXISTS idx_events_created_at ON lifecycle_events(created_at);
CREATE INDEX IF NOT EXISTS idx_snapshots_instance_id ON snapshots(instance_id);
CREATE INDEX IF NOT EXISTS idx_snapshots_parent_id ON snapshots(parent_id);
CREATE INDEX IF NOT EXISTS idx_snapshots_status ON snapshots(status);
CREATE INDEX IF NOT EXISTS idx_failover_records_machine_id ON failover_records(machine_id);
CREATE INDEX IF NOT EXISTS idx_failover_records_created_at ON failover_records(created_at);
CREATE INDEX IF NOT EXISTS idx_cleanup_stats_instance_id ON snapshot_cleanup_stats(instance_id);
`

const migrationDeleteAttempts = `
ALTER TABLE snapshots ADD COLUMN delete_attempts INTEGER NOT NULL DEFAULT 0;
`

const migrationRecordMetadata = `
ALTER TABLE failover_records ADD COLUMN metadata TEXT;
`
