package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gpufleet/gpufleet/pkg/models"
)

// SnapshotStore handles snapshot catalog persistence
type SnapshotStore struct {
	db *DB
}

// NewSnapshotStore creates a new snapshot store
func NewSnapshotStore(db *DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

// Create inserts a new snapshot record
func (s *SnapshotStore) Create(ctx context.Context, snap *models.Snapshot) error {
	blobPaths, err := marshalStrings(snap.BlobPaths)
	if err != nil {
		return fmt.Errorf("failed to encode blob paths: %w", err)
	}
	metadata, err := marshalMetadata(snap.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot metadata: %w", err)
	}

	query := `
		INSERT INTO snapshots (
			id, instance_id, owner_id, kind, parent_id,
			blob_paths, size_bytes, file_count,
			keep_forever, retention_days, status,
			storage_provider, metadata, delete_attempts, created_at
		) VALUES (
			?, ?, ?, ?, ?,
			?, ?, ?,
			?, ?, ?,
			?, ?, 0, ?
		)
	`

	_, err = s.db.ExecContext(ctx, query,
		snap.ID, snap.InstanceID, snap.OwnerID, snap.Kind, snap.ParentID,
		blobPaths, snap.SizeBytes, snap.FileCount,
		snap.KeepForever, snap.RetentionDays, snap.Status,
		snap.StorageProvider, metadata, snap.CreatedAt,
	)

	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to create snapshot record: %w", err)
	}

	return nil
}

// Get retrieves a snapshot by ID
func (s *SnapshotStore) Get(ctx context.Context, id string) (*models.Snapshot, error) {
	query := selectSnapshot + ` WHERE id = ?`

	snap, err := scanSnapshot(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}
	return snap, nil
}

// UpdateStatus transitions a snapshot to a new status
func (s *SnapshotStore) UpdateStatus(ctx context.Context, id string, status models.SnapshotStatus) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE snapshots SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("failed to update snapshot status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateRetention changes the retention settings on a snapshot
func (s *SnapshotStore) UpdateRetention(ctx context.Context, id string, keepForever bool, retentionDays int) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE snapshots SET keep_forever = ?, retention_days = ? WHERE id = ?`,
		keepForever, retentionDays, id)
	if err != nil {
		return fmt.Errorf("failed to update snapshot retention: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementDeleteAttempts bumps the failed-delete counter and returns the
// new count so the caller can decide when to give up
func (s *SnapshotStore) IncrementDeleteAttempts(ctx context.Context, id string) (int, error) {
	_, err := s.db.ExecContext(ctx,
		`UPDATE snapshots SET delete_attempts = delete_attempts + 1 WHERE id = ?`, id)
	if err != nil {
		return 0, fmt.Errorf("failed to increment delete attempts: %w", err)
	}

	var attempts int
	err = s.db.QueryRowContext(ctx,
		`SELECT delete_attempts FROM snapshots WHERE id = ?`, id).Scan(&attempts)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read delete attempts: %w", err)
	}
	return attempts, nil
}

// List returns snapshots matching the filter, newest first
func (s *SnapshotStore) List(ctx context.Context, filter SnapshotFilter) ([]*models.Snapshot, error) {
	query := selectSnapshot + ` WHERE 1=1`

	var args []interface{}

	if filter.InstanceID != "" {
		query += " AND instance_id = ?"
		args = append(args, filter.InstanceID)
	}

	if filter.OwnerID != "" {
		query += " AND owner_id = ?"
		args = append(args, filter.OwnerID)
	}

	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}

	if filter.Kind != "" {
		query += " AND kind = ?"
		args = append(args, filter.Kind)
	}

	query += " ORDER BY created_at DESC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	return s.queryMany(ctx, query, args...)
}

// LatestRestorable returns the newest restorable snapshot for an instance.
// Used to pick the incremental base and the hibernate/wake source.
func (s *SnapshotStore) LatestRestorable(ctx context.Context, instanceID string) (*models.Snapshot, error) {
	query := selectSnapshot + `
		WHERE instance_id = ? AND status IN ('active', 'pending_deletion')
		ORDER BY created_at DESC
		LIMIT 1
	`

	snap, err := scanSnapshot(s.db.QueryRowContext(ctx, query, instanceID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest snapshot: %w", err)
	}
	return snap, nil
}

// Children returns the direct descendants of a snapshot. Live children block
// deletion of their base.
func (s *SnapshotStore) Children(ctx context.Context, parentID string) ([]*models.Snapshot, error) {
	query := selectSnapshot + ` WHERE parent_id = ? ORDER BY created_at ASC`
	return s.queryMany(ctx, query, parentID)
}

// ListExpired returns snapshots past their retention window, oldest first.
// Per-snapshot retention_days wins over the global default; keep_forever rows
// never expire. pending_deletion rows are included so blocked deletions retry.
func (s *SnapshotStore) ListExpired(ctx context.Context, now time.Time, globalRetentionDays, limit int) ([]*models.Snapshot, error) {
	query := selectSnapshot + `
		WHERE keep_forever = 0
		  AND status IN ('active', 'pending_deletion')
		  AND julianday(?) - julianday(created_at) >
		      CASE WHEN retention_days > 0 THEN retention_days ELSE ? END
		ORDER BY created_at ASC
	`

	args := []interface{}{now.UTC(), globalRetentionDays}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	return s.queryMany(ctx, query, args...)
}

// SnapshotFilter defines criteria for filtering snapshots
type SnapshotFilter struct {
	InstanceID string
	OwnerID    string
	Status     models.SnapshotStatus
	Kind       models.SnapshotKind
	Limit      int
}

const selectSnapshot = `
	SELECT
		id, instance_id, owner_id, kind, parent_id,
		blob_paths, size_bytes, file_count,
		keep_forever, retention_days, status,
		storage_provider, metadata, created_at
	FROM snapshots
`

func (s *SnapshotStore) queryMany(ctx context.Context, query string, args ...interface{}) ([]*models.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []*models.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating snapshots: %w", err)
	}

	return snaps, nil
}

func scanSnapshot(row rowScanner) (*models.Snapshot, error) {
	snap := &models.Snapshot{}
	var parentID, metadata sql.NullString
	var blobPaths string

	err := row.Scan(
		&snap.ID, &snap.InstanceID, &snap.OwnerID, &snap.Kind, &parentID,
		&blobPaths, &snap.SizeBytes, &snap.FileCount,
		&snap.KeepForever, &snap.RetentionDays, &snap.Status,
		&snap.StorageProvider, &metadata, &snap.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	snap.ParentID = parentID.String

	paths, err := unmarshalStrings(blobPaths)
	if err != nil {
		return nil, err
	}
	snap.BlobPaths = paths

	meta, err := unmarshalMetadata(metadata)
	if err != nil {
		return nil, err
	}
	snap.Metadata = meta

	return snap, nil
}

// marshalStrings encodes a string slice as a JSON array, nil as "[]"
func marshalStrings(values []string) (string, error) {
	if values == nil {
		values = []string{}
	}
	data, err := json.Marshal(values)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// unmarshalStrings decodes a JSON array column
func unmarshalStrings(s string) ([]string, error) {
	if s == "" {
		return nil, nil
	}
	var values []string
	if err := json.Unmarshal([]byte(s), &values); err != nil {
		return nil, fmt.Errorf("failed to decode string list: %w", err)
	}
	return values, nil
}

// CleanupRun is one persisted retention sweep row. The row with an
// empty InstanceID carries the whole-run totals; per-instance rows
// break the same sweep down by instance.
type CleanupRun struct {
	ID         string
	InstanceID string
	Identified int
	Deleted    int
	Failed     int
	BytesFreed int64
	DryRun     bool
	StartedAt  time.Time
	FinishedAt time.Time
}

// RecordCleanupRun persists one retention sweep row
func (s *SnapshotStore) RecordCleanupRun(ctx context.Context, run CleanupRun) error {
	query := `
		INSERT INTO snapshot_cleanup_stats (
			id, instance_id, identified, deleted, failed, bytes_freed, dry_run,
			started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		run.ID, run.InstanceID, run.Identified, run.Deleted, run.Failed, run.BytesFreed, run.DryRun,
		run.StartedAt.UTC(), run.FinishedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record cleanup run: %w", err)
	}
	return nil
}

// RecentCleanupRuns returns whole-run totals of recent sweeps, newest first
func (s *SnapshotStore) RecentCleanupRuns(ctx context.Context, limit int) ([]CleanupRun, error) {
	query := `
		SELECT id, instance_id, identified, deleted, failed, bytes_freed, dry_run,
		       started_at, finished_at
		FROM snapshot_cleanup_stats
		WHERE instance_id = ''
		ORDER BY started_at DESC
	`
	return s.queryCleanupRuns(ctx, query, limit)
}

// InstanceCleanupRuns returns per-instance sweep rows for one instance,
// newest first
func (s *SnapshotStore) InstanceCleanupRuns(ctx context.Context, instanceID string, limit int) ([]CleanupRun, error) {
	query := `
		SELECT id, instance_id, identified, deleted, failed, bytes_freed, dry_run,
		       started_at, finished_at
		FROM snapshot_cleanup_stats
		WHERE instance_id = ?
		ORDER BY started_at DESC
	`
	return s.queryCleanupRuns(ctx, query, limit, instanceID)
}

func (s *SnapshotStore) queryCleanupRuns(ctx context.Context, query string, limit int, args ...interface{}) ([]CleanupRun, error) {
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list cleanup runs: %w", err)
	}
	defer rows.Close()

	var runs []CleanupRun
	for rows.Next() {
		var run CleanupRun
		if err := rows.Scan(
			&run.ID, &run.InstanceID, &run.Identified, &run.Deleted, &run.Failed, &run.BytesFreed, &run.DryRun,
			&run.StartedAt, &run.FinishedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan cleanup run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cleanup runs: %w", err)
	}

	return runs, nil
}
