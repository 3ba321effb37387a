package models

import "time"

// SnapshotKind distinguishes full captures from delta captures.
type SnapshotKind string

const (
	SnapshotFull        SnapshotKind = "full"
	SnapshotIncremental SnapshotKind = "incremental"
)

// SnapshotStatus represents the lifecycle state of a snapshot record
type SnapshotStatus string

const (
	SnapshotActive          SnapshotStatus = "active"
	SnapshotPendingDeletion SnapshotStatus = "pending_deletion" // Expired but blocked by live descendants
	SnapshotDeleted         SnapshotStatus = "deleted"
	SnapshotFailed          SnapshotStatus = "failed" // Cleanup exhausted retries; manual intervention
)

// Metadata keys written by the snapshot engine.
const (
	SnapshotMetaPromotedFrom = "promoted_from" // Base ID when a deep incremental was promoted to full
	SnapshotMetaFilesAdded   = "files_added"
	SnapshotMetaFilesRemoved = "files_removed"
	SnapshotMetaFilesChanged = "files_changed"
)

// Snapshot is an immutable workspace capture stored as content-addressed
// chunks in a BlobStore plus a descriptor naming them.
type Snapshot struct {
	ID              string            `json:"snapshot_id"`
	InstanceID      string            `json:"instance_id"`
	OwnerID         string            `json:"owner_id"`
	Kind            SnapshotKind      `json:"kind"`
	ParentID        string            `json:"parent_id,omitempty"` // Required when kind=incremental
	BlobPaths       []string          `json:"blob_paths"`          // Descriptor key + chunk keys this capture uploaded
	SizeBytes       int64             `json:"size_bytes"`
	FileCount       int               `json:"file_count"`
	KeepForever     bool              `json:"keep_forever"`
	RetentionDays   int               `json:"retention_days"` // 0 = use instance/global default; keep_forever pins a snapshot
	Status          SnapshotStatus    `json:"status"`
	StorageProvider string            `json:"storage_provider"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
}

// IsRestorable returns true if the snapshot's data can still be read back.
// pending_deletion snapshots remain restorable until actually removed.
func (s *Snapshot) IsRestorable() bool {
	return s.Status == SnapshotActive || s.Status == SnapshotPendingDeletion
}

// CanParent returns true if the snapshot may serve as the base of an
// incremental. Deleted parents are allowed: their manifests survive in the
// descriptor even after chunk data shared with no descendant is pruned.
func (s *Snapshot) CanParent() bool {
	return s.Status == SnapshotActive || s.Status == SnapshotDeleted
}

// RestoreResult summarizes a completed restore
type RestoreResult struct {
	SnapshotID    string `json:"snapshot_id"`
	FilesRestored int    `json:"files_restored"`
	BytesRestored int64  `json:"bytes_restored"`
	DurationMs    int64  `json:"duration_ms"`
}

// CleanupResult summarizes one retention sweep
type CleanupResult struct {
	Identified int   `json:"identified"`
	Deleted    int   `json:"deleted"`
	Failed     int   `json:"failed"`
	BytesFreed int64 `json:"bytes_freed"`
	DryRun     bool  `json:"dry_run"`
}
