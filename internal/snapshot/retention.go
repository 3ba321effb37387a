package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/gpufleet/gpufleet/internal/blob"
	"github.com/gpufleet/gpufleet/internal/config"
	"github.com/gpufleet/gpufleet/internal/metrics"
	"github.com/gpufleet/gpufleet/internal/resilience"
	"github.com/gpufleet/gpufleet/internal/storage"
	"github.com/gpufleet/gpufleet/pkg/models"
)

const (
	// DefaultGlobalRetentionDays applies when neither the snapshot nor
	// its instance carries a retention setting
	DefaultGlobalRetentionDays = 7

	// DefaultCleanupInterval is how often the retention sweep runs
	DefaultCleanupInterval = 24 * time.Hour

	// DefaultCleanupBatchSize bounds how many snapshots one sweep touches
	DefaultCleanupBatchSize = 100

	// maxDeleteAttempts is the number of sweeps a snapshot may fail
	// deletion before it is parked as failed for manual intervention
	maxDeleteAttempts = 3
)

// CleanerCatalog is the persistence slice the retention cleaner needs
type CleanerCatalog interface {
	Get(ctx context.Context, id string) (*models.Snapshot, error)
	List(ctx context.Context, filter storage.SnapshotFilter) ([]*models.Snapshot, error)
	ListExpired(ctx context.Context, now time.Time, globalRetentionDays, limit int) ([]*models.Snapshot, error)
	Children(ctx context.Context, parentID string) ([]*models.Snapshot, error)
	UpdateStatus(ctx context.Context, id string, status models.SnapshotStatus) error
	IncrementDeleteAttempts(ctx context.Context, id string) (int, error)
	RecordCleanupRun(ctx context.Context, run storage.CleanupRun) error
}

// Cleaner prunes expired snapshots. Chunks are deleted only when no
// other live snapshot's effective manifest references them; descriptors
// are never deleted so incremental chains stay resolvable.
type Cleaner struct {
	blobs   blob.Store
	catalog CleanerCatalog
	audit   *resilience.AuditLog
	cfg     config.SnapshotConfig
	logger  *slog.Logger

	instanceRetention map[string]int
	now               func() time.Time
}

// CleanerOption configures a Cleaner
type CleanerOption func(*Cleaner)

// WithInstanceRetention sets per-instance retention overrides in days.
// A value of 0 keeps that instance's snapshots forever.
func WithInstanceRetention(days map[string]int) CleanerOption {
	return func(c *Cleaner) {
		c.instanceRetention = days
	}
}

// NewCleaner creates a retention cleaner
func NewCleaner(blobs blob.Store, catalog CleanerCatalog, audit *resilience.AuditLog, cfg config.SnapshotConfig, logger *slog.Logger, opts ...CleanerOption) *Cleaner {
	if cfg.GlobalRetentionDays <= 0 {
		cfg.GlobalRetentionDays = DefaultGlobalRetentionDays
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultCleanupInterval
	}
	if cfg.CleanupBatchSize <= 0 {
		cfg.CleanupBatchSize = DefaultCleanupBatchSize
	}
	c := &Cleaner{
		blobs:   blobs,
		catalog: catalog,
		audit:   audit,
		cfg:     cfg,
		logger:  logger.With("component", "snapshot_cleaner"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run sweeps on the configured interval until the context is cancelled
func (c *Cleaner) Run(ctx context.Context) {
	c.logger.Info("retention cleaner started",
		"interval", c.cfg.CleanupInterval,
		"batch_size", c.cfg.CleanupBatchSize,
		"global_retention_days", c.cfg.GlobalRetentionDays)

	ticker := time.NewTicker(c.cfg.CleanupInterval)
	defer ticker.Stop()

	c.sweepAndLog(ctx)

	for {
		select {
		case <-ticker.C:
			c.sweepAndLog(ctx)
		case <-ctx.Done():
			c.logger.Info("retention cleaner stopped")
			return
		}
	}
}

func (c *Cleaner) sweepAndLog(ctx context.Context) {
	if _, err := c.Sweep(ctx, false); err != nil {
		c.logger.Error("retention sweep failed", "error", err)
	}
}

// Sweep runs one retention pass over at most one batch of expired
// snapshots. With dryRun set it evaluates every gate and reports what
// would happen without deleting blobs or changing snapshot state; only
// the cleanup stats rows are written, flagged as a dry run.
func (c *Cleaner) Sweep(ctx context.Context, dryRun bool) (*models.CleanupResult, error) {
	startedAt := c.now()
	runID := uuid.New().String()

	candidates, err := c.catalog.ListExpired(ctx, startedAt, c.retentionFloor(), c.cfg.CleanupBatchSize)
	if err != nil {
		return nil, fmt.Errorf("listing expired snapshots: %w", err)
	}

	result := &models.CleanupResult{DryRun: dryRun}
	perInstance := make(map[string]*models.CleanupResult)
	bump := func(instanceID string, f func(*models.CleanupResult)) {
		r, ok := perInstance[instanceID]
		if !ok {
			r = &models.CleanupResult{DryRun: dryRun}
			perInstance[instanceID] = r
		}
		f(result)
		f(r)
	}

	var refs *refTracker
	for _, snap := range candidates {
		if ctx.Err() != nil {
			break
		}

		days := c.effectiveRetention(snap)
		if days == 0 {
			continue // instance override keeps these forever
		}
		if startedAt.Sub(snap.CreatedAt).Hours()/24 < float64(days) {
			continue // floor pre-filter overshot this instance's retention
		}

		bump(snap.InstanceID, func(r *models.CleanupResult) { r.Identified++ })

		blocked, err := c.hasLiveChildren(ctx, snap.ID)
		if err != nil {
			c.logger.Error("skipping candidate, children lookup failed",
				"snapshot_id", snap.ID, "error", err)
			continue
		}
		if blocked {
			c.park(ctx, snap, dryRun)
			continue
		}

		if refs == nil {
			refs, err = c.buildRefTracker(ctx)
			if err != nil {
				return nil, fmt.Errorf("building chunk reference counts: %w", err)
			}
		}

		if dryRun {
			freed := refs.exclusiveBytes(snap.ID)
			bump(snap.InstanceID, func(r *models.CleanupResult) {
				r.Deleted++
				r.BytesFreed += freed
			})
			continue
		}

		c.deleteSnapshot(ctx, snap, refs, bump)
	}

	finishedAt := c.now()
	c.recordRun(ctx, runID, startedAt, finishedAt, result, perInstance)

	c.logger.Info("retention sweep finished",
		"run_id", runID,
		"dry_run", dryRun,
		"identified", result.Identified,
		"deleted", result.Deleted,
		"failed", result.Failed,
		"bytes_freed", result.BytesFreed,
		"duration_ms", finishedAt.Sub(startedAt).Milliseconds())

	return result, nil
}

// deleteSnapshot removes the snapshot's exclusively-owned chunks and
// marks the row deleted. The descriptor blob is kept: child chains and
// future incrementals resolve file metadata through it.
func (c *Cleaner) deleteSnapshot(ctx context.Context, snap *models.Snapshot, refs *refTracker, bump func(string, func(*models.CleanupResult))) {
	attempts, err := c.catalog.IncrementDeleteAttempts(ctx, snap.ID)
	if err != nil {
		c.logger.Error("skipping candidate, attempt counter update failed",
			"snapshot_id", snap.ID, "error", err)
		return
	}

	var freed int64
	var delErr error
	for _, ref := range refs.exclusiveChunks(snap.ID) {
		if err := c.blobs.Delete(ctx, ChunkKey(ref.Hash)); err != nil {
			delErr = fmt.Errorf("deleting chunk %s: %w", ref.Hash, err)
			break
		}
		freed += ref.Size
	}

	if delErr != nil {
		bump(snap.InstanceID, func(r *models.CleanupResult) {
			r.Failed++
			r.BytesFreed += freed
		})
		c.auditAttempt(snap, "delete", false, delErr.Error(), attempts, freed)
		metrics.RecordCleanupOutcome("failed", freed)
		if attempts >= maxDeleteAttempts {
			if err := c.catalog.UpdateStatus(ctx, snap.ID, models.SnapshotFailed); err != nil {
				c.logger.Error("marking snapshot failed", "snapshot_id", snap.ID, "error", err)
				return
			}
			c.logger.Error("snapshot cleanup exhausted retries, needs manual intervention",
				"snapshot_id", snap.ID,
				"attempts", attempts,
				"error", delErr)
			return
		}
		c.logger.Warn("snapshot cleanup attempt failed",
			"snapshot_id", snap.ID,
			"attempt", attempts,
			"error", delErr)
		return
	}

	if err := c.catalog.UpdateStatus(ctx, snap.ID, models.SnapshotDeleted); err != nil {
		// Chunks are gone; the next sweep re-runs the idempotent deletes
		// and retries this status change.
		bump(snap.InstanceID, func(r *models.CleanupResult) {
			r.Failed++
			r.BytesFreed += freed
		})
		c.auditAttempt(snap, "delete", false, "status update failed: "+err.Error(), attempts, freed)
		metrics.RecordCleanupOutcome("failed", freed)
		return
	}

	refs.release(snap.ID)
	bump(snap.InstanceID, func(r *models.CleanupResult) {
		r.Deleted++
		r.BytesFreed += freed
	})
	c.auditAttempt(snap, "delete", true, "", attempts, freed)
	metrics.RecordCleanupOutcome("deleted", freed)
	c.logger.Info("snapshot deleted",
		"snapshot_id", snap.ID,
		"instance_id", snap.InstanceID,
		"bytes_freed", freed,
		"age_days", int(c.now().Sub(snap.CreatedAt).Hours()/24))
}

// park defers a snapshot whose deletion would strand live descendants
func (c *Cleaner) park(ctx context.Context, snap *models.Snapshot, dryRun bool) {
	if dryRun || snap.Status == models.SnapshotPendingDeletion {
		return
	}
	if err := c.catalog.UpdateStatus(ctx, snap.ID, models.SnapshotPendingDeletion); err != nil {
		c.logger.Error("marking snapshot pending_deletion", "snapshot_id", snap.ID, "error", err)
		return
	}
	c.auditAttempt(snap, "defer", true, "live incremental descendants", 0, 0)
	metrics.RecordCleanupOutcome("deferred", 0)
	c.logger.Info("snapshot deferred, live descendants remain",
		"snapshot_id", snap.ID,
		"instance_id", snap.InstanceID)
}

func (c *Cleaner) auditAttempt(snap *models.Snapshot, action string, success bool, detail string, attempt int, freed int64) {
	meta := map[string]string{
		"bytes_freed": strconv.FormatInt(freed, 10),
	}
	if attempt > 0 {
		meta["attempt"] = strconv.Itoa(attempt)
	}
	rec := resilience.AuditRecord{
		Category:   resilience.AuditSnapshotCleanup,
		Action:     action,
		InstanceID: snap.InstanceID,
		SnapshotID: snap.ID,
		Success:    success,
		Detail:     detail,
		Metadata:   meta,
	}
	if err := c.audit.Append(rec); err != nil {
		c.logger.Error("audit append failed", "snapshot_id", snap.ID, "error", err)
	}
}

func (c *Cleaner) recordRun(ctx context.Context, runID string, startedAt, finishedAt time.Time, total *models.CleanupResult, perInstance map[string]*models.CleanupResult) {
	rows := []storage.CleanupRun{{
		ID:         runID,
		Identified: total.Identified,
		Deleted:    total.Deleted,
		Failed:     total.Failed,
		BytesFreed: total.BytesFreed,
		DryRun:     total.DryRun,
		StartedAt:  startedAt,
		FinishedAt: finishedAt,
	}}
	for instanceID, r := range perInstance {
		rows = append(rows, storage.CleanupRun{
			ID:         uuid.New().String(),
			InstanceID: instanceID,
			Identified: r.Identified,
			Deleted:    r.Deleted,
			Failed:     r.Failed,
			BytesFreed: r.BytesFreed,
			DryRun:     r.DryRun,
			StartedAt:  startedAt,
			FinishedAt: finishedAt,
		})
	}
	for _, row := range rows {
		if err := c.catalog.RecordCleanupRun(ctx, row); err != nil {
			c.logger.Error("recording cleanup stats", "run_id", runID, "error", err)
			return
		}
	}
}

// effectiveRetention resolves the retention window for one snapshot:
// the snapshot's own retention_days when positive, else the instance
// override, else the global default. 0 means keep forever.
func (c *Cleaner) effectiveRetention(snap *models.Snapshot) int {
	if snap.RetentionDays > 0 {
		return snap.RetentionDays
	}
	if days, ok := c.instanceRetention[snap.InstanceID]; ok {
		return days
	}
	return c.cfg.GlobalRetentionDays
}

// retentionFloor is the shortest retention any instance can resolve to.
// ListExpired pre-filters with it so instances with tighter overrides
// than the global default are not missed; effectiveRetention re-checks
// each candidate.
func (c *Cleaner) retentionFloor() int {
	floor := c.cfg.GlobalRetentionDays
	for _, days := range c.instanceRetention {
		if days > 0 && days < floor {
			floor = days
		}
	}
	return floor
}

func (c *Cleaner) hasLiveChildren(ctx context.Context, snapshotID string) (bool, error) {
	children, err := c.catalog.Children(ctx, snapshotID)
	if err != nil {
		return false, err
	}
	for _, child := range children {
		if child.IsRestorable() {
			return true, nil
		}
	}
	return false, nil
}

// buildRefTracker loads the effective manifest of every live snapshot
// and counts how many of them reference each chunk
func (c *Cleaner) buildRefTracker(ctx context.Context) (*refTracker, error) {
	tr := newRefTracker()
	cache := make(map[string]*Descriptor)

	for _, status := range []models.SnapshotStatus{models.SnapshotActive, models.SnapshotPendingDeletion} {
		snaps, err := c.catalog.List(ctx, storage.SnapshotFilter{Status: status})
		if err != nil {
			return nil, err
		}
		for _, snap := range snaps {
			chain, err := resolveChain(ctx, c.catalog, c.blobs, snap, cache)
			if err != nil {
				return nil, fmt.Errorf("resolving chain for %s: %w", snap.ID, err)
			}
			tr.add(snap.ID, chunkSet(lo.Values(mergeChain(chain))))
		}
	}
	return tr, nil
}

// refTracker counts live references per chunk hash
type refTracker struct {
	count map[string]int
	size  map[string]int64
	owned map[string]map[string]bool
}

func newRefTracker() *refTracker {
	return &refTracker{
		count: make(map[string]int),
		size:  make(map[string]int64),
		owned: make(map[string]map[string]bool),
	}
}

func (t *refTracker) add(snapshotID string, chunks map[string]int64) {
	set := make(map[string]bool, len(chunks))
	for hash, size := range chunks {
		set[hash] = true
		t.count[hash]++
		t.size[hash] = size
	}
	t.owned[snapshotID] = set
}

// exclusiveChunks returns the chunks only this snapshot references,
// ordered by hash for deterministic deletion
func (t *refTracker) exclusiveChunks(snapshotID string) []ChunkRef {
	var refs []ChunkRef
	for hash := range t.owned[snapshotID] {
		if t.count[hash] == 1 {
			refs = append(refs, ChunkRef{Hash: hash, Size: t.size[hash]})
		}
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Hash < refs[j].Hash })
	return refs
}

func (t *refTracker) exclusiveBytes(snapshotID string) int64 {
	var total int64
	for _, ref := range t.exclusiveChunks(snapshotID) {
		total += ref.Size
	}
	return total
}

// release drops the snapshot's references after a successful deletion
// so later candidates in the same sweep see updated counts
func (t *refTracker) release(snapshotID string) {
	for hash := range t.owned[snapshotID] {
		t.count[hash]--
	}
	delete(t.owned, snapshotID)
}
