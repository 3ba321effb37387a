package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/gpufleet/gpufleet/internal/metrics"
	"github.com/gpufleet/gpufleet/pkg/models"
)

// ErrRestoreValidation marks restores rejected before the workspace swap
var ErrRestoreValidation = errors.New("restore validation failed")

// ErrInsufficientDisk marks restores rejected because the target host
// cannot hold the staged tree
var ErrInsufficientDisk = errors.New("insufficient disk space")

// InsufficientDiskError reports a restore target without room for the
// snapshot. The workspace is left untouched.
type InsufficientDiskError struct {
	SnapshotID  string
	NeededGB    float64
	AvailableGB float64
}

func (e *InsufficientDiskError) Error() string {
	return fmt.Sprintf("snapshot %s needs %.1fGB staged but host has %.1fGB available", e.SnapshotID, e.NeededGB, e.AvailableGB)
}

func (e *InsufficientDiskError) Unwrap() error {
	return ErrInsufficientDisk
}

// RestoreValidationError reports a staged tree that does not match the
// snapshot manifest. The workspace is left untouched.
type RestoreValidationError struct {
	SnapshotID string
	Expected   int
	Staged     int
}

func (e *RestoreValidationError) Error() string {
	return fmt.Sprintf("restore validation failed for snapshot %s: staged %d files, manifest expects %d", e.SnapshotID, e.Staged, e.Expected)
}

func (e *RestoreValidationError) Unwrap() error {
	return ErrRestoreValidation
}

// RestoreRequest describes one restore onto an instance
type RestoreRequest struct {
	SnapshotID    string // empty = latest restorable for InstanceID
	InstanceID    string // instance whose snapshots to search when SnapshotID is empty
	WorkspacePath string
	Creds         Credentials
}

func (r RestoreRequest) validate() error {
	if r.SnapshotID == "" && r.InstanceID == "" {
		return fmt.Errorf("snapshot_id or instance_id is required")
	}
	if r.WorkspacePath == "" {
		return fmt.Errorf("workspace_path is required")
	}
	return nil
}

// Restore materializes a snapshot into the target workspace. Files are
// assembled in a staging directory next to the workspace and swapped in
// only after the staged tree passes file-count validation, so a failed
// restore never corrupts the existing workspace.
func (e *Engine) Restore(ctx context.Context, req RestoreRequest) (*models.RestoreResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	start := e.now()

	snap, err := e.resolveRestoreTarget(ctx, req)
	if err != nil {
		return nil, err
	}

	chain, err := e.loadChain(ctx, snap)
	if err != nil {
		return nil, fmt.Errorf("resolving snapshot chain: %w", err)
	}
	files := sortedEntries(mergeChain(chain))
	if len(files) == 0 {
		metrics.RecordRestoreValidationFailure()
		return nil, &RestoreValidationError{SnapshotID: snap.ID, Expected: 0, Staged: 0}
	}

	ws, err := e.dial(ctx, req.Creds, req.WorkspacePath)
	if err != nil {
		return nil, fmt.Errorf("opening workspace: %w", err)
	}
	defer ws.Close()

	if err := e.checkDiskSpace(ctx, ws, snap.ID, files); err != nil {
		return nil, err
	}

	staging := fmt.Sprintf("%s.restore-%s", ws.Root(), snap.ID)
	if err := ws.RemoveAll(ctx, staging); err != nil {
		return nil, fmt.Errorf("clearing stale staging dir: %w", err)
	}
	if err := ws.MkdirAll(staging); err != nil {
		return nil, fmt.Errorf("creating staging dir: %w", err)
	}

	bytesRestored, err := e.assemble(ctx, ws, staging, files)
	if err != nil {
		ws.RemoveAll(ctx, staging)
		return nil, err
	}

	staged, err := ws.CountFiles(ctx, staging)
	if err != nil {
		ws.RemoveAll(ctx, staging)
		return nil, fmt.Errorf("counting staged files: %w", err)
	}
	if !countWithinTolerance(len(files), staged) {
		ws.RemoveAll(ctx, staging)
		metrics.RecordRestoreValidationFailure()
		e.logger.Error("restore validation failed",
			"snapshot_id", snap.ID,
			"expected_files", len(files),
			"staged_files", staged)
		return nil, &RestoreValidationError{SnapshotID: snap.ID, Expected: len(files), Staged: staged}
	}

	if err := ws.SwapInto(ctx, staging); err != nil {
		return nil, fmt.Errorf("swapping staged workspace: %w", err)
	}

	duration := e.now().Sub(start)
	metrics.RecordRestore(duration)
	e.logger.Info("snapshot restored",
		"snapshot_id", snap.ID,
		"files", len(files),
		"bytes", bytesRestored,
		"duration_ms", duration.Milliseconds())

	return &models.RestoreResult{
		SnapshotID:    snap.ID,
		FilesRestored: len(files),
		BytesRestored: bytesRestored,
		DurationMs:    duration.Milliseconds(),
	}, nil
}

// checkDiskSpace rejects a restore whose staged tree cannot fit on the
// target host. The check runs before any bytes move, while the staging
// tree and the old workspace would briefly coexist. An unreadable df is
// only logged; the restore fails on its own if space truly runs out.
func (e *Engine) checkDiskSpace(ctx context.Context, ws Workspace, snapshotID string, files []FileEntry) error {
	var total int64
	for i := range files {
		total += files[i].Size
	}
	neededGB := float64(total) / float64(1<<30)

	availGB, err := ws.AvailableGB(ctx)
	if err != nil {
		e.logger.Warn("disk preflight skipped",
			"snapshot_id", snapshotID,
			"error", err.Error())
		return nil
	}
	if availGB < neededGB {
		e.logger.Error("restore rejected: not enough disk on target",
			"snapshot_id", snapshotID,
			"needed_gb", neededGB,
			"available_gb", availGB)
		return &InsufficientDiskError{SnapshotID: snapshotID, NeededGB: neededGB, AvailableGB: availGB}
	}
	return nil
}

func (e *Engine) resolveRestoreTarget(ctx context.Context, req RestoreRequest) (*models.Snapshot, error) {
	if req.SnapshotID != "" {
		snap, err := e.catalog.Get(ctx, req.SnapshotID)
		if err != nil {
			return nil, fmt.Errorf("loading snapshot %s: %w", req.SnapshotID, err)
		}
		if !snap.IsRestorable() {
			return nil, fmt.Errorf("snapshot %s is %s and cannot be restored", snap.ID, snap.Status)
		}
		return snap, nil
	}
	return e.LatestRestorable(ctx, req.InstanceID)
}

// assemble downloads every manifest file into the staging directory,
// verifying chunk content hashes as they arrive
func (e *Engine) assemble(ctx context.Context, ws Workspace, staging string, files []FileEntry) (int64, error) {
	var mu sync.Mutex
	var total int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.UploadConcurrency)

	for i := range files {
		entry := files[i]
		g.Go(func() error {
			n, err := e.restoreFile(gctx, ws, staging, entry)
			if err != nil {
				return fmt.Errorf("restoring %s: %w", entry.Path, err)
			}
			mu.Lock()
			total += n
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return total, nil
}

func (e *Engine) restoreFile(ctx context.Context, ws Workspace, staging string, entry FileEntry) (int64, error) {
	target := path.Join(staging, entry.Path)
	w, err := ws.Create(target)
	if err != nil {
		return 0, err
	}

	var written int64
	for _, ref := range entry.Chunks {
		data, err := e.blobs.Get(ctx, ChunkKey(ref.Hash))
		if err != nil {
			w.Close()
			return written, fmt.Errorf("fetching chunk %s: %w", ref.Hash, err)
		}
		sum := sha256.Sum256(data)
		if hex.EncodeToString(sum[:]) != ref.Hash {
			w.Close()
			return written, fmt.Errorf("chunk %s: content hash mismatch", ref.Hash)
		}
		n, err := w.Write(data)
		written += int64(n)
		if err != nil {
			w.Close()
			return written, err
		}
	}
	if err := w.Close(); err != nil {
		return written, err
	}

	if entry.Mode != 0 {
		if err := ws.Chmod(target, entry.Mode); err != nil {
			return written, err
		}
	}
	if !entry.ModTime.IsZero() {
		if err := ws.Chtimes(target, entry.ModTime); err != nil {
			return written, err
		}
	}
	return written, nil
}

// countWithinTolerance applies the restore file-count check: an empty
// staging tree always fails; small manifests (< 20 files) allow a drift
// of one; larger ones allow 5%.
func countWithinTolerance(expected, staged int) bool {
	if staged == 0 {
		return false
	}
	diff := staged - expected
	if diff < 0 {
		diff = -diff
	}
	if expected < 20 {
		return diff <= 1
	}
	return float64(diff) <= 0.05*float64(expected)
}
