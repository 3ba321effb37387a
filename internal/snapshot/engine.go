// Package snapshot captures instance workspaces into content-addressed
// blob storage and restores them onto fresh instances. Captures are
// chunked, deduplicated, and recorded as descriptor + catalog row;
// incrementals store only the delta against their base chain.
package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/gpufleet/gpufleet/internal/blob"
	"github.com/gpufleet/gpufleet/internal/config"
	"github.com/gpufleet/gpufleet/internal/metrics"
	"github.com/gpufleet/gpufleet/internal/resilience"
	"github.com/gpufleet/gpufleet/internal/storage"
	"github.com/gpufleet/gpufleet/pkg/models"
)

const (
	// DefaultChunkSize is the fixed chunk size files are split at
	DefaultChunkSize = 8 << 20 // 8 MiB

	// DefaultMaxChainDepth bounds how many incrementals may stack on a
	// full before the next capture is promoted
	DefaultMaxChainDepth = 16

	// DefaultUploadConcurrency bounds parallel blob transfers
	DefaultUploadConcurrency = 4

	chunkContentType      = "application/octet-stream"
	descriptorContentType = "application/json"
)

// Catalog is the slice of snapshot persistence the engine needs
type Catalog interface {
	Create(ctx context.Context, snap *models.Snapshot) error
	Get(ctx context.Context, id string) (*models.Snapshot, error)
	List(ctx context.Context, filter storage.SnapshotFilter) ([]*models.Snapshot, error)
	LatestRestorable(ctx context.Context, instanceID string) (*models.Snapshot, error)
}

// JournalRecorder registers provisionally-owned blobs with the failover
// journal so a failed failover can unwind its uploads
type JournalRecorder interface {
	Record(failoverID string, res resilience.Resource)
}

// Engine captures and restores workspace snapshots
type Engine struct {
	blobs    blob.Store
	catalog  Catalog
	journal  JournalRecorder
	cfg      config.SnapshotConfig
	provider string
	logger   *slog.Logger

	dial DialFunc
	now  func() time.Time
}

// NewEngine creates a snapshot engine. journal may be nil when no
// failover journal is in play. provider labels catalog rows with the
// blob backend holding their data.
func NewEngine(blobs blob.Store, catalog Catalog, journal JournalRecorder, cfg config.SnapshotConfig, provider string, logger *slog.Logger) *Engine {
	if cfg.ChunkSizeBytes <= 0 {
		cfg.ChunkSizeBytes = DefaultChunkSize
	}
	if cfg.MaxChainDepth <= 0 {
		cfg.MaxChainDepth = DefaultMaxChainDepth
	}
	if cfg.UploadConcurrency <= 0 {
		cfg.UploadConcurrency = DefaultUploadConcurrency
	}
	return &Engine{
		blobs:    blobs,
		catalog:  catalog,
		journal:  journal,
		cfg:      cfg,
		provider: provider,
		logger:   logger.With("component", "snapshot"),
		dial:     DialWorkspace,
		now:      time.Now,
	}
}

// CreateRequest describes one capture
type CreateRequest struct {
	InstanceID    string
	OwnerID       string
	Kind          models.SnapshotKind
	BaseID        string // optional; latest active snapshot when empty
	WorkspacePath string
	Creds         Credentials
	RetentionDays int  // 0 = use instance/global default
	KeepForever   bool
	JournalID     string // optional; new blobs are journal-tracked when set
}

func (r CreateRequest) validate() error {
	if r.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if r.OwnerID == "" {
		return fmt.Errorf("owner_id is required")
	}
	if r.WorkspacePath == "" {
		return fmt.Errorf("workspace_path is required")
	}
	if r.Kind != models.SnapshotFull && r.Kind != models.SnapshotIncremental {
		return fmt.Errorf("invalid snapshot kind: %q", r.Kind)
	}
	return nil
}

// Create captures the instance workspace and returns the catalog row.
// Incremental requests silently produce a full snapshot when no usable
// base exists or when the base chain is already at max depth.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (*models.Snapshot, error) {
	if req.Kind == "" {
		req.Kind = models.SnapshotFull
	}
	if err := req.validate(); err != nil {
		return nil, err
	}

	start := e.now()
	id := uuid.New().String()
	kind := req.Kind

	var base *models.Snapshot
	promotedFrom := ""
	if kind == models.SnapshotIncremental {
		resolved, err := e.resolveBase(ctx, req)
		if err != nil {
			return nil, err
		}
		switch {
		case resolved == nil:
			// First capture for this instance
			kind = models.SnapshotFull
		default:
			depth, err := e.chainDepth(ctx, resolved)
			if err != nil {
				return nil, err
			}
			if depth >= e.cfg.MaxChainDepth {
				kind = models.SnapshotFull
				promotedFrom = resolved.ID
				metrics.RecordSnapshotPromotion()
				e.logger.Info("incremental promoted to full",
					"instance_id", req.InstanceID,
					"base_id", resolved.ID,
					"chain_depth", depth)
			} else {
				base = resolved
			}
		}
	}

	var baseState map[string]FileEntry
	if base != nil {
		chain, err := e.loadChain(ctx, base)
		if err != nil {
			return nil, fmt.Errorf("resolving base chain: %w", err)
		}
		baseState = mergeChain(chain)
	}

	ws, err := e.dial(ctx, req.Creds, req.WorkspacePath)
	if err != nil {
		return nil, fmt.Errorf("opening workspace: %w", err)
	}
	defer ws.Close()

	scanned, err := ws.Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("scanning workspace: %w", err)
	}

	captured, err := e.capture(ctx, ws, scanned, baseState, req.JournalID)
	if err != nil {
		e.discardBlobs(captured.newKeys)
		return nil, err
	}

	removed, diff := diffAgainstBase(baseState, scanned)

	desc := &Descriptor{
		SnapshotID: id,
		InstanceID: req.InstanceID,
		Kind:       kind,
		Files:      captured.files,
		CreatedAt:  start,
	}
	meta := map[string]string{}
	if base != nil {
		desc.ParentID = base.ID
		desc.Removed = removed
		desc.Diff = diff
		meta[models.SnapshotMetaFilesAdded] = strconv.Itoa(diff.FilesAdded)
		meta[models.SnapshotMetaFilesRemoved] = strconv.Itoa(diff.FilesRemoved)
		meta[models.SnapshotMetaFilesChanged] = strconv.Itoa(diff.FilesChanged)
	}
	if promotedFrom != "" {
		meta[models.SnapshotMetaPromotedFrom] = promotedFrom
	}

	raw, err := json.Marshal(desc)
	if err != nil {
		e.discardBlobs(captured.newKeys)
		return nil, fmt.Errorf("encoding descriptor: %w", err)
	}
	descKey := DescriptorKey(id)
	if err := e.blobs.Put(ctx, descKey, raw, descriptorContentType); err != nil {
		e.discardBlobs(captured.newKeys)
		return nil, fmt.Errorf("writing descriptor: %w", err)
	}
	if e.journal != nil && req.JournalID != "" {
		e.journal.Record(req.JournalID, resilience.Resource{
			Kind: resilience.ResourceBlob,
			ID:   descKey,
			Note: "snapshot descriptor " + id,
		})
	}

	snap := &models.Snapshot{
		ID:              id,
		InstanceID:      req.InstanceID,
		OwnerID:         req.OwnerID,
		Kind:            kind,
		ParentID:        desc.ParentID,
		BlobPaths:       append([]string{descKey}, captured.newKeys...),
		SizeBytes:       captured.uploadedBytes,
		FileCount:       len(scanned),
		KeepForever:     req.KeepForever,
		RetentionDays:   req.RetentionDays,
		Status:          models.SnapshotActive,
		StorageProvider: e.provider,
		Metadata:        meta,
		CreatedAt:       start,
	}
	if err := e.catalog.Create(ctx, snap); err != nil {
		e.discardBlobs(append(captured.newKeys, descKey))
		return nil, fmt.Errorf("recording snapshot: %w", err)
	}

	duration := e.now().Sub(start)
	metrics.RecordSnapshotCreated(string(kind), duration, captured.uploadedBytes)
	e.logger.Info("snapshot created",
		"snapshot_id", id,
		"instance_id", req.InstanceID,
		"kind", kind,
		"files", len(scanned),
		"uploaded_bytes", captured.uploadedBytes,
		"duration_ms", duration.Milliseconds())

	return snap, nil
}

// captureResult accumulates the outcome of one capture pass
type captureResult struct {
	files         []FileEntry // descriptor entries: all files for fulls, delta for incrementals
	newKeys       []string    // blob keys uploaded by this capture
	uploadedBytes int64
}

// capture chunks and uploads every file that is new or changed against
// the base state. Files whose (size, mtime) match the base are skipped
// without reading, unless any of their base chunks has been pruned from
// storage; those are re-read so the new descriptor stands on its own.
func (e *Engine) capture(ctx context.Context, ws Workspace, scanned []FileEntry, baseState map[string]FileEntry, journalID string) (*captureResult, error) {
	res := &captureResult{}
	var mu sync.Mutex
	seen := make(map[string]bool)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.UploadConcurrency)

	uploadChunk := func(hash string, data []byte) {
		g.Go(func() error {
			key := ChunkKey(hash)
			ok, err := e.blobs.Exists(gctx, key)
			if err != nil {
				return fmt.Errorf("checking chunk %s: %w", hash, err)
			}
			if ok {
				return nil
			}
			if err := e.blobs.Put(gctx, key, data, chunkContentType); err != nil {
				return fmt.Errorf("uploading chunk %s: %w", hash, err)
			}
			mu.Lock()
			res.newKeys = append(res.newKeys, key)
			res.uploadedBytes += int64(len(data))
			mu.Unlock()
			if e.journal != nil && journalID != "" {
				e.journal.Record(journalID, resilience.Resource{
					Kind: resilience.ResourceBlob,
					ID:   key,
				})
			}
			return nil
		})
	}

	var readErr error
	for i := range scanned {
		entry := scanned[i]

		if prev, ok := baseState[entry.Path]; ok && sameVersion(prev, entry) {
			intact, err := e.chunksIntact(ctx, prev.Chunks)
			if err != nil {
				readErr = err
				break
			}
			if intact {
				continue
			}
		}

		chunks, err := e.chunkFile(ctx, ws, entry.Path, uploadChunk, seen, &mu)
		if err != nil {
			readErr = fmt.Errorf("reading %s: %w", entry.Path, err)
			break
		}
		entry.Chunks = chunks
		res.files = append(res.files, entry)
	}

	if err := g.Wait(); err != nil {
		return res, err
	}
	if readErr != nil {
		return res, readErr
	}
	return res, nil
}

// chunkFile reads one remote file in fixed-size chunks, hashing each and
// scheduling uploads for hashes not yet handled this run
func (e *Engine) chunkFile(ctx context.Context, ws Workspace, relPath string, upload func(hash string, data []byte), seen map[string]bool, mu *sync.Mutex) ([]ChunkRef, error) {
	rc, err := ws.Open(path.Join(ws.Root(), relPath))
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var refs []ChunkRef
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		buf := make([]byte, e.cfg.ChunkSizeBytes)
		n, err := io.ReadFull(rc, buf)
		if n > 0 {
			data := buf[:n]
			sum := sha256.Sum256(data)
			hash := hex.EncodeToString(sum[:])
			refs = append(refs, ChunkRef{Hash: hash, Size: int64(n)})

			mu.Lock()
			fresh := !seen[hash]
			seen[hash] = true
			mu.Unlock()
			if fresh {
				upload(hash, data)
			}
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	return refs, nil
}

// chunksIntact reports whether every chunk of a base entry is still
// present in blob storage
func (e *Engine) chunksIntact(ctx context.Context, refs []ChunkRef) (bool, error) {
	for _, ref := range refs {
		ok, err := e.blobs.Exists(ctx, ChunkKey(ref.Hash))
		if err != nil {
			return false, fmt.Errorf("checking chunk %s: %w", ref.Hash, err)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// diffAgainstBase computes the removed paths and change counts of a scan
// relative to the base state
func diffAgainstBase(baseState map[string]FileEntry, scanned []FileEntry) ([]string, DiffSummary) {
	if baseState == nil {
		return nil, DiffSummary{}
	}
	_, removed, summary := diffManifests(baseState, scanned)
	return removed, summary
}

// resolveBase picks the incremental base: the explicit BaseID when set,
// else the newest active snapshot of the instance, else nil
func (e *Engine) resolveBase(ctx context.Context, req CreateRequest) (*models.Snapshot, error) {
	if req.BaseID != "" {
		base, err := e.catalog.Get(ctx, req.BaseID)
		if err != nil {
			return nil, fmt.Errorf("loading base snapshot %s: %w", req.BaseID, err)
		}
		if base.OwnerID != req.OwnerID {
			return nil, fmt.Errorf("base snapshot %s belongs to a different owner", req.BaseID)
		}
		if !base.CanParent() {
			return nil, fmt.Errorf("base snapshot %s is %s and cannot parent an incremental", req.BaseID, base.Status)
		}
		return base, nil
	}

	candidates, err := e.catalog.List(ctx, storage.SnapshotFilter{
		InstanceID: req.InstanceID,
		Status:     models.SnapshotActive,
		Limit:      1,
	})
	if err != nil {
		return nil, fmt.Errorf("finding base snapshot: %w", err)
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	return candidates[0], nil
}

// chainDepth counts snapshots from tip down to its full ancestor
func (e *Engine) chainDepth(ctx context.Context, tip *models.Snapshot) (int, error) {
	depth := 1
	cur := tip
	for cur.Kind != models.SnapshotFull {
		if cur.ParentID == "" {
			return 0, fmt.Errorf("snapshot %s is incremental but has no parent", cur.ID)
		}
		parent, err := e.catalog.Get(ctx, cur.ParentID)
		if err != nil {
			return 0, fmt.Errorf("walking chain at %s: %w", cur.ParentID, err)
		}
		depth++
		cur = parent
	}
	return depth, nil
}

// loadChain returns the descriptor chain for a snapshot ordered full first
func (e *Engine) loadChain(ctx context.Context, tip *models.Snapshot) ([]*Descriptor, error) {
	return resolveChain(ctx, e.catalog, e.blobs, tip, nil)
}

// snapshotGetter is the catalog slice chain resolution needs
type snapshotGetter interface {
	Get(ctx context.Context, id string) (*models.Snapshot, error)
}

// resolveChain walks parent links from tip to its full ancestor and
// returns the descriptors in full-first application order. Descriptors
// outlive chunk deletion, so deleted ancestors still resolve. cache may
// be nil; when set, fetched descriptors are reused across calls.
func resolveChain(ctx context.Context, catalog snapshotGetter, blobs blob.Store, tip *models.Snapshot, cache map[string]*Descriptor) ([]*Descriptor, error) {
	var ids []string
	cur := tip
	for {
		ids = append(ids, cur.ID)
		if cur.Kind == models.SnapshotFull {
			break
		}
		if cur.ParentID == "" {
			return nil, fmt.Errorf("snapshot %s is incremental but has no parent", cur.ID)
		}
		parent, err := catalog.Get(ctx, cur.ParentID)
		if err != nil {
			return nil, fmt.Errorf("walking chain at %s: %w", cur.ParentID, err)
		}
		cur = parent
	}

	// Reverse to full-first application order
	chain := make([]*Descriptor, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		desc, err := fetchDescriptor(ctx, blobs, ids[i], cache)
		if err != nil {
			return nil, err
		}
		chain = append(chain, desc)
	}
	return chain, nil
}

func fetchDescriptor(ctx context.Context, blobs blob.Store, snapshotID string, cache map[string]*Descriptor) (*Descriptor, error) {
	if cache != nil {
		if desc, ok := cache[snapshotID]; ok {
			return desc, nil
		}
	}
	raw, err := blobs.Get(ctx, DescriptorKey(snapshotID))
	if err != nil {
		return nil, fmt.Errorf("fetching descriptor for %s: %w", snapshotID, err)
	}
	var desc Descriptor
	if err := json.Unmarshal(raw, &desc); err != nil {
		return nil, fmt.Errorf("decoding descriptor for %s: %w", snapshotID, err)
	}
	if cache != nil {
		cache[snapshotID] = &desc
	}
	return &desc, nil
}

// discardBlobs best-effort deletes blobs uploaded by a failed capture.
// Deletes are idempotent, so overlap with a journal rollback is harmless.
func (e *Engine) discardBlobs(keys []string) {
	if len(keys) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, key := range keys {
		if err := e.blobs.Delete(ctx, key); err != nil {
			e.logger.Warn("orphaned blob not cleaned up", "key", key, "error", err)
		}
	}
}

// LatestRestorable returns the newest snapshot of the instance whose
// data can still be read back
func (e *Engine) LatestRestorable(ctx context.Context, instanceID string) (*models.Snapshot, error) {
	snap, err := e.catalog.LatestRestorable(ctx, instanceID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("no restorable snapshot for instance %s: %w", instanceID, err)
		}
		return nil, err
	}
	return snap, nil
}
