package snapshot

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpufleet/gpufleet/pkg/models"
)

func TestRestore_RoundTrip(t *testing.T) {
	mt := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	src := newMemWorkspace("/workspace")
	src.seed("model.bin", fox, mt)
	src.seed("notes/run.md", "lr=3e-4", mt)
	te := newTestEngine(t, src)
	ctx := context.Background()

	snap, err := te.engine.Create(ctx, CreateRequest{
		InstanceID:    "inst-1",
		OwnerID:       "owner-1",
		Kind:          models.SnapshotFull,
		WorkspacePath: "/workspace",
	})
	require.NoError(t, err)

	dst := newMemWorkspace("/workspace")
	dst.seed("stale.txt", "left over from the old workspace", mt)
	te.engine.dial = func(ctx context.Context, creds Credentials, root string) (Workspace, error) {
		return dst, nil
	}

	res, err := te.engine.Restore(ctx, RestoreRequest{
		SnapshotID:    snap.ID,
		WorkspacePath: "/workspace",
	})
	require.NoError(t, err)

	assert.Equal(t, snap.ID, res.SnapshotID)
	assert.Equal(t, 2, res.FilesRestored)
	assert.Equal(t, int64(len(fox)+len("lr=3e-4")), res.BytesRestored)

	got, ok := dst.content("model.bin")
	require.True(t, ok)
	assert.Equal(t, fox, got)
	got, ok = dst.content("notes/run.md")
	require.True(t, ok)
	assert.Equal(t, "lr=3e-4", got)

	_, ok = dst.content("stale.txt")
	assert.False(t, ok, "swap replaces the old workspace contents")

	entries, err := dst.Scan(ctx)
	require.NoError(t, err)
	for _, e := range entries {
		assert.True(t, e.ModTime.Equal(mt), "mtime restored for %s", e.Path)
		assert.Equal(t, uint32(0644), e.Mode)
	}
	for _, p := range dst.paths() {
		assert.NotContains(t, p, ".restore-", "staging dir cleaned up")
	}
}

func TestRestore_MergesChain(t *testing.T) {
	mt := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	ws := newMemWorkspace("/workspace")
	ws.seed("model.bin", fox, mt)
	ws.seed("config.yaml", "epochs: 10", mt)
	ws.seed("old.log", "stale", mt)
	te := newTestEngine(t, ws)
	ctx := context.Background()

	_, err := te.engine.Create(ctx, CreateRequest{
		InstanceID:    "inst-1",
		OwnerID:       "owner-1",
		Kind:          models.SnapshotFull,
		WorkspacePath: "/workspace",
	})
	require.NoError(t, err)

	ws.seed("config.yaml", "epochs: 20", mt.Add(time.Minute))
	ws.seed("data.csv", "a,b,c", mt)
	ws.remove("old.log")

	inc, err := te.engine.Create(ctx, CreateRequest{
		InstanceID:    "inst-1",
		OwnerID:       "owner-1",
		Kind:          models.SnapshotIncremental,
		WorkspacePath: "/workspace",
	})
	require.NoError(t, err)

	dst := newMemWorkspace("/workspace")
	te.engine.dial = func(ctx context.Context, creds Credentials, root string) (Workspace, error) {
		return dst, nil
	}

	res, err := te.engine.Restore(ctx, RestoreRequest{
		SnapshotID:    inc.ID,
		WorkspacePath: "/workspace",
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.FilesRestored)

	got, ok := dst.content("model.bin")
	require.True(t, ok, "unchanged file resolved through the parent descriptor")
	assert.Equal(t, fox, got)
	got, ok = dst.content("config.yaml")
	require.True(t, ok)
	assert.Equal(t, "epochs: 20", got, "latest version wins")
	_, ok = dst.content("data.csv")
	assert.True(t, ok)
	_, ok = dst.content("old.log")
	assert.False(t, ok, "removed file stays removed")
}

func TestRestore_LatestWhenIDEmpty(t *testing.T) {
	mt := time.Now()
	ws := newMemWorkspace("/workspace")
	ws.seed("v.txt", "one", mt)
	te := newTestEngine(t, ws)
	ctx := context.Background()

	req := CreateRequest{
		InstanceID:    "inst-1",
		OwnerID:       "owner-1",
		Kind:          models.SnapshotFull,
		WorkspacePath: "/workspace",
	}
	_, err := te.engine.Create(ctx, req)
	require.NoError(t, err)

	ws.seed("v.txt", "two", mt.Add(time.Minute))
	newest, err := te.engine.Create(ctx, req)
	require.NoError(t, err)

	dst := newMemWorkspace("/workspace")
	te.engine.dial = func(ctx context.Context, creds Credentials, root string) (Workspace, error) {
		return dst, nil
	}

	res, err := te.engine.Restore(ctx, RestoreRequest{
		InstanceID:    "inst-1",
		WorkspacePath: "/workspace",
	})
	require.NoError(t, err)
	assert.Equal(t, newest.ID, res.SnapshotID)

	got, _ := dst.content("v.txt")
	assert.Equal(t, "two", got)
}

func TestRestore_RejectsUnrestorableSnapshot(t *testing.T) {
	ws := newMemWorkspace("/workspace")
	ws.seed("f.txt", "data", time.Now())
	te := newTestEngine(t, ws)
	ctx := context.Background()

	snap, err := te.engine.Create(ctx, CreateRequest{
		InstanceID:    "inst-1",
		OwnerID:       "owner-1",
		Kind:          models.SnapshotFull,
		WorkspacePath: "/workspace",
	})
	require.NoError(t, err)
	require.NoError(t, te.store.UpdateStatus(ctx, snap.ID, models.SnapshotDeleted))

	_, err = te.engine.Restore(ctx, RestoreRequest{
		SnapshotID:    snap.ID,
		WorkspacePath: "/workspace",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot be restored")
}

func TestRestore_EmptyManifestFails(t *testing.T) {
	ws := newMemWorkspace("/workspace")
	te := newTestEngine(t, ws)
	ctx := context.Background()

	snap, err := te.engine.Create(ctx, CreateRequest{
		InstanceID:    "inst-1",
		OwnerID:       "owner-1",
		Kind:          models.SnapshotFull,
		WorkspacePath: "/workspace",
	})
	require.NoError(t, err)

	_, err = te.engine.Restore(ctx, RestoreRequest{
		SnapshotID:    snap.ID,
		WorkspacePath: "/workspace",
	})
	require.ErrorIs(t, err, ErrRestoreValidation)

	var verr *RestoreValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, 0, verr.Expected)
	assert.Equal(t, 0, verr.Staged)
}

func TestRestore_CountMismatchLeavesWorkspaceIntact(t *testing.T) {
	mt := time.Now()
	src := newMemWorkspace("/workspace")
	src.seed("a.txt", "aaa", mt)
	src.seed("b.txt", "bbb", mt)
	te := newTestEngine(t, src)
	ctx := context.Background()

	snap, err := te.engine.Create(ctx, CreateRequest{
		InstanceID:    "inst-1",
		OwnerID:       "owner-1",
		Kind:          models.SnapshotFull,
		WorkspacePath: "/workspace",
	})
	require.NoError(t, err)

	dst := newMemWorkspace("/workspace")
	dst.seed("current.txt", "live workspace", mt)
	dst.countFilesFn = func(string) (int, error) { return 0, nil }
	te.engine.dial = func(ctx context.Context, creds Credentials, root string) (Workspace, error) {
		return dst, nil
	}

	_, err = te.engine.Restore(ctx, RestoreRequest{
		SnapshotID:    snap.ID,
		WorkspacePath: "/workspace",
	})
	var verr *RestoreValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, 2, verr.Expected)
	assert.Equal(t, 0, verr.Staged)

	got, ok := dst.content("current.txt")
	require.True(t, ok, "failed validation must not touch the workspace")
	assert.Equal(t, "live workspace", got)
	for _, p := range dst.paths() {
		assert.NotContains(t, p, ".restore-", "staging dir cleaned up on failure")
	}
}

func TestRestore_RejectsTargetWithoutDiskSpace(t *testing.T) {
	mt := time.Now()
	src := newMemWorkspace("/workspace")
	src.seed("model.bin", fox, mt)
	te := newTestEngine(t, src)
	ctx := context.Background()

	snap, err := te.engine.Create(ctx, CreateRequest{
		InstanceID:    "inst-1",
		OwnerID:       "owner-1",
		Kind:          models.SnapshotFull,
		WorkspacePath: "/workspace",
	})
	require.NoError(t, err)

	dst := newMemWorkspace("/workspace")
	dst.seed("current.txt", "live workspace", mt)
	dst.availGB = 0
	te.engine.dial = func(ctx context.Context, creds Credentials, root string) (Workspace, error) {
		return dst, nil
	}

	_, err = te.engine.Restore(ctx, RestoreRequest{
		SnapshotID:    snap.ID,
		WorkspacePath: "/workspace",
	})
	require.ErrorIs(t, err, ErrInsufficientDisk)

	var derr *InsufficientDiskError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, snap.ID, derr.SnapshotID)
	assert.Zero(t, derr.AvailableGB)

	got, ok := dst.content("current.txt")
	require.True(t, ok, "rejected preflight must not touch the workspace")
	assert.Equal(t, "live workspace", got)
	for _, p := range dst.paths() {
		assert.NotContains(t, p, ".restore-", "nothing staged before the preflight")
	}
}

func TestRestore_DetectsCorruptChunk(t *testing.T) {
	ws := newMemWorkspace("/workspace")
	ws.seed("w.bin", fox, time.Now())
	te := newTestEngine(t, ws)
	ctx := context.Background()

	snap, err := te.engine.Create(ctx, CreateRequest{
		InstanceID:    "inst-1",
		OwnerID:       "owner-1",
		Kind:          models.SnapshotFull,
		WorkspacePath: "/workspace",
	})
	require.NoError(t, err)

	desc := te.descriptor(t, snap.ID)
	require.NotEmpty(t, desc.Files)
	require.NotEmpty(t, desc.Files[0].Chunks)
	victim := desc.Files[0].Chunks[0].Hash
	require.NoError(t, te.blobs.Put(ctx, ChunkKey(victim), []byte("garbage"), chunkContentType))

	_, err = te.engine.Restore(ctx, RestoreRequest{
		SnapshotID:    snap.ID,
		WorkspacePath: "/workspace",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "content hash mismatch")
}

func TestCountWithinTolerance(t *testing.T) {
	tests := []struct {
		name     string
		expected int
		staged   int
		want     bool
	}{
		{"exact", 10, 10, true},
		{"empty staging always fails", 10, 0, false},
		{"single file missing", 1, 0, false},
		{"small manifest one off", 19, 18, true},
		{"small manifest two off", 19, 17, false},
		{"large within five percent", 100, 95, true},
		{"large past five percent", 100, 94, false},
		{"staged exceeds expected", 100, 105, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, countWithinTolerance(tt.expected, tt.staged))
		})
	}
}

func TestRestoreValidationError_Unwraps(t *testing.T) {
	err := error(&RestoreValidationError{SnapshotID: "snap-1", Expected: 5, Staged: 2})
	assert.True(t, errors.Is(err, ErrRestoreValidation))
	assert.Contains(t, err.Error(), "snap-1")
}
