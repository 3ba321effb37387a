package snapshot

import (
	"fmt"
	"sort"
	"time"

	"github.com/gpufleet/gpufleet/pkg/models"
)

// ChunkRef names one content-addressed chunk of a file
type ChunkRef struct {
	Hash string `json:"hash"`
	Size int64  `json:"size"`
}

// FileEntry describes one captured file. Paths are relative to the
// workspace root, using forward slashes.
type FileEntry struct {
	Path    string     `json:"path"`
	Size    int64      `json:"size"`
	Mode    uint32     `json:"mode"`
	ModTime time.Time  `json:"mod_time"`
	Chunks  []ChunkRef `json:"chunks"`
}

// DiffSummary counts manifest changes between a snapshot and its base
type DiffSummary struct {
	FilesAdded   int `json:"files_added"`
	FilesRemoved int `json:"files_removed"`
	FilesChanged int `json:"files_changed"`
}

// Descriptor is the blob-stored record of one snapshot. Full snapshots
// carry the complete file list; incrementals carry only added and changed
// entries plus the removed paths, and are resolved against their ancestry
// at restore time.
type Descriptor struct {
	SnapshotID string              `json:"snapshot_id"`
	InstanceID string              `json:"instance_id"`
	Kind       models.SnapshotKind `json:"kind"`
	ParentID   string              `json:"parent_id,omitempty"`
	Files      []FileEntry         `json:"files"`
	Removed    []string            `json:"removed,omitempty"`
	Diff       DiffSummary         `json:"diff"`
	CreatedAt  time.Time           `json:"created_at"`
}

// DescriptorKey returns the blob key of a snapshot descriptor
func DescriptorKey(snapshotID string) string {
	return fmt.Sprintf("snapshots/%s.json", snapshotID)
}

// ChunkKey returns the blob key of a content-addressed chunk
func ChunkKey(hash string) string {
	return fmt.Sprintf("chunks/%s", hash)
}

// fileIndex maps relative paths to their entries
func fileIndex(entries []FileEntry) map[string]FileEntry {
	index := make(map[string]FileEntry, len(entries))
	for _, e := range entries {
		index[e.Path] = e
	}
	return index
}

// sameVersion reports whether two entries describe an unchanged file.
// Size and mtime match is treated as unchanged so incremental scans can
// skip re-reading file content.
func sameVersion(a, b FileEntry) bool {
	return a.Size == b.Size && a.ModTime.Equal(b.ModTime)
}

// diffManifests compares a freshly scanned file list against the effective
// base state, returning the delta entries, removed paths, and counts
func diffManifests(base map[string]FileEntry, current []FileEntry) (delta []FileEntry, removed []string, summary DiffSummary) {
	seen := make(map[string]bool, len(current))

	for _, entry := range current {
		seen[entry.Path] = true
		prev, ok := base[entry.Path]
		if !ok {
			summary.FilesAdded++
			delta = append(delta, entry)
			continue
		}
		if !sameVersion(prev, entry) {
			summary.FilesChanged++
			delta = append(delta, entry)
		}
	}

	for path := range base {
		if !seen[path] {
			summary.FilesRemoved++
			removed = append(removed, path)
		}
	}
	sort.Strings(removed)

	return delta, removed, summary
}

// mergeChain resolves a full-first descriptor chain into the effective
// state of the newest snapshot: entries are applied latest-wins per path
// and removals delete earlier entries
func mergeChain(chain []*Descriptor) map[string]FileEntry {
	merged := make(map[string]FileEntry)
	for _, desc := range chain {
		for _, entry := range desc.Files {
			merged[entry.Path] = entry
		}
		for _, path := range desc.Removed {
			delete(merged, path)
		}
	}
	return merged
}

// sortedEntries returns map values ordered by path for deterministic output
func sortedEntries(index map[string]FileEntry) []FileEntry {
	entries := make([]FileEntry, 0, len(index))
	for _, e := range index {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries
}

// chunkSet collects the chunk hashes referenced by a set of entries
func chunkSet(entries []FileEntry) map[string]int64 {
	set := make(map[string]int64)
	for _, e := range entries {
		for _, c := range e.Chunks {
			set[c.Hash] = c.Size
		}
	}
	return set
}
