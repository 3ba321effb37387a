package snapshot

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
	"time"
)

// memFile is one file held by the in-memory workspace fake
type memFile struct {
	data    []byte
	mode    uint32
	modTime time.Time
}

// memWorkspace is an in-memory Workspace. Tests inspect its file map
// and per-path open counts to verify what the engine read and wrote.
type memWorkspace struct {
	mu      sync.Mutex
	root    string
	files   map[string]*memFile
	opens   map[string]int
	availGB float64

	countFilesFn func(path string) (int, error)
}

func newMemWorkspace(root string) *memWorkspace {
	return &memWorkspace{
		root:    root,
		files:   make(map[string]*memFile),
		opens:   make(map[string]int),
		availGB: 500,
	}
}

func (w *memWorkspace) seed(rel, content string, modTime time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.files[path.Join(w.root, rel)] = &memFile{
		data:    []byte(content),
		mode:    0644,
		modTime: modTime,
	}
}

func (w *memWorkspace) remove(rel string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.files, path.Join(w.root, rel))
}

func (w *memWorkspace) content(rel string) (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	f, ok := w.files[path.Join(w.root, rel)]
	if !ok {
		return "", false
	}
	return string(f.data), true
}

func (w *memWorkspace) openCount(rel string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.opens[path.Join(w.root, rel)]
}

func (w *memWorkspace) paths() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []string
	for p := range w.files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (w *memWorkspace) Root() string { return w.root }

func (w *memWorkspace) Scan(ctx context.Context) ([]FileEntry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	prefix := w.root + "/"
	var entries []FileEntry
	for p, f := range w.files {
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		entries = append(entries, FileEntry{
			Path:    strings.TrimPrefix(p, prefix),
			Size:    int64(len(f.data)),
			Mode:    f.mode,
			ModTime: f.modTime,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

func (w *memWorkspace) Open(p string) (io.ReadCloser, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	f, ok := w.files[p]
	if !ok {
		return nil, fmt.Errorf("open %s: file does not exist", p)
	}
	w.opens[p]++
	return io.NopCloser(bytes.NewReader(f.data)), nil
}

// memWriter buffers writes and commits the file on Close
type memWriter struct {
	ws   *memWorkspace
	path string
	buf  bytes.Buffer
}

func (m *memWriter) Write(p []byte) (int, error) { return m.buf.Write(p) }

func (m *memWriter) Close() error {
	m.ws.mu.Lock()
	defer m.ws.mu.Unlock()
	m.ws.files[m.path] = &memFile{
		data: append([]byte(nil), m.buf.Bytes()...),
		mode: 0644,
	}
	return nil
}

func (w *memWorkspace) Create(p string) (io.WriteCloser, error) {
	return &memWriter{ws: w, path: p}, nil
}

func (w *memWorkspace) MkdirAll(string) error { return nil }

func (w *memWorkspace) Chmod(p string, mode uint32) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	f, ok := w.files[p]
	if !ok {
		return fmt.Errorf("chmod %s: file does not exist", p)
	}
	f.mode = mode
	return nil
}

func (w *memWorkspace) Chtimes(p string, mtime time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	f, ok := w.files[p]
	if !ok {
		return fmt.Errorf("chtimes %s: file does not exist", p)
	}
	f.modTime = mtime
	return nil
}

func (w *memWorkspace) AvailableGB(ctx context.Context) (float64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.availGB, nil
}

func (w *memWorkspace) RemoveAll(ctx context.Context, p string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for fp := range w.files {
		if fp == p || strings.HasPrefix(fp, p+"/") {
			delete(w.files, fp)
		}
	}
	return nil
}

func (w *memWorkspace) SwapInto(ctx context.Context, staged string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for fp := range w.files {
		if strings.HasPrefix(fp, w.root+"/") {
			delete(w.files, fp)
		}
	}
	moved := make(map[string]*memFile)
	for fp, f := range w.files {
		if strings.HasPrefix(fp, staged+"/") {
			moved[path.Join(w.root, strings.TrimPrefix(fp, staged+"/"))] = f
			delete(w.files, fp)
		}
	}
	for fp, f := range moved {
		w.files[fp] = f
	}
	return nil
}

func (w *memWorkspace) CountFiles(ctx context.Context, p string) (int, error) {
	if w.countFilesFn != nil {
		return w.countFilesFn(p)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for fp := range w.files {
		if strings.HasPrefix(fp, p+"/") {
			n++
		}
	}
	return n, nil
}

func (w *memWorkspace) Close() error { return nil }
