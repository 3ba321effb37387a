package snapshot

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/pkg/sftp"

	sshexec "github.com/gpufleet/gpufleet/internal/ssh"
)

// Credentials holds what is needed to reach an instance's workspace
type Credentials struct {
	Host       string
	Port       int
	User       string
	PrivateKey string
}

// Validate checks that all credential fields are present
func (c Credentials) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.User == "" {
		return fmt.Errorf("user is required")
	}
	if c.PrivateKey == "" {
		return fmt.Errorf("private key is required")
	}
	return nil
}

// Workspace is a remote directory tree that snapshots are captured from
// and restored into. Scan returns root-relative paths; every other method
// takes absolute remote paths.
type Workspace interface {
	Root() string
	Scan(ctx context.Context) ([]FileEntry, error)
	// AvailableGB reports free space on the mount holding the workspace
	AvailableGB(ctx context.Context) (float64, error)
	Open(path string) (io.ReadCloser, error)
	Create(path string) (io.WriteCloser, error)
	MkdirAll(path string) error
	Chmod(path string, mode uint32) error
	Chtimes(path string, mtime time.Time) error
	RemoveAll(ctx context.Context, path string) error
	// SwapInto replaces the workspace root with the staged directory,
	// removing the staged path and any prior contents on success.
	SwapInto(ctx context.Context, staged string) error
	CountFiles(ctx context.Context, path string) (int, error)
	Close() error
}

// DialFunc opens a Workspace on a remote instance. The engine takes one
// of these so tests can substitute an in-memory workspace.
type DialFunc func(ctx context.Context, creds Credentials, root string) (Workspace, error)

// RemoteWorkspace is an sftp-backed Workspace. File content moves over
// sftp; directory swaps and file counts run as shell commands on the
// same connection.
type RemoteWorkspace struct {
	exec *sshexec.Executor
	conn *sshexec.Connection
	sftp *sftp.Client
	root string
}

// DialWorkspace connects to an instance and opens its workspace directory
func DialWorkspace(ctx context.Context, creds Credentials, root string) (Workspace, error) {
	if err := creds.Validate(); err != nil {
		return nil, fmt.Errorf("invalid credentials: %w", err)
	}
	if root == "" || root == "/" {
		return nil, fmt.Errorf("invalid workspace root: %q", root)
	}

	exec := sshexec.NewExecutor()
	conn, err := exec.Connect(ctx, creds.Host, creds.Port, creds.User, creds.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s:%d: %w", creds.Host, creds.Port, err)
	}

	client, err := sftp.NewClient(conn.Client())
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening sftp session: %w", err)
	}

	return &RemoteWorkspace{
		exec: exec,
		conn: conn,
		sftp: client,
		root: strings.TrimSuffix(root, "/"),
	}, nil
}

func (w *RemoteWorkspace) Root() string {
	return w.root
}

// Scan walks the workspace and lists every regular file. Entries carry
// no chunk references; the engine fills those in during capture.
func (w *RemoteWorkspace) Scan(ctx context.Context) ([]FileEntry, error) {
	var entries []FileEntry

	walker := w.sftp.Walk(w.root)
	for walker.Step() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := walker.Err(); err != nil {
			return nil, fmt.Errorf("walking %s: %w", walker.Path(), err)
		}
		info := walker.Stat()
		if info == nil || !info.Mode().IsRegular() {
			continue
		}
		rel := strings.TrimPrefix(walker.Path(), w.root)
		rel = strings.TrimPrefix(rel, "/")
		if rel == "" {
			continue
		}
		entries = append(entries, FileEntry{
			Path:    rel,
			Size:    info.Size(),
			Mode:    uint32(info.Mode().Perm()),
			ModTime: info.ModTime(),
		})
	}

	return entries, nil
}

func (w *RemoteWorkspace) Open(p string) (io.ReadCloser, error) {
	f, err := w.sftp.Open(p)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", p, err)
	}
	return f, nil
}

func (w *RemoteWorkspace) Create(p string) (io.WriteCloser, error) {
	if err := w.sftp.MkdirAll(path.Dir(p)); err != nil {
		return nil, fmt.Errorf("creating directory for %s: %w", p, err)
	}
	f, err := w.sftp.Create(p)
	if err != nil {
		return nil, fmt.Errorf("creating %s: %w", p, err)
	}
	return f, nil
}

func (w *RemoteWorkspace) MkdirAll(p string) error {
	return w.sftp.MkdirAll(p)
}

func (w *RemoteWorkspace) Chmod(p string, mode uint32) error {
	return w.sftp.Chmod(p, os.FileMode(mode))
}

func (w *RemoteWorkspace) Chtimes(p string, mtime time.Time) error {
	return w.sftp.Chtimes(p, mtime, mtime)
}

// RemoveAll shells out to rm -rf: sftp removes a tree one entry at a
// time, which crawls on a big staging directory.
func (w *RemoteWorkspace) RemoveAll(ctx context.Context, p string) error {
	if p == "" || p == "/" {
		return fmt.Errorf("refusing to remove %q", p)
	}
	return w.exec.RemoveDir(ctx, w.conn, p)
}

func (w *RemoteWorkspace) AvailableGB(ctx context.Context) (float64, error) {
	status, err := w.exec.GetDiskStatus(ctx, w.conn)
	if err != nil {
		return 0, err
	}
	return status.AvailableGBAt(w.root), nil
}

func (w *RemoteWorkspace) SwapInto(ctx context.Context, staged string) error {
	return w.exec.SwapDir(ctx, w.conn, staged, w.root)
}

func (w *RemoteWorkspace) CountFiles(ctx context.Context, p string) (int, error) {
	return w.exec.CountFiles(ctx, w.conn, p)
}

func (w *RemoteWorkspace) Close() error {
	if w.sftp != nil {
		w.sftp.Close()
	}
	if w.conn != nil {
		return w.conn.Close()
	}
	return nil
}
