// Package blob provides a uniform key-value store over S3-family backends.
// Snapshot chunks and descriptors are the only payloads; keys are flat
// strings with / separators.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
)

// ErrNotFound is returned by Get when the key does not exist
var ErrNotFound = errors.New("blob not found")

// Store is the uniform interface over blob backends
type Store interface {
	// Put writes data under key, overwriting any existing value
	Put(ctx context.Context, key string, data []byte, contentType string) error

	// Get returns the full value stored under key, or ErrNotFound
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns all keys with the given prefix
	List(ctx context.Context, prefix string) ([]string, error)

	// Exists reports whether key is present
	Exists(ctx context.Context, key string) (bool, error)
}

// StorageError wraps a backend failure with operation context
type StorageError struct {
	Backend string
	Op      string
	Key     string
	Err     error
}

func (e *StorageError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("%s %s: %v", e.Backend, e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s %q: %v", e.Backend, e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether an error is worth retrying: HTTP 429,
// HTTP 5xx, or a network-level failure. Anything else surfaces
// immediately.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotFound) {
		return false
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		code := respErr.HTTPStatusCode()
		return code == 429 || code >= 500
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	return false
}
