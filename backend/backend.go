// Package backend provides the key-value storage abstraction under the
// blob store.
package backend

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when a key does not exist in the backend.
var ErrNotFound = errors.New("not found")

// Backend defines the interface for blob storage backends.
// Implementations must be safe for concurrent use, and writes must be
// atomic: a reader never observes a partially written key.
type Backend interface {
	// Write stores data at the given key, overwriting any existing value.
	Write(ctx context.Context, key string, r io.Reader) error

	// Read retrieves data at the given key.
	// Returns ErrNotFound if the key does not exist.
	// The caller must close the returned ReadCloser.
	Read(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes data at the given key.
	// Returns nil if the key does not exist (idempotent).
	Delete(ctx context.Context, key string) error

	// Exists checks if a key exists.
	Exists(ctx context.Context, key string) (bool, error)

	// Size returns the stored size in bytes of the data at the given key.
	// Returns ErrNotFound if the key does not exist.
	Size(ctx context.Context, key string) (int64, error)

	// List returns all keys with the given prefix, using "/" as the path
	// separator.
	List(ctx context.Context, prefix string) ([]string, error)
}
