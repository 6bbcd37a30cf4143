// Package metadb provides durable metadata storage for cache entries,
// with embedded (sqlite, bbolt) and remote (redis) backends behind one
// contract.
package metadb

import (
	"context"
	"errors"
	"time"

	extractcache "github.com/wolfeidau/extract-cache"
)

// ErrNotFound is returned when an entry does not exist.
var ErrNotFound = errors.New("metadb: not found")

// Totals summarises the store for statistics.
type Totals struct {
	EntryCount int64
	TotalBytes int64
}

// Store is the metadata backend contract. Implementations must be safe
// for concurrent use by multiple coordinator workers within one process.
// Upserts are last-writer-wins per path; replacing an existing path
// preserves its accumulated access count and its creation time.
type Store interface {
	// Init prepares the backend (schema, buckets, connectivity).
	// Idempotent.
	Init(ctx context.Context) error

	// Close releases backend resources.
	Close() error

	// GetByPath returns the entry for a canonical path, or ErrNotFound.
	GetByPath(ctx context.Context, path string) (*extractcache.Entry, error)

	// GetByHash returns all entries whose content hash matches, ordered
	// by path.
	GetByHash(ctx context.Context, hash extractcache.Hash) ([]*extractcache.Entry, error)

	// Put upserts an entry by path.
	Put(ctx context.Context, entry *extractcache.Entry) error

	// DeleteByPath removes the entry for a path, reporting whether one
	// existed.
	DeleteByPath(ctx context.Context, path string) (bool, error)

	// Touch updates only the access metadata for a path. Touching a
	// missing path is a no-op.
	Touch(ctx context.Context, path string, lastAccessed time.Time, accessCount int64) error

	// IterOlderThan streams entries whose last access is strictly before
	// cutoff. Iteration stops on the first fn error, which is returned.
	IterOlderThan(ctx context.Context, cutoff time.Time, fn func(*extractcache.Entry) error) error

	// CountByHash returns the number of entries per content hash.
	CountByHash(ctx context.Context) (map[string]int, error)

	// Totals returns the entry count and the summed source file sizes.
	Totals(ctx context.Context) (Totals, error)
}
