// Package store provides compressed content-addressed blob storage for
// extracted content.
package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/klauspost/compress/zlib"

	extractcache "github.com/wolfeidau/extract-cache"
	"github.com/wolfeidau/extract-cache/backend"
)

// blobPrefix is the prefix for blob storage keys.
const blobPrefix = "blobs"

// ErrNotFound is returned when a blob does not exist.
var ErrNotFound = backend.ErrNotFound

// ErrCorrupt is returned when a stored blob cannot be decompressed intact.
var ErrCorrupt = errors.New("blob corrupt")

// BlobStore holds zlib-compressed extracted content addressed by the
// source file's content hash. Blobs are sharded two directory levels deep
// by hash prefix: blobs/hh/hh/<hash>.z.
type BlobStore struct {
	backend backend.Backend
	level   int
	logger  *slog.Logger
}

// BlobStoreOption configures a BlobStore.
type BlobStoreOption func(*BlobStore)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) BlobStoreOption {
	return func(s *BlobStore) {
		s.logger = logger
	}
}

// NewBlobStore creates a blob store over the given backend, compressing
// at the given deflate level (0..9).
func NewBlobStore(b backend.Backend, level int, opts ...BlobStoreOption) *BlobStore {
	s := &BlobStore{
		backend: b,
		level:   level,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Put compresses and stores content under the given hash. Storing a hash
// that already exists is a no-op.
func (s *BlobStore) Put(ctx context.Context, h extractcache.Hash, content string) error {
	key := hashToKey(h)

	exists, err := s.backend.Exists(ctx, key)
	if err != nil {
		return fmt.Errorf("checking blob %s: %w", h.ShortString(), err)
	}
	if exists {
		return nil
	}

	var buf bytes.Buffer
	zw, err := zlib.NewWriterLevel(&buf, s.level)
	if err != nil {
		return fmt.Errorf("creating compressor: %w", err)
	}
	if _, err := io.WriteString(zw, content); err != nil {
		return fmt.Errorf("compressing blob %s: %w", h.ShortString(), err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("flushing compressor: %w", err)
	}

	if err := s.backend.Write(ctx, key, &buf); err != nil {
		return fmt.Errorf("writing blob %s: %w", h.ShortString(), err)
	}

	s.logger.Debug("stored blob",
		"hash", h.ShortString(),
		"raw_bytes", len(content),
		"compressed_bytes", buf.Len())
	return nil
}

// Get retrieves and decompresses the content stored under the given hash.
// Returns ErrNotFound if the blob does not exist and ErrCorrupt if the
// stored bytes fail decompression (the zlib checksum covers the payload).
func (s *BlobStore) Get(ctx context.Context, h extractcache.Hash) (string, error) {
	rc, err := s.backend.Read(ctx, hashToKey(h))
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("reading blob %s: %w", h.ShortString(), err)
	}
	defer func() { _ = rc.Close() }()

	zr, err := zlib.NewReader(rc)
	if err != nil {
		return "", fmt.Errorf("blob %s: %w: %w", h.ShortString(), ErrCorrupt, err)
	}
	defer func() { _ = zr.Close() }()

	var sb strings.Builder
	if _, err := io.Copy(&sb, zr); err != nil {
		return "", fmt.Errorf("blob %s: %w: %w", h.ShortString(), ErrCorrupt, err)
	}
	return sb.String(), nil
}

// Has checks whether a blob exists for the given hash.
func (s *BlobStore) Has(ctx context.Context, h extractcache.Hash) (bool, error) {
	return s.backend.Exists(ctx, hashToKey(h))
}

// Delete removes the blob for the given hash. Deleting a missing blob is
// not an error.
func (s *BlobStore) Delete(ctx context.Context, h extractcache.Hash) error {
	return s.backend.Delete(ctx, hashToKey(h))
}

// List returns all blob hashes currently on disk. Used by garbage
// collection to find orphans left by crashes between blob write and
// metadata commit.
func (s *BlobStore) List(ctx context.Context) ([]extractcache.Hash, error) {
	keys, err := s.backend.List(ctx, blobPrefix)
	if err != nil {
		return nil, fmt.Errorf("listing blobs: %w", err)
	}

	hashes := make([]extractcache.Hash, 0, len(keys))
	for _, key := range keys {
		h, err := keyToHash(key)
		if err != nil {
			s.logger.Warn("skipping unrecognised blob key", "key", key)
			continue
		}
		hashes = append(hashes, h)
	}
	return hashes, nil
}

// DiskUsage returns the total compressed size of all blobs.
func (s *BlobStore) DiskUsage(ctx context.Context) (int64, error) {
	keys, err := s.backend.List(ctx, blobPrefix)
	if err != nil {
		return 0, fmt.Errorf("listing blobs: %w", err)
	}
	var total int64
	for _, key := range keys {
		n, err := s.backend.Size(ctx, key)
		if err != nil {
			if errors.Is(err, backend.ErrNotFound) {
				continue
			}
			return 0, err
		}
		total += n
	}
	return total, nil
}

// hashToKey converts a hash to a storage key.
// Format: blobs/{hex[0:2]}/{hex[2:4]}/{hex}.z
func hashToKey(h extractcache.Hash) string {
	hex := h.String()
	return fmt.Sprintf("%s/%s/%s/%s.z", blobPrefix, hex[:2], hex[2:4], hex)
}

// keyToHash extracts a hash from a storage key.
func keyToHash(key string) (extractcache.Hash, error) {
	parts := strings.Split(key, "/")
	if len(parts) != 4 || parts[0] != blobPrefix {
		return extractcache.Hash{}, fmt.Errorf("invalid key format: %s", key)
	}
	name, ok := strings.CutSuffix(parts[3], ".z")
	if !ok {
		return extractcache.Hash{}, fmt.Errorf("invalid blob suffix: %s", key)
	}
	return extractcache.ParseHash(name)
}
