package metadb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"

	extractcache "github.com/wolfeidau/extract-cache"
)

// Bucket names for bbolt storage.
var (
	bucketEntries      = []byte("entries")           // path -> Entry JSON
	bucketByHash       = []byte("entries_by_hash")   // hash+path -> nil
	bucketByAccess     = []byte("entries_by_access") // timestamp+path -> path
	bucketAccessByPath = []byte("access_by_path")    // path -> 8-byte timestamp (reverse index for O(1) delete)
)

// BoltStore implements Store using bbolt: a single-file embedded backend
// with no SQL surface.
type BoltStore struct {
	path   string
	db     *bbolt.DB
	logger *slog.Logger
	noSync bool
}

// BoltOption configures a BoltStore.
type BoltOption func(*BoltStore)

// WithBoltLogger sets the logger for the store.
func WithBoltLogger(logger *slog.Logger) BoltOption {
	return func(b *BoltStore) {
		b.logger = logger
	}
}

// WithBoltNoSync disables fsync per transaction.
// WARNING: risks data loss on crash; for tests and benchmarks only.
func WithBoltNoSync(noSync bool) BoltOption {
	return func(b *BoltStore) {
		b.noSync = noSync
	}
}

// NewBoltStore creates a bbolt-backed metadata store at the given file
// path. The database is opened by Init.
func NewBoltStore(path string, opts ...BoltOption) *BoltStore {
	b := &BoltStore{
		path:   path,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Init opens the database and creates buckets.
func (b *BoltStore) Init(_ context.Context) error {
	if b.db != nil {
		return nil
	}
	db, err := bbolt.Open(b.path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  b.noSync,
	})
	if err != nil {
		return fmt.Errorf("opening metadata db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketEntries, bucketByHash, bucketByAccess, bucketAccessByPath} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return err
	}

	b.db = db
	b.logger.Debug("opened bolt metadata store", "path", b.path)
	return nil
}

// Close closes the database.
func (b *BoltStore) Close() error {
	if b.db == nil {
		return nil
	}
	db := b.db
	b.db = nil
	return db.Close()
}

// GetByPath returns the entry for a path.
func (b *BoltStore) GetByPath(_ context.Context, path string) (*extractcache.Entry, error) {
	var entry *extractcache.Entry
	err := b.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketEntries).Get([]byte(path))
		if val == nil {
			return ErrNotFound
		}
		e := new(extractcache.Entry)
		if err := json.Unmarshal(val, e); err != nil {
			return fmt.Errorf("decoding entry for %s: %w", path, err)
		}
		entry = e
		return nil
	})
	return entry, err
}

// GetByHash returns all entries with the given content hash, ordered by
// path (the index key order).
func (b *BoltStore) GetByHash(_ context.Context, hash extractcache.Hash) ([]*extractcache.Entry, error) {
	var entries []*extractcache.Entry
	prefix := append([]byte(hash.String()), 0)

	err := b.db.View(func(tx *bbolt.Tx) error {
		entriesBucket := tx.Bucket(bucketEntries)
		cursor := tx.Bucket(bucketByHash).Cursor()
		for k, _ := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = cursor.Next() {
			_, path := parseHashIndexKey(k)
			val := entriesBucket.Get([]byte(path))
			if val == nil {
				continue // index ahead of entry delete; skip
			}
			e := new(extractcache.Entry)
			if err := json.Unmarshal(val, e); err != nil {
				return fmt.Errorf("decoding entry for %s: %w", path, err)
			}
			entries = append(entries, e)
		}
		return nil
	})
	return entries, err
}

// Put upserts an entry by path, keeping the hash and access-time indexes
// consistent in the same transaction. An existing path keeps its
// accumulated access count.
func (b *BoltStore) Put(_ context.Context, entry *extractcache.Entry) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		entriesBucket := tx.Bucket(bucketEntries)
		pathKey := []byte(entry.Path)

		stored := entry.Clone()
		if old := entriesBucket.Get(pathKey); old != nil {
			prev := new(extractcache.Entry)
			if err := json.Unmarshal(old, prev); err == nil {
				stored.AccessCount = prev.AccessCount
				stored.CreatedAt = prev.CreatedAt
				if err := b.removeIndexes(tx, prev); err != nil {
					return err
				}
			}
		}

		data, err := json.Marshal(stored)
		if err != nil {
			return fmt.Errorf("encoding entry for %s: %w", stored.Path, err)
		}
		if err := entriesBucket.Put(pathKey, data); err != nil {
			return fmt.Errorf("putting entry: %w", err)
		}
		return b.writeIndexes(tx, stored)
	})
}

// DeleteByPath removes an entry and its index keys.
func (b *BoltStore) DeleteByPath(_ context.Context, path string) (bool, error) {
	var existed bool
	err := b.db.Update(func(tx *bbolt.Tx) error {
		entriesBucket := tx.Bucket(bucketEntries)
		pathKey := []byte(path)

		val := entriesBucket.Get(pathKey)
		if val == nil {
			return nil
		}
		existed = true

		prev := new(extractcache.Entry)
		if err := json.Unmarshal(val, prev); err == nil {
			if err := b.removeIndexes(tx, prev); err != nil {
				return err
			}
		}
		return entriesBucket.Delete(pathKey)
	})
	return existed, err
}

// Touch updates access metadata and the access-time index for a path.
func (b *BoltStore) Touch(_ context.Context, path string, lastAccessed time.Time, accessCount int64) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		entriesBucket := tx.Bucket(bucketEntries)
		pathKey := []byte(path)

		val := entriesBucket.Get(pathKey)
		if val == nil {
			return nil
		}
		entry := new(extractcache.Entry)
		if err := json.Unmarshal(val, entry); err != nil {
			return fmt.Errorf("decoding entry for %s: %w", path, err)
		}

		if err := b.removeAccessIndex(tx, entry); err != nil {
			return err
		}
		entry.LastAccessed = lastAccessed
		entry.AccessCount = accessCount

		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("encoding entry for %s: %w", path, err)
		}
		if err := entriesBucket.Put(pathKey, data); err != nil {
			return fmt.Errorf("putting entry: %w", err)
		}
		return b.writeAccessIndex(tx, entry)
	})
}

// IterOlderThan streams entries last accessed strictly before cutoff in
// access order. Entries are collected under a read transaction first so
// that fn may mutate the store.
func (b *BoltStore) IterOlderThan(_ context.Context, cutoff time.Time, fn func(*extractcache.Entry) error) error {
	var entries []*extractcache.Entry
	limit := encodeTimestamp(cutoff)

	err := b.db.View(func(tx *bbolt.Tx) error {
		entriesBucket := tx.Bucket(bucketEntries)
		cursor := tx.Bucket(bucketByAccess).Cursor()
		for k, v := cursor.First(); k != nil && bytes.Compare(k[:8], limit) < 0; k, v = cursor.Next() {
			val := entriesBucket.Get(v)
			if val == nil {
				continue
			}
			e := new(extractcache.Entry)
			if err := json.Unmarshal(val, e); err != nil {
				return fmt.Errorf("decoding entry for %s: %w", v, err)
			}
			entries = append(entries, e)
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, e := range entries {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

// CountByHash returns the number of entries per content hash.
func (b *BoltStore) CountByHash(_ context.Context) (map[string]int, error) {
	counts := make(map[string]int)
	err := b.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(bucketByHash).Cursor()
		for k, _ := cursor.First(); k != nil; k, _ = cursor.Next() {
			hashHex, _ := parseHashIndexKey(k)
			counts[hashHex]++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}

// Totals returns the entry count and summed source file sizes.
func (b *BoltStore) Totals(_ context.Context) (Totals, error) {
	var totals Totals
	err := b.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(bucketEntries).Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			e := new(extractcache.Entry)
			if err := json.Unmarshal(v, e); err != nil {
				return fmt.Errorf("decoding entry for %s: %w", k, err)
			}
			totals.EntryCount++
			totals.TotalBytes += e.FileSize
		}
		return nil
	})
	return totals, err
}

func (b *BoltStore) writeIndexes(tx *bbolt.Tx, entry *extractcache.Entry) error {
	hashKey := makeHashIndexKey(entry.ContentHash.String(), entry.Path)
	if err := tx.Bucket(bucketByHash).Put(hashKey, nil); err != nil {
		return fmt.Errorf("putting hash index: %w", err)
	}
	return b.writeAccessIndex(tx, entry)
}

func (b *BoltStore) writeAccessIndex(tx *bbolt.Tx, entry *extractcache.Entry) error {
	accessKey := makeAccessKey(entry.LastAccessed, entry.Path)
	if err := tx.Bucket(bucketByAccess).Put(accessKey, []byte(entry.Path)); err != nil {
		return fmt.Errorf("putting access index: %w", err)
	}
	if err := tx.Bucket(bucketAccessByPath).Put([]byte(entry.Path), encodeTimestamp(entry.LastAccessed)); err != nil {
		return fmt.Errorf("putting access reverse index: %w", err)
	}
	return nil
}

func (b *BoltStore) removeIndexes(tx *bbolt.Tx, entry *extractcache.Entry) error {
	hashKey := makeHashIndexKey(entry.ContentHash.String(), entry.Path)
	if err := tx.Bucket(bucketByHash).Delete(hashKey); err != nil {
		return fmt.Errorf("deleting hash index: %w", err)
	}
	return b.removeAccessIndex(tx, entry)
}

// removeAccessIndex deletes the forward access key via the reverse index
// so no cursor scan is needed.
func (b *BoltStore) removeAccessIndex(tx *bbolt.Tx, entry *extractcache.Entry) error {
	reverse := tx.Bucket(bucketAccessByPath)
	pathKey := []byte(entry.Path)

	tsBytes := reverse.Get(pathKey)
	if tsBytes == nil {
		return nil
	}
	accessKey := makeAccessKey(decodeTimestamp(tsBytes), entry.Path)
	if err := tx.Bucket(bucketByAccess).Delete(accessKey); err != nil {
		return fmt.Errorf("deleting access index: %w", err)
	}
	if err := reverse.Delete(pathKey); err != nil {
		return fmt.Errorf("deleting access reverse index: %w", err)
	}
	return nil
}

var _ Store = (*BoltStore)(nil)
