package metadb

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/zeebo/blake3"

	extractcache "github.com/wolfeidau/extract-cache"
)

// RedisStore implements Store on a remote key-value server so that
// multiple cache processes can share extraction results.
//
// Layout under the configured prefix:
//
//	<prefix>:entry:<path_digest>  hash of entry fields
//	<prefix>:hash:<content_hash>  set of paths sharing the content hash
//	<prefix>:access               sorted set of paths by last access
//	<prefix>:stats                entry_count / total_bytes counters
//
// Multi-key updates run as single server-side scripts, so invariants are
// per-key atomic even with several writer processes.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	logger *slog.Logger
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithRedisLogger sets the logger for the store.
func WithRedisLogger(logger *slog.Logger) RedisOption {
	return func(r *RedisStore) {
		r.logger = logger
	}
}

// WithRedisPrefix sets the key namespace (default "cache").
func WithRedisPrefix(prefix string) RedisOption {
	return func(r *RedisStore) {
		r.prefix = prefix
	}
}

// NewRedisStore creates a redis-backed metadata store using the provided
// client. The store does not own the client lifecycle beyond Close.
func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	r := &RedisStore{
		client: client,
		prefix: "cache",
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var putScript = redis.NewScript(`
local entry = KEYS[1]
local access = KEYS[2]
local stats = KEYS[3]
local prefix = ARGV[1]
local path = ARGV[2]
local newhash = ARGV[3]
local accesscount = ARGV[10]
local created = ARGV[12]

local oldhash = redis.call('HGET', entry, 'content_hash')
if oldhash then
  local oldset = prefix .. ':hash:' .. oldhash
  redis.call('SREM', oldset, path)
  if redis.call('SCARD', oldset) == 0 then
    redis.call('DEL', oldset)
  end
  local oldsize = redis.call('HGET', entry, 'file_size')
  redis.call('HINCRBY', stats, 'total_bytes', -tonumber(oldsize))
  accesscount = redis.call('HGET', entry, 'access_count')
  created = redis.call('HGET', entry, 'created_at')
else
  redis.call('HINCRBY', stats, 'entry_count', 1)
end

redis.call('DEL', entry)
redis.call('HSET', entry,
  'path', path,
  'content_hash', newhash,
  'mtime_ns', ARGV[4],
  'file_size', ARGV[5],
  'extracted_at', ARGV[8],
  'access_count', accesscount,
  'last_accessed', ARGV[11],
  'created_at', created)
if ARGV[7] == '1' then
  redis.call('HSET', entry, 'content', ARGV[6])
end
if ARGV[9] ~= '' then
  redis.call('HSET', entry, 'blob_ref', ARGV[9])
end

redis.call('SADD', prefix .. ':hash:' .. newhash, path)
redis.call('HINCRBY', stats, 'total_bytes', tonumber(ARGV[5]))
redis.call('ZADD', access, ARGV[13], path)
return 1
`)

var deleteScript = redis.NewScript(`
local entry = KEYS[1]
local access = KEYS[2]
local stats = KEYS[3]
local prefix = ARGV[1]

local oldhash = redis.call('HGET', entry, 'content_hash')
if not oldhash then
  return 0
end
local path = redis.call('HGET', entry, 'path')
local oldsize = redis.call('HGET', entry, 'file_size')
redis.call('DEL', entry)

local oldset = prefix .. ':hash:' .. oldhash
redis.call('SREM', oldset, path)
if redis.call('SCARD', oldset) == 0 then
  redis.call('DEL', oldset)
end
redis.call('ZREM', access, path)
redis.call('HINCRBY', stats, 'entry_count', -1)
redis.call('HINCRBY', stats, 'total_bytes', -tonumber(oldsize))
return 1
`)

var touchScript = redis.NewScript(`
local entry = KEYS[1]
local access = KEYS[2]

if redis.call('EXISTS', entry) == 0 then
  return 0
end
local path = redis.call('HGET', entry, 'path')
redis.call('HSET', entry, 'last_accessed', ARGV[1], 'access_count', ARGV[2])
redis.call('ZADD', access, ARGV[3], path)
return 1
`)

// Init verifies connectivity and seeds the stats counters.
func (r *RedisStore) Init(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("pinging redis: %w", err)
	}
	pipe := r.client.Pipeline()
	pipe.HSetNX(ctx, r.statsKey(), "entry_count", 0)
	pipe.HSetNX(ctx, r.statsKey(), "total_bytes", 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("seeding stats: %w", err)
	}
	return nil
}

// Close closes the underlying client.
func (r *RedisStore) Close() error {
	return r.client.Close()
}

// GetByPath returns the entry for a path.
func (r *RedisStore) GetByPath(ctx context.Context, path string) (*extractcache.Entry, error) {
	fields, err := r.client.HGetAll(ctx, r.entryKey(path)).Result()
	if err != nil {
		return nil, fmt.Errorf("reading entry for %s: %w", path, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return entryFromFields(fields)
}

// GetByHash returns all entries with the given content hash, ordered by
// path.
func (r *RedisStore) GetByHash(ctx context.Context, hash extractcache.Hash) ([]*extractcache.Entry, error) {
	paths, err := r.client.SMembers(ctx, r.hashSetKey(hash.String())).Result()
	if err != nil {
		return nil, fmt.Errorf("reading hash set: %w", err)
	}
	if len(paths) == 0 {
		return nil, nil
	}
	sort.Strings(paths)

	pipe := r.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(paths))
	for i, p := range paths {
		cmds[i] = pipe.HGetAll(ctx, r.entryKey(p))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("reading entries by hash: %w", err)
	}

	entries := make([]*extractcache.Entry, 0, len(paths))
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue // set member ahead of entry delete; skip
		}
		entry, err := entryFromFields(fields)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Put upserts an entry by path in one scripted transaction. An existing
// path keeps its accumulated access count.
func (r *RedisStore) Put(ctx context.Context, entry *extractcache.Entry) error {
	hasContent := "0"
	if entry.Inline() {
		hasContent = "1"
	}
	blobRef := ""
	if entry.BlobRef != nil {
		blobRef = entry.BlobRef.String()
	}

	keys := []string{r.entryKey(entry.Path), r.accessKey(), r.statsKey()}
	args := []any{
		r.prefix,
		entry.Path,
		entry.ContentHash.String(),
		strconv.FormatInt(entry.MTime.UnixNano(), 10),
		strconv.FormatInt(entry.FileSize, 10),
		entry.Content,
		hasContent,
		strconv.FormatInt(entry.ExtractedAt.UnixNano(), 10),
		blobRef,
		strconv.FormatInt(entry.AccessCount, 10),
		strconv.FormatInt(entry.LastAccessed.UnixNano(), 10),
		strconv.FormatInt(entry.CreatedAt.UnixNano(), 10),
		strconv.FormatFloat(accessScore(entry.LastAccessed), 'f', -1, 64),
	}
	if err := putScript.Run(ctx, r.client, keys, args...).Err(); err != nil {
		return fmt.Errorf("putting entry for %s: %w", entry.Path, err)
	}
	return nil
}

// DeleteByPath removes the entry for a path in one scripted transaction.
func (r *RedisStore) DeleteByPath(ctx context.Context, path string) (bool, error) {
	keys := []string{r.entryKey(path), r.accessKey(), r.statsKey()}
	n, err := deleteScript.Run(ctx, r.client, keys, r.prefix).Int()
	if err != nil {
		return false, fmt.Errorf("deleting entry for %s: %w", path, err)
	}
	return n == 1, nil
}

// Touch updates only access metadata for a path.
func (r *RedisStore) Touch(ctx context.Context, path string, lastAccessed time.Time, accessCount int64) error {
	keys := []string{r.entryKey(path), r.accessKey()}
	args := []any{
		strconv.FormatInt(lastAccessed.UnixNano(), 10),
		strconv.FormatInt(accessCount, 10),
		strconv.FormatFloat(accessScore(lastAccessed), 'f', -1, 64),
	}
	if err := touchScript.Run(ctx, r.client, keys, args...).Err(); err != nil {
		return fmt.Errorf("touching entry for %s: %w", path, err)
	}
	return nil
}

// IterOlderThan streams entries last accessed strictly before cutoff in
// access order.
func (r *RedisStore) IterOlderThan(ctx context.Context, cutoff time.Time, fn func(*extractcache.Entry) error) error {
	paths, err := r.client.ZRangeByScore(ctx, r.accessKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatFloat(accessScore(cutoff), 'f', -1, 64),
	}).Result()
	if err != nil {
		return fmt.Errorf("reading access index: %w", err)
	}

	for _, p := range paths {
		fields, err := r.client.HGetAll(ctx, r.entryKey(p)).Result()
		if err != nil {
			return fmt.Errorf("reading entry for %s: %w", p, err)
		}
		if len(fields) == 0 {
			continue
		}
		entry, err := entryFromFields(fields)
		if err != nil {
			return err
		}
		if err := fn(entry); err != nil {
			return err
		}
	}
	return nil
}

// CountByHash returns the number of entries per content hash by scanning
// the hash sets.
func (r *RedisStore) CountByHash(ctx context.Context) (map[string]int, error) {
	counts := make(map[string]int)
	match := r.prefix + ":hash:*"
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, match, 256).Result()
		if err != nil {
			return nil, fmt.Errorf("scanning hash sets: %w", err)
		}
		for _, key := range keys {
			n, err := r.client.SCard(ctx, key).Result()
			if err != nil {
				return nil, fmt.Errorf("sizing hash set %s: %w", key, err)
			}
			counts[key[len(r.prefix)+len(":hash:"):]] = int(n)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return counts, nil
}

// Totals returns the entry count and summed source file sizes.
func (r *RedisStore) Totals(ctx context.Context) (Totals, error) {
	fields, err := r.client.HGetAll(ctx, r.statsKey()).Result()
	if err != nil {
		return Totals{}, fmt.Errorf("reading stats: %w", err)
	}
	var totals Totals
	if v, ok := fields["entry_count"]; ok {
		totals.EntryCount, _ = strconv.ParseInt(v, 10, 64)
	}
	if v, ok := fields["total_bytes"]; ok {
		totals.TotalBytes, _ = strconv.ParseInt(v, 10, 64)
	}
	return totals, nil
}

func (r *RedisStore) entryKey(path string) string {
	digest := blake3.Sum256([]byte(path))
	return r.prefix + ":entry:" + hex.EncodeToString(digest[:16])
}

func (r *RedisStore) hashSetKey(hashHex string) string {
	return r.prefix + ":hash:" + hashHex
}

func (r *RedisStore) accessKey() string {
	return r.prefix + ":access"
}

func (r *RedisStore) statsKey() string {
	return r.prefix + ":stats"
}

// accessScore renders a timestamp as a sorted-set score. Float64 keeps
// roughly microsecond precision at current epochs, which is enough for
// access ordering.
func accessScore(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func entryFromFields(fields map[string]string) (*extractcache.Entry, error) {
	entry := &extractcache.Entry{
		Path:    fields["path"],
		Content: fields["content"],
	}

	hash, err := extractcache.ParseHash(fields["content_hash"])
	if err != nil {
		return nil, fmt.Errorf("stored content hash: %w", err)
	}
	entry.ContentHash = hash

	for _, f := range []struct {
		name string
		dst  *time.Time
	}{
		{"mtime_ns", &entry.MTime},
		{"extracted_at", &entry.ExtractedAt},
		{"last_accessed", &entry.LastAccessed},
		{"created_at", &entry.CreatedAt},
	} {
		ns, err := strconv.ParseInt(fields[f.name], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("stored %s: %w", f.name, err)
		}
		*f.dst = time.Unix(0, ns)
	}

	entry.FileSize, err = strconv.ParseInt(fields["file_size"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("stored file_size: %w", err)
	}
	entry.AccessCount, err = strconv.ParseInt(fields["access_count"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("stored access_count: %w", err)
	}

	if ref, ok := fields["blob_ref"]; ok && ref != "" {
		parsed, err := extractcache.ParseBlobRef(ref)
		if err != nil {
			return nil, fmt.Errorf("stored blob_ref: %w", err)
		}
		entry.BlobRef = &parsed
	}
	return entry, nil
}

var _ Store = (*RedisStore)(nil)
