package cache

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	extractcache "github.com/wolfeidau/extract-cache"
	"github.com/wolfeidau/extract-cache/backend"
	"github.com/wolfeidau/extract-cache/store"
	"github.com/wolfeidau/extract-cache/store/metadb"
	"github.com/wolfeidau/extract-cache/telemetry"
)

// Processor extracts content from the file at path. It is supplied by the
// caller, may run for a long time, and is only invoked on cache misses.
// Its identity is not part of the cache key: two callers passing different
// processors for the same path observe the same cached content.
type Processor func(ctx context.Context, path string) (string, error)

// touchTimeout bounds the background metadata touch fired on cache hits.
const touchTimeout = 5 * time.Second

// Cache coordinates the memory tier, metadata store, and blob store.
// It guarantees at most one in-flight processor invocation per canonical
// path and writes persistent state before memory state, so crashes
// between tiers are recovered on the next request or sweep.
type Cache struct {
	cfg       extractcache.Config
	validator *pathValidator
	filter    *negativeFilter
	mem       *memoryTier
	locks     *keyedLocks
	meta      metadb.Store
	blobs     *store.BlobStore
	integrity integrityChecker
	metrics   *telemetry.Metrics
	logger    *slog.Logger
	now       func() time.Time

	initMu      sync.Mutex
	initialized bool
	closed      bool

	// touches tracks in-flight background touches so Close can wait for
	// them before closing the metadata store.
	touches sync.WaitGroup
}

// Option configures a Cache.
type Option func(*Cache)

// WithMetadataStore overrides the default embedded metadata backend.
func WithMetadataStore(st metadb.Store) Option {
	return func(c *Cache) {
		c.meta = st
	}
}

// WithLogger sets the logger for the cache.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithNow sets the time source for testing.
func WithNow(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// New creates a cache from the given configuration. No I/O happens until
// Initialize (called automatically on first use).
func New(cfg extractcache.Config, opts ...Option) (*Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	validator, err := newPathValidator(cfg.AllowedPaths)
	if err != nil {
		return nil, err
	}

	metrics, err := telemetry.New()
	if err != nil {
		return nil, extractcache.Errorf(extractcache.KindConfigInvalid, "creating metrics: %w", err)
	}

	c := &Cache{
		cfg:       cfg,
		validator: validator,
		filter:    newNegativeFilter(cfg.FilterCapacity),
		mem:       newMemoryTier(cfg.MemoryBudgetBytes),
		locks:     newKeyedLocks(),
		integrity: integrityChecker{verifyHash: cfg.VerifyHash},
		metrics:   metrics,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Initialize opens the metadata store and blob store. Idempotent.
func (c *Cache) Initialize(ctx context.Context) error {
	c.initMu.Lock()
	defer c.initMu.Unlock()

	if c.initialized {
		return nil
	}

	if err := os.MkdirAll(c.cfg.CacheDir, 0o755); err != nil {
		return extractcache.Errorf(extractcache.KindStorageFailure, "creating cache dir: %w", err)
	}

	if c.meta == nil {
		c.meta = metadb.NewSQLiteStore(c.cfg.MetadataDBPath(),
			metadb.WithSQLitePoolSize(c.cfg.BackendPoolSize),
			metadb.WithSQLiteLogger(c.logger))
	}
	if err := c.meta.Init(ctx); err != nil {
		return extractcache.Errorf(extractcache.KindStorageFailure, "initialising metadata store: %w", err)
	}

	fs, err := backend.NewFilesystem(c.cfg.CacheDir)
	if err != nil {
		return extractcache.Errorf(extractcache.KindStorageFailure, "initialising blob backend: %w", err)
	}
	c.blobs = store.NewBlobStore(fs, c.cfg.CompressionLevel, store.WithLogger(c.logger))

	c.initialized = true
	c.logger.Debug("cache initialised", "config", c.cfg.String())
	return nil
}

// Close releases the metadata backend and flushes metrics.
func (c *Cache) Close() error {
	c.initMu.Lock()
	defer c.initMu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	c.touches.Wait()

	var errs []error
	if c.meta != nil && c.initialized {
		if err := c.meta.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.metrics.Shutdown(context.Background()); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Get returns the extracted content for path, invoking processor only if
// no valid cached copy exists.
func (c *Cache) Get(ctx context.Context, path string, processor Processor) (*extractcache.CachedContent, error) {
	if err := c.Initialize(ctx); err != nil {
		c.recordError(ctx, err)
		return nil, err
	}

	start := c.now()
	result, err := c.get(ctx, path, processor)
	elapsed := c.now().Sub(start)

	if err != nil {
		c.recordError(ctx, err)
		c.metrics.RecordRequest(ctx, false, elapsed)
		return nil, err
	}
	c.metrics.RecordRequest(ctx, result.FromCache, elapsed)
	return result, nil
}

func (c *Cache) get(ctx context.Context, raw string, processor Processor) (*extractcache.CachedContent, error) {
	p, err := c.validator.validate(raw)
	if err != nil {
		return nil, err
	}

	if c.cfg.Debug {
		c.logger.Debug("get", "request_id", uuid.NewString(), "path", p)
	}

	// Negative-existence filter: membership means "probably missing",
	// confirmed with a stat before rejecting.
	probablyMissing := c.filter.mightContain(p)
	if _, err := os.Stat(p); err != nil {
		if !os.IsNotExist(err) {
			return nil, extractcache.Errorf(extractcache.KindStorageFailure, "stat %s: %w", p, err)
		}
		if probablyMissing {
			c.metrics.RecordBloomHit(ctx)
		} else {
			c.filter.add(p)
		}
		// A cached entry for a vanished file is stale; drop it now rather
		// than waiting for the sweep.
		c.mem.evict(p)
		if e, err := c.meta.GetByPath(ctx, p); err == nil {
			c.dropEntry(ctx, p, e)
		}
		return nil, extractcache.Errorf(extractcache.KindSourceMissing, "file not found: %s", p)
	}

	// Fast path: tiers without the per-key lock.
	if cc, _, err := c.lookupTiers(ctx, p); err != nil {
		return nil, err
	} else if cc != nil {
		return cc, nil
	}

	return c.processAndCache(ctx, p, processor)
}

// lookupTiers checks the memory tier then the metadata store. It returns
// a non-nil result on a valid hit. On a miss caused by a changed file it
// returns the superseded entry's hash so the caller can garbage-collect
// its blob after replacement.
func (c *Cache) lookupTiers(ctx context.Context, p string) (*extractcache.CachedContent, extractcache.Hash, error) {
	var stale extractcache.Hash
	now := c.now()

	if e := c.mem.lookup(p, now); e != nil {
		status, err := c.integrity.check(ctx, e)
		if err != nil {
			return nil, stale, err
		}
		if status == extractcache.IntegrityValid {
			if err := c.materialize(ctx, e); err == nil {
				c.touchAsync(p, now, e.AccessCount)
				return asCachedContent(e, true), stale, nil
			}
			// Fall through to the metadata tier; a corrupt blob is
			// handled there with the entry in hand.
		}
		c.mem.evict(p)
	}

	e, err := c.meta.GetByPath(ctx, p)
	if err != nil {
		if errors.Is(err, metadb.ErrNotFound) {
			return nil, stale, nil
		}
		return nil, stale, extractcache.Errorf(extractcache.KindStorageFailure, "metadata lookup for %s: %w", p, err)
	}

	status, err := c.integrity.check(ctx, e)
	if err != nil {
		return nil, stale, err
	}
	switch status {
	case extractcache.IntegrityValid:
		if err := c.materialize(ctx, e); err != nil {
			if extractcache.IsKind(err, extractcache.KindIntegrityFault) {
				// Recover locally: drop the damaged entry and let the
				// caller reprocess.
				c.logger.Warn("corrupt blob, invalidating entry", "path", p, "hash", e.ContentHash.ShortString())
				c.dropEntry(ctx, p, e)
				return nil, stale, nil
			}
			return nil, stale, err
		}
		e.AccessCount++
		e.LastAccessed = now
		c.admitToMemory(e)
		c.touchAsync(p, now, e.AccessCount)
		return asCachedContent(e, true), stale, nil

	case extractcache.IntegrityFileMissing:
		c.dropEntry(ctx, p, e)
		c.filter.add(p)
		return nil, stale, extractcache.Errorf(extractcache.KindSourceMissing, "file not found: %s", p)

	default: // modified or content changed
		return nil, e.ContentHash, nil
	}
}

// processAndCache is the miss path: it serialises on the per-key mutex,
// re-checks both tiers, and only then fingerprints and processes.
func (c *Cache) processAndCache(ctx context.Context, p string, processor Processor) (*extractcache.CachedContent, error) {
	release, err := c.locks.acquire(ctx, p)
	if err != nil {
		return nil, err
	}
	defer release()

	// Double-checked admission: another request may have populated the
	// tiers while this one waited for the lock.
	cc, stale, err := c.lookupTiers(ctx, p)
	if err != nil {
		return nil, err
	}
	if cc != nil {
		return cc, nil
	}

	info, err := os.Stat(p)
	if err != nil {
		if os.IsNotExist(err) {
			c.filter.add(p)
			return nil, extractcache.Errorf(extractcache.KindSourceMissing, "file not found: %s", p)
		}
		return nil, extractcache.Errorf(extractcache.KindStorageFailure, "stat %s: %w", p, err)
	}

	hash, size, err := extractcache.FingerprintFile(ctx, p)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, extractcache.Errorf(extractcache.KindStorageFailure, "fingerprinting %s: %w", p, err)
	}

	now := c.now()

	// Content-address hit: another path already carries this content, so
	// the processor call is skipped entirely.
	if cc := c.tryDedupe(ctx, p, hash, info.ModTime(), size, now); cc != nil {
		c.collectStaleBlob(ctx, stale, hash)
		return cc, nil
	}

	content, perr := processor(ctx, p)
	if perr != nil {
		return nil, extractcache.Errorf(extractcache.KindProcessingError, "processing %s: %w", p, perr)
	}

	entry := &extractcache.Entry{
		Path:         p,
		ContentHash:  hash,
		MTime:        info.ModTime(),
		FileSize:     size,
		ExtractedAt:  now,
		LastAccessed: now,
		CreatedAt:    now,
	}
	if len(content) > extractcache.InlineThreshold {
		if err := c.blobs.Put(ctx, hash, content); err != nil {
			return nil, extractcache.Errorf(extractcache.KindStorageFailure, "storing blob for %s: %w", p, err)
		}
		ref := extractcache.NewBlobRef(hash)
		entry.BlobRef = &ref
	} else {
		entry.Content = content
	}

	// Persistent state strictly before memory admission: a crash here
	// leaves at worst an orphan blob for the next sweep.
	if err := c.meta.Put(ctx, entry); err != nil {
		return nil, extractcache.Errorf(extractcache.KindStorageFailure, "storing metadata for %s: %w", p, err)
	}
	c.admitToMemory(entry)
	c.collectStaleBlob(ctx, stale, hash)

	result := asCachedContent(entry, false)
	result.Content = content
	return result, nil
}

// tryDedupe resolves a miss by reusing the content of another path with
// the same hash. Returns nil if no usable donor exists.
func (c *Cache) tryDedupe(ctx context.Context, p string, hash extractcache.Hash, mtime time.Time, size int64, now time.Time) *extractcache.CachedContent {
	donors, err := c.meta.GetByHash(ctx, hash)
	if err != nil {
		c.logger.Warn("dedupe lookup failed", "hash", hash.ShortString(), "error", err)
		return nil
	}

	for _, donor := range donors {
		if donor.Path == p {
			continue
		}
		if err := c.materialize(ctx, donor); err != nil {
			c.logger.Warn("dedupe donor unusable", "path", donor.Path, "error", err)
			continue
		}

		entry := &extractcache.Entry{
			Path:         p,
			ContentHash:  hash,
			MTime:        mtime,
			FileSize:     size,
			ExtractedAt:  donor.ExtractedAt,
			LastAccessed: now,
			CreatedAt:    now,
		}
		if len(donor.Content) > extractcache.InlineThreshold {
			ref := extractcache.NewBlobRef(hash)
			entry.BlobRef = &ref
		} else {
			entry.Content = donor.Content
		}

		if err := c.meta.Put(ctx, entry); err != nil {
			c.logger.Warn("dedupe metadata write failed", "path", p, "error", err)
			return nil
		}
		c.admitToMemory(entry)
		c.metrics.RecordDedupeHit(ctx)

		result := asCachedContent(entry, true)
		result.Content = donor.Content
		return result
	}
	return nil
}

// Invalidate removes the entry for path from every tier, reporting
// whether one existed. The entry's blob is deleted when no other path
// references its hash.
func (c *Cache) Invalidate(ctx context.Context, raw string) (bool, error) {
	if err := c.Initialize(ctx); err != nil {
		c.recordError(ctx, err)
		return false, err
	}

	p, err := c.validator.validate(raw)
	if err != nil {
		c.recordError(ctx, err)
		return false, err
	}

	memRemoved := c.mem.evict(p)

	var staleHash extractcache.Hash
	if e, err := c.meta.GetByPath(ctx, p); err == nil && e.BlobRef != nil {
		staleHash = e.BlobRef.Hash
	}

	removed, err := c.meta.DeleteByPath(ctx, p)
	if err != nil {
		err = extractcache.Errorf(extractcache.KindStorageFailure, "deleting metadata for %s: %w", p, err)
		c.recordError(ctx, err)
		return false, err
	}

	if !staleHash.IsZero() {
		c.collectBlobIfUnreferenced(ctx, staleHash)
	}
	return removed || memRemoved, nil
}

// materialize loads blob-backed content into the entry. Inline entries
// are returned as is. A corrupt or vanished blob is an IntegrityFault.
func (c *Cache) materialize(ctx context.Context, e *extractcache.Entry) error {
	if e.Inline() || e.Content != "" {
		return nil
	}

	content, err := c.blobs.Get(ctx, e.BlobRef.Hash)
	if err != nil {
		if errors.Is(err, store.ErrCorrupt) {
			return extractcache.Errorf(extractcache.KindIntegrityFault, "blob for %s: %w", e.Path, err)
		}
		if errors.Is(err, store.ErrNotFound) {
			return extractcache.Errorf(extractcache.KindIntegrityFault, "blob for %s missing", e.Path)
		}
		return extractcache.Errorf(extractcache.KindStorageFailure, "reading blob for %s: %w", e.Path, err)
	}
	e.Content = content
	return nil
}

// admitToMemory admits a copy of the entry sized per the tier's
// accounting: blob-backed entries are held without their content.
func (c *Cache) admitToMemory(e *extractcache.Entry) {
	admitted := e.Clone()
	if !admitted.Inline() {
		admitted.Content = ""
	}
	c.mem.admit(admitted)
}

// dropEntry removes a stale entry from memory and metadata and collects
// its blob if unreferenced. Failures are logged, not surfaced; the caller
// is already on a recovery path.
func (c *Cache) dropEntry(ctx context.Context, p string, e *extractcache.Entry) {
	c.mem.evict(p)
	if _, err := c.meta.DeleteByPath(ctx, p); err != nil {
		c.logger.Warn("deleting stale entry failed", "path", p, "error", err)
		return
	}
	if e.BlobRef != nil {
		c.collectBlobIfUnreferenced(ctx, e.BlobRef.Hash)
	}
}

// collectStaleBlob collects the blob of a replaced entry once the new
// content is committed, unless the replacement reuses the same hash.
func (c *Cache) collectStaleBlob(ctx context.Context, stale, current extractcache.Hash) {
	if stale.IsZero() || stale == current {
		return
	}
	c.collectBlobIfUnreferenced(ctx, stale)
}

func (c *Cache) collectBlobIfUnreferenced(ctx context.Context, h extractcache.Hash) {
	refs, err := c.meta.GetByHash(ctx, h)
	if err != nil {
		c.logger.Warn("blob refcount lookup failed", "hash", h.ShortString(), "error", err)
		return
	}
	if len(refs) > 0 {
		return
	}
	if err := c.blobs.Delete(ctx, h); err != nil {
		c.logger.Warn("blob delete failed", "hash", h.ShortString(), "error", err)
	}
}

// touchAsync updates access metadata in the metadata store without
// blocking the hit path.
func (c *Cache) touchAsync(p string, accessed time.Time, count int64) {
	c.touches.Add(1)
	go func() {
		defer c.touches.Done()
		ctx, cancel := context.WithTimeout(context.Background(), touchTimeout)
		defer cancel()
		if err := c.meta.Touch(ctx, p, accessed, count); err != nil {
			c.logger.Warn("touch failed", "path", p, "error", err)
		}
	}()
}

func (c *Cache) recordError(ctx context.Context, err error) {
	kind := extractcache.KindOf(err)
	if kind == "" {
		kind = extractcache.KindStorageFailure
	}
	c.metrics.RecordError(ctx, string(kind))
}

func asCachedContent(e *extractcache.Entry, fromCache bool) *extractcache.CachedContent {
	return &extractcache.CachedContent{
		Content:     e.Content,
		FromCache:   fromCache,
		ContentHash: e.ContentHash,
		ExtractedAt: e.ExtractedAt,
		FileSize:    e.FileSize,
	}
}
