package cache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	extractcache "github.com/wolfeidau/extract-cache"
)

const helloHash = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"
const worldHash = "486ea46224d1bb4fb680f34f7c9ad96a8f24ec88be73ea8e5a6c65260e9cb8a7"

func testConfig(t *testing.T) extractcache.Config {
	t.Helper()
	cfg := extractcache.DefaultConfig()
	cfg.CacheDir = t.TempDir()
	cfg.MemoryBudgetBytes = 10 << 20
	return cfg
}

func newTestCache(t *testing.T, cfg extractcache.Config, opts ...Option) *Cache {
	t.Helper()
	c, err := New(cfg, opts...)
	require.NoError(t, err)
	require.NoError(t, c.Initialize(context.Background()))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// countingProcessor returns fixed content and counts invocations.
func countingProcessor(content string) (Processor, *atomic.Int64) {
	var calls atomic.Int64
	return func(_ context.Context, _ string) (string, error) {
		calls.Add(1)
		return content, nil
	}, &calls
}

func TestGetMissThenHit(t *testing.T) {
	dir := t.TempDir()
	c := newTestCache(t, testConfig(t))
	ctx := context.Background()

	path := writeFile(t, dir, "a.txt", "hello")
	proc, calls := countingProcessor("X")

	first, err := c.Get(ctx, path, proc)
	require.NoError(t, err)
	require.Equal(t, "X", first.Content)
	require.False(t, first.FromCache)
	require.Equal(t, helloHash, first.ContentHash.String())
	require.Equal(t, int64(5), first.FileSize)

	second, err := c.Get(ctx, path, proc)
	require.NoError(t, err)
	require.Equal(t, "X", second.Content)
	require.True(t, second.FromCache)
	require.Equal(t, first.ContentHash, second.ContentHash)

	require.Equal(t, int64(1), calls.Load())
}

func TestGetConcurrentProcessesOnce(t *testing.T) {
	dir := t.TempDir()
	c := newTestCache(t, testConfig(t))
	ctx := context.Background()

	path := writeFile(t, dir, "a.txt", "hello")

	var calls atomic.Int64
	proc := func(_ context.Context, _ string) (string, error) {
		calls.Add(1)
		time.Sleep(20 * time.Millisecond)
		return "X", nil
	}

	const n = 10
	results := make([]*extractcache.CachedContent, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := c.Get(ctx, path, proc)
			require.NoError(t, err)
			results[i] = result
		}(i)
	}
	wg.Wait()

	require.Equal(t, int64(1), calls.Load())
	for _, r := range results {
		require.Equal(t, "X", r.Content)
		require.Equal(t, helloHash, r.ContentHash.String())
	}
}

func TestGetBatchDeduplicatesConcurrentRequests(t *testing.T) {
	dir := t.TempDir()
	c := newTestCache(t, testConfig(t))

	path := writeFile(t, dir, "a.txt", "hello")
	proc, calls := countingProcessor("X")

	results := c.GetBatch(context.Background(), []string{path, path, path}, proc, 3)
	require.Len(t, results, 3)
	for _, r := range results {
		require.NoError(t, r.Err)
		require.Equal(t, "X", r.Content.Content)
	}
	require.Equal(t, int64(1), calls.Load())
}

func TestChangeDetectionReprocesses(t *testing.T) {
	dir := t.TempDir()
	c := newTestCache(t, testConfig(t))
	ctx := context.Background()

	path := writeFile(t, dir, "a.txt", "hello")

	first, err := c.Get(ctx, path, func(_ context.Context, _ string) (string, error) { return "A", nil })
	require.NoError(t, err)
	require.Equal(t, helloHash, first.ContentHash.String())

	// Same byte length, so change detection rides on the mtime.
	require.NoError(t, os.WriteFile(path, []byte("world"), 0o644))
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(path, future, future))

	second, err := c.Get(ctx, path, func(_ context.Context, _ string) (string, error) { return "Z", nil })
	require.NoError(t, err)
	require.Equal(t, "Z", second.Content)
	require.False(t, second.FromCache)
	require.Equal(t, worldHash, second.ContentHash.String())
}

func TestDedupeByContentHash(t *testing.T) {
	dir := t.TempDir()
	c := newTestCache(t, testConfig(t))
	ctx := context.Background()

	pathA := writeFile(t, dir, "a.txt", "hello")
	pathB := writeFile(t, dir, "b.txt", "hello")

	procA, callsA := countingProcessor("X")
	procB, callsB := countingProcessor("Y")

	first, err := c.Get(ctx, pathA, procA)
	require.NoError(t, err)
	require.Equal(t, "X", first.Content)

	// Identical bytes under another path reuse the extraction.
	second, err := c.Get(ctx, pathB, procB)
	require.NoError(t, err)
	require.Equal(t, "X", second.Content)
	require.True(t, second.FromCache)
	require.Equal(t, first.ContentHash, second.ContentHash)

	require.Equal(t, int64(1), callsA.Load())
	require.Zero(t, callsB.Load())

	stats, err := c.Statistics(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.DedupeHits)
	require.Equal(t, int64(1), stats.DuplicateGroups)
}

func TestMemoryBudgetHeld(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t)
	cfg.MemoryBudgetBytes = 1 << 20
	c := newTestCache(t, cfg)
	ctx := context.Background()

	// 30 distinct inline extractions of 60 KiB overflow a 1 MiB budget.
	const n = 30
	for i := 0; i < n; i++ {
		path := writeFile(t, dir, fmt.Sprintf("f%d.txt", i), fmt.Sprintf("source %d", i))
		content := strings.Repeat(fmt.Sprintf("%d", i%10), 60<<10)
		_, err := c.Get(ctx, path, func(_ context.Context, _ string) (string, error) { return content, nil })
		require.NoError(t, err)
	}

	require.LessOrEqual(t, c.mem.usage(), cfg.MemoryBudgetBytes)

	stats, err := c.Statistics(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(n), stats.EntryCount)
}

func TestInvalidateRemovesEverywhere(t *testing.T) {
	dir := t.TempDir()
	c := newTestCache(t, testConfig(t))
	ctx := context.Background()

	path := writeFile(t, dir, "a.txt", "hello")
	proc, calls := countingProcessor("X")

	_, err := c.Get(ctx, path, proc)
	require.NoError(t, err)

	removed, err := c.Invalidate(ctx, path)
	require.NoError(t, err)
	require.True(t, removed)

	result, err := c.Get(ctx, path, proc)
	require.NoError(t, err)
	require.False(t, result.FromCache)
	require.Equal(t, int64(2), calls.Load())

	removed, err = c.Invalidate(ctx, filepath.Join(dir, "never-cached.txt"))
	require.NoError(t, err)
	require.False(t, removed)
}

func TestInvalidateCollectsBlob(t *testing.T) {
	dir := t.TempDir()
	c := newTestCache(t, testConfig(t))
	ctx := context.Background()

	path := writeFile(t, dir, "a.txt", "source bytes")
	large := strings.Repeat("L", extractcache.InlineThreshold+1)

	result, err := c.Get(ctx, path, func(_ context.Context, _ string) (string, error) { return large, nil })
	require.NoError(t, err)

	has, err := c.blobs.Has(ctx, result.ContentHash)
	require.NoError(t, err)
	require.True(t, has)

	removed, err := c.Invalidate(ctx, path)
	require.NoError(t, err)
	require.True(t, removed)

	has, err = c.blobs.Has(ctx, result.ContentHash)
	require.NoError(t, err)
	require.False(t, has)
}

func TestPathSecurity(t *testing.T) {
	allowed := t.TempDir()
	cfg := testConfig(t)
	cfg.AllowedPaths = []string{allowed}
	c := newTestCache(t, cfg)
	ctx := context.Background()

	proc, calls := countingProcessor("X")

	_, err := c.Get(ctx, "/etc/passwd", proc)
	require.Error(t, err)
	require.Equal(t, extractcache.KindPermissionDenied, extractcache.KindOf(err))

	_, err = c.Get(ctx, filepath.Join(allowed, "..", "other"), proc)
	require.Error(t, err)
	require.Equal(t, extractcache.KindPermissionDenied, extractcache.KindOf(err))

	require.Zero(t, calls.Load())

	stats, err := c.Statistics(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), stats.Errors[string(extractcache.KindPermissionDenied)])
}

func TestSourceMissingFeedsNegativeFilter(t *testing.T) {
	dir := t.TempDir()
	c := newTestCache(t, testConfig(t))
	ctx := context.Background()

	missing := filepath.Join(dir, "absent.txt")
	proc, calls := countingProcessor("X")

	_, err := c.Get(ctx, missing, proc)
	require.Error(t, err)
	require.Equal(t, extractcache.KindSourceMissing, extractcache.KindOf(err))

	// The second request is rejected via the filter.
	_, err = c.Get(ctx, missing, proc)
	require.Error(t, err)
	require.Equal(t, extractcache.KindSourceMissing, extractcache.KindOf(err))

	require.Zero(t, calls.Load())

	stats, err := c.Statistics(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.BloomFilterHits)
	require.Equal(t, int64(2), stats.Errors[string(extractcache.KindSourceMissing)])
}

func TestDeletedFileInvalidatesEntry(t *testing.T) {
	dir := t.TempDir()
	c := newTestCache(t, testConfig(t))
	ctx := context.Background()

	path := writeFile(t, dir, "a.txt", "hello")
	proc, _ := countingProcessor("X")

	_, err := c.Get(ctx, path, proc)
	require.NoError(t, err)

	require.NoError(t, os.Remove(path))

	_, err = c.Get(ctx, path, proc)
	require.Error(t, err)
	require.Equal(t, extractcache.KindSourceMissing, extractcache.KindOf(err))

	// The stale entry is gone from the metadata store.
	stats, err := c.Statistics(ctx)
	require.NoError(t, err)
	require.Zero(t, stats.EntryCount)
}

func TestLargeContentRoundTripsThroughBlob(t *testing.T) {
	dir := t.TempDir()
	c := newTestCache(t, testConfig(t))
	ctx := context.Background()

	path := writeFile(t, dir, "a.txt", "source bytes")
	large := strings.Repeat("paragraph of extracted text\n", 10_000)
	require.Greater(t, len(large), extractcache.InlineThreshold)

	first, err := c.Get(ctx, path, func(_ context.Context, _ string) (string, error) { return large, nil })
	require.NoError(t, err)
	require.Equal(t, large, first.Content)

	has, err := c.blobs.Has(ctx, first.ContentHash)
	require.NoError(t, err)
	require.True(t, has)

	// The memory tier holds the entry without its content.
	require.LessOrEqual(t, c.mem.usage(), int64(memEntryOverhead))

	second, err := c.Get(ctx, path, func(_ context.Context, _ string) (string, error) { return "unused", nil })
	require.NoError(t, err)
	require.True(t, second.FromCache)
	require.Equal(t, large, second.Content)
}

func TestCorruptBlobTriggersReprocess(t *testing.T) {
	dir := t.TempDir()
	c := newTestCache(t, testConfig(t))
	ctx := context.Background()

	path := writeFile(t, dir, "a.txt", "source bytes")
	large := strings.Repeat("Z", extractcache.InlineThreshold+1)

	proc, calls := countingProcessor(large)
	first, err := c.Get(ctx, path, proc)
	require.NoError(t, err)

	// Damage the blob behind the entry.
	hex := first.ContentHash.String()
	blobPath := filepath.Join(c.cfg.CacheDir, "blobs", hex[:2], hex[2:4], hex+".z")
	require.NoError(t, os.WriteFile(blobPath, []byte("not zlib data"), 0o644))

	second, err := c.Get(ctx, path, proc)
	require.NoError(t, err)
	require.Equal(t, large, second.Content)
	require.Equal(t, int64(2), calls.Load())

	// The blob was rewritten intact.
	got, err := c.blobs.Get(ctx, first.ContentHash)
	require.NoError(t, err)
	require.Equal(t, large, got)
}

func TestSweepRemovesOldEntries(t *testing.T) {
	dir := t.TempDir()

	var offset atomic.Int64
	now := func() time.Time { return time.Now().Add(time.Duration(offset.Load())) }

	c := newTestCache(t, testConfig(t), WithNow(now))
	ctx := context.Background()

	oldPath := writeFile(t, dir, "old.txt", "old source")
	proc, _ := countingProcessor("old extraction")
	_, err := c.Get(ctx, oldPath, proc)
	require.NoError(t, err)

	// 40 days later a fresh entry arrives.
	offset.Store(int64(40 * 24 * time.Hour))
	freshPath := writeFile(t, dir, "fresh.txt", "fresh source")
	_, err = c.Get(ctx, freshPath, proc)
	require.NoError(t, err)

	removed, err := c.SweepOlderThan(ctx, 30*24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	stats, err := c.Statistics(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.EntryCount)

	// The swept path is gone from the memory tier as well.
	require.Nil(t, c.mem.lookup(oldPath, time.Now()))
}

func TestSweepCollectsOrphanBlobs(t *testing.T) {
	c := newTestCache(t, testConfig(t))
	ctx := context.Background()

	// An orphan blob, as a crash between blob write and metadata commit
	// would leave behind.
	orphan := extractcache.HashBytes([]byte("orphaned source"))
	require.NoError(t, c.blobs.Put(ctx, orphan, "orphaned content"))

	removed, err := c.SweepOlderThan(ctx, 30*24*time.Hour)
	require.NoError(t, err)
	require.Zero(t, removed)

	has, err := c.blobs.Has(ctx, orphan)
	require.NoError(t, err)
	require.False(t, has)
}

func TestSweepKeepsReferencedBlobs(t *testing.T) {
	dir := t.TempDir()
	c := newTestCache(t, testConfig(t))
	ctx := context.Background()

	path := writeFile(t, dir, "a.txt", "source bytes")
	large := strings.Repeat("K", extractcache.InlineThreshold+1)

	result, err := c.Get(ctx, path, func(_ context.Context, _ string) (string, error) { return large, nil })
	require.NoError(t, err)

	_, err = c.SweepOlderThan(ctx, 30*24*time.Hour)
	require.NoError(t, err)

	has, err := c.blobs.Has(ctx, result.ContentHash)
	require.NoError(t, err)
	require.True(t, has)
}

func TestGetBatchPositionalResults(t *testing.T) {
	dir := t.TempDir()
	c := newTestCache(t, testConfig(t))

	good1 := writeFile(t, dir, "one.txt", "content one")
	missing := filepath.Join(dir, "missing.txt")
	good2 := writeFile(t, dir, "two.txt", "content two")

	proc := func(_ context.Context, path string) (string, error) {
		return "extracted:" + filepath.Base(path), nil
	}

	results := c.GetBatch(context.Background(), []string{good1, missing, good2}, proc, 2)
	require.Len(t, results, 3)

	require.NoError(t, results[0].Err)
	require.Equal(t, "extracted:one.txt", results[0].Content.Content)

	require.Error(t, results[1].Err)
	require.Equal(t, extractcache.KindSourceMissing, extractcache.KindOf(results[1].Err))

	require.NoError(t, results[2].Err)
	require.Equal(t, "extracted:two.txt", results[2].Content.Content)
}

func TestInvalidateBatch(t *testing.T) {
	dir := t.TempDir()
	c := newTestCache(t, testConfig(t))
	ctx := context.Background()

	proc, _ := countingProcessor("X")
	cached1 := writeFile(t, dir, "one.txt", "content one")
	cached2 := writeFile(t, dir, "two.txt", "content two")
	uncached := writeFile(t, dir, "three.txt", "content three")

	_, err := c.Get(ctx, cached1, proc)
	require.NoError(t, err)
	_, err = c.Get(ctx, cached2, proc)
	require.NoError(t, err)

	removed := c.InvalidateBatch(ctx, []string{cached1, cached2, uncached})
	require.Equal(t, 2, removed)
}

func TestProcessorErrorSurfaces(t *testing.T) {
	dir := t.TempDir()
	c := newTestCache(t, testConfig(t))
	ctx := context.Background()

	path := writeFile(t, dir, "a.txt", "hello")

	_, err := c.Get(ctx, path, func(_ context.Context, _ string) (string, error) {
		return "", fmt.Errorf("parser exploded")
	})
	require.Error(t, err)
	require.Equal(t, extractcache.KindProcessingError, extractcache.KindOf(err))
	require.Contains(t, err.Error(), "parser exploded")

	// A failed processing attempt caches nothing.
	proc, calls := countingProcessor("recovered")
	result, err := c.Get(ctx, path, proc)
	require.NoError(t, err)
	require.False(t, result.FromCache)
	require.Equal(t, int64(1), calls.Load())

	stats, err := c.Statistics(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.Errors[string(extractcache.KindProcessingError)])
}

func TestStatistics(t *testing.T) {
	dir := t.TempDir()
	c := newTestCache(t, testConfig(t))
	ctx := context.Background()

	path := writeFile(t, dir, "a.txt", "hello")
	proc, _ := countingProcessor("X")

	_, err := c.Get(ctx, path, proc) // miss
	require.NoError(t, err)
	_, err = c.Get(ctx, path, proc) // hit
	require.NoError(t, err)

	stats, err := c.Statistics(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), stats.TotalRequests)
	require.Equal(t, int64(1), stats.CacheHits)
	require.Equal(t, int64(1), stats.CacheMisses)
	require.InDelta(t, 0.5, stats.HitRate, 0.001)
	require.Equal(t, int64(1), stats.EntryCount)
	require.Equal(t, int64(1), stats.UniqueHashes)
	require.Zero(t, stats.DuplicateGroups)
	require.Positive(t, stats.UptimeSeconds)
	require.Equal(t, int64(5), stats.DiskUsageBytes)
}

func TestMetricsPrometheus(t *testing.T) {
	dir := t.TempDir()
	c := newTestCache(t, testConfig(t))

	path := writeFile(t, dir, "a.txt", "hello")
	proc, _ := countingProcessor("X")
	_, err := c.Get(context.Background(), path, proc)
	require.NoError(t, err)

	text, err := c.MetricsPrometheus()
	require.NoError(t, err)
	require.Contains(t, text, "cache_requests_total")
	require.Contains(t, text, "# TYPE")
}

func TestTouchPersistsAccessMetadata(t *testing.T) {
	dir := t.TempDir()
	c := newTestCache(t, testConfig(t))
	ctx := context.Background()

	path := writeFile(t, dir, "a.txt", "hello")
	proc, _ := countingProcessor("X")

	canonical, err := c.validator.validate(path)
	require.NoError(t, err)

	_, err = c.Get(ctx, path, proc)
	require.NoError(t, err)
	_, err = c.Get(ctx, path, proc)
	require.NoError(t, err)

	// The hit's touch is asynchronous.
	require.Eventually(t, func() bool {
		entry, err := c.meta.GetByPath(ctx, canonical)
		return err == nil && entry.AccessCount >= 1
	}, 2*time.Second, 20*time.Millisecond)
}

func TestCloseIsIdempotent(t *testing.T) {
	c := newTestCache(t, testConfig(t))
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.CompressionLevel = 42

	_, err := New(cfg)
	require.Error(t, err)
	require.Equal(t, extractcache.KindConfigInvalid, extractcache.KindOf(err))
}
