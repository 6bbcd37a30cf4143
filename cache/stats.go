package cache

import (
	"context"

	extractcache "github.com/wolfeidau/extract-cache"
)

// Statistics is a point-in-time view of cache effectiveness and storage
// utilisation.
type Statistics struct {
	TotalRequests     int64            `json:"total_requests"`
	CacheHits         int64            `json:"cache_hits"`
	CacheMisses       int64            `json:"cache_misses"`
	BloomFilterHits   int64            `json:"bloom_filter_hits"`
	DedupeHits        int64            `json:"dedupe_hits"`
	HitRate           float64          `json:"hit_rate"`
	AvgResponseTimeMS float64          `json:"avg_response_time_ms"`
	MinResponseTimeMS float64          `json:"min_response_time_ms"`
	MaxResponseTimeMS float64          `json:"max_response_time_ms"`
	MemoryUsageMB     float64          `json:"memory_usage_mb"`
	MemoryEntries     int              `json:"memory_entries"`
	DiskUsageBytes    int64            `json:"disk_usage_bytes"`
	EntryCount        int64            `json:"entry_count"`
	UniqueHashes      int64            `json:"unique_hashes"`
	DuplicateGroups   int64            `json:"duplicate_groups"`
	Errors            map[string]int64 `json:"errors"`
	UptimeSeconds     float64          `json:"uptime_seconds"`
}

// Statistics reports request counters from the metrics recorder combined
// with storage totals from the metadata store.
func (c *Cache) Statistics(ctx context.Context) (*Statistics, error) {
	if err := c.Initialize(ctx); err != nil {
		c.recordError(ctx, err)
		return nil, err
	}

	totals, err := c.meta.Totals(ctx)
	if err != nil {
		err = extractcache.Errorf(extractcache.KindStorageFailure, "reading totals: %w", err)
		c.recordError(ctx, err)
		return nil, err
	}
	counts, err := c.meta.CountByHash(ctx)
	if err != nil {
		err = extractcache.Errorf(extractcache.KindStorageFailure, "counting hashes: %w", err)
		c.recordError(ctx, err)
		return nil, err
	}

	var duplicateGroups int64
	for _, n := range counts {
		if n > 1 {
			duplicateGroups++
		}
	}

	snap := c.metrics.Snapshot()
	return &Statistics{
		TotalRequests:     snap.TotalRequests,
		CacheHits:         snap.CacheHits,
		CacheMisses:       snap.CacheMisses,
		BloomFilterHits:   snap.BloomFilterHits,
		DedupeHits:        snap.DedupeHits,
		HitRate:           snap.HitRate,
		AvgResponseTimeMS: snap.AvgResponseTimeMS,
		MinResponseTimeMS: snap.MinResponseTimeMS,
		MaxResponseTimeMS: snap.MaxResponseTimeMS,
		MemoryUsageMB:     float64(c.mem.usage()) / (1 << 20),
		MemoryEntries:     c.mem.len(),
		DiskUsageBytes:    totals.TotalBytes,
		EntryCount:        totals.EntryCount,
		UniqueHashes:      int64(len(counts)),
		DuplicateGroups:   duplicateGroups,
		Errors:            snap.Errors,
		UptimeSeconds:     snap.UptimeSeconds,
	}, nil
}

// MetricsPrometheus renders all metric instruments in the Prometheus
// text exposition format.
func (c *Cache) MetricsPrometheus() (string, error) {
	return c.metrics.Prometheus()
}
