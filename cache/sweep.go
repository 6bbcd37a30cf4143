package cache

import (
	"context"
	"time"

	extractcache "github.com/wolfeidau/extract-cache"
)

// SweepOlderThan removes entries whose last access is older than age,
// then garbage-collects blobs no remaining entry references (including
// orphans left by crashes between blob write and metadata commit).
// Returns the number of entries removed.
func (c *Cache) SweepOlderThan(ctx context.Context, age time.Duration) (int, error) {
	if err := c.Initialize(ctx); err != nil {
		c.recordError(ctx, err)
		return 0, err
	}

	cutoff := c.now().Add(-age)
	start := c.now()
	var removed int

	err := c.meta.IterOlderThan(ctx, cutoff, func(e *extractcache.Entry) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		ok, err := c.meta.DeleteByPath(ctx, e.Path)
		if err != nil {
			c.logger.Warn("sweep delete failed", "path", e.Path, "error", err)
			return nil
		}
		c.mem.evict(e.Path)
		if ok {
			removed++
		}
		return nil
	})
	if err != nil {
		err = extractcache.Errorf(extractcache.KindStorageFailure, "sweeping entries: %w", err)
		c.recordError(ctx, err)
		return removed, err
	}

	collected, err := c.collectGarbage(ctx)
	if err != nil {
		c.logger.Warn("blob garbage collection failed", "error", err)
	}

	c.logger.Info("sweep completed",
		"removed", removed,
		"blobs_collected", collected,
		"cutoff", cutoff,
		"duration", c.now().Sub(start))
	return removed, nil
}

// collectGarbage deletes every on-disk blob whose hash no metadata entry
// references. Returns the number of blobs deleted.
func (c *Cache) collectGarbage(ctx context.Context) (int, error) {
	counts, err := c.meta.CountByHash(ctx)
	if err != nil {
		return 0, err
	}
	hashes, err := c.blobs.List(ctx)
	if err != nil {
		return 0, err
	}

	var collected int
	for _, h := range hashes {
		if err := ctx.Err(); err != nil {
			return collected, err
		}
		if counts[h.String()] > 0 {
			continue
		}
		if err := c.blobs.Delete(ctx, h); err != nil {
			c.logger.Warn("deleting unreferenced blob failed", "hash", h.ShortString(), "error", err)
			continue
		}
		collected++
	}
	return collected, nil
}
