package cache

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	extractcache "github.com/wolfeidau/extract-cache"
)

// BatchResult is one positional outcome of GetBatch.
type BatchResult struct {
	Content *extractcache.CachedContent
	Err     error
}

// GetBatch runs Get for each path with at most maxConcurrent in flight.
// Results are positional: results[i] corresponds to paths[i].
func (c *Cache) GetBatch(ctx context.Context, paths []string, processor Processor, maxConcurrent int) []BatchResult {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}

	sem := semaphore.NewWeighted(int64(maxConcurrent))
	results := make([]BatchResult, len(paths))
	var wg sync.WaitGroup

	for i, p := range paths {
		wg.Add(1)
		go func(i int, p string) {
			defer wg.Done()
			if err := sem.Acquire(ctx, 1); err != nil {
				results[i].Err = err
				return
			}
			defer sem.Release(1)

			content, err := c.Get(ctx, p, processor)
			results[i] = BatchResult{Content: content, Err: err}
		}(i, p)
	}

	wg.Wait()
	return results
}

// InvalidateBatch invalidates the given paths in parallel, with no
// ordering guarantee, and returns the number of entries removed.
func (c *Cache) InvalidateBatch(ctx context.Context, paths []string) int {
	var removed atomic.Int64

	g := new(errgroup.Group)
	g.SetLimit(c.cfg.BackendPoolSize)
	for _, p := range paths {
		g.Go(func() error {
			ok, err := c.Invalidate(ctx, p)
			if err == nil && ok {
				removed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	return int(removed.Load())
}
