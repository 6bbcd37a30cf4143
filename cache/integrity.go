package cache

import (
	"context"
	"os"
	"sync"

	extractcache "github.com/wolfeidau/extract-cache"
)

// integrityChecker classifies a cached entry against the current state of
// its source file.
type integrityChecker struct {
	verifyHash bool
}

// check runs the tiered verification: existence, then size, then mtime,
// then (optionally) a full content re-hash. Size is compared before mtime
// because it is cheaper and immune to clock skew; an equal mtime with a
// different size is therefore reported as modified.
func (ic integrityChecker) check(ctx context.Context, entry *extractcache.Entry) (extractcache.IntegrityStatus, error) {
	info, err := os.Stat(entry.Path)
	if err != nil {
		// Any stat failure means the file cannot back the entry.
		return extractcache.IntegrityFileMissing, nil
	}

	if info.Size() != entry.FileSize {
		return extractcache.IntegrityFileModified, nil
	}
	if info.ModTime().After(entry.MTime) {
		return extractcache.IntegrityFileModified, nil
	}

	if !ic.verifyHash {
		return extractcache.IntegrityValid, nil
	}

	current, _, err := extractcache.FingerprintFile(ctx, entry.Path)
	if err != nil {
		return 0, extractcache.Errorf(extractcache.KindStorageFailure, "fingerprinting %s: %w", entry.Path, err)
	}
	if current != entry.ContentHash {
		return extractcache.IntegrityContentChanged, nil
	}
	return extractcache.IntegrityValid, nil
}

// CheckBatch verifies a set of entries concurrently and returns the
// status per path. Entries that fail verification with an error are
// reported as missing.
func (c *Cache) CheckBatch(ctx context.Context, entries []*extractcache.Entry) map[string]extractcache.IntegrityStatus {
	results := make(map[string]extractcache.IntegrityStatus, len(entries))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, entry := range entries {
		wg.Add(1)
		go func(e *extractcache.Entry) {
			defer wg.Done()
			status, err := c.integrity.check(ctx, e)
			if err != nil {
				status = extractcache.IntegrityFileMissing
			}
			mu.Lock()
			results[e.Path] = status
			mu.Unlock()
		}(entry)
	}
	wg.Wait()
	return results
}
