package cache

import (
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
)

// filterFalsePositiveRate is the target false-positive rate for the
// negative-existence filter. A false positive costs one extra stat call.
const filterFalsePositiveRate = 0.01

// negativeFilter remembers paths observed as missing so repeated lookups
// for absent files can skip the cache tiers. It is advisory only and is
// rebuilt empty at process start.
type negativeFilter struct {
	mu sync.Mutex
	f  *bloom.BloomFilter
}

func newNegativeFilter(capacity uint) *negativeFilter {
	return &negativeFilter{
		f: bloom.NewWithEstimates(capacity, filterFalsePositiveRate),
	}
}

// add records a path as observed-missing.
func (n *negativeFilter) add(path string) {
	n.mu.Lock()
	n.f.AddString(path)
	n.mu.Unlock()
}

// mightContain reports whether the path was probably observed as missing.
func (n *negativeFilter) mightContain(path string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.f.TestString(path)
}
