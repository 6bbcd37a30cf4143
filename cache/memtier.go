package cache

import (
	"container/list"
	"sync"
	"time"

	extractcache "github.com/wolfeidau/extract-cache"
)

// memEntryOverhead approximates the record cost of an entry whose content
// lives in the blob store rather than inline.
const memEntryOverhead = 256

// memoryTier is a byte-budgeted LRU over cache entries. The lock is held
// only around O(1) map and list operations.
type memoryTier struct {
	mu     sync.Mutex
	budget int64
	used   int64
	ll     *list.List // front = most recently used
	items  map[string]*list.Element
}

type memItem struct {
	entry *extractcache.Entry
	size  int64
}

func newMemoryTier(budget int64) *memoryTier {
	return &memoryTier{
		budget: budget,
		ll:     list.New(),
		items:  make(map[string]*list.Element),
	}
}

// entrySize accounts the content length for inline entries and a fixed
// record overhead otherwise.
func entrySize(e *extractcache.Entry) int64 {
	if e.Inline() {
		return int64(len(e.Content))
	}
	return memEntryOverhead
}

// lookup returns a copy of the entry for path, promoting it to most
// recently used and bumping its access metadata. Returns nil on miss.
func (m *memoryTier) lookup(path string, now time.Time) *extractcache.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.items[path]
	if !ok {
		return nil
	}
	m.ll.MoveToFront(el)

	item := el.Value.(*memItem)
	item.entry.AccessCount++
	item.entry.LastAccessed = now
	return item.entry.Clone()
}

// admit inserts the entry at most recently used, evicting from the LRU
// end until the tier fits the budget. Entries larger than the whole
// budget are not admitted. Evictions are not written back; the metadata
// store already holds them.
func (m *memoryTier) admit(entry *extractcache.Entry) {
	size := entrySize(entry)
	if size > m.budget {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if el, ok := m.items[entry.Path]; ok {
		m.removeElement(el)
	}
	for m.used+size > m.budget && m.ll.Len() > 0 {
		m.removeElement(m.ll.Back())
	}

	item := &memItem{entry: entry.Clone(), size: size}
	m.items[entry.Path] = m.ll.PushFront(item)
	m.used += size
}

// evict removes the entry for path, reporting whether one was present.
func (m *memoryTier) evict(path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.items[path]
	if !ok {
		return false
	}
	m.removeElement(el)
	return true
}

func (m *memoryTier) removeElement(el *list.Element) {
	item := el.Value.(*memItem)
	m.ll.Remove(el)
	delete(m.items, item.entry.Path)
	m.used -= item.size
}

// usage returns the current accounted byte size.
func (m *memoryTier) usage() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.used
}

// len returns the number of resident entries.
func (m *memoryTier) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ll.Len()
}
