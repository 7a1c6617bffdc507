package playback

import (
	"container/list"
	"sync"

	"github.com/example/richtext-sync/internal/types"
)

type cacheKey struct {
	Document types.DocumentID
	LSN      int64
}

// cacheEntry stores an encoded snapshot of a document at a log position.
type cacheEntry struct {
	LSN      int64
	LastOp   types.OperationID
	Snapshot []byte
}

type stateCache struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	items    map[cacheKey]*list.Element
}

type cacheItem struct {
	key   cacheKey
	entry cacheEntry
}

func newStateCache(capacity int) *stateCache {
	if capacity < 1 {
		capacity = 1
	}
	return &stateCache{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[cacheKey]*list.Element),
	}
}

// Get returns the entry with the highest LSN not past targetLSN.
func (c *stateCache) Get(docID types.DocumentID, targetLSN int64) (cacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var best *list.Element
	for key, elem := range c.items {
		if key.Document != docID || key.LSN > targetLSN {
			continue
		}
		if best == nil || key.LSN > best.Value.(cacheItem).key.LSN {
			best = elem
		}
	}
	if best == nil {
		cacheMisses.Inc()
		return cacheEntry{}, false
	}

	cacheHits.Inc()
	c.ll.MoveToFront(best)
	return best.Value.(cacheItem).entry, true
}

func (c *stateCache) Put(docID types.DocumentID, entry cacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey{Document: docID, LSN: entry.LSN}
	if elem, ok := c.items[key]; ok {
		elem.Value = cacheItem{key: key, entry: entry}
		c.ll.MoveToFront(elem)
		return
	}

	c.items[key] = c.ll.PushFront(cacheItem{key: key, entry: entry})
	if c.ll.Len() > c.capacity {
		last := c.ll.Back()
		c.ll.Remove(last)
		delete(c.items, last.Value.(cacheItem).key)
	}
}

func (c *stateCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}
