package counter

import (
	"container/list"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// cacheStripes is the number of independently locked cache segments.
// Power of two so stripe selection is a mask on the key hash.
const cacheStripes = 16

type cacheEntry struct {
	key   string
	count int64
	at    time.Time
}

// readCache holds recently served counts with a freshness window.
//
// An entry answers reads for ttl after it was written; after that it is
// stale and sits untouched until the next miss overwrites it. There is no
// background eviction. An optional maxEntries cap (0 = unbounded) bounds
// memory on huge key spaces by evicting the least recently written entry
// of the stripe being inserted into.
//
// Striping keeps the hot read path on a per-stripe RWMutex instead of one
// global lock; stripes are picked by xxhash of the page key.
type readCache struct {
	ttl       time.Duration
	perStripe int // max entries per stripe, 0 = unbounded
	stripes   [cacheStripes]cacheStripe
}

type cacheStripe struct {
	mu    sync.RWMutex
	items map[string]*list.Element
	order *list.List // front = most recently written
}

func newReadCache(ttl time.Duration, maxEntries int) *readCache {
	c := &readCache{ttl: ttl}
	if maxEntries > 0 {
		c.perStripe = maxEntries / cacheStripes
		if c.perStripe < 1 {
			c.perStripe = 1
		}
	}
	for i := range c.stripes {
		c.stripes[i].items = make(map[string]*list.Element)
		c.stripes[i].order = list.New()
	}
	return c
}

func (c *readCache) stripe(key string) *cacheStripe {
	return &c.stripes[xxhash.Sum64String(key)&(cacheStripes-1)]
}

// get returns the cached count if the entry is still fresh.
func (c *readCache) get(key string, now time.Time) (int64, bool) {
	s := c.stripe(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	el, ok := s.items[key]
	if !ok {
		return 0, false
	}
	e := el.Value.(*cacheEntry)
	if now.Sub(e.at) >= c.ttl {
		return 0, false
	}
	return e.count, true
}

// put stores a freshly read count, overwriting any previous entry for the
// key. When the stripe is at its cap the least recently written entry goes.
func (c *readCache) put(key string, count int64, now time.Time) (evicted bool) {
	s := c.stripe(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.items[key]; ok {
		e := el.Value.(*cacheEntry)
		e.count = count
		e.at = now
		s.order.MoveToFront(el)
		return false
	}

	if c.perStripe > 0 && s.order.Len() >= c.perStripe {
		oldest := s.order.Back()
		if oldest != nil {
			old := s.order.Remove(oldest).(*cacheEntry)
			delete(s.items, old.key)
			evicted = true
		}
	}

	s.items[key] = s.order.PushFront(&cacheEntry{key: key, count: count, at: now})
	return evicted
}

// len counts all resident entries, fresh and stale alike.
func (c *readCache) len() int {
	n := 0
	for i := range c.stripes {
		s := &c.stripes[i]
		s.mu.RLock()
		n += len(s.items)
		s.mu.RUnlock()
	}
	return n
}
