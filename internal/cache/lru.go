package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/criminalytix/seenpredyct/internal/domain"
)

const defaultLocalMaxSize = 10000

// Stats is a snapshot of an in-memory cache.
type Stats struct {
	Entries  int   `json:"entries"`
	Capacity int   `json:"capacity"`
	Counters int   `json:"counters"`
	Hits     int64 `json:"hits"`
	Misses   int64 `json:"misses"`
}

// LRUCache is the community tier cache and the L1 of TwoPhaseCache.
// Entries expire by TTL and the least recently used entry is evicted
// past maxSize. Counters are kept apart from entries and never evicted
// while their window is open.
type LRUCache struct {
	mu       sync.RWMutex
	maxSize  int
	items    map[string]*list.Element
	recency  *list.List // front is most recently used
	counters map[string]*window
	hits     int64
	misses   int64

	now func() time.Time
}

type item struct {
	key     string
	value   []byte
	expires time.Time
}

type window struct {
	count  int64
	closes time.Time
}

// NewLRUCache returns a cache holding at most maxSize entries.
func NewLRUCache(maxSize int) *LRUCache {
	if maxSize <= 0 {
		maxSize = defaultLocalMaxSize
	}
	c := &LRUCache{maxSize: maxSize, now: time.Now}
	c.reset()
	return c
}

func (c *LRUCache) reset() {
	c.items = make(map[string]*list.Element)
	c.recency = list.New()
	c.counters = make(map[string]*window)
}

// Get returns the value under key. A miss or an expired entry returns
// nil, nil.
func (c *LRUCache) Get(ctx context.Context, key string) ([]byte, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	it := c.live(key)
	if it == nil {
		c.misses++
		return nil, nil
	}
	c.hits++
	return it.value, nil
}

// live returns the unexpired item under key and marks it recently used.
// Expired items are dropped. Callers hold mu.
func (c *LRUCache) live(key string) *item {
	elem, ok := c.items[key]
	if !ok {
		return nil
	}
	it := elem.Value.(*item)
	if !c.now().Before(it.expires) {
		c.drop(elem)
		return nil
	}
	c.recency.MoveToFront(elem)
	return it
}

// Set stores value under key for ttl.
func (c *LRUCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return ErrEmptyKey
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	expires := c.now().Add(ttl)
	if elem, ok := c.items[key]; ok {
		it := elem.Value.(*item)
		it.value, it.expires = value, expires
		c.recency.MoveToFront(elem)
		return nil
	}

	c.items[key] = c.recency.PushFront(&item{key: key, value: value, expires: expires})
	for c.recency.Len() > c.maxSize {
		c.drop(c.recency.Back())
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (c *LRUCache) Delete(ctx context.Context, key string) error {
	if key == "" {
		return ErrEmptyKey
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.drop(elem)
	}
	return nil
}

// GetPrediction returns a cached prediction record, or nil on a miss.
func (c *LRUCache) GetPrediction(ctx context.Context, id string) (*domain.PredictionRecord, error) {
	return loadPrediction(ctx, c, id)
}

// SetPrediction caches a prediction record.
func (c *LRUCache) SetPrediction(ctx context.Context, rec *domain.PredictionRecord, ttl time.Duration) error {
	return storePrediction(ctx, c, rec, ttl)
}

// IncrementCounter counts a hit in the fixed window under key and
// returns the count so far. The first hit opens a window of length w.
func (c *LRUCache) IncrementCounter(ctx context.Context, key string, w time.Duration) (int64, error) {
	if key == "" {
		return 0, ErrEmptyKey
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if win, ok := c.counters[key]; ok && now.Before(win.closes) {
		win.count++
		return win.count, nil
	}

	if _, ok := c.counters[key]; !ok && len(c.counters) >= c.maxSize {
		c.purgeCounters(now)
	}
	c.counters[key] = &window{count: 1, closes: now.Add(w)}
	return 1, nil
}

// Ping always succeeds.
func (c *LRUCache) Ping(ctx context.Context) error {
	return nil
}

// Close empties the cache.
func (c *LRUCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reset()
	return nil
}

// Stats returns a snapshot of sizes and hit counts.
func (c *LRUCache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{
		Entries:  c.recency.Len(),
		Capacity: c.maxSize,
		Counters: len(c.counters),
		Hits:     c.hits,
		Misses:   c.misses,
	}
}

// purgeCounters drops counters whose window has closed.
func (c *LRUCache) purgeCounters(now time.Time) {
	for key, win := range c.counters {
		if !now.Before(win.closes) {
			delete(c.counters, key)
		}
	}
}

func (c *LRUCache) drop(elem *list.Element) {
	if elem == nil {
		return
	}
	c.recency.Remove(elem)
	delete(c.items, elem.Value.(*item).key)
}
