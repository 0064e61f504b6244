package lsm

import (
	"bytes"
	"sort"
	"sync"

	"github.com/hashicorp/golang-lru/simplelru"
	"github.com/pkg/errors"
)

// Cache is the front-end read cache: key -> newest resolved Item, tombstones
// included. Once it holds more than capacity entries it drops the evictBatch
// least recently used ones at once.
type Cache struct {
	mu         sync.Mutex
	lru        *simplelru.LRU
	capacity   int
	evictBatch int
	gen        uint64
	evictions  uint64
}

func NewCache(capacity, evictBatch int) (*Cache, error) {
	if capacity < 1 || evictBatch < 1 {
		return nil, errors.Wrap(ErrInvalidOptions, "cache capacity and evict batch must be >= 1")
	}
	// The LRU itself never evicts; trimming is done here in batches.
	l, err := simplelru.NewLRU(capacity+evictBatch+1, nil)
	if err != nil {
		return nil, errors.Wrap(err, "create lru")
	}
	return &Cache{lru: l, capacity: capacity, evictBatch: evictBatch}, nil
}

// Get refreshes recency on hit.
func (c *Cache) Get(key []byte) (Item, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.lru.Get(string(key))
	if !ok {
		return Item{}, false
	}
	return v.(Item), true
}

// Put records a write. It invalidates every generation observed before it.
func (c *Cache) Put(key []byte, it Item) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.add(string(key), it)
}

// Generation is observed by readers before they resolve a key below the
// cache.
func (c *Cache) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

// Fill installs a value resolved by a reader, unless a write happened since
// gen was observed.
func (c *Cache) Fill(key []byte, it Item, gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return false
	}
	c.add(string(key), it)
	return true
}

func (c *Cache) add(key string, it Item) {
	c.lru.Add(key, it)
	if c.lru.Len() <= c.capacity {
		return
	}
	n := c.evictBatch
	if over := c.lru.Len() - c.capacity; over > n {
		n = over
	}
	for i := 0; i < n; i++ {
		if _, _, ok := c.lru.RemoveOldest(); !ok {
			break
		}
		c.evictions++
	}
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

func (c *Cache) Evictions() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictions
}

func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.lru.Purge()
}

// Range returns cached entries with start <= key <= end, sorted. Recency is
// not touched.
func (c *Cache) Range(start, end []byte) []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Entry
	for _, k := range c.lru.Keys() {
		ks := []byte(k.(string))
		if start != nil && bytes.Compare(ks, start) < 0 {
			continue
		}
		if end != nil && bytes.Compare(ks, end) > 0 {
			continue
		}
		v, _ := c.lru.Peek(k)
		out = append(out, Entry{Key: ks, Item: v.(Item)})
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].Key, out[j].Key) < 0 })
	return out
}
