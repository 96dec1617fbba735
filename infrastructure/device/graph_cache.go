package device

import (
	"container/list"
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/ahrav/go-sibyl/internal/domain"
	"github.com/ahrav/go-sibyl/internal/ports"
)

// DefaultGraphCacheSize is the entry bound applied when a cache is
// created with a non-positive size.
const DefaultGraphCacheSize = 128

// LRUGraphCache caches compiled scoring graphs per (device, signature)
// pair with least-recently-used eviction. Compilation for a given key runs
// at most once across concurrent callers; losers of the race wait for the
// winner's result instead of compiling again.
type LRUGraphCache struct {
	maxEntries int

	mu    sync.Mutex
	ll    *list.List // front is most recently used
	items map[string]*list.Element

	// sf prevents duplicate compilation when multiple goroutines request
	// the same graph simultaneously.
	sf singleflight.Group

	hits   int64
	misses int64
}

// cacheEntry is the list payload: the key for reverse lookup on eviction
// plus the cached graph.
type cacheEntry struct {
	key   string
	graph ports.CompiledGraph
}

var _ ports.GraphCache = (*LRUGraphCache)(nil)

// NewLRUGraphCache creates a graph cache bounded to maxEntries compiled
// graphs. Non-positive sizes fall back to DefaultGraphCacheSize.
func NewLRUGraphCache(maxEntries int) *LRUGraphCache {
	if maxEntries <= 0 {
		maxEntries = DefaultGraphCacheSize
	}
	return &LRUGraphCache{
		maxEntries: maxEntries,
		ll:         list.New(),
		items:      make(map[string]*list.Element),
	}
}

// GetOrCompile returns the cached graph for (device, sig) or runs compile
// to produce, cache, and return it. The compile callback executes at most
// once per key across concurrent callers.
func (c *LRUGraphCache) GetOrCompile(ctx context.Context, device domain.DeviceID, sig ports.GraphSignature, compile func(context.Context) (ports.CompiledGraph, error)) (ports.CompiledGraph, error) {
	key := string(device) + "/" + sig.String()

	if graph, ok := c.get(key); ok {
		return graph, nil
	}

	// Use singleflight to prevent multiple goroutines from compiling the
	// same graph simultaneously. Failures are not cached; the next caller
	// compiles again.
	v, err, _ := c.sf.Do(key, func() (any, error) {
		// Check cache inside singleflight to handle the race between the
		// cache check and group execution.
		if graph, ok := c.get(key); ok {
			return graph, nil
		}

		graph, err := compile(ctx)
		if err != nil {
			return nil, fmt.Errorf("compile graph for device %s: %w", device, err)
		}

		c.add(key, graph)
		return graph, nil
	})
	if err != nil {
		return nil, err
	}

	return v.(ports.CompiledGraph), nil
}

// Len reports the number of cached graphs.
func (c *LRUGraphCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// CacheStats is a point-in-time snapshot of cache effectiveness.
type CacheStats struct {
	// Entries is the number of graphs currently cached.
	Entries int `json:"entries"`

	// Hits counts lookups served from the cache.
	Hits int64 `json:"hits"`

	// Misses counts lookups that required compilation.
	Misses int64 `json:"misses"`
}

// Stats returns a snapshot of cache size and hit rates.
func (c *LRUGraphCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Entries: c.ll.Len(),
		Hits:    c.hits,
		Misses:  c.misses,
	}
}

func (c *LRUGraphCache) get(key string) (ports.CompiledGraph, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		c.misses++
		return nil, false
	}

	c.hits++
	c.ll.MoveToFront(elem)
	return elem.Value.(*cacheEntry).graph, true
}

func (c *LRUGraphCache) add(key string, graph ports.CompiledGraph) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.ll.MoveToFront(elem)
		elem.Value.(*cacheEntry).graph = graph
		return
	}

	c.items[key] = c.ll.PushFront(&cacheEntry{key: key, graph: graph})

	if c.ll.Len() > c.maxEntries {
		oldest := c.ll.Back()
		c.ll.Remove(oldest)
		delete(c.items, oldest.Value.(*cacheEntry).key)
	}
}
