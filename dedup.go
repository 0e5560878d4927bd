package pool

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DedupResult is the outcome of CheckAndInsert.
type DedupResult int

const (
	// DedupFirstSeen means the key was absent (or expired) and has now
	// been recorded under the caller's source.
	DedupFirstSeen DedupResult = iota
	// DedupDuplicate means the key is still within its retention window
	// under an earlier source; nothing was mutated.
	DedupDuplicate
)

const (
	sweepInterval     = 1 * time.Second
	bulkEvictFraction = 0.10
	bulkEvictHighWater = 0.80
)

type dedupEntry struct {
	firstSeenAt time.Time
	source      string
}

// DedupCache answers "has this signature been seen in the last window?"
// with at-most-one positive answer across all callers (spec section 4.1).
// It is backed by github.com/hashicorp/golang-lru/v2, grounded on the
// cache-aside usage in webitel-im-delivery-service's peer_enricher.go: the
// LRU gives us the "evict the single oldest entry when full" behavior for
// free via RemoveOldest, at the cost of ordering evictions by recency of
// Add rather than strictly by firstSeenAt — CheckAndInsert never calls Get
// on a hit, only Peek, so recency tracks insertion order closely enough for
// the bound in spec section 8 ("after maxSize+k unique insertions, Size()
// <= maxSize") to hold exactly.
type DedupCache struct {
	mu      sync.Mutex
	window  time.Duration
	maxSize int
	clock   Clock
	cache   *lru.Cache[string, dedupEntry]

	sweepTicker Ticker
	stopOnce    sync.Once
	stopped     chan struct{}
	done        chan struct{}
}

// NewDedupCache constructs a cache with the given window and hard size cap
// and starts its background sweeper.
func NewDedupCache(window time.Duration, maxSize int, clock Clock) *DedupCache {
	c, _ := lru.New[string, dedupEntry](maxSize)
	d := &DedupCache{
		window:  window,
		maxSize: maxSize,
		clock:   clock,
		cache:   c,
		stopped: make(chan struct{}),
		done:    make(chan struct{}),
	}
	d.sweepTicker = clock.NewTicker(sweepInterval)
	go d.sweepLoop()
	return d
}

// CheckAndInsert is the cache's sole mutating entry point (spec section
// 4.1). It is atomic with respect to other callers of CheckAndInsert.
func (d *DedupCache) CheckAndInsert(key []byte, now time.Time, source string) (DedupResult, string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	k := string(key)
	if e, ok := d.cache.Peek(k); ok {
		if now.Sub(e.firstSeenAt) < d.window {
			return DedupDuplicate, e.source
		}
		d.cache.Remove(k)
	}

	d.cache.Add(k, dedupEntry{firstSeenAt: now, source: source})
	return DedupFirstSeen, ""
}

// Size returns the current entry count. Callers may observe a stale value
// (spec section 4.1: "Reads of Size() may observe stale values").
func (d *DedupCache) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cache.Len()
}

// Clear empties the cache.
func (d *DedupCache) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cache.Purge()
}

// Stop halts the background sweeper. Safe to call more than once.
func (d *DedupCache) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopped)
		d.sweepTicker.Stop()
		<-d.done
	})
}

func (d *DedupCache) sweepLoop() {
	defer close(d.done)
	for {
		select {
		case <-d.stopped:
			return
		case <-d.sweepTicker.C():
			d.sweepOnce()
		}
	}
}

func (d *DedupCache) sweepOnce() {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock.Now()
	for _, k := range d.cache.Keys() {
		e, ok := d.cache.Peek(k)
		if !ok {
			continue
		}
		if now.Sub(e.firstSeenAt) >= d.window {
			d.cache.Remove(k)
		}
	}

	if d.maxSize > 0 && float64(d.cache.Len()) >= bulkEvictHighWater*float64(d.maxSize) {
		toEvict := int(float64(d.maxSize) * bulkEvictFraction)
		for i := 0; i < toEvict; i++ {
			if _, _, ok := d.cache.RemoveOldest(); !ok {
				break
			}
		}
	}
}
